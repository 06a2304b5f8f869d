package realtime

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-token-queue/internal/queue"
)

var testKey = queue.QueueKey{HospitalRef: "h1", DoctorRef: "d1", Day: "2026-10-18"}

func stateAt(version int64, current int) queue.DoctorQueueState {
	s := queue.NewDoctorQueueState(testKey)
	s.Version = version
	s.CurrentToken = current
	return s
}

func update(version int64) Message {
	return NewMessage(TypeUpdate, queue.QueueChange{State: stateAt(version, int(version))})
}

func receive(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case data := <-c.Send:
		var msg Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return Message{}
	}
}

func assertNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.Send:
		t.Fatalf("unexpected message: %s", data)
	default:
	}
}

func TestSubscription_AcceptsOnlyNewerVersions(t *testing.T) {
	sub := NewSubscription("c1", ChannelFor(testKey))

	var applied []int64
	for _, v := range []int64{5, 3, 6, 6} {
		if sub.Accept(v) {
			applied = append(applied, v)
		}
	}

	assert.Equal(t, []int64{5, 6}, applied)
	assert.Equal(t, int64(6), sub.LastSeenVersion)
}

func TestSubscription_AcceptsInitialVersionZero(t *testing.T) {
	sub := NewSubscription("c1", ChannelFor(testKey))
	assert.True(t, sub.Accept(0))
	assert.False(t, sub.Accept(0))
}

func TestHub_BroadcastFiltersStaleVersions(t *testing.T) {
	hub := NewHub(nil, zerolog.Nop())
	client := NewClient("c1", 16)
	hub.Register(client)
	hub.Subscribe(client, ChannelFor(testKey))

	hub.Broadcast(update(5))
	hub.Broadcast(update(3))
	hub.Broadcast(update(6))

	assert.Equal(t, int64(5), receive(t, client).Version)
	got := receive(t, client)
	assert.Equal(t, int64(6), got.Version)
	assert.Equal(t, 6, got.State.CurrentToken)
	assertNothing(t, client)
}

func TestHub_OnlySubscribersReceive(t *testing.T) {
	hub := NewHub(nil, zerolog.Nop())
	subscriber := NewClient("sub", 16)
	other := NewClient("other", 16)
	hub.Register(subscriber)
	hub.Register(other)
	hub.Subscribe(subscriber, ChannelFor(testKey))
	hub.Subscribe(other, "queue:h1:d2:2026-10-18")

	hub.Broadcast(update(1))

	assert.Equal(t, ChannelFor(testKey), receive(t, subscriber).Channel)
	assertNothing(t, other)
	assert.Equal(t, 1, hub.ChannelCount(ChannelFor(testKey)))
}

func TestHub_ResubscribeKeepsWatermark(t *testing.T) {
	hub := NewHub(nil, zerolog.Nop())
	client := NewClient("c1", 16)
	hub.Register(client)
	hub.Subscribe(client, ChannelFor(testKey))
	hub.Broadcast(update(4))
	receive(t, client)

	hub.Subscribe(client, ChannelFor(testKey))
	hub.Broadcast(update(4))
	assertNothing(t, client)
}

func TestHub_SendToErrorBypassesFilter(t *testing.T) {
	hub := NewHub(nil, zerolog.Nop())
	client := NewClient("c1", 16)
	hub.Register(client)

	hub.SendTo(client, errorMessage("nope", ErrBadChannel))

	msg := receive(t, client)
	assert.Equal(t, TypeError, msg.Type)
	assert.Contains(t, msg.Error, "bad channel")
}

func TestHub_UnregisterClosesAndDetaches(t *testing.T) {
	hub := NewHub(nil, zerolog.Nop())
	client := NewClient("c1", 16)
	hub.Register(client)
	hub.Subscribe(client, ChannelFor(testKey))

	hub.Unregister(client)
	hub.Unregister(client)

	_, ok := <-client.Send
	assert.False(t, ok)
	assert.Zero(t, hub.ClientCount())
	assert.Zero(t, hub.ChannelCount(ChannelFor(testKey)))

	assert.NotPanics(t, func() { hub.Broadcast(update(9)) })
	assert.NotPanics(t, func() { hub.SendTo(client, update(9)) })
}

func TestHub_FullBufferDoesNotBlock(t *testing.T) {
	hub := NewHub(nil, zerolog.Nop())
	client := NewClient("slow", 1)
	hub.Register(client)
	hub.Subscribe(client, ChannelFor(testKey))

	done := make(chan struct{})
	go func() {
		for v := int64(1); v <= 10; v++ {
			hub.Broadcast(update(v))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a slow client")
	}
	assert.Equal(t, int64(1), receive(t, client).Version)
}

func TestHub_ConcurrentRegisterUnregister(t *testing.T) {
	hub := NewHub(nil, zerolog.Nop())
	const n = 100

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := NewClient("c", 4)
			hub.Register(c)
			hub.Subscribe(c, ChannelFor(testKey))
			hub.Broadcast(update(1))
			hub.Unregister(c)
		}()
	}
	wg.Wait()

	assert.Zero(t, hub.ClientCount())
}

func TestParseChannel(t *testing.T) {
	key, err := ParseChannel(ChannelFor(testKey))
	require.NoError(t, err)
	assert.Equal(t, testKey, key)

	for _, bad := range []string{
		"h1:d1:2026-10-18",
		"queue:h1:d1",
		"queue:h1::2026-10-18",
		"queue:h1:d1:today",
		"queue:h:1:d1:2026-10-18",
	} {
		_, err := ParseChannel(bad)
		assert.ErrorIs(t, err, ErrBadChannel, bad)
	}
}

func TestNewMessage_CarriesFullState(t *testing.T) {
	s := stateAt(7, 4)
	s.Waiting = []queue.WaitingEntry{{Token: 5}, {Token: 6}}

	msg := NewMessage(TypeUpdate, queue.QueueChange{State: s, Annotation: queue.AnnotationConsultationInterrupted})

	assert.Equal(t, int64(7), msg.Version)
	assert.Equal(t, "queue:h1:d1:2026-10-18", msg.Channel)
	assert.Equal(t, queue.AnnotationConsultationInterrupted, msg.Annotation)
	require.NotNil(t, msg.State)
	assert.Equal(t, 4, msg.State.CurrentToken)
	assert.Len(t, msg.State.Waiting, 2)
}
