package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-token-queue/internal/metrics"
	"github.com/hackgods/clinic-token-queue/internal/queue"
)

// Sink is where the broadcaster delivers messages: the local hub, or Redis
// pub/sub when several API processes serve subscribers.
type Sink interface {
	Deliver(ctx context.Context, msg Message) error
}

const (
	// attemptTimeout bounds a single Deliver call.
	attemptTimeout = time.Second
	// defaultMessageBudget is how long one message may hold up the queue
	// before it is moved behind the other channels.
	defaultMessageBudget = 3 * time.Second
	// pruneInterval is how often watermarks of past days are dropped.
	pruneInterval = time.Hour
	// keepDays is how many past days keep their watermarks.
	keepDays = 2
)

// Broadcaster turns committed queue states into channel messages. Publish
// never blocks the caller: it only records the newest state per channel,
// and Run delivers in the background. Because every message carries the
// full state, a newer pending state replaces an older undelivered one.
type Broadcaster struct {
	sink          Sink
	maxElapsed    time.Duration
	messageBudget time.Duration
	metrics       *metrics.Collector
	log           zerolog.Logger

	mu         sync.Mutex
	pending    map[string]pendingMessage
	order      []string
	dispatched map[string]int64
	wake       chan struct{}
}

type pendingMessage struct {
	msg Message
	// since is the first delivery attempt of msg, zero until tried.
	since time.Time
}

func NewBroadcaster(sink Sink, maxElapsed time.Duration, m *metrics.Collector, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		sink:          sink,
		maxElapsed:    maxElapsed,
		messageBudget: defaultMessageBudget,
		metrics:       m,
		log:           logger.With().Str("component", "broadcaster").Logger(),
		pending:       make(map[string]pendingMessage),
		dispatched:    make(map[string]int64),
		wake:          make(chan struct{}, 1),
	}
}

var _ queue.Publisher = (*Broadcaster)(nil)

func (b *Broadcaster) Publish(change queue.QueueChange) {
	msg := NewMessage(TypeUpdate, change)

	b.mu.Lock()
	if last, ok := b.dispatched[msg.Channel]; ok && msg.Version <= last {
		b.mu.Unlock()
		return
	}
	if queued, ok := b.pending[msg.Channel]; ok {
		if msg.Version > queued.msg.Version {
			b.pending[msg.Channel] = pendingMessage{msg: msg}
		}
	} else {
		b.pending[msg.Channel] = pendingMessage{msg: msg}
		b.order = append(b.order, msg.Channel)
	}
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Run delivers pending messages until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) error {
	b.log.Info().Msg("broadcaster started")

	prune := time.NewTicker(pruneInterval)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			b.log.Info().Msg("broadcaster stopped")
			return nil
		case <-b.wake:
			b.drain(ctx)
		case now := <-prune.C:
			b.prune(now.AddDate(0, 0, -keepDays).Format(time.DateOnly))
		}
	}
}

func (b *Broadcaster) drain(ctx context.Context) {
	for {
		item, ok := b.next()
		if !ok {
			return
		}
		if item.since.IsZero() {
			item.since = time.Now()
		}

		err := b.deliver(ctx, item.msg)
		if err == nil {
			b.metrics.RecordBroadcast(true)
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if time.Since(item.since) < b.maxElapsed && b.retryLater(item) {
			continue
		}
		b.metrics.RecordBroadcast(false)
		// The next commit on this channel carries the full state again.
		b.log.Error().Err(err).
			Str("channel", item.msg.Channel).
			Int64("version", item.msg.Version).
			Msg("queue broadcast dropped")
	}
}

func (b *Broadcaster) next() (pendingMessage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.order) > 0 {
		channel := b.order[0]
		b.order = b.order[1:]
		if item, ok := b.pending[channel]; ok {
			delete(b.pending, channel)
			b.dispatched[channel] = item.msg.Version
			return item, true
		}
	}
	return pendingMessage{}, false
}

// retryLater puts a failed message behind the other channels unless a newer
// state for its channel is already waiting.
func (b *Broadcaster) retryLater(item pendingMessage) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pending[item.msg.Channel]; ok {
		return false
	}
	b.pending[item.msg.Channel] = item
	b.order = append(b.order, item.msg.Channel)
	return true
}

// prune forgets the delivered watermarks of days before cutoff.
func (b *Broadcaster) prune(cutoff string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for channel := range b.dispatched {
		key, err := ParseChannel(channel)
		if err != nil || key.Day < cutoff {
			delete(b.dispatched, channel)
		}
	}
}

// deliver retries msg for at most the message budget, each attempt bounded
// by attemptTimeout.
func (b *Broadcaster) deliver(ctx context.Context, msg Message) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = min(b.maxElapsed, b.messageBudget)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		defer cancel()

		err := b.sink.Deliver(attemptCtx, msg)
		if err != nil && !errors.Is(err, context.Canceled) {
			b.log.Warn().Err(err).
				Str("channel", msg.Channel).
				Int("attempt", attempt).
				Msg("queue broadcast failed, retrying")
		}
		return err
	}, backoff.WithContext(policy, ctx))
}
