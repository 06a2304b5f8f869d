package redisclient

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func inAnHour() time.Time {
	return time.Now().Add(time.Hour)
}

func TestTokenCounter_ConcurrentNextHasNoGapsOrDuplicates(t *testing.T) {
	_, rdb := newTestRedis(t)
	counter := NewTokenCounter(rdb)

	const n = 50
	tokens := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := counter.Next(context.Background(), "h1:d1:2026-10-18", inAnHour())
			assert.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	sort.Ints(tokens)
	for i, tok := range tokens {
		assert.Equal(t, i+1, tok)
	}
}

func TestTokenCounter_ScopesAreIndependentAndExpire(t *testing.T) {
	mr, rdb := newTestRedis(t)
	counter := NewTokenCounter(rdb)
	ctx := context.Background()

	a, err := counter.Next(ctx, "h1:d1:2026-10-18", inAnHour())
	require.NoError(t, err)
	b, err := counter.Next(ctx, "h1:d2:2026-10-18", inAnHour())
	require.NoError(t, err)
	c, err := counter.Next(ctx, "h1:d1:2026-10-19", inAnHour())
	require.NoError(t, err)

	assert.Equal(t, []int{1, 1, 1}, []int{a, b, c})
	assert.InDelta(t, time.Hour, mr.TTL("token:h1:d1:2026-10-18"), float64(time.Second))

	mr.FastForward(2 * time.Hour)
	assert.False(t, mr.Exists("token:h1:d1:2026-10-18"))
}

func TestTokenCounter_ExpiryDoesNotMoveWithUse(t *testing.T) {
	mr, rdb := newTestRedis(t)
	counter := NewTokenCounter(rdb)
	ctx := context.Background()
	scope := "h1:d1:2026-10-23"
	dayEnd := time.Now().Add(5 * 24 * time.Hour)

	_, err := counter.Next(ctx, scope, dayEnd)
	require.NoError(t, err)

	// A booking made days ahead keeps its counter until the day is over.
	mr.FastForward(49 * time.Hour)
	next, err := counter.Next(ctx, scope, dayEnd)
	require.NoError(t, err)
	assert.Equal(t, 2, next)
	assert.True(t, mr.Exists(counterKey(scope)))
}

func TestTokenCounter_Raise(t *testing.T) {
	mr, rdb := newTestRedis(t)
	counter := NewTokenCounter(rdb)
	ctx := context.Background()
	scope := "h1:d1:2026-10-18"

	require.NoError(t, counter.Raise(ctx, scope, 4, inAnHour()))
	next, err := counter.Next(ctx, scope, inAnHour())
	require.NoError(t, err)
	assert.Equal(t, 5, next)

	require.NoError(t, counter.Raise(ctx, scope, 2, inAnHour()), "a lower floor is ignored")
	next, err = counter.Next(ctx, scope, inAnHour())
	require.NoError(t, err)
	assert.Equal(t, 6, next)
	assert.True(t, mr.TTL(counterKey(scope)) > 0)
}

func TestTokenCounter_ReleaseOnlyLatest(t *testing.T) {
	_, rdb := newTestRedis(t)
	counter := NewTokenCounter(rdb)
	ctx := context.Background()
	scope := "h1:d1:2026-10-18"

	for i := 0; i < 3; i++ {
		_, err := counter.Next(ctx, scope, inAnHour())
		require.NoError(t, err)
	}

	released, err := counter.Release(ctx, scope, 2)
	require.NoError(t, err)
	assert.False(t, released, "token 3 was issued after 2")

	released, err = counter.Release(ctx, scope, 3)
	require.NoError(t, err)
	assert.True(t, released)

	next, err := counter.Next(ctx, scope, inAnHour())
	require.NoError(t, err)
	assert.Equal(t, 3, next)
}

func TestTokenCounter_Unreachable(t *testing.T) {
	mr, rdb := newTestRedis(t)
	counter := NewTokenCounter(rdb)
	mr.Close()

	_, err := counter.Next(context.Background(), "h1:d1:2026-10-18", inAnHour())
	assert.Error(t, err)
}

func TestKeyLocker_ExclusiveAndReleased(t *testing.T) {
	mr, rdb := newTestRedis(t)
	locker := NewRedisKeyLocker(rdb, time.Second)
	ctx := context.Background()

	err := locker.WithKeyLock(ctx, "queue:h1:d1:2026-10-18", func(ctx context.Context) error {
		assert.True(t, mr.Exists("lock:queue:h1:d1:2026-10-18"))

		waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		inner := locker.WithKeyLock(waitCtx, "queue:h1:d1:2026-10-18", func(context.Context) error {
			t.Fatal("second holder must not run")
			return nil
		})
		assert.ErrorIs(t, inner, context.DeadlineExceeded)

		return locker.WithKeyLock(ctx, "queue:h1:d2:2026-10-18", func(context.Context) error {
			return nil
		})
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists("lock:queue:h1:d1:2026-10-18"))
}

func TestKeyLocker_PropagatesFnError(t *testing.T) {
	mr, rdb := newTestRedis(t)
	locker := NewRedisKeyLocker(rdb, time.Second)
	boom := errors.New("boom")

	err := locker.WithKeyLock(context.Background(), "queue:k", func(context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("lock:queue:k"))
}

func TestKeyLocker_DoesNotReleaseForeignLock(t *testing.T) {
	mr, rdb := newTestRedis(t)
	locker := NewRedisKeyLocker(rdb, time.Second)

	err := locker.WithKeyLock(context.Background(), "queue:k", func(context.Context) error {
		// Simulate expiry followed by another holder taking over.
		return mr.Set("lock:queue:k", "someone-else")
	})
	require.NoError(t, err)

	val, err := mr.Get("lock:queue:k")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", val)
}

func TestKeyLocker_WaitsForHolder(t *testing.T) {
	_, rdb := newTestRedis(t)
	locker := NewRedisKeyLocker(rdb, time.Second)
	ctx := context.Background()

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, s)
	}

	held := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- locker.WithKeyLock(ctx, "queue:k", func(context.Context) error {
			close(held)
			time.Sleep(50 * time.Millisecond)
			record("first")
			return nil
		})
	}()

	<-held
	err := locker.WithKeyLock(ctx, "queue:k", func(context.Context) error {
		record("second")
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestKeyLocker_GivesUpAfterWaitBudget(t *testing.T) {
	mr, rdb := newTestRedis(t)
	locker := NewRedisKeyLocker(rdb, 50*time.Millisecond)
	require.NoError(t, mr.Set("lock:queue:k", "stuck"))

	err := locker.WithKeyLock(context.Background(), "queue:k", func(context.Context) error {
		t.Fatal("must not run while the key is held")
		return nil
	})
	assert.ErrorIs(t, err, ErrLockNotAcquired)
}

func TestKeyLocker_ConcurrentHoldersAreSerialised(t *testing.T) {
	_, rdb := newTestRedis(t)
	locker := NewRedisKeyLocker(rdb, time.Second)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		overlap bool
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithKeyLock(context.Background(), "queue:k", func(context.Context) error {
				mu.Lock()
				inside++
				if inside > 1 {
					overlap = true
				}
				mu.Unlock()
				time.Sleep(2 * time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.False(t, overlap)
}
