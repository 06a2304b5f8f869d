package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-token-queue/internal/metrics"
)

// Counter is the atomic sequence store behind token allocation.
type Counter interface {
	Next(ctx context.Context, scope string, expireAt time.Time) (int, error)
	Release(ctx context.Context, scope string, token int) (bool, error)
	Raise(ctx context.Context, scope string, floor int, expireAt time.Time) error
}

// TokenAllocator issues the next token of a doctor-day. Tokens start at 1
// and rely on the counter store for atomicity across processes. Callers
// allocate while holding the doctor-day lock, so a token handed back after
// a failed create is always the latest one and leaves no gap.
type TokenAllocator struct {
	counter Counter
	metrics *metrics.Collector
	log     zerolog.Logger
}

func NewTokenAllocator(counter Counter, m *metrics.Collector, logger zerolog.Logger) *TokenAllocator {
	return &TokenAllocator{
		counter: counter,
		metrics: m,
		log:     logger.With().Str("component", "token_allocator").Logger(),
	}
}

func (a *TokenAllocator) Allocate(ctx context.Context, key QueueKey, expireAt time.Time) (int, error) {
	token, err := a.counter.Next(ctx, key.String(), expireAt)
	if err != nil {
		a.metrics.RecordTokenAllocation(false)
		return 0, fmt.Errorf("%w: %v", ErrAllocationUnavailable, err)
	}
	if token <= 0 {
		a.metrics.RecordTokenAllocation(false)
		return 0, fmt.Errorf("%w: counter returned %d", ErrAllocationUnavailable, token)
	}
	a.metrics.RecordTokenAllocation(true)
	return token, nil
}

// Release hands back a token whose appointment was never stored.
func (a *TokenAllocator) Release(ctx context.Context, key QueueKey, token int) {
	released, err := a.counter.Release(ctx, key.String(), token)
	if err != nil {
		a.log.Warn().Err(err).Str("queue", key.String()).Int("token", token).Msg("release token failed")
		return
	}
	if !released {
		a.log.Warn().Str("queue", key.String()).Int("token", token).Msg("token left unused, a later token was already issued")
	}
}

// Resync moves the counter past highest, the largest token already stored
// for the doctor-day.
func (a *TokenAllocator) Resync(ctx context.Context, key QueueKey, highest int, expireAt time.Time) error {
	if err := a.counter.Raise(ctx, key.String(), highest, expireAt); err != nil {
		return fmt.Errorf("%w: %v", ErrAllocationUnavailable, err)
	}
	a.log.Warn().Str("queue", key.String()).Int("highest", highest).Msg("token counter was behind stored tokens, resynced")
	return nil
}
