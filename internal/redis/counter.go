package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenCounter hands out per-scope sequence numbers from Redis. INCR is
// atomic on the server, so every caller across every process gets a distinct
// value and no value is skipped.
type TokenCounter struct {
	client *redis.Client
}

func NewTokenCounter(client *redis.Client) *TokenCounter {
	return &TokenCounter{client: client}
}

// The expiry is an absolute time derived from the scope's day, so it is
// the same on every call and a booking made days ahead cannot outlive it.
var incrScript = redis.NewScript(`
local v = redis.call("INCR", KEYS[1])
redis.call("PEXPIREAT", KEYS[1], ARGV[1])
return v
`)

// Only the most recently issued number can be handed back.
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v and tonumber(v) == tonumber(ARGV[1]) then
  return redis.call("DECR", KEYS[1])
end
return -1
`)

var raiseScript = redis.NewScript(`
local v = tonumber(redis.call("GET", KEYS[1]) or "0")
local floor = tonumber(ARGV[1])
if v < floor then
  redis.call("SET", KEYS[1], floor)
  v = floor
end
redis.call("PEXPIREAT", KEYS[1], ARGV[2])
return v
`)

func counterKey(scope string) string {
	return "token:" + scope
}

// Next issues the next number of scope. expireAt is when the counter may be
// forgotten.
func (c *TokenCounter) Next(ctx context.Context, scope string, expireAt time.Time) (int, error) {
	v, err := incrScript.Run(ctx, c.client, []string{counterKey(scope)}, expireAt.UnixMilli()).Int64()
	if err != nil {
		return 0, fmt.Errorf("incr token counter: %w", err)
	}
	return int(v), nil
}

// Release returns token to the counter if nothing was issued after it.
// It reports whether the counter was rolled back.
func (c *TokenCounter) Release(ctx context.Context, scope string, token int) (bool, error) {
	v, err := releaseScript.Run(ctx, c.client, []string{counterKey(scope)}, token).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("release token: %w", err)
	}
	return v >= 0, nil
}

// Raise lifts the counter to at least floor, for when it lost numbers that
// were already issued (expiry, flush or failover).
func (c *TokenCounter) Raise(ctx context.Context, scope string, floor int, expireAt time.Time) error {
	if err := raiseScript.Run(ctx, c.client, []string{counterKey(scope)}, floor, expireAt.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("raise token counter: %w", err)
	}
	return nil
}
