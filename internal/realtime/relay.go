package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const redisChannelPrefix = "clinicq:"

// RedisSink publishes queue messages on Redis so every API process can fan
// them out to its own subscribers.
type RedisSink struct {
	client *redis.Client
}

func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{client: client}
}

func (s *RedisSink) Deliver(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}
	if err := s.client.Publish(ctx, redisChannelPrefix+msg.Channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Channel, err)
	}
	return nil
}

// Relay feeds messages from Redis into the local hub.
type Relay struct {
	client *redis.Client
	hub    *Hub
	log    zerolog.Logger
}

func NewRelay(client *redis.Client, hub *Hub, logger zerolog.Logger) *Relay {
	return &Relay{
		client: client,
		hub:    hub,
		log:    logger.With().Str("component", "realtime_relay").Logger(),
	}
}

// Run subscribes to every queue channel and blocks until ctx is cancelled.
// ready, if not nil, is closed once the subscription is live.
func (r *Relay) Run(ctx context.Context, ready chan<- struct{}) error {
	pubsub := r.client.PSubscribe(ctx, redisChannelPrefix+channelPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe queue channels: %w", err)
	}
	if ready != nil {
		close(ready)
	}
	r.log.Info().Msg("relay subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				r.log.Warn().Err(err).Str("redis_channel", m.Channel).Msg("undecodable queue message")
				continue
			}
			r.hub.Broadcast(msg)
		}
	}
}
