// Package bus adapts the engine's publish/subscribe-pattern needs onto
// Redis, the same broker the reference gateway and collab services in this
// family use for their own pub/sub fan-out.
package bus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Bus is the seam the room manager and fan-out coordinator depend on. It is
// satisfied by *RedisBus in production and by a fake in tests.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	SubscribePattern(ctx context.Context, pattern string, handler func(channel string, payload []byte)) error
	Close() error
}

// RedisBus is a Bus backed by a single Redis client. go-redis pools
// connections internally and reserves a dedicated connection for each
// PSUBSCRIBE, so one *redis.Client safely serves both publish and
// subscribe traffic.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus wraps an already-connected Redis client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

// Publish sends payload on channel. Failures are the caller's to log and
// swallow — per the engine's availability-over-durability policy, a publish
// failure never aborts an update.
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("bus: publish %s: %w", channel, err)
	}
	return nil
}

// SubscribePattern subscribes to pattern and runs handler for every message
// received, on a background goroutine, until ctx is cancelled or Close is
// called. It returns once the initial subscription is confirmed.
func (b *RedisBus) SubscribePattern(ctx context.Context, pattern string, handler func(channel string, payload []byte)) error {
	pubsub := b.client.PSubscribe(ctx, pattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("bus: subscribe %s: %w", pattern, err)
	}

	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(msg.Channel, []byte(msg.Payload))
			}
		}
	}()
	return nil
}

// Close disconnects the underlying Redis client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
