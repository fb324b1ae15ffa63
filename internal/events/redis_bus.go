package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// PubSubClient is the minimal Redis Pub/Sub surface the bus needs.
// Separate from the KV interfaces because pub/sub has a different usage
// pattern; internal/infra.RedisAdapter satisfies it.
type PubSubClient interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)
}

// RedisBus distributes update notifications across processes using
// Redis Pub/Sub, so API instances on other pods see states the reducer
// persisted here.
type RedisBus struct {
	mu     sync.Mutex
	pubsub PubSubClient
	unsubs []func()
	closed bool
}

// NewRedisBus creates a Redis-backed bus.
func NewRedisBus(client PubSubClient) *RedisBus {
	return &RedisBus{pubsub: client}
}

// Publish sends a payload to the Redis channel. Delivery is
// asynchronous and best-effort by design.
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("bus is closed")
	}
	return b.pubsub.Publish(ctx, channel, payload)
}

// Subscribe registers a handler on the Redis channel.
func (b *RedisBus) Subscribe(ctx context.Context, channel string, h Handler) (func(), error) {
	unsub, err := b.pubsub.Subscribe(ctx, channel, h)
	if err != nil {
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	b.mu.Lock()
	b.unsubs = append(b.unsubs, unsub)
	b.mu.Unlock()
	return unsub, nil
}

// Close tears down all Redis subscriptions.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, unsub := range b.unsubs {
		unsub()
	}
	b.unsubs = nil
	slog.Info("redis bus closed")
	return nil
}
