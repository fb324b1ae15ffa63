// Package events is the update channel between the reducer and the
// fan-out bridge. The channel carries notifications only, never
// authoritative state; a lost message costs a client one refresh, not
// correctness.
package events

import (
	"context"
	"log/slog"
	"sync"
)

// Handler receives raw channel payloads.
type Handler func(payload []byte)

// Bus is the pub/sub contract. RedisBus is the production
// implementation; LocalBus serves single-process deployments and tests.
type Bus interface {
	// Publish sends a payload to all subscribers of the channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe registers a handler for a channel. Returns an
	// unsubscribe function.
	Subscribe(ctx context.Context, channel string, h Handler) (unsubscribe func(), err error)

	// Close shuts down the bus.
	Close() error
}

// LocalBus is an in-memory bus delivering to in-process subscribers.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[string][]subscriberEntry
	nextID int
	closed bool
}

type subscriberEntry struct {
	id      int
	handler Handler
}

// NewLocalBus creates an in-memory bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string][]subscriberEntry)}
}

// Publish delivers asynchronously to all matching subscribers.
func (b *LocalBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for _, entry := range b.subs[channel] {
		h := entry.handler
		go h(payload)
	}
	return nil
}

// Subscribe registers a handler for a channel.
func (b *LocalBus) Subscribe(_ context.Context, channel string, h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[channel] = append(b.subs[channel], subscriberEntry{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[channel]
		for i, entry := range subs {
			if entry.id == id {
				b.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}, nil
}

// Close shuts down the bus.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = nil
	slog.Info("local bus closed")
	return nil
}
