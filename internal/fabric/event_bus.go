package fabric

import (
	"context"
	"log/slog"
	"sync"
)

// LocalFrameBus provides an in-memory pub/sub implementation. Suitable for
// single-process contest deployments; RedisFrameBus/PubSubFrameBus add
// cross-pod delivery on top of the same interface.
type LocalFrameBus struct {
	mu          sync.RWMutex
	subscribers map[Room][]subscriberEntry
	closed      bool
}

type subscriberEntry struct {
	id      int
	handler FrameHandler
}

var subscriberCounter int

// NewLocalFrameBus creates a new in-memory frame bus.
func NewLocalFrameBus() *LocalFrameBus {
	return &LocalFrameBus{
		subscribers: make(map[Room][]subscriberEntry),
	}
}

// Publish fans a frame out to all subscribers of its room, asynchronously
// and best-effort (§4.7: "delivery is best-effort... never back-pressures
// ingest").
func (b *LocalFrameBus) Publish(ctx context.Context, frame *Frame) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil
	}

	handlers := b.subscribers[frame.Room]
	for _, entry := range handlers {
		h := entry.handler
		go func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Debug("fabric: dropped observer", "room", frame.Room, "panic", r)
				}
			}()
			h(ctx, frame)
		}()
	}

	return nil
}

// Subscribe registers a handler for a room.
func (b *LocalFrameBus) Subscribe(room Room, handler FrameHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	subscriberCounter++
	id := subscriberCounter
	b.subscribers[room] = append(b.subscribers[room], subscriberEntry{
		id:      id,
		handler: handler,
	})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[room]
		for i, entry := range subs {
			if entry.id == id {
				b.subscribers[room] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Close shuts down the bus.
func (b *LocalFrameBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subscribers = nil
	return nil
}

var _ FrameBus = (*LocalFrameBus)(nil)
