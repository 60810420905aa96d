// Redis-backed FrameBus for cross-pod delivery. The LocalFrameBus only
// fans out within a single process; RedisFrameBus uses Redis Pub/Sub so a
// frame published on one pod reaches observers connected to another.
package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// RedisPubSubClient is a minimal interface for Redis Pub/Sub operations.
type RedisPubSubClient interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)
}

// RedisFrameBus distributes frames across pods using Redis Pub/Sub, and
// also fans out to in-process subscribers for zero-latency local delivery.
type RedisFrameBus struct {
	mu         sync.RWMutex
	pubsub     RedisPubSubClient
	prefix     string
	localSubs  map[Room][]subscriberEntry
	unsubFuncs []func()
	closed     bool
}

// NewRedisFrameBus creates a Redis-backed frame bus.
func NewRedisFrameBus(client RedisPubSubClient, channelPrefix string) *RedisFrameBus {
	if channelPrefix == "" {
		channelPrefix = "proctor:rooms:"
	}
	return &RedisFrameBus{
		pubsub:    client,
		prefix:    channelPrefix,
		localSubs: make(map[Room][]subscriberEntry),
	}
}

// Publish sends a frame to Redis Pub/Sub so all pods receive it; falls
// back to local-only delivery on publish failure.
func (b *RedisFrameBus) Publish(ctx context.Context, frame *Frame) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("fabric: frame bus is closed")
	}
	b.mu.RUnlock()

	if frame.ID == "" {
		frame.ID = uuid.New().String()
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("fabric: marshal frame: %w", err)
	}

	channel := b.prefix + string(frame.Room)
	if err := b.pubsub.Publish(ctx, channel, data); err != nil {
		slog.Warn("fabric: redis publish failed, falling back to local", "room", frame.Room, "error", err)
		b.deliverLocal(ctx, frame)
		return nil
	}
	return nil
}

// Subscribe registers a handler for a room; it receives frames published
// from any pod (via Redis) plus frames published locally.
func (b *RedisFrameBus) Subscribe(room Room, handler FrameHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	subscriberCounter++
	id := subscriberCounter
	b.localSubs[room] = append(b.localSubs[room], subscriberEntry{id: id, handler: handler})

	channel := b.prefix + string(room)
	unsub, err := b.pubsub.Subscribe(context.Background(), channel, func(data []byte) {
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("fabric: failed to unmarshal frame", "error", err)
			return
		}
		frame.Room = room
		b.deliverLocal(context.Background(), &frame)
	})
	if err != nil {
		slog.Warn("fabric: redis subscribe failed, local-only mode", "room", room, "error", err)
	} else {
		b.unsubFuncs = append(b.unsubFuncs, unsub)
	}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.localSubs[room]
		for i, entry := range subs {
			if entry.id == id {
				b.localSubs[room] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Close shuts down the bus and all Redis subscriptions.
func (b *RedisFrameBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, unsub := range b.unsubFuncs {
		unsub()
	}
	b.unsubFuncs = nil
	b.localSubs = nil
	return nil
}

func (b *RedisFrameBus) deliverLocal(ctx context.Context, frame *Frame) {
	b.mu.RLock()
	handlers := b.localSubs[frame.Room]
	b.mu.RUnlock()

	for _, entry := range handlers {
		h := entry.handler
		go h(ctx, frame)
	}
}

var _ FrameBus = (*RedisFrameBus)(nil)
