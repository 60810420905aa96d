// PubSubFrameBus is an alternative cross-pod FrameBus backend for
// deployments that run on Google Cloud, wiring cloud.google.com/go/pubsub
// as a second optional transport alongside RedisFrameBus (SPEC_FULL's
// domain stack). At most one of Redis or Pub/Sub backs a given deployment.
package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"cloud.google.com/go/pubsub"
)

// PubSubFrameBus distributes frames across pods using a Google Cloud
// Pub/Sub topic per room, with the same local fan-out shape as
// RedisFrameBus.
type PubSubFrameBus struct {
	mu        sync.RWMutex
	client    *pubsub.Client
	topicFor  func(room Room) string
	localSubs map[Room][]subscriberEntry
	topics    map[string]*pubsub.Topic
	cancels   []context.CancelFunc
	closed    bool
}

// NewPubSubFrameBus builds a frame bus on top of an existing Pub/Sub
// client. topicFor derives the per-room topic name (e.g. "proctor-dashboard").
func NewPubSubFrameBus(client *pubsub.Client, topicFor func(room Room) string) *PubSubFrameBus {
	if topicFor == nil {
		topicFor = func(room Room) string { return "proctor-" + string(room) }
	}
	return &PubSubFrameBus{
		client:    client,
		topicFor:  topicFor,
		localSubs: make(map[Room][]subscriberEntry),
		topics:    make(map[string]*pubsub.Topic),
	}
}

func (b *PubSubFrameBus) topic(ctx context.Context, room Room) (*pubsub.Topic, error) {
	name := b.topicFor(room)

	b.mu.RLock()
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if ok {
		return t, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[name]; ok {
		return t, nil
	}

	t = b.client.Topic(name)
	exists, err := t.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("fabric: check topic %s: %w", name, err)
	}
	if !exists {
		t, err = b.client.CreateTopic(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("fabric: create topic %s: %w", name, err)
		}
	}
	b.topics[name] = t
	return t, nil
}

// Publish sends a frame to the room's Pub/Sub topic; falls back to local
// delivery on publish failure.
func (b *PubSubFrameBus) Publish(ctx context.Context, frame *Frame) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("fabric: frame bus is closed")
	}
	b.mu.RUnlock()

	t, err := b.topic(ctx, frame.Room)
	if err != nil {
		slog.Warn("fabric: pubsub topic unavailable, falling back to local", "room", frame.Room, "error", err)
		b.deliverLocal(ctx, frame)
		return nil
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("fabric: marshal frame: %w", err)
	}

	result := t.Publish(ctx, &pubsub.Message{Data: data})
	if _, err := result.Get(ctx); err != nil {
		slog.Warn("fabric: pubsub publish failed, falling back to local", "room", frame.Room, "error", err)
		b.deliverLocal(ctx, frame)
	}
	return nil
}

// Subscribe registers a handler for a room and starts a background pull
// subscription for it.
func (b *PubSubFrameBus) Subscribe(room Room, handler FrameHandler) func() {
	b.mu.Lock()
	subscriberCounter++
	id := subscriberCounter
	b.localSubs[room] = append(b.localSubs[room], subscriberEntry{id: id, handler: handler})
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.cancels = append(b.cancels, cancel)
	b.mu.Unlock()

	go b.pullLoop(ctx, room)

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

func (b *PubSubFrameBus) pullLoop(ctx context.Context, room Room) {
	topicName := b.topicFor(room)
	subName := topicName + "-sub"
	sub := b.client.Subscription(subName)

	exists, err := sub.Exists(ctx)
	if err != nil || !exists {
		t, terr := b.topic(ctx, room)
		if terr != nil {
			slog.Warn("fabric: pubsub subscription setup failed", "room", room, "error", terr)
			return
		}
		sub, err = b.client.CreateSubscription(ctx, subName, pubsub.SubscriptionConfig{Topic: t})
		if err != nil {
			slog.Debug("fabric: pubsub subscription create raced or failed", "room", room, "error", err)
			sub = b.client.Subscription(subName)
		}
	}

	_ = sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		var frame Frame
		if err := json.Unmarshal(m.Data, &frame); err == nil {
			frame.Room = room
			b.deliverLocal(ctx, &frame)
		}
		m.Ack()
	})
}

// Close stops all pull loops and marks the bus closed.
func (b *PubSubFrameBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, cancel := range b.cancels {
		cancel()
	}
	b.cancels = nil
	b.localSubs = nil
	return nil
}

func (b *PubSubFrameBus) deliverLocal(ctx context.Context, frame *Frame) {
	b.mu.RLock()
	handlers := b.localSubs[frame.Room]
	b.mu.RUnlock()

	for _, entry := range handlers {
		h := entry.handler
		go h(ctx, frame)
	}
}

var _ FrameBus = (*PubSubFrameBus)(nil)
