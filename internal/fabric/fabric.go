package fabric

import (
	"context"
	"log/slog"
	"sync"

	"github.com/contestproctor/engine/internal/metrics"
)

// Fabric ties the Registry (who is subscribed to what) to a FrameBus
// (how frames actually move, in-process or cross-pod) and is the single
// entry point for pushing frames; C5/C6 reach it through EventBridge (§4.7).
type Fabric struct {
	bus       FrameBus
	registry  *Registry
	roomIndex *RedisRoomIndex // optional: cross-pod membership counts

	mu         sync.Mutex
	subscribed map[Room]func()
}

// New builds a Fabric over the given bus. Pass NewLocalFrameBus() for a
// single-process deployment, or a RedisFrameBus/PubSubFrameBus for
// multi-pod fan-out.
func New(bus FrameBus) *Fabric {
	return &Fabric{
		bus:        bus,
		registry:   NewRegistry(),
		subscribed: make(map[Room]func()),
	}
}

// WithRoomIndex attaches a cross-pod room index. Join, Leave and Disconnect
// record membership in it in the background; the observer gauge and room
// delivery still use this pod's own registry.
func (f *Fabric) WithRoomIndex(idx *RedisRoomIndex) *Fabric {
	f.roomIndex = idx
	return f
}

// Connect registers a new observer connection and returns it.
func (f *Fabric) Connect(id ObserverID) *Observer {
	o := f.registry.Register(id)
	metrics.FabricObserversGauge.WithLabelValues("total").Set(float64(f.registry.Count()))
	return o
}

// Disconnect tears down an observer's registration.
func (f *Fabric) Disconnect(id ObserverID) {
	rooms := f.registry.RoomsOf(id)
	f.registry.Unregister(id)
	metrics.FabricObserversGauge.WithLabelValues("total").Set(float64(f.registry.Count()))
	if f.roomIndex != nil {
		go func() {
			if err := f.roomIndex.RecordDisconnect(context.Background(), id, rooms); err != nil {
				slog.Debug("fabric: redis room index disconnect cleanup failed", "observer", id, "error", err)
			}
		}()
	}
}

// Join subscribes an observer to a room, lazily subscribing the Fabric
// itself to the underlying bus the first time a room gains a member.
func (f *Fabric) Join(id ObserverID, room Room) {
	f.registry.Join(id, room)
	f.ensureSubscribed(room)
	if f.roomIndex != nil {
		go func() {
			if err := f.roomIndex.RecordJoin(context.Background(), room, id); err != nil {
				slog.Debug("fabric: redis room index join failed", "room", room, "error", err)
			}
		}()
	}
}

// Leave removes an observer from a room.
func (f *Fabric) Leave(id ObserverID, room Room) {
	f.registry.Leave(id, room)
	if f.roomIndex != nil {
		go func() {
			if err := f.roomIndex.RecordLeave(context.Background(), room, id); err != nil {
				slog.Debug("fabric: redis room index leave failed", "room", room, "error", err)
			}
		}()
	}
}

func (f *Fabric) ensureSubscribed(room Room) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subscribed[room]; ok {
		return
	}
	unsub := f.bus.Subscribe(room, f.deliverToRoom)
	f.subscribed[room] = unsub
}

func (f *Fabric) deliverToRoom(ctx context.Context, frame *Frame) {
	for _, o := range f.registry.MembersOf(frame.Room) {
		if o.deliver(frame) {
			o.Touch()
			metrics.FabricFramesSentTotal.WithLabelValues(string(frame.Type)).Inc()
		}
	}
}

// Publish fans a frame out to its room (best-effort, never blocks the
// caller beyond enqueueing to the bus).
func (f *Fabric) Publish(ctx context.Context, frame *Frame) error {
	return f.bus.Publish(ctx, frame)
}

// PublishParticipantUpdated pushes a participant:updated frame to the
// dashboard room (§4.5 step 10).
func (f *Fabric) PublishParticipantUpdated(ctx context.Context, payload map[string]interface{}) error {
	return f.Publish(ctx, &Frame{Room: DashboardRoom, Type: FrameParticipantUpdated, Payload: payload})
}

// PublishAlert pushes an alert frame to the dashboard room (§4.5 step 9).
func (f *Fabric) PublishAlert(ctx context.Context, payload map[string]interface{}) error {
	return f.Publish(ctx, &Frame{Room: DashboardRoom, Type: FrameAlert, Payload: payload})
}

// PublishSourceAnalysisUpdated pushes a sourceAnalysis:updated frame to
// the dashboard room (§4.6's monitorRepository).
func (f *Fabric) PublishSourceAnalysisUpdated(ctx context.Context, payload map[string]interface{}) error {
	return f.Publish(ctx, &Frame{Room: DashboardRoom, Type: FrameSourceAnalysisUpdate, Payload: payload})
}

// Close tears down the bus and all room subscriptions.
func (f *Fabric) Close() error {
	f.mu.Lock()
	for _, unsub := range f.subscribed {
		unsub()
	}
	f.subscribed = nil
	f.mu.Unlock()
	return f.bus.Close()
}
