package fabric

import (
	"context"
	"log/slog"

	"github.com/contestproctor/engine/internal/events"
)

// EventBridge subscribes to the internal CloudEvent bus that C5 (ingest)
// and C6 (sync) publish domain events onto, and republishes each as a room
// frame over the Fabric. Ingest and sync never touch rooms or frame buses
// directly — they only know about events.TypeParticipantUpdated and
// friends, matching the teacher's EventBus/CloudEvent split
// (internal/events/bus.go) rather than reaching into the transport layer.
type EventBridge struct {
	bus    *events.EventBus
	fabric *Fabric
	stopCh chan struct{}
}

// NewEventBridge builds a bridge over the given domain-event bus and Fabric.
func NewEventBridge(bus *events.EventBus, fab *Fabric) *EventBridge {
	return &EventBridge{bus: bus, fabric: fab, stopCh: make(chan struct{})}
}

// Start runs the forwarding loop until Stop is called or ctx is cancelled.
// Intended to run in its own goroutine for the lifetime of the process.
func (b *EventBridge) Start(ctx context.Context) {
	ch := b.bus.Subscribe(events.TypeParticipantUpdated, events.TypeAlertTriggered, events.TypeSourceAnalysisUpdated)
	defer b.bus.Unsubscribe(ch)

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			b.forward(ctx, ev)
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts the forwarding loop.
func (b *EventBridge) Stop() {
	close(b.stopCh)
}

func (b *EventBridge) forward(ctx context.Context, ev *events.CloudEvent) {
	var frameType FrameType
	switch ev.Type {
	case events.TypeParticipantUpdated:
		frameType = FrameParticipantUpdated
	case events.TypeAlertTriggered:
		frameType = FrameAlert
	case events.TypeSourceAnalysisUpdated:
		frameType = FrameSourceAnalysisUpdate
	default:
		return
	}

	frame := &Frame{Room: DashboardRoom, Type: frameType, Payload: ev.Data, Timestamp: ev.Time}
	if err := b.fabric.Publish(ctx, frame); err != nil {
		slog.Debug("fabric: bridge publish failed", "type", ev.Type, "error", err)
	}
}
