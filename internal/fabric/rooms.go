package fabric

import (
	"sync"
	"sync/atomic"
	"time"
)

// ObserverID uniquely identifies a connected dashboard observer.
type ObserverID string

// Observer is an active dashboard connection, registered against zero or
// more rooms (§3's "Observer Subscription").
type Observer struct {
	ID          ObserverID
	ConnectedAt time.Time
	LastSeen    atomic.Value // time.Time
	FramesSent  atomic.Int64

	send chan *Frame
}

// Touch records that a frame was just delivered to this observer.
func (o *Observer) Touch() {
	o.LastSeen.Store(time.Now())
	o.FramesSent.Add(1)
}

// Registry tracks which observers belong to which rooms. It is the
// in-process counterpart of a room membership index; RedisRoomIndex
// extends it across pods.
//
// Adapted from the teacher's spoke registry (SpokeInfo + per-index maps
// guarded by a single RWMutex); the virtual-address routing table,
// capability index, and federation/peer-hub bookkeeping that registry
// also carried have no counterpart here (no routing decision, no
// federation) and are not carried forward.
type Registry struct {
	mu sync.RWMutex

	observers map[ObserverID]*Observer
	rooms     map[Room]map[ObserverID]struct{}
}

// NewRegistry builds an empty room registry.
func NewRegistry() *Registry {
	return &Registry{
		observers: make(map[ObserverID]*Observer),
		rooms:     make(map[Room]map[ObserverID]struct{}),
	}
}

// Register adds a new observer with no room memberships.
func (r *Registry) Register(id ObserverID) *Observer {
	r.mu.Lock()
	defer r.mu.Unlock()

	o := &Observer{ID: id, ConnectedAt: time.Now(), send: make(chan *Frame, 32)}
	o.LastSeen.Store(time.Now())
	r.observers[id] = o
	return o
}

// Join adds an observer to a room (§4.7's join:dashboard / watch:participant:<id>).
func (r *Registry) Join(id ObserverID, room Room) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[room]; !ok {
		r.rooms[room] = make(map[ObserverID]struct{})
	}
	r.rooms[room][id] = struct{}{}
}

// Leave removes an observer from a room.
func (r *Registry) Leave(id ObserverID, room Room) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if members, ok := r.rooms[room]; ok {
		delete(members, id)
	}
}

// Unregister removes an observer from the registry and every room it
// belonged to. Destroyed on disconnect, per §3.
func (r *Registry) Unregister(id ObserverID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.observers, id)
	for room, members := range r.rooms {
		delete(members, id)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
}

// RoomsOf returns the rooms an observer currently belongs to.
func (r *Registry) RoomsOf(id ObserverID) []Room {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Room
	for room, members := range r.rooms {
		if _, ok := members[id]; ok {
			out = append(out, room)
		}
	}
	return out
}

// MembersOf returns the observers currently in a room.
func (r *Registry) MembersOf(room Room) []*Observer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	out := make([]*Observer, 0, len(members))
	for id := range members {
		if o, ok := r.observers[id]; ok {
			out = append(out, o)
		}
	}
	return out
}

// Count returns the total number of registered observers, for the
// fabricObservers gauge.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.observers)
}

// deliver pushes a frame onto an observer's bounded send buffer,
// dropping it (lossy, non-blocking) if the observer is too slow to drain
// (§9's "live fabric back-pressure").
func (o *Observer) deliver(frame *Frame) bool {
	select {
	case o.send <- frame:
		return true
	default:
		return false
	}
}
