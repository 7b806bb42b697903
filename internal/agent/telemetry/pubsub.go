package telemetry

import (
	"sync"

	"github.com/google/uuid"

	"github.com/fleetglass-io/fleetglass/internal/core/model"
)

// Subscription is one consumer's handle on snapshot notifications.
// C carries the latest coalesced snapshot; the channel holds a single
// slot and a slow consumer only ever misses intermediate states, never
// the most recent one.
type Subscription struct {
	ID       uuid.UUID
	C        chan model.DeviceSnapshot
	deviceID int64
	all      bool
}

// registry fans accepted snapshots out to subscribers, keyed by device id.
type registry struct {
	mu       sync.RWMutex
	byDevice map[int64]map[uuid.UUID]*Subscription
	global   map[uuid.UUID]*Subscription
}

func newRegistry() *registry {
	return &registry{
		byDevice: make(map[int64]map[uuid.UUID]*Subscription),
		global:   make(map[uuid.UUID]*Subscription),
	}
}

func (g *registry) subscribe(deviceID int64, all bool) *Subscription {
	sub := &Subscription{
		ID:       uuid.New(),
		C:        make(chan model.DeviceSnapshot, 1),
		deviceID: deviceID,
		all:      all,
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if all {
		g.global[sub.ID] = sub
		return sub
	}
	subs, ok := g.byDevice[deviceID]
	if !ok {
		subs = make(map[uuid.UUID]*Subscription)
		g.byDevice[deviceID] = subs
	}
	subs[sub.ID] = sub
	return sub
}

func (g *registry) unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if sub.all {
		delete(g.global, sub.ID)
		return
	}
	if subs, ok := g.byDevice[sub.deviceID]; ok {
		delete(subs, sub.ID)
		if len(subs) == 0 {
			delete(g.byDevice, sub.deviceID)
		}
	}
}

func (g *registry) publish(snap model.DeviceSnapshot) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, sub := range g.byDevice[snap.DeviceID] {
		offer(sub.C, snap)
	}
	for _, sub := range g.global {
		offer(sub.C, snap)
	}
}

// offer replaces a pending unread value instead of blocking.
func offer(ch chan model.DeviceSnapshot, snap model.DeviceSnapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
