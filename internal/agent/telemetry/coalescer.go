package telemetry

import (
	"sync"
	"time"

	"github.com/fleetglass-io/fleetglass/internal/core/model"
)

// coalescer bounds the per-device notification rate: the first accepted
// update in a quiet window schedules a flush after the window elapses,
// later updates in the same window replace the pending value without
// rescheduling. The trailing flush always delivers the final state.
type coalescer struct {
	window time.Duration
	emit   func(model.DeviceSnapshot)

	mu      sync.Mutex
	pending map[int64]model.DeviceSnapshot
	timers  map[int64]*time.Timer
	closed  bool
}

func newCoalescer(window time.Duration, emit func(model.DeviceSnapshot)) *coalescer {
	return &coalescer{
		window:  window,
		emit:    emit,
		pending: make(map[int64]model.DeviceSnapshot),
		timers:  make(map[int64]*time.Timer),
	}
}

func (c *coalescer) offer(snap model.DeviceSnapshot) {
	if c.window <= 0 {
		c.emit(snap)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	c.pending[snap.DeviceID] = snap
	if _, scheduled := c.timers[snap.DeviceID]; !scheduled {
		id := snap.DeviceID
		c.timers[id] = time.AfterFunc(c.window, func() { c.flush(id) })
	}
}

func (c *coalescer) flush(deviceID int64) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	snap, ok := c.pending[deviceID]
	delete(c.pending, deviceID)
	delete(c.timers, deviceID)
	c.mu.Unlock()

	if ok {
		c.emit(snap)
	}
}

// reset drops pending notifications and their timers but keeps the
// coalescer usable. Used on account switch.
func (c *coalescer) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = make(map[int64]*time.Timer)
	c.pending = make(map[int64]model.DeviceSnapshot)
}

// close stops every pending timer without flushing, so no notification
// fires after shutdown.
func (c *coalescer) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = make(map[int64]*time.Timer)
	c.pending = make(map[int64]model.DeviceSnapshot)
}
