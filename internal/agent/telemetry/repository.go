// Package telemetry holds the authoritative in-memory view of per-device
// vehicle state. Every data source (live stream, polling fallback,
// backfill) feeds the same ingestion path, so downstream consumers see
// one unified interface regardless of where an update came from.
package telemetry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fleetglass-io/fleetglass/internal/core/model"
	"github.com/fleetglass-io/fleetglass/internal/pkg/metrics"
	"github.com/fleetglass-io/fleetglass/pkg/log"
)

// Store is what the repository needs from the durable cache. A nil Store
// puts the repository in pure in-memory mode.
type Store interface {
	PutSnapshot(model.DeviceSnapshot) error
	AppendSample(model.TelemetrySample) error
	Snapshots() ([]model.DeviceSnapshot, error)
	Clear() error
}

// Fetcher is the secondary data source used to seed and refresh devices.
type Fetcher interface {
	LatestPositions(ctx context.Context, deviceIDs ...int64) ([]model.Position, error)
}

const defaultEventBuffer = 128

// Repository is the single source of truth for live per-device state.
//
// The snapshot map is mutated only with mu held, which serializes the
// concurrent producers (socket reader, poller, backfill) and upholds the
// monotonic device-time invariant.
type Repository struct {
	logger log.Logger
	store  Store
	fetch  Fetcher

	mu       sync.Mutex
	devices  map[int64]*model.DeviceSnapshot
	lastSync time.Time
	degraded bool

	coalesce *coalescer
	subs     *registry
	events   chan model.Event
}

// Config carries the repository's collaborators and tuning.
type Config struct {
	// Store persists accepted updates; nil disables persistence.
	Store Store
	// Fetcher serves seed and refresh reads; nil disables them.
	Fetcher Fetcher
	// CoalesceWindow bounds the per-device notification rate.
	// Zero delivers immediately.
	CoalesceWindow time.Duration
	// Degraded starts the repository in degraded mode, for assemblies
	// where the durable cache failed to open and persistence is off
	// involuntarily rather than by configuration.
	Degraded bool
	Logger   log.Logger
}

// New creates a Repository. Call Restore to seed it from the durable
// cache before attaching data sources.
func New(cfg Config) *Repository {
	logger := cfg.Logger
	if logger == nil {
		logger = log.WithName("telemetry")
	}

	r := &Repository{
		logger:   logger,
		store:    cfg.Store,
		fetch:    cfg.Fetcher,
		degraded: cfg.Degraded,
		devices:  make(map[int64]*model.DeviceSnapshot),
		subs:     newRegistry(),
		events:   make(chan model.Event, defaultEventBuffer),
	}
	r.coalesce = newCoalescer(cfg.CoalesceWindow, func(snap model.DeviceSnapshot) {
		metrics.NotificationsTotal.Inc()
		r.subs.publish(snap)
	})
	return r
}

// Restore seeds the in-memory map from the durable cache, so the agent
// presents data at cold start before any network traffic.
func (r *Repository) Restore() error {
	if r.store == nil {
		return nil
	}

	snaps, err := r.store.Snapshots()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, snap := range snaps {
		s := snap
		r.devices[s.DeviceID] = &s
		if s.LastUpdate.After(r.lastSync) {
			r.lastSync = s.LastUpdate
		}
	}
	r.logger.Info("restored snapshots from durable cache", "devices", len(snaps))
	return nil
}

// Ingest consumes one decoded stream frame.
func (r *Repository) Ingest(msg model.StreamMessage) {
	if len(msg.Positions) > 0 {
		r.IngestPositions(msg.Positions)
	}
	if len(msg.Devices) > 0 {
		r.mergeDevices(msg.Devices)
	}
	for _, ev := range msg.Events {
		select {
		case r.events <- ev:
		default:
			r.logger.Warn("event channel full, dropping event", "type", ev.Type, "deviceID", ev.DeviceID)
		}
	}
}

// IngestPositions applies a position batch through the dedup rule. It is
// the shared entry point for the socket stream, the polling fallback and
// backfill merges.
func (r *Repository) IngestPositions(positions []model.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range positions {
		r.applyLocked(&positions[i])
	}
}

// applyLocked evaluates one position against the cached snapshot.
// Caller holds mu.
func (r *Repository) applyLocked(p *model.Position) {
	snap, ok := r.devices[p.DeviceID]
	if !ok {
		snap = &model.DeviceSnapshot{DeviceID: p.DeviceID, EngineState: model.EngineUnknown}
		r.devices[p.DeviceID] = snap
	}

	if cur := snap.Position; cur != nil {
		if p.DeviceTime.Before(cur.DeviceTime) {
			metrics.PositionsTotal.WithLabelValues("deduped").Inc()
			return
		}
		// On a timestamp tie only an identical position is a duplicate;
		// different content is accepted to favor freshness.
		if p.DeviceTime.Equal(cur.DeviceTime) && p.Equal(cur) {
			metrics.PositionsTotal.WithLabelValues("deduped").Inc()
			return
		}
	}

	pos := *p
	snap.Apply(&pos)
	r.lastSync = time.Now()
	metrics.PositionsTotal.WithLabelValues("accepted").Inc()

	r.persistLocked(*snap)
	r.coalesce.offer(*snap)
}

// persistLocked writes through to the durable cache. Storage failure
// degrades to in-memory operation instead of failing ingestion.
func (r *Repository) persistLocked(snap model.DeviceSnapshot) {
	if r.store == nil {
		return
	}

	if err := r.store.PutSnapshot(snap); err != nil {
		r.degradedLocked(err)
		return
	}
	if err := r.store.AppendSample(snap.Sample()); err != nil {
		r.degradedLocked(err)
		return
	}
	r.degraded = false
}

func (r *Repository) degradedLocked(err error) {
	if !r.degraded {
		r.logger.Error(err, "durable cache unavailable, continuing in-memory only")
		r.degraded = true
	}
}

func (r *Repository) mergeDevices(devices []model.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range devices {
		snap, ok := r.devices[d.ID]
		if !ok {
			snap = &model.DeviceSnapshot{DeviceID: d.ID, EngineState: model.EngineUnknown}
			r.devices[d.ID] = snap
		}
		snap.Name = d.Name
	}
}

// Snapshot returns a copy of one device's current state.
func (r *Repository) Snapshot(deviceID int64) (model.DeviceSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap, ok := r.devices[deviceID]
	if !ok {
		return model.DeviceSnapshot{}, false
	}
	return *snap, true
}

// Snapshots returns a copy of every tracked device's state, ordered by id.
func (r *Repository) Snapshots() []model.DeviceSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.DeviceSnapshot, 0, len(r.devices))
	for _, snap := range r.devices {
		out = append(out, *snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// TrackedDevices lists the ids of every device with any known state.
func (r *Repository) TrackedDevices() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]int64, 0, len(r.devices))
	for id := range r.devices {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// LastSync is the wall-clock time of the most recent accepted update,
// zero when nothing was ever accepted. Backfill derives its gap from it.
func (r *Repository) LastSync() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSync
}

// Degraded reports whether the durable cache is currently unavailable.
func (r *Repository) Degraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.degraded
}

// Subscribe registers for coalesced snapshot notifications for one device.
func (r *Repository) Subscribe(deviceID int64) *Subscription {
	return r.subs.subscribe(deviceID, false)
}

// SubscribeAll registers for notifications across every device.
func (r *Repository) SubscribeAll() *Subscription {
	return r.subs.subscribe(0, true)
}

// Unsubscribe removes a subscription; its channel stops receiving.
func (r *Repository) Unsubscribe(sub *Subscription) {
	r.subs.unsubscribe(sub)
}

// Events exposes non-position stream messages for the notification layer.
func (r *Repository) Events() <-chan model.Event {
	return r.events
}

// FetchDevices triggers a background seed of devices with no live data
// yet. Completion is observed only through the repository's state;
// errors are logged, never returned.
func (r *Repository) FetchDevices(ctx context.Context, deviceIDs ...int64) {
	if r.fetch == nil {
		return
	}

	go func() {
		positions, err := r.fetch.LatestPositions(ctx, deviceIDs...)
		if err != nil {
			r.logger.Warn("device seed fetch failed", "devices", len(deviceIDs), "err", err)
			return
		}
		r.IngestPositions(positions)
	}()
}

// RefreshAll forces a full re-fetch of all tracked devices, used after
// sustained network loss. Blocking; callers run it in the background.
func (r *Repository) RefreshAll(ctx context.Context) error {
	if r.fetch == nil {
		return nil
	}

	positions, err := r.fetch.LatestPositions(ctx)
	if err != nil {
		return err
	}
	r.IngestPositions(positions)
	return nil
}

// Clear wipes all in-memory and persisted state. Invoked by the auth
// layer on logout or account switch so nothing leaks between accounts.
func (r *Repository) Clear() {
	r.mu.Lock()
	r.devices = make(map[int64]*model.DeviceSnapshot)
	r.lastSync = time.Time{}
	store := r.store
	r.mu.Unlock()

	r.coalesce.reset()

	if store != nil {
		if err := store.Clear(); err != nil {
			r.logger.Error(err, "failed to clear durable cache")
		}
	}
}

// Close stops the coalescing timers so no notification fires after
// shutdown.
func (r *Repository) Close() {
	r.coalesce.close()
}
