package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetglass-io/fleetglass/internal/core/model"
)

type memStore struct {
	mu        sync.Mutex
	snapshots map[int64]model.DeviceSnapshot
	samples   []model.TelemetrySample
	failing   bool
}

func newMemStore() *memStore {
	return &memStore{snapshots: make(map[int64]model.DeviceSnapshot)}
}

func (m *memStore) PutSnapshot(s model.DeviceSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errors.New("disk gone")
	}
	m.snapshots[s.DeviceID] = s
	return nil
}

func (m *memStore) AppendSample(s model.TelemetrySample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errors.New("disk gone")
	}
	m.samples = append(m.samples, s)
	return nil
}

func (m *memStore) Snapshots() ([]model.DeviceSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.DeviceSnapshot, 0, len(m.snapshots))
	for _, s := range m.snapshots {
		out = append(out, s)
	}
	return out, nil
}

func (m *memStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = make(map[int64]model.DeviceSnapshot)
	m.samples = nil
	return nil
}

func (m *memStore) setFailing(failing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = failing
}

func (m *memStore) sampleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.samples)
}

type fakeFetcher struct {
	mu        sync.Mutex
	positions []model.Position
	calls     int
}

func (f *fakeFetcher) LatestPositions(ctx context.Context, ids ...int64) ([]model.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.positions, nil
}

func position(deviceID int64, at time.Time, speed float64) model.Position {
	return model.Position{
		DeviceID:   deviceID,
		Latitude:   48.85,
		Longitude:  2.35,
		Speed:      speed,
		DeviceTime: at,
		ServerTime: at.Add(time.Second),
	}
}

func collect(sub *Subscription, window time.Duration) []model.DeviceSnapshot {
	var got []model.DeviceSnapshot
	deadline := time.After(window)
	for {
		select {
		case s := <-sub.C:
			got = append(got, s)
		case <-deadline:
			return got
		}
	}
}

func TestIngestDedupIdenticalPositions(t *testing.T) {
	r := New(Config{CoalesceWindow: 20 * time.Millisecond})
	defer r.Close()

	sub := r.Subscribe(1)
	defer r.Unsubscribe(sub)

	at := time.Now().Truncate(time.Second)
	p := position(1, at, 12)
	for i := 0; i < 5; i++ {
		r.IngestPositions([]model.Position{p})
	}

	got := collect(sub, 150*time.Millisecond)
	require.Len(t, got, 1, "5 identical positions must produce exactly 1 notification")
	assert.Equal(t, float64(12), got[0].Position.Speed)
}

func TestIngestMonotonicity(t *testing.T) {
	r := New(Config{})
	defer r.Close()

	at := time.Now().Truncate(time.Second)
	r.IngestPositions([]model.Position{position(1, at, 30)})

	// Strictly older and equal-and-identical updates must not change state.
	r.IngestPositions([]model.Position{position(1, at.Add(-time.Minute), 99)})
	r.IngestPositions([]model.Position{position(1, at, 30)})

	snap, ok := r.Snapshot(1)
	require.True(t, ok)
	assert.Equal(t, float64(30), snap.Position.Speed)
	assert.True(t, snap.LastUpdate.Equal(at))
}

func TestIngestTimestampTieDifferentContentAccepted(t *testing.T) {
	r := New(Config{})
	defer r.Close()

	at := time.Now().Truncate(time.Second)
	r.IngestPositions([]model.Position{position(1, at, 30)})
	r.IngestPositions([]model.Position{position(1, at, 31)})

	snap, ok := r.Snapshot(1)
	require.True(t, ok)
	assert.Equal(t, float64(31), snap.Position.Speed, "tie with different content favors the fresh update")
}

func TestCoalescingDeliversFinalState(t *testing.T) {
	r := New(Config{CoalesceWindow: 50 * time.Millisecond})
	defer r.Close()

	sub := r.Subscribe(1)
	defer r.Unsubscribe(sub)

	at := time.Now().Truncate(time.Second)
	for i := 0; i < 10; i++ {
		r.IngestPositions([]model.Position{position(1, at.Add(time.Duration(i)*time.Second), float64(i))})
	}

	got := collect(sub, 200*time.Millisecond)
	require.Len(t, got, 1, "a burst within the window coalesces into one notification")
	assert.Equal(t, float64(9), got[0].Position.Speed, "trailing flush carries the final state")
}

func TestSnapshotDerivedFields(t *testing.T) {
	r := New(Config{})
	defer r.Close()

	at := time.Now()
	p := position(4, at, 5)
	p.Attributes = map[string]any{
		model.AttrIgnition:      true,
		model.AttrBatteryLevel:  float64(76),
		model.AttrFuelLevel:     float64(40),
		model.AttrTotalDistance: float64(123500),
	}
	r.IngestPositions([]model.Position{p})

	snap, ok := r.Snapshot(4)
	require.True(t, ok)
	assert.Equal(t, model.EngineOn, snap.EngineState)
	assert.Equal(t, float64(76), snap.BatteryLevel)
	assert.Equal(t, float64(40), snap.FuelLevel)
	assert.InDelta(t, 123.5, snap.DistanceKm, 0.001)
}

func TestWriteThroughAndDegradedMode(t *testing.T) {
	ms := newMemStore()
	r := New(Config{Store: ms})
	defer r.Close()

	at := time.Now().Truncate(time.Second)
	r.IngestPositions([]model.Position{position(1, at, 10)})
	assert.Equal(t, 1, ms.sampleCount())
	assert.False(t, r.Degraded())

	// Storage failure must not fail ingestion.
	ms.setFailing(true)
	r.IngestPositions([]model.Position{position(1, at.Add(time.Second), 11)})
	assert.True(t, r.Degraded())

	snap, ok := r.Snapshot(1)
	require.True(t, ok)
	assert.Equal(t, float64(11), snap.Position.Speed)

	// Recovery exits degraded mode.
	ms.setFailing(false)
	r.IngestPositions([]model.Position{position(1, at.Add(2*time.Second), 12)})
	assert.False(t, r.Degraded())
}

func TestRestoreColdStart(t *testing.T) {
	ms := newMemStore()
	seed := New(Config{Store: ms})
	at := time.Now().Truncate(time.Second)
	seed.IngestPositions([]model.Position{position(1, at, 10), position(2, at.Add(time.Second), 20)})
	seed.Close()

	r := New(Config{Store: ms})
	defer r.Close()
	require.NoError(t, r.Restore())

	assert.ElementsMatch(t, []int64{1, 2}, r.TrackedDevices())
	snap, ok := r.Snapshot(2)
	require.True(t, ok)
	assert.Equal(t, float64(20), snap.Position.Speed)

	// A stale update against restored state still dedups.
	r.IngestPositions([]model.Position{position(2, at, 99)})
	snap, _ = r.Snapshot(2)
	assert.Equal(t, float64(20), snap.Position.Speed)
}

func TestClearWipesEverything(t *testing.T) {
	ms := newMemStore()
	r := New(Config{Store: ms})
	defer r.Close()

	r.IngestPositions([]model.Position{position(1, time.Now(), 10)})
	r.Clear()

	assert.Empty(t, r.TrackedDevices())
	assert.True(t, r.LastSync().IsZero())
	snaps, err := ms.Snapshots()
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestEventsForwardedUnprocessed(t *testing.T) {
	r := New(Config{})
	defer r.Close()

	r.Ingest(model.StreamMessage{Events: []model.Event{{ID: 5, Type: "geofenceEnter", DeviceID: 2}}})

	select {
	case ev := <-r.Events():
		assert.Equal(t, "geofenceEnter", ev.Type)
		assert.Equal(t, int64(2), ev.DeviceID)
	case <-time.After(time.Second):
		t.Fatal("expected a forwarded event")
	}
}

func TestDeviceListMergeAndSeed(t *testing.T) {
	at := time.Now().Truncate(time.Second)
	ff := &fakeFetcher{positions: []model.Position{position(3, at, 7)}}
	r := New(Config{Fetcher: ff})
	defer r.Close()

	r.Ingest(model.StreamMessage{Devices: []model.Device{{ID: 3, Name: "van-3"}}})
	snap, ok := r.Snapshot(3)
	require.True(t, ok)
	assert.Equal(t, "van-3", snap.Name)
	assert.Nil(t, snap.Position)

	r.FetchDevices(context.Background(), 3)
	require.Eventually(t, func() bool {
		snap, _ := r.Snapshot(3)
		return snap.Position != nil
	}, time.Second, 10*time.Millisecond)

	snap, _ = r.Snapshot(3)
	assert.Equal(t, float64(7), snap.Position.Speed)
	assert.Equal(t, "van-3", snap.Name, "seeding keeps the merged device name")
}

func TestRefreshAll(t *testing.T) {
	at := time.Now().Truncate(time.Second)
	ff := &fakeFetcher{positions: []model.Position{position(1, at, 50)}}
	r := New(Config{Fetcher: ff})
	defer r.Close()

	require.NoError(t, r.RefreshAll(context.Background()))
	snap, ok := r.Snapshot(1)
	require.True(t, ok)
	assert.Equal(t, float64(50), snap.Position.Speed)
}
