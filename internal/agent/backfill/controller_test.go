package backfill

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetglass-io/fleetglass/internal/agent/telemetry"
	"github.com/fleetglass-io/fleetglass/internal/core/model"
	"github.com/fleetglass-io/fleetglass/pkg/log"
)

type fakeRepo struct {
	mu       sync.Mutex
	lastSync time.Time
	devices  []int64
	ingested []model.Position
}

func (r *fakeRepo) LastSync() time.Time    { return r.lastSync }
func (r *fakeRepo) TrackedDevices() []int64 { return r.devices }

func (r *fakeRepo) IngestPositions(positions []model.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ingested = append(r.ingested, positions...)
}

type fakeSource struct {
	mu        sync.Mutex
	windows   map[int64][2]time.Time
	positions map[int64][]model.Position
	failing   map[int64]bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		windows:   map[int64][2]time.Time{},
		positions: map[int64][]model.Position{},
		failing:   map[int64]bool{},
	}
}

func (s *fakeSource) PositionsSince(ctx context.Context, deviceID int64, from, to time.Time) ([]model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows[deviceID] = [2]time.Time{from, to}
	if s.failing[deviceID] {
		return nil, errors.New("history endpoint unavailable")
	}
	return s.positions[deviceID], nil
}

func TestControllerReplaysSinceLastSync(t *testing.T) {
	lastSync := time.Now().Add(-42 * time.Minute)
	repo := &fakeRepo{lastSync: lastSync, devices: []int64{1, 2}}
	source := newFakeSource()
	source.positions[1] = []model.Position{{ID: 10, DeviceID: 1}}
	source.positions[2] = []model.Position{{ID: 20, DeviceID: 2}, {ID: 21, DeviceID: 2}}

	c := NewController(repo, source, log.NewNopLogger())
	require.NoError(t, c.Run(context.Background()))

	assert.Len(t, repo.ingested, 3)
	for _, deviceID := range []int64{1, 2} {
		window, ok := source.windows[deviceID]
		require.True(t, ok, "device %d was not fetched", deviceID)
		assert.True(t, window[0].Equal(lastSync), "window must start at the last synchronized update")
		assert.True(t, window[1].After(lastSync))
	}
}

func TestControllerDefaultsWindowOnColdStart(t *testing.T) {
	repo := &fakeRepo{devices: []int64{7}}
	source := newFakeSource()

	c := NewController(repo, source, log.NewNopLogger())
	start := time.Now()
	require.NoError(t, c.Run(context.Background()))

	window := source.windows[7]
	gap := window[1].Sub(window[0])
	assert.Equal(t, defaultGap, gap)
	assert.WithinDuration(t, start, window[1], time.Second)
}

func TestControllerIsolatesPerDeviceFailures(t *testing.T) {
	repo := &fakeRepo{lastSync: time.Now().Add(-time.Minute), devices: []int64{1, 2, 3}}
	source := newFakeSource()
	source.positions[1] = []model.Position{{ID: 10, DeviceID: 1}}
	source.positions[3] = []model.Position{{ID: 30, DeviceID: 3}}
	source.failing[2] = true

	c := NewController(repo, source, log.NewNopLogger())
	require.NoError(t, c.Run(context.Background()))

	ingested := map[int64]bool{}
	for _, p := range repo.ingested {
		ingested[p.DeviceID] = true
	}
	assert.True(t, ingested[1])
	assert.True(t, ingested[3])
	assert.False(t, ingested[2])
}

func TestControllerReplayIsIdempotent(t *testing.T) {
	repo := telemetry.New(telemetry.Config{Logger: log.NewNopLogger()})
	defer repo.Close()

	// A prior live update puts the device under tracking and sets the
	// sync point the first replay window starts from.
	base := time.Now().Add(-10 * time.Minute)
	repo.IngestPositions([]model.Position{{
		ID: 1, DeviceID: 1, Speed: 3, DeviceTime: base, ServerTime: base,
	}})

	source := newFakeSource()
	source.positions[1] = []model.Position{
		{ID: 2, DeviceID: 1, Speed: 6, DeviceTime: base.Add(time.Minute), ServerTime: base.Add(time.Minute)},
		{ID: 3, DeviceID: 1, Speed: 9, DeviceTime: base.Add(2 * time.Minute), ServerTime: base.Add(2 * time.Minute)},
	}

	c := NewController(repo, source, log.NewNopLogger())
	require.NoError(t, c.Run(context.Background()))

	first, ok := repo.Snapshot(1)
	require.True(t, ok)
	assert.Equal(t, float64(9), first.Position.Speed)

	// A second pass over an overlapping window replays the same
	// positions; dedup must leave the snapshot untouched.
	require.NoError(t, c.Run(context.Background()))

	second, ok := repo.Snapshot(1)
	require.True(t, ok)
	assert.Equal(t, first, second)
}

func TestControllerSkipsEmptyFleet(t *testing.T) {
	repo := &fakeRepo{}
	source := newFakeSource()

	c := NewController(repo, source, log.NewNopLogger())
	require.NoError(t, c.Run(context.Background()))
	assert.Empty(t, source.windows)
}
