package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetglass-io/fleetglass/internal/core/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "telemetry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := openTestStore(t)

	snap := model.DeviceSnapshot{
		DeviceID:     7,
		EngineState:  model.EngineOn,
		BatteryLevel: 88,
		LastUpdate:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.PutSnapshot(snap))

	// Overwrite with a newer state; only the latest survives.
	snap.BatteryLevel = 90
	require.NoError(t, s.PutSnapshot(snap))

	got, err := s.Snapshots()
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, int64(7), got[0].DeviceID)
	require.Equal(t, float64(90), got[0].BatteryLevel)
	require.Equal(t, model.EngineOn, got[0].EngineState)
}

func TestSamplesInRange(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, dev := range []int64{1, 2} {
		for i := 0; i < 5; i++ {
			require.NoError(t, s.AppendSample(model.TelemetrySample{
				DeviceID:    dev,
				TimestampMs: base.Add(time.Duration(i) * time.Minute).UnixMilli(),
				SpeedKn:     float64(i),
			}))
		}
	}

	got, err := s.SamplesInRange(1, base.Add(time.Minute), base.Add(4*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, sample := range got {
		require.Equal(t, int64(1), sample.DeviceID)
		require.Equal(t, float64(i+1), sample.SpeedKn)
	}

	// A device with no history stays empty.
	got, err = s.SamplesInRange(9, base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestDeleteSamplesBefore(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.AppendSample(model.TelemetrySample{
			DeviceID:    3,
			TimestampMs: base.Add(time.Duration(i) * time.Hour).UnixMilli(),
		}))
	}

	removed, err := s.DeleteSamplesBefore(base.Add(4 * time.Hour))
	require.NoError(t, err)
	require.Equal(t, 4, removed)

	left, err := s.SamplesInRange(3, base, base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, left, 6)
	require.Equal(t, base.Add(4*time.Hour).UnixMilli(), left[0].TimestampMs)
}

func TestClear(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.PutSnapshot(model.DeviceSnapshot{DeviceID: 1}))
	require.NoError(t, s.AppendSample(model.TelemetrySample{DeviceID: 1, TimestampMs: 1}))

	require.NoError(t, s.Clear())

	snaps, err := s.Snapshots()
	require.NoError(t, err)
	require.Empty(t, snaps)

	samples, err := s.SamplesInRange(1, time.UnixMilli(0), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, samples)
}
