package diag

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetglass-io/fleetglass/internal/agent/fetch"
	"github.com/fleetglass-io/fleetglass/internal/agent/stream"
	"github.com/fleetglass-io/fleetglass/internal/core/model"
	"github.com/fleetglass-io/fleetglass/pkg/options"
)

type stubStream struct {
	state stream.StateSnapshot
}

func (s *stubStream) State() stream.StateSnapshot { return s.state }
func (s *stubStream) Connected() bool             { return s.state.State == stream.StateConnected }

type stubRepo struct {
	snapshots []model.DeviceSnapshot
	lastSync  time.Time
	degraded  bool
}

func (r *stubRepo) Snapshots() []model.DeviceSnapshot { return r.snapshots }
func (r *stubRepo) LastSync() time.Time               { return r.lastSync }
func (r *stubRepo) Degraded() bool                    { return r.degraded }

type stubCaches struct{}

func (stubCaches) Stats() map[string]fetch.CacheStats {
	return map[string]fetch.CacheStats{"forced": {Entries: 2, Hits: 5}}
}

type stubHistory struct {
	samples []model.TelemetrySample
}

func (h *stubHistory) SamplesInRange(deviceID int64, from, to time.Time) ([]model.TelemetrySample, error) {
	out := []model.TelemetrySample{}
	for _, s := range h.samples {
		if s.DeviceID == deviceID && s.TimestampMs >= from.UnixMilli() && s.TimestampMs < to.UnixMilli() {
			out = append(out, s)
		}
	}
	return out, nil
}

func newTestServer(t *testing.T, repo *stubRepo) *httptest.Server {
	t.Helper()
	s := NewServer(options.NewHttpOptions(),
		&stubStream{state: stream.StateSnapshot{State: stream.StateConnected}},
		repo, stubCaches{},
		&stubHistory{samples: []model.TelemetrySample{
			{DeviceID: 1, TimestampMs: time.Now().Add(-time.Hour).UnixMilli(), SpeedKn: 12},
		}})
	srv := httptest.NewServer(s.server.Handler)
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, &stubRepo{})
	code, body := get(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", string(body))
}

func TestReadyzReflectsDegradedStore(t *testing.T) {
	srv := newTestServer(t, &stubRepo{degraded: true})
	code, _ := get(t, srv.URL+"/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	srv = newTestServer(t, &stubRepo{})
	code, _ = get(t, srv.URL+"/readyz")
	assert.Equal(t, http.StatusOK, code)
}

func TestDebugState(t *testing.T) {
	lastSync := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	srv := newTestServer(t, &stubRepo{lastSync: lastSync})

	code, body := get(t, srv.URL+"/debug/state")
	require.Equal(t, http.StatusOK, code)

	var view struct {
		Stream   stream.StateSnapshot `json:"stream"`
		LastSync time.Time            `json:"lastSync"`
	}
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, stream.StateConnected, view.Stream.State)
	assert.True(t, view.LastSync.Equal(lastSync))
}

func TestDebugSnapshotsAndCache(t *testing.T) {
	srv := newTestServer(t, &stubRepo{snapshots: []model.DeviceSnapshot{{DeviceID: 1, Name: "truck-1"}}})

	code, body := get(t, srv.URL+"/debug/snapshots")
	require.Equal(t, http.StatusOK, code)
	var snapshots []model.DeviceSnapshot
	require.NoError(t, json.Unmarshal(body, &snapshots))
	require.Len(t, snapshots, 1)
	assert.Equal(t, "truck-1", snapshots[0].Name)

	code, body = get(t, srv.URL+"/debug/cache")
	require.Equal(t, http.StatusOK, code)
	var stats map[string]fetch.CacheStats
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, int64(5), stats["forced"].Hits)
}

func TestDebugHistory(t *testing.T) {
	srv := newTestServer(t, &stubRepo{})

	code, body := get(t, srv.URL+"/debug/history/1")
	require.Equal(t, http.StatusOK, code)
	var samples []model.TelemetrySample
	require.NoError(t, json.Unmarshal(body, &samples))
	require.Len(t, samples, 1)
	assert.Equal(t, float64(12), samples[0].SpeedKn)

	code, _ = get(t, srv.URL+"/debug/history/notanumber")
	assert.Equal(t, http.StatusBadRequest, code)
}
