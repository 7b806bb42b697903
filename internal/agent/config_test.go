package agent

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetglass-io/fleetglass/internal/core/model"
	"github.com/fleetglass-io/fleetglass/pkg/options"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	storeOpts := options.NewStoreOptions()
	storeOpts.Path = filepath.Join(t.TempDir(), "telemetry.db")
	return &Config{
		StreamOptions: options.NewStreamOptions(),
		ApiOptions:    options.NewApiOptions(),
		StoreOptions:  storeOpts,
		HttpOptions:   options.NewHttpOptions(),
	}
}

func TestNewAgentWithHealthyStore(t *testing.T) {
	cfg := testConfig(t)

	a, err := cfg.NewAgent()
	require.NoError(t, err)
	defer a.shutdown()

	assert.NotNil(t, a.store)
	assert.False(t, a.Repository().Degraded())
}

func TestNewAgentDegradesWithoutStore(t *testing.T) {
	cfg := testConfig(t)
	// Parent directory does not exist, so the database cannot be opened.
	cfg.StoreOptions.Path = filepath.Join(t.TempDir(), "missing", "telemetry.db")

	a, err := cfg.NewAgent()
	require.NoError(t, err, "an unavailable durable cache must not abort startup")
	defer a.shutdown()

	assert.Nil(t, a.store)
	assert.True(t, a.Repository().Degraded())

	// Live ingestion still works in-memory.
	at := time.Now()
	a.Repository().Ingest(model.StreamMessage{Positions: []model.Position{{
		DeviceID:   1,
		Latitude:   48.2,
		Longitude:  16.3,
		Speed:      5,
		DeviceTime: at,
		ServerTime: at,
	}}})

	snap, ok := a.Repository().Snapshot(1)
	require.True(t, ok)
	assert.Equal(t, float64(5), snap.Position.Speed)
	assert.True(t, a.Repository().Degraded(), "degraded mode persists while the cache is gone")
}
