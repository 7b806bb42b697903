// Package diag serves the local diagnostics endpoints: liveness and
// readiness probes, Prometheus metrics, and JSON views of the agent's
// internal state for troubleshooting.
package diag

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetglass-io/fleetglass/internal/agent/fetch"
	"github.com/fleetglass-io/fleetglass/internal/agent/stream"
	"github.com/fleetglass-io/fleetglass/internal/core/model"
	"github.com/fleetglass-io/fleetglass/internal/pkg/metrics"
	"github.com/fleetglass-io/fleetglass/pkg/log"
	"github.com/fleetglass-io/fleetglass/pkg/options"
)

// StreamStatus reports the connection coordinator's state.
type StreamStatus interface {
	State() stream.StateSnapshot
	Connected() bool
}

// RepositoryStatus reports the telemetry repository's state.
type RepositoryStatus interface {
	Snapshots() []model.DeviceSnapshot
	LastSync() time.Time
	Degraded() bool
}

// CacheStatus reports fetch cache usage.
type CacheStatus interface {
	Stats() map[string]fetch.CacheStats
}

// History reads persisted telemetry samples.
type History interface {
	SamplesInRange(deviceID int64, from, to time.Time) ([]model.TelemetrySample, error)
}

type Server struct {
	server  *http.Server
	options *options.HttpOptions
	stream  StreamStatus
	repo    RepositoryStatus
	caches  CacheStatus
	history History
}

func NewServer(opts *options.HttpOptions, streamStatus StreamStatus, repo RepositoryStatus, caches CacheStatus, history History) *Server {
	s := &Server{
		options: opts,
		stream:  streamStatus,
		repo:    repo,
		caches:  caches,
		history: history,
	}

	r := mux.NewRouter()

	// Basic liveness probe.
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Ready once the repository can serve state, even if the stream is
	// still retrying; the polling fallback covers that window.
	r.HandleFunc("/readyz", s.handleReadyz)

	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	r.HandleFunc("/debug/state", s.handleState).Methods(http.MethodGet)
	r.HandleFunc("/debug/snapshots", s.handleSnapshots).Methods(http.MethodGet)
	r.HandleFunc("/debug/cache", s.handleCache).Methods(http.MethodGet)
	r.HandleFunc("/debug/history/{deviceId}", s.handleHistory).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:         opts.Addr,
		Handler:      r,
		ReadTimeout:  opts.Timeout,
		WriteTimeout: opts.Timeout,
	}
	return s
}

func (s *Server) handleReadyz(w http.ResponseWriter, req *http.Request) {
	if s.repo != nil && s.repo.Degraded() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("degraded"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleState(w http.ResponseWriter, req *http.Request) {
	type stateView struct {
		Stream   stream.StateSnapshot `json:"stream"`
		LastSync time.Time            `json:"lastSync"`
		Degraded bool                 `json:"degraded"`
	}
	view := stateView{}
	if s.stream != nil {
		view.Stream = s.stream.State()
	}
	if s.repo != nil {
		view.LastSync = s.repo.LastSync()
		view.Degraded = s.repo.Degraded()
	}
	writeJSON(w, view)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, req *http.Request) {
	var snapshots []model.DeviceSnapshot
	if s.repo != nil {
		snapshots = s.repo.Snapshots()
	}
	writeJSON(w, snapshots)
}

func (s *Server) handleCache(w http.ResponseWriter, req *http.Request) {
	var stats map[string]fetch.CacheStats
	if s.caches != nil {
		stats = s.caches.Stats()
	}
	writeJSON(w, stats)
}

// handleHistory serves persisted samples for one device. from/to are
// RFC3339 query parameters; to defaults to now, from to 24h before to.
func (s *Server) handleHistory(w http.ResponseWriter, req *http.Request) {
	if s.history == nil {
		http.Error(w, "history unavailable", http.StatusNotFound)
		return
	}

	deviceID, err := strconv.ParseInt(mux.Vars(req)["deviceId"], 10, 64)
	if err != nil {
		http.Error(w, "invalid device id", http.StatusBadRequest)
		return
	}

	to := time.Now()
	if v := req.URL.Query().Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			http.Error(w, "invalid to timestamp", http.StatusBadRequest)
			return
		}
	}
	from := to.Add(-24 * time.Hour)
	if v := req.URL.Query().Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			http.Error(w, "invalid from timestamp", http.StatusBadRequest)
			return
		}
	}

	samples, err := s.history.SamplesInRange(deviceID, from, to)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, samples)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	log.Info("Starting diagnostics HTTP server", "addr", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}
