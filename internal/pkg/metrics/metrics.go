package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry is the module-local metrics registry, exposed on the
// diagnostics server's /metrics endpoint.
var Registry = prometheus.NewRegistry()

var (
	// StreamConnected records the live stream state (1=connected, 0=not).
	StreamConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetglass_stream_connected",
			Help: "Whether the live telemetry stream is connected (1=connected, 0=not).",
		},
	)

	// StreamReconnectsTotal counts completed reconnect cycles.
	StreamReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetglass_stream_reconnects_total",
			Help: "Total number of successful stream reconnects.",
		},
	)

	// PositionsTotal counts positions by ingest outcome.
	PositionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetglass_positions_total",
			Help: "Total positions processed by the telemetry repository.",
		},
		[]string{"outcome"}, // accepted / deduped
	)

	// NotificationsTotal counts coalesced snapshot notifications delivered
	// to subscribers.
	NotificationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetglass_notifications_total",
			Help: "Total coalesced snapshot notifications delivered.",
		},
	)

	// FetchCacheTotal counts forced/revalidation cache lookups.
	FetchCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetglass_fetch_cache_total",
			Help: "Cache lookups in the secondary fetch source.",
		},
		[]string{"cache", "result"}, // cache: forced/revalidation, result: hit/miss/stale
	)

	// FetchLatency records REST request latency.
	FetchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetglass_fetch_latency_seconds",
			Help:    "Latency of REST requests to the tracking backend.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"resource"},
	)

	// BackfillRunsTotal counts backfill passes by result.
	BackfillRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetglass_backfill_runs_total",
			Help: "Total backfill passes after reconnect.",
		},
		[]string{"result"}, // complete / partial
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		StreamConnected,
		StreamReconnectsTotal,
		PositionsTotal,
		NotificationsTotal,
		FetchCacheTotal,
		FetchLatency,
		BackfillRunsTotal,
	)
}
