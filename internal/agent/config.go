package agent

import (
	"fmt"
	"net/http"

	"github.com/fleetglass-io/fleetglass/internal/agent/backfill"
	"github.com/fleetglass-io/fleetglass/internal/agent/backoff"
	"github.com/fleetglass-io/fleetglass/internal/agent/diag"
	"github.com/fleetglass-io/fleetglass/internal/agent/fetch"
	"github.com/fleetglass-io/fleetglass/internal/agent/store"
	"github.com/fleetglass-io/fleetglass/internal/agent/stream"
	"github.com/fleetglass-io/fleetglass/internal/agent/telemetry"
	"github.com/fleetglass-io/fleetglass/pkg/log"
	"github.com/fleetglass-io/fleetglass/pkg/options"
)

// Config aggregates the option groups the agent is assembled from.
type Config struct {
	StreamOptions *options.StreamOptions
	ApiOptions    *options.ApiOptions
	StoreOptions  *options.StoreOptions
	HttpOptions   *options.HttpOptions

	// Session overrides token-based auth when set; defaults to a static
	// token from ApiOptions.
	Session fetch.Session
}

// NewAgent assembles the sync engine from a Config: durable cache, REST
// client, telemetry repository, stream coordinator, backfill, poller and
// the diagnostics server.
func (cfg *Config) NewAgent() (*Agent, error) {
	session := cfg.Session
	if session == nil {
		session = fetch.StaticToken(cfg.ApiOptions.Token)
	}

	// A broken durable cache degrades to in-memory operation instead of
	// refusing to start; cold-start seeding and sample history are lost
	// but live ingestion keeps working.
	db, err := store.Open(cfg.StoreOptions.Path)
	if err != nil {
		log.Error(err, "durable cache unavailable, continuing in-memory only", "path", cfg.StoreOptions.Path)
		db = nil
	}

	client, err := fetch.NewClient(fetch.Config{
		BaseURL:     cfg.ApiOptions.BaseURL,
		HTTPClient:  &http.Client{Timeout: cfg.ApiOptions.Timeout},
		Session:     session,
		DeviceTTL:   cfg.ApiOptions.DeviceTTL,
		GeofenceTTL: cfg.ApiOptions.GeofenceTTL,
		Logger:      log.WithName("fetch"),
	})
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, fmt.Errorf("create API client: %w", err)
	}

	// Assign through locals so a nil *store.Store never ends up inside a
	// non-nil interface value.
	var repoStore telemetry.Store
	var history diag.History
	if db != nil {
		repoStore = db
		history = db
	}

	repo := telemetry.New(telemetry.Config{
		Store:          repoStore,
		Fetcher:        client,
		CoalesceWindow: cfg.StreamOptions.CoalesceWindow,
		Degraded:       db == nil,
		Logger:         log.WithName("telemetry"),
	})

	coordinator := stream.NewCoordinator(stream.Config{
		URL:    cfg.StreamOptions.URL,
		Dialer: stream.NewWebsocketDialer(cfg.StreamOptions.HandshakeTimeout),
		Header: sessionHeader(session),
		Policy: backoff.Policy{
			InitialDelay: cfg.StreamOptions.InitialDelay,
			Multiplier:   cfg.StreamOptions.Multiplier,
			MaxDelay:     cfg.StreamOptions.MaxDelay,
		},
		MaxAttempts: cfg.StreamOptions.MaxAttempts,
		Logger:      log.WithName("stream"),
	})

	reconciler := backfill.NewController(repo, client, log.WithName("backfill"))
	poller := fetch.NewPoller(cfg.ApiOptions.PollInterval, client, repo,
		coordinator.Connected, log.WithName("poller"))
	diagServer := diag.NewServer(cfg.HttpOptions, coordinator, repo, client, history)

	return &Agent{
		store:       db,
		client:      client,
		repo:        repo,
		coordinator: coordinator,
		reconciler:  reconciler,
		poller:      poller,
		diag:        diagServer,
		retention:   cfg.StoreOptions.Retention,
		sweepEvery:  cfg.StoreOptions.SweepInterval,
		logger:      log.WithName("agent"),
	}, nil
}
