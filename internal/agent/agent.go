// Package agent wires the telemetry sync engine together: the durable
// cache, the REST client and its caches, the telemetry repository, the
// live stream coordinator with its backfill hook, the polling fallback
// and the diagnostics server.
package agent

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fleetglass-io/fleetglass/internal/agent/backfill"
	"github.com/fleetglass-io/fleetglass/internal/agent/diag"
	"github.com/fleetglass-io/fleetglass/internal/agent/fetch"
	"github.com/fleetglass-io/fleetglass/internal/agent/store"
	"github.com/fleetglass-io/fleetglass/internal/agent/stream"
	"github.com/fleetglass-io/fleetglass/internal/agent/telemetry"
	"github.com/fleetglass-io/fleetglass/internal/core/model"
	"github.com/fleetglass-io/fleetglass/pkg/log"
)

// Agent is the assembled sync engine.
type Agent struct {
	store       *store.Store
	client      *fetch.Client
	repo        *telemetry.Repository
	coordinator *stream.Coordinator
	reconciler  *backfill.Controller
	poller      *fetch.Poller
	diag        *diag.Server

	retention  time.Duration
	sweepEvery time.Duration
	logger     log.Logger
}

func sessionHeader(session fetch.Session) stream.HeaderFunc {
	if session == nil {
		return nil
	}
	return func(ctx context.Context) (http.Header, error) {
		token, err := session.Token(ctx)
		if err != nil {
			return nil, err
		}
		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)
		return header, nil
	}
}

// Repository exposes the telemetry repository for embedding applications
// (subscriptions, snapshots, events).
func (a *Agent) Repository() *telemetry.Repository {
	return a.repo
}

// Stream exposes the connection coordinator for lifecycle control
// (suspend on background, resume on foreground).
func (a *Agent) Stream() *stream.Coordinator {
	return a.coordinator
}

// Run starts all components and blocks until ctx is cancelled or the
// diagnostics server fails.
func (a *Agent) Run(ctx context.Context) error {
	// Seed from the durable cache before any network source attaches, so
	// cached state is visible immediately.
	if err := a.repo.Restore(); err != nil {
		return fmt.Errorf("restore durable cache: %w", err)
	}
	a.logger.Info("restored durable cache", "devices", len(a.repo.TrackedDevices()))

	// Backfill the gap after every (re)connect.
	a.coordinator.OnConnected(func(hookCtx context.Context) {
		if err := a.reconciler.Run(hookCtx); err != nil {
			a.logger.Warn("backfill pass failed", "err", err)
		}
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.diag.Start(runCtx); err != nil {
			select {
			case errCh <- fmt.Errorf("diagnostics server: %w", err):
			default:
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.poller.Run(runCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.sweepLoop(runCtx)
	}()

	// Fill the device list while the socket comes up.
	a.seedDevices(runCtx)

	msgs := a.coordinator.Connect(runCtx)

consume:
	for {
		select {
		case msg := <-msgs:
			a.repo.Ingest(msg)
		case err := <-errCh:
			cancel()
			wg.Wait()
			a.shutdown()
			return err
		case <-runCtx.Done():
			break consume
		}
	}

	wg.Wait()
	a.shutdown()
	return nil
}

// seedDevices merges the backend's device list so names and metadata are
// present before the first position arrives. Failure is tolerated; the
// stream also carries device records.
func (a *Agent) seedDevices(ctx context.Context) {
	devices, err := a.client.Devices(ctx)
	if err != nil {
		a.logger.Warn("device list seed failed", "err", err)
		return
	}
	a.repo.Ingest(model.StreamMessage{Devices: devices})
	ids := make([]int64, 0, len(devices))
	for _, d := range devices {
		ids = append(ids, d.ID)
	}
	a.repo.FetchDevices(ctx, ids...)
}

// sweepLoop prunes telemetry samples older than the retention window.
func (a *Agent) sweepLoop(ctx context.Context) {
	if a.store == nil || a.retention <= 0 || a.sweepEvery <= 0 {
		return
	}
	ticker := time.NewTicker(a.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-a.retention)
			removed, err := a.store.DeleteSamplesBefore(cutoff)
			if err != nil {
				a.logger.Warn("retention sweep failed", "err", err)
				continue
			}
			if removed > 0 {
				a.logger.Info("retention sweep pruned samples", "removed", removed, "cutoff", cutoff)
			}
		}
	}
}

// Logout clears every trace of the current account: repository state,
// durable cache and both fetch caches. The stream is suspended first so
// no in-flight frame repopulates state for the old account.
func (a *Agent) Logout() {
	a.coordinator.Suspend()
	a.repo.Clear()
	a.client.Clear()
}

func (a *Agent) shutdown() {
	a.coordinator.Close()
	a.repo.Close()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("closing durable cache failed", "err", err)
		}
	}
	a.logger.Info("agent stopped")
}
