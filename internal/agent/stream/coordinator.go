// Package stream owns the single live connection to the tracking backend:
// dialing, the retry loop, suspend/resume, and fan-in of decoded frames.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fleetglass-io/fleetglass/internal/agent/backoff"
	"github.com/fleetglass-io/fleetglass/internal/core/model"
	"github.com/fleetglass-io/fleetglass/internal/pkg/metrics"
	"github.com/fleetglass-io/fleetglass/pkg/log"
)

// ErrExhausted reports that the coordinator gave up after the configured
// number of consecutive failed attempts.
var ErrExhausted = errors.New("stream: retry attempts exhausted")

// Hook runs after every successful (re)connect. Hooks run sequentially,
// never concurrently, to avoid bursting the backend.
type Hook func(ctx context.Context)

// HeaderFunc supplies per-dial request headers (session credentials).
type HeaderFunc func(ctx context.Context) (http.Header, error)

const defaultMessageBuffer = 64

// Config carries the coordinator's collaborators and tuning.
type Config struct {
	URL    string
	Dialer Dialer
	// Header supplies credentials for each dial; nil sends no headers.
	Header HeaderFunc
	Policy backoff.Policy
	// MaxAttempts caps consecutive failures; zero retries forever.
	MaxAttempts int
	Logger      log.Logger
}

// Coordinator maintains at most one active streaming connection for the
// whole process.
type Coordinator struct {
	cfg    Config
	logger log.Logger

	life *lifecycle
	msgs chan model.StreamMessage
	sf   singleflight.Group

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	conn    Conn

	hooksMu sync.Mutex
	hooks   []Hook
}

// NewCoordinator creates a Coordinator; no connection is opened until
// Connect or EnsureConnected.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Policy == (backoff.Policy{}) {
		cfg.Policy = backoff.Default
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.WithName("stream")
	}

	return &Coordinator{
		cfg:    cfg,
		logger: logger,
		life:   newLifecycle(),
		msgs:   make(chan model.StreamMessage, defaultMessageBuffer),
	}
}

// OnConnected registers a hook to run after every successful connect.
func (c *Coordinator) OnConnected(h Hook) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.hooks = append(c.hooks, h)
}

// Connect starts the connection loop if it is not already running and
// returns the shared message stream. Calling it while connected is a
// no-op returning the same stream; a second socket is never opened.
func (c *Coordinator) Connect(ctx context.Context) <-chan model.StreamMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return c.msgs
	}

	if c.life.current() == StateExhausted {
		// Explicit revival starts a fresh attempt count.
		c.life.resetAttempts()
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.running = true

	go func() {
		defer func() {
			cancel()
			c.mu.Lock()
			c.running = false
			c.conn = nil
			c.mu.Unlock()
			close(done)
		}()
		c.run(runCtx)
	}()

	return c.msgs
}

// EnsureConnected starts the loop if needed and blocks until the stream
// is connected, the retry budget is exhausted, or ctx ends. Concurrent
// callers coalesce into a single in-flight cycle and share its outcome.
func (c *Coordinator) EnsureConnected(ctx context.Context) error {
	_, err, _ := c.sf.Do("connect", func() (any, error) {
		c.Connect(ctx)
		state, err := c.life.await(ctx, StateConnected, StateExhausted)
		if err != nil {
			return nil, err
		}
		if state == StateExhausted {
			return nil, ErrExhausted
		}
		return nil, nil
	})
	return err
}

// Resume reconnects immediately when suspended or exhausted; it is a
// no-op while connecting or connected.
func (c *Coordinator) Resume(ctx context.Context) {
	c.Connect(ctx)
}

// Suspend closes the active connection without entering the retry loop,
// cancelling any pending backoff timer. Used on background transitions.
func (c *Coordinator) Suspend() {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	done := c.done
	running := c.running
	c.mu.Unlock()

	if !running {
		return
	}

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}

	c.life.fire(eventSuspend, nil)
	c.logger.Info("stream suspended")
}

// Close tears the coordinator down. The message channel stays open;
// consumers stop via their own contexts.
func (c *Coordinator) Close() {
	c.Suspend()
}

// State returns the current connection state snapshot.
func (c *Coordinator) State() StateSnapshot {
	return c.life.snapshot()
}

// Connected reports whether the live stream is currently up. The polling
// fallback consults it to suppress duplicate work.
func (c *Coordinator) Connected() bool {
	return c.life.current() == StateConnected
}

func (c *Coordinator) run(ctx context.Context) {
	for {
		c.life.fire(eventDial, nil)

		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("stream dial failed", "err", err)
			if !c.retryAfterFailure(ctx, err) {
				return
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		c.life.fire(eventEstablished, nil)
		metrics.StreamReconnectsTotal.Inc()
		c.logger.Info("stream connected", "url", c.cfg.URL)
		c.runHooks(ctx)

		err = c.readLoop(ctx, conn)
		conn.Close()

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("stream dropped", "err", err)
		if !c.retryAfterFailure(ctx, err) {
			return
		}
	}
}

func (c *Coordinator) dial(ctx context.Context) (Conn, error) {
	var header http.Header
	if c.cfg.Header != nil {
		var err error
		header, err = c.cfg.Header(ctx)
		if err != nil {
			return nil, err
		}
	}
	return c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
}

// retryAfterFailure records the drop and waits out the backoff delay.
// It reports false when the loop should stop (suspended or exhausted).
func (c *Coordinator) retryAfterFailure(ctx context.Context, cause error) bool {
	c.life.fire(eventDrop, cause)

	attempt := c.life.nextAttempt()
	if c.cfg.MaxAttempts > 0 && attempt+1 >= c.cfg.MaxAttempts {
		c.life.fire(eventExhaust, cause)
		c.logger.Error(cause, "stream retry attempts exhausted", "attempts", attempt+1)
		return false
	}

	delay := c.cfg.Policy.NextDelay(attempt)
	c.logger.Info("stream retrying", "attempt", attempt, "delay", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// runHooks executes post-connect hooks one at a time.
func (c *Coordinator) runHooks(ctx context.Context) {
	c.hooksMu.Lock()
	hooks := make([]Hook, len(c.hooks))
	copy(hooks, c.hooks)
	c.hooksMu.Unlock()

	for _, h := range hooks {
		if ctx.Err() != nil {
			return
		}
		h(ctx)
	}
}

func (c *Coordinator) readLoop(ctx context.Context, conn Conn) error {
	for {
		payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg model.StreamMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			// Malformed frames are dropped; they never terminate the
			// connection.
			c.logger.Warn("dropping malformed stream frame", "err", err, "bytes", len(payload))
			continue
		}
		if msg.Empty() {
			continue
		}

		select {
		case c.msgs <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
