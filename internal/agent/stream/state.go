package stream

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"

	fsmutil "github.com/fleetglass-io/fleetglass/internal/pkg/util/fsm"
	"github.com/fleetglass-io/fleetglass/internal/pkg/metrics"
)

// Connection states.
const (
	StateIdle       = "idle"
	StateConnecting = "connecting"
	StateConnected  = "connected"
	StateRetrying   = "retrying"
	StateSuspended  = "suspended"
	StateExhausted  = "exhausted"
)

// Lifecycle events.
const (
	eventDial        = "event_dial"
	eventEstablished = "event_established"
	eventDrop        = "event_drop"
	eventSuspend     = "event_suspend"
	eventExhaust     = "event_exhaust"
)

// StateSnapshot is a point-in-time view of the connection lifecycle,
// exposed to the UI and diagnostics layers.
type StateSnapshot struct {
	State     string    `json:"state"`
	Attempt   int       `json:"attempt"`
	LastError string    `json:"lastError,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// lifecycle tracks the connection state machine plus the retry bookkeeping
// that travels with it. All mutation goes through its methods; the mutex
// makes transitions atomic with their bookkeeping.
type lifecycle struct {
	mu      sync.Mutex
	fsm     *fsm.FSM
	attempt int
	lastErr error
	changed time.Time

	// waiters are closed-and-replaced on every transition so callers can
	// await a state without polling.
	waiters chan struct{}
}

func newLifecycle() *lifecycle {
	l := &lifecycle{
		waiters: make(chan struct{}),
		changed: time.Now(),
	}

	events := fsm.Events{
		// Exhausted is terminal for the retry loop itself, but an explicit
		// resume may revive the connection.
		{Name: eventDial, Src: []string{StateIdle, StateRetrying, StateSuspended, StateExhausted}, Dst: StateConnecting},
		{Name: eventEstablished, Src: []string{StateConnecting}, Dst: StateConnected},
		{Name: eventDrop, Src: []string{StateConnecting, StateConnected}, Dst: StateRetrying},
		{Name: eventSuspend, Src: []string{StateIdle, StateConnecting, StateConnected, StateRetrying}, Dst: StateSuspended},
		{Name: eventExhaust, Src: []string{StateRetrying}, Dst: StateExhausted},
	}

	callbacks := fsm.Callbacks{
		"enter_" + StateConnected: fsmutil.WrapEvent(func(ctx context.Context, e *fsm.Event) error {
			metrics.StreamConnected.Set(1)
			return nil
		}),
		"leave_" + StateConnected: fsmutil.WrapEvent(func(ctx context.Context, e *fsm.Event) error {
			metrics.StreamConnected.Set(0)
			return nil
		}),
	}

	l.fsm = fsm.NewFSM(StateIdle, events, callbacks)
	return l
}

// fire attempts a transition; a disallowed transition is a no-op and
// reports false.
func (l *lifecycle) fire(event string, lastErr error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.fsm.Event(context.Background(), event); err != nil {
		return false
	}

	switch event {
	case eventEstablished:
		l.attempt = 0
		l.lastErr = nil
	case eventDrop, eventExhaust:
		if lastErr != nil {
			l.lastErr = lastErr
		}
	}
	l.changed = time.Now()

	close(l.waiters)
	l.waiters = make(chan struct{})
	return true
}

// nextAttempt returns the current attempt counter and then increments it.
func (l *lifecycle) nextAttempt() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.attempt
	l.attempt++
	return n
}

func (l *lifecycle) resetAttempts() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempt = 0
}

func (l *lifecycle) current() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fsm.Current()
}

func (l *lifecycle) snapshot() StateSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := StateSnapshot{
		State:     l.fsm.Current(),
		Attempt:   l.attempt,
		Timestamp: l.changed,
	}
	if l.lastErr != nil {
		snap.LastError = l.lastErr.Error()
	}
	return snap
}

// await blocks until the lifecycle reaches one of the wanted states or the
// context ends.
func (l *lifecycle) await(ctx context.Context, states ...string) (string, error) {
	for {
		l.mu.Lock()
		cur := l.fsm.Current()
		ch := l.waiters
		l.mu.Unlock()

		for _, s := range states {
			if cur == s {
				return cur, nil
			}
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return cur, ctx.Err()
		}
	}
}
