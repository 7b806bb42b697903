// Package backoff computes reconnect delays for the stream coordinator.
package backoff

import (
	"math"
	"time"
)

// Policy computes the delay before a retry attempt. It is pure and
// immutable, so one value may be shared across goroutines; the attempt
// counter lives with the caller.
type Policy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// Default is the stock reconnect policy: 1s, 2s, 4s, ... clamped at 60s.
var Default = Policy{
	InitialDelay: time.Second,
	Multiplier:   2,
	MaxDelay:     60 * time.Second,
}

// NextDelay returns the delay for the given zero-based attempt number,
// initial-delay * multiplier^attempt clamped to max-delay.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	if delay > float64(p.MaxDelay) || math.IsInf(delay, 1) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}
