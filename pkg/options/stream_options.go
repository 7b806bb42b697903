package options

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*StreamOptions)(nil)

// StreamOptions contains configuration for the live telemetry stream and
// its reconnection behavior.
type StreamOptions struct {
	// URL is the websocket endpoint delivering telemetry updates.
	URL string `json:"url" mapstructure:"url"`

	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout time.Duration `json:"handshake-timeout" mapstructure:"handshake-timeout"`

	// Reconnection policy. Delay grows as initial-delay * multiplier^attempt,
	// clamped to max-delay.
	InitialDelay time.Duration `json:"initial-delay" mapstructure:"initial-delay"`
	Multiplier   float64       `json:"multiplier" mapstructure:"multiplier"`
	MaxDelay     time.Duration `json:"max-delay" mapstructure:"max-delay"`

	// MaxAttempts caps consecutive failed attempts before the stream gives
	// up and reports an exhausted state. Zero means retry forever.
	MaxAttempts int `json:"max-attempts" mapstructure:"max-attempts"`

	// CoalesceWindow bounds the per-device notification rate downstream of
	// the stream.
	CoalesceWindow time.Duration `json:"coalesce-window" mapstructure:"coalesce-window"`
}

// NewStreamOptions creates a StreamOptions object with default parameters.
func NewStreamOptions() *StreamOptions {
	return &StreamOptions{
		URL:              "wss://track.fleetglass.io/api/socket",
		HandshakeTimeout: 10 * time.Second,
		InitialDelay:     time.Second,
		Multiplier:       2,
		MaxDelay:         60 * time.Second,
		MaxAttempts:      0,
		CoalesceWindow:   200 * time.Millisecond,
	}
}

// Validate is used to parse and validate the parameters entered by the user at
// the command line when the program starts.
func (o *StreamOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errors := []error{}

	u, err := url.Parse(o.URL)
	if err != nil {
		errors = append(errors, fmt.Errorf("invalid stream URL %q: %w", o.URL, err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errors = append(errors, fmt.Errorf("stream URL %q must use ws or wss scheme", o.URL))
	}
	if o.InitialDelay <= 0 {
		errors = append(errors, fmt.Errorf("stream initial-delay must be positive"))
	}
	if o.Multiplier < 1 {
		errors = append(errors, fmt.Errorf("stream multiplier must be >= 1"))
	}
	if o.MaxDelay < o.InitialDelay {
		errors = append(errors, fmt.Errorf("stream max-delay must be >= initial-delay"))
	}
	if o.MaxAttempts < 0 {
		errors = append(errors, fmt.Errorf("stream max-attempts must be >= 0"))
	}

	return errors
}

// AddFlags adds flags related to the telemetry stream to the specified FlagSet.
func (o *StreamOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.URL, "stream.url", o.URL, "The websocket endpoint delivering telemetry updates.")
	fs.DurationVar(&o.HandshakeTimeout, "stream.handshake-timeout", o.HandshakeTimeout, "Timeout for the websocket handshake.")
	fs.DurationVar(&o.InitialDelay, "stream.initial-delay", o.InitialDelay, "Initial reconnect delay.")
	fs.Float64Var(&o.Multiplier, "stream.multiplier", o.Multiplier, "Reconnect delay growth factor.")
	fs.DurationVar(&o.MaxDelay, "stream.max-delay", o.MaxDelay, "Upper bound on the reconnect delay.")
	fs.IntVar(&o.MaxAttempts, "stream.max-attempts", o.MaxAttempts, "Consecutive failed attempts before giving up (0 = retry forever).")
	fs.DurationVar(&o.CoalesceWindow, "stream.coalesce-window", o.CoalesceWindow, "Rolling window bounding per-device notification rate.")
}
