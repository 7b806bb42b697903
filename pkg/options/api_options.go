package options

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*ApiOptions)(nil)

// ApiOptions contains configuration for the REST API used for device
// lists, historical positions and the polling fallback.
type ApiOptions struct {
	// BaseURL is the root of the tracking backend's REST API.
	BaseURL string `json:"base-url" mapstructure:"base-url"`

	// Token authenticates requests against the backend.
	Token string `json:"token" mapstructure:"token"`

	// Timeout bounds individual REST requests.
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`

	// Cache TTLs for the forced response cache.
	DeviceTTL   time.Duration `json:"device-ttl" mapstructure:"device-ttl"`
	GeofenceTTL time.Duration `json:"geofence-ttl" mapstructure:"geofence-ttl"`

	// PollInterval drives the fallback poller used while the stream is down.
	PollInterval time.Duration `json:"poll-interval" mapstructure:"poll-interval"`
}

// NewApiOptions creates an ApiOptions object with default parameters.
func NewApiOptions() *ApiOptions {
	return &ApiOptions{
		BaseURL:      "https://track.fleetglass.io/api",
		Timeout:      15 * time.Second,
		DeviceTTL:    5 * time.Minute,
		GeofenceTTL:  10 * time.Minute,
		PollInterval: 20 * time.Second,
	}
}

// Validate is used to parse and validate the parameters entered by the user at
// the command line when the program starts.
func (o *ApiOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errors := []error{}

	u, err := url.Parse(o.BaseURL)
	if err != nil {
		errors = append(errors, fmt.Errorf("invalid API base URL %q: %w", o.BaseURL, err))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		errors = append(errors, fmt.Errorf("API base URL %q must use http or https scheme", o.BaseURL))
	}
	if o.PollInterval <= 0 {
		errors = append(errors, fmt.Errorf("api poll-interval must be positive"))
	}

	return errors
}

// AddFlags adds flags related to the REST API to the specified FlagSet.
func (o *ApiOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.BaseURL, "api.base-url", o.BaseURL, "The root of the tracking backend's REST API.")
	fs.StringVar(&o.Token, "api.token", o.Token, "Bearer token for backend requests.")
	fs.DurationVar(&o.Timeout, "api.timeout", o.Timeout, "Timeout for individual REST requests.")
	fs.DurationVar(&o.DeviceTTL, "api.device-ttl", o.DeviceTTL, "Forced cache TTL for the device list.")
	fs.DurationVar(&o.GeofenceTTL, "api.geofence-ttl", o.GeofenceTTL, "Forced cache TTL for geofence and user lists.")
	fs.DurationVar(&o.PollInterval, "api.poll-interval", o.PollInterval, "Polling interval while the live stream is down.")
}
