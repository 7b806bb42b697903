package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*StoreOptions)(nil)

// StoreOptions contains configuration for the local durable telemetry cache.
type StoreOptions struct {
	// Path is the bbolt database file location.
	Path string `json:"path" mapstructure:"path"`

	// Retention is the maximum age of persisted telemetry samples.
	Retention time.Duration `json:"retention" mapstructure:"retention"`

	// SweepInterval is how often expired samples are pruned.
	SweepInterval time.Duration `json:"sweep-interval" mapstructure:"sweep-interval"`
}

// NewStoreOptions creates a StoreOptions object with default parameters.
func NewStoreOptions() *StoreOptions {
	return &StoreOptions{
		Path:          "fleetglass.db",
		Retention:     30 * 24 * time.Hour,
		SweepInterval: time.Hour,
	}
}

// Validate is used to parse and validate the parameters entered by the user at
// the command line when the program starts.
func (o *StoreOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errors := []error{}

	if o.Path == "" {
		errors = append(errors, fmt.Errorf("store path must not be empty"))
	}
	if o.Retention <= 0 {
		errors = append(errors, fmt.Errorf("store retention must be positive"))
	}
	if o.SweepInterval <= 0 {
		errors = append(errors, fmt.Errorf("store sweep-interval must be positive"))
	}

	return errors
}

// AddFlags adds flags related to the durable cache to the specified FlagSet.
func (o *StoreOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Path, "store.path", o.Path, "Location of the local telemetry database file.")
	fs.DurationVar(&o.Retention, "store.retention", o.Retention, "Maximum age of persisted telemetry samples.")
	fs.DurationVar(&o.SweepInterval, "store.sweep-interval", o.SweepInterval, "How often expired samples are pruned.")
}
