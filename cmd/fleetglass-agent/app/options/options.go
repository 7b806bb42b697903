package options

import (
	"errors"
	"strings"

	"github.com/spf13/pflag"

	"github.com/fleetglass-io/fleetglass/internal/agent"
	"github.com/fleetglass-io/fleetglass/pkg/log"
	"github.com/fleetglass-io/fleetglass/pkg/options"
)

// AgentOptions aggregates every flag group of the agent binary.
type AgentOptions struct {
	StreamOptions *options.StreamOptions `json:"stream" mapstructure:"stream"`
	ApiOptions    *options.ApiOptions    `json:"api" mapstructure:"api"`
	StoreOptions  *options.StoreOptions  `json:"store" mapstructure:"store"`
	HttpOptions   *options.HttpOptions   `json:"http" mapstructure:"http"`
	Log           *log.Options           `json:"log" mapstructure:"log"`
}

// NewAgentOptions creates an AgentOptions object with default parameters.
func NewAgentOptions() *AgentOptions {
	return &AgentOptions{
		StreamOptions: options.NewStreamOptions(),
		ApiOptions:    options.NewApiOptions(),
		StoreOptions:  options.NewStoreOptions(),
		HttpOptions:   options.NewHttpOptions(),
		Log:           log.NewOptions(),
	}
}

// AddFlags registers every option group on the command's FlagSet.
func (o *AgentOptions) AddFlags(fs *pflag.FlagSet) {
	o.StreamOptions.AddFlags(fs)
	o.ApiOptions.AddFlags(fs)
	o.StoreOptions.AddFlags(fs)
	o.HttpOptions.AddFlags(fs)
	o.Log.AddFlags(fs)
}

func (o *AgentOptions) Complete() error {
	return nil
}

func (o *AgentOptions) Validate() error {
	errs := []error{}
	errs = append(errs, o.StreamOptions.Validate()...)
	errs = append(errs, o.ApiOptions.Validate()...)
	errs = append(errs, o.StoreOptions.Validate()...)
	errs = append(errs, o.HttpOptions.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	return aggregate(errs)
}

// Config builds the agent assembly config from the parsed options.
func (o *AgentOptions) Config() (*agent.Config, error) {
	return &agent.Config{
		StreamOptions: o.StreamOptions,
		ApiOptions:    o.ApiOptions,
		StoreOptions:  o.StoreOptions,
		HttpOptions:   o.HttpOptions,
	}, nil
}

func aggregate(errs []error) error {
	msgs := []string{}
	for _, err := range errs {
		if err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return errors.New(strings.Join(msgs, "; "))
}
