// Package app builds the fleetglass-agent command: flag registration,
// optional config file merging, and the run loop with signal handling.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fleetglass-io/fleetglass/cmd/fleetglass-agent/app/options"
	"github.com/fleetglass-io/fleetglass/pkg/log"
)

const (
	commandName = "fleetglass-agent"
	commandDesc = `The FleetGlass agent keeps a local, durable mirror of a fleet's live
telemetry: it maintains the streaming connection to the tracking backend,
falls back to polling when the stream is down, backfills missed history
after reconnects, and serves the synchronized state to embedding
applications and the local diagnostics endpoints.`
)

// NewAgentCommand creates the root command with all flag groups bound.
func NewAgentCommand() *cobra.Command {
	opts := options.NewAgentOptions()
	configFile := ""

	cmd := &cobra.Command{
		Use:          commandName,
		Short:        "Launch the FleetGlass telemetry sync agent",
		Long:         commandDesc,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfigFile(configFile, cmd, opts); err != nil {
				return err
			}
			if err := opts.Complete(); err != nil {
				return err
			}
			if err := opts.Validate(); err != nil {
				return err
			}
			return run(opts)
		},
		Args: cobra.NoArgs,
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to a YAML configuration file.")
	opts.AddFlags(cmd.Flags())
	return cmd
}

// loadConfigFile merges a YAML config file under the parsed flags: flags
// set on the command line win, file values fill the rest.
func loadConfigFile(path string, cmd *cobra.Command, opts *options.AgentOptions) error {
	if path == "" {
		return nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if err := v.Unmarshal(opts); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func run(opts *options.AgentOptions) error {
	log.Init(opts.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := opts.Config()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	agent, err := cfg.NewAgent()
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	return agent.Run(ctx)
}
