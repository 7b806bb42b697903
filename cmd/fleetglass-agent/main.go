package main

import (
	"os"

	_ "go.uber.org/automaxprocs"

	"github.com/fleetglass-io/fleetglass/cmd/fleetglass-agent/app"
)

func main() {
	if err := app.NewAgentCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
