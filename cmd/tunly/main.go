// Package main is the entry point for the tunly binary. It supports
// two subcommands:
//
//   - server: runs the public gateway that terminates tunnels
//   - agent:  runs next to a local HTTP service and keeps the tunnel
//     to the gateway alive
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tunly/tunly/internal/cmd"
	"github.com/tunly/tunly/internal/config"
)

// version is injected at build time via -ldflags
// (e.g. -ldflags "-X main.version=v1.2.3").
var version = "devel"

func main() {
	// Cancel on SIGINT (Ctrl+C) or SIGTERM (container runtime).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		// Cobra is configured with SilenceErrors: true, so we
		// print the error here for consistent formatting.
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	conf, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	rootCmd, err := cmd.NewRootCommand(conf, version)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	return rootCmd.ExecuteContext(ctx)
}
