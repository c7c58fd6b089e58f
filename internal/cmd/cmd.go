// Package cmd defines the tunly CLI: the server subcommand running
// the public gateway and the agent subcommand running the tunnel
// client.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/tunly/tunly/internal/config"
)

// NewRootCommand builds the root command with both subcommands
// registered.
func NewRootCommand(conf *config.Config, version string) (*cobra.Command, error) {
	root := &cobra.Command{
		Use:           "tunly",
		Short:         "Tunly: expose a local HTTP service through a public tunnel gateway.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serverCmd, err := NewServerCommand(conf)
	if err != nil {
		return nil, err
	}
	agentCmd, err := NewAgentCommand(conf)
	if err != nil {
		return nil, err
	}

	root.AddCommand(serverCmd, agentCmd)
	return root, nil
}
