package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/tunly/tunly/internal/agent"
	"github.com/tunly/tunly/internal/config"
)

// NewAgentCommand builds the tunnel-client subcommand.
func NewAgentCommand(conf *config.Config) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:     "agent",
		Short:   "Start the tunnel agent next to a local HTTP service",
		Example: "tunly agent --local=127.0.0.1:3000 --token-url=https://app.tunly.online/token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := agent.New(agent.Options{
				RemoteHost: conf.AgentRemoteHost(),
				Local:      conf.AgentLocal(),
				UseWSS:     conf.AgentUseWSS(),
				Path:       conf.AgentPath(),
				TokenURL:   conf.AgentTokenURL(),
			})

			err := a.Run(cmd.Context())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	if err := conf.BindFlags(cmd.Flags(), config.AgentOptions); err != nil {
		return nil, err
	}

	return cmd, nil
}
