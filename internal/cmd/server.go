package cmd

import (
	"crypto/rand"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tunly/tunly/internal/auth"
	"github.com/tunly/tunly/internal/config"
	"github.com/tunly/tunly/internal/core"
	"github.com/tunly/tunly/internal/gateway"
	"github.com/tunly/tunly/internal/metrics"
	"github.com/tunly/tunly/internal/transport"
	transporthttp "github.com/tunly/tunly/internal/transport/http"
)

// NewServerCommand builds the gateway subcommand.
func NewServerCommand(conf *config.Config) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:     "server",
		Short:   "Start the public tunnel gateway",
		Example: "tunly server --port=8080 --jwt-secret=$(openssl rand -hex 32)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServer(cmd, conf)
		},
	}

	if err := conf.BindFlags(cmd.Flags(), config.ServerOptions); err != nil {
		return nil, err
	}

	return cmd, nil
}

func runServer(cmd *cobra.Command, conf *config.Config) error {
	secret := []byte(conf.ServerJWTSecret())
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("generate signing secret: %w", err)
		}
		slog.Info("no jwt secret configured, using an ephemeral random secret; " +
			"issued credentials will not survive a restart")
	}

	fixedToken := conf.ServerToken()
	if fixedToken != "" {
		slog.Info("fixed-token mode enabled, /token is disabled")
	}

	address := conf.ServerBind()
	if address == "" {
		address = fmt.Sprintf("%s:%d", conf.ServerHost(), conf.ServerPort())
	}

	sessions := core.NewSessionStore()
	issuer := auth.NewIssuer(secret, auth.NewIssuedStore())
	m := metrics.New()

	gw := gateway.New(gateway.Config{
		FixedToken:      fixedToken,
		AllowTokenQuery: conf.ServerAllowTokenQuery(),
		InternalKey:     conf.ServerInternalKey(),
	}, issuer, sessions, m)

	httpServer, err := transporthttp.NewServer(
		transporthttp.WithAddress(address),
		transporthttp.WithMount(gw.Mount),
	)
	if err != nil {
		return err
	}

	return transport.Serve(cmd.Context(),
		httpServer,
		&sessionSweeper{sessions: sessions},
		&credentialSweeper{store: issuer.Store()},
		&rateLimitSweeper{gw: gw},
	)
}
