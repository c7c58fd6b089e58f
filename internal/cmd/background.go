package cmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/tunly/tunly/internal/auth"
	"github.com/tunly/tunly/internal/core"
	"github.com/tunly/tunly/internal/gateway"
)

// sweepInterval is the tick of both garbage collectors.
const sweepInterval = time.Minute

// sessionIdleTTL is how long a session may go without activity before
// the sweeper tears it down.
const sessionIdleTTL = 10 * time.Minute

// sessionSweeper removes idle sessions. Closing a session unblocks
// its pump, so the websocket teardown and gauge accounting follow
// naturally. It implements transport.Listener so it shares the
// server's managed lifecycle.
type sessionSweeper struct {
	sessions *core.SessionStore
}

func (s *sessionSweeper) Start(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.sessions.SweepIdle(sessionIdleTTL); n > 0 {
				slog.Info("swept idle sessions", "count", n)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *sessionSweeper) Stop(_ context.Context) error {
	return nil // the loop stops when its context is cancelled
}

// credentialSweeper drops expired issued credentials.
type credentialSweeper struct {
	store *auth.IssuedStore
}

func (s *credentialSweeper) Start(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.store.Sweep(); n > 0 {
				slog.Info("swept expired credentials", "count", n)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *credentialSweeper) Stop(_ context.Context) error {
	return nil // the loop stops when its context is cancelled
}

// rateLimitSweeper drops closed rate-limit windows so per-address
// buckets do not accumulate for the life of the process.
type rateLimitSweeper struct {
	gw *gateway.Gateway
}

func (s *rateLimitSweeper) Start(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.gw.SweepRateLimits(); n > 0 {
				slog.Debug("swept rate-limit buckets", "count", n)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *rateLimitSweeper) Stop(_ context.Context) error {
	return nil // the loop stops when its context is cancelled
}
