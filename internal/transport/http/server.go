// Package http provides the gateway's HTTP listener: a plain
// net/http server with CORS, structured logging, and graceful
// shutdown, implementing transport.Listener.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/rs/cors"
)

// MountFunc registers handlers onto the provided ServeMux.
// Accepting *http.ServeMux allows the caller to register multiple
// route groups.
type MountFunc func(mux *http.ServeMux) error

// ServerOption configures a Server.
type ServerOption func(*Server)

// Server is an HTTP server with CORS middleware. It implements
// transport.Listener.
type Server struct {
	inner    *http.Server
	address  string
	listener net.Listener
	mount    MountFunc
	log      *slog.Logger
}

// WithAddress configures the listen address (e.g. ":8080").
func WithAddress(address string) ServerOption {
	return func(s *Server) { s.address = address }
}

// WithListener provides an external net.Listener for the server to
// use. When set, Start serves on this listener instead of creating
// a new TCP listener from the configured address.
func WithListener(ln net.Listener) ServerOption {
	return func(s *Server) { s.listener = ln }
}

// WithMount configures the function that registers route handlers.
func WithMount(mount MountFunc) ServerOption {
	return func(s *Server) { s.mount = mount }
}

// WithLogger configures a structured logger. Defaults to
// slog.Default with a "component" attribute.
func WithLogger(log *slog.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// NewServer creates a new HTTP server with the given options.
func NewServer(opts ...ServerOption) (*Server, error) {
	s := &Server{
		address: ":8080",
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default().With("component", "http-server")
	}
	if s.listener == nil {
		ln, err := net.Listen("tcp", s.address)
		if err != nil {
			return nil, fmt.Errorf("http listen %q: %w", s.address, err)
		}
		s.listener = ln
	}

	mux := http.NewServeMux()
	if s.mount != nil {
		if err := s.mount(mux); err != nil {
			return nil, err
		}
	}

	// The proxy surface is meant to be reached from arbitrary
	// origins, so CORS is wide open.
	handler := cors.AllowAll().Handler(mux)

	s.inner = &http.Server{
		Addr:              s.address,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// Read/Write timeouts stay unset: websocket tunnels and the
		// 30 s proxy await outlive any sane fixed deadline.
		MaxHeaderBytes: 8 * 1024, // 8 KiB
	}

	return s, nil
}

// Handler returns the server's top-level HTTP handler. Useful for
// testing the middleware chain without a real listener.
func (s *Server) Handler() http.Handler {
	return s.inner.Handler
}

// Address returns the listener's bound address.
func (s *Server) Address() string {
	return s.listener.Addr().String()
}

// Start begins accepting connections and blocks until the server is
// shut down or an unrecoverable error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.inner.BaseContext = func(net.Listener) context.Context {
		return ctx
	}

	s.log.Info("server starting", "address", s.listener.Addr().String())

	if err := s.inner.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("gracefully shutting down HTTP server")
	if err := s.inner.Shutdown(ctx); err != nil {
		s.log.Error("graceful shutdown failed, forcing close", "error", err)
		return s.inner.Close()
	}
	return nil
}
