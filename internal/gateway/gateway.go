// Package gateway implements the public HTTP surface of the tunnel
// server: credential issuance, the websocket upgrade that binds an
// agent to a session, the proxy ingress under /s/{sid}, and the
// peripheral pages (health, session log, asset redirect, metrics).
package gateway

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tunly/tunly/internal/auth"
	"github.com/tunly/tunly/internal/core"
	"github.com/tunly/tunly/internal/metrics"
)

const (
	// Rate-limit windows: credential issuance and proxy ingress.
	tokenRLMax   = 10
	proxyRLMax   = 120
	rlWindow     = time.Minute
	maxProxyBody = 2 << 20 // 2 MiB

	defaultProxyTimeout = 30 * time.Second
)

// Config carries the operator-facing gateway settings.
type Config struct {
	// FixedToken, when non-empty, puts the gateway in fixed-token
	// mode: /token is disabled and every upgrade compares against
	// this value.
	FixedToken string
	// AllowTokenQuery permits the upgrade token in the ?token=
	// query parameter. Off by default; the authorization header is
	// always accepted.
	AllowTokenQuery bool
	// InternalKey, when non-empty, gates /token behind the
	// x-internal-key header.
	InternalKey string
	// ProxyTimeout bounds the wait for an agent response. Zero
	// means the 30 s default.
	ProxyTimeout time.Duration
}

// Gateway is the process-wide server state: session table, issued
// credentials, rate limiters, metrics, and the request-id counter.
type Gateway struct {
	cfg      Config
	issuer   *auth.Issuer
	sessions *core.SessionStore
	metrics  *metrics.Metrics
	tokenRL  *core.RateLimiter
	proxyRL  *core.RateLimiter
	upgrader websocket.Upgrader
	log      *slog.Logger

	reqID atomic.Uint64
}

// New assembles a Gateway around the given stores.
func New(cfg Config, issuer *auth.Issuer, sessions *core.SessionStore, m *metrics.Metrics) *Gateway {
	if cfg.ProxyTimeout <= 0 {
		cfg.ProxyTimeout = defaultProxyTimeout
	}
	return &Gateway{
		cfg:      cfg,
		issuer:   issuer,
		sessions: sessions,
		metrics:  m,
		tokenRL:  core.NewRateLimiter(tokenRLMax, rlWindow),
		proxyRL:  core.NewRateLimiter(proxyRLMax, rlWindow),
		upgrader: websocket.Upgrader{
			EnableCompression: true,
			// Agents are not browsers; origin checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: slog.Default().With("component", "gateway"),
	}
}

// FixedMode reports whether the gateway compares a static token
// instead of issuing ephemeral credentials.
func (g *Gateway) FixedMode() bool { return g.cfg.FixedToken != "" }

// SweepRateLimits drops rate-limit buckets whose window has passed,
// across both limiters. Returns the number removed.
func (g *Gateway) SweepRateLimits() int {
	return g.tokenRL.Sweep() + g.proxyRL.Sweep()
}

// Mount registers the gateway routes. The proxy patterns carry no
// method so every verb tunnels through; the log page is registered
// more specifically and wins for GET.
func (g *Gateway) Mount(mux *http.ServeMux) error {
	mux.HandleFunc("GET /healthz", g.handleHealth)
	mux.HandleFunc("GET /token", g.handleToken)
	mux.HandleFunc("GET /ws", g.handleWS)
	mux.HandleFunc("GET /s/{sid}/_log", g.handleSessionLog)
	mux.HandleFunc("/s/{sid}", g.handleProxy)
	mux.HandleFunc("/s/{sid}/{path...}", g.handleProxy)
	mux.HandleFunc("/_next/{path...}", g.handleNextAsset)
	mux.Handle("GET /metrics", promhttp.HandlerFor(g.metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", g.handleNotFound)
	return nil
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Write([]byte("ok"))
}

// handleNotFound answers unmatched routes with the requested URI for
// visibility.
func (g *Gateway) handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusNotFound)
	w.Write([]byte("not found: " + r.URL.RequestURI()))
}

// realIP extracts the client address: the first entry of
// x-forwarded-for when present, else the transport peer.
func realIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// retryAfterSeconds renders a retry-after header value, rounding up
// so the client never retries inside the closed window.
func retryAfterSeconds(d time.Duration) string {
	return strconv.Itoa(int(math.Ceil(d.Seconds())))
}
