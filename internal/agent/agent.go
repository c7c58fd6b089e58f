// Package agent implements the tunnel client: it acquires a
// credential, keeps a websocket to the gateway alive with reconnect
// and backoff, and dispatches tunneled requests to the local HTTP
// target.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tunly/tunly/internal/core"
	"github.com/tunly/tunly/internal/protocol"
)

const (
	outboxCapacity    = 64
	heartbeatInterval = 20 * time.Second
	maxBackoff        = 15 * time.Second
)

// PromptFunc asks the operator for one line of input. Injectable so
// tests can run the loop unattended.
type PromptFunc func(prompt string) (string, error)

// Options configures an Agent. Zero values take the defaults noted
// per field.
type Options struct {
	RemoteHost string // gateway host[:port]; default app.tunly.online
	Local      string // local target host:port; default 127.0.0.1:80
	UseWSS     bool   // dial wss instead of ws
	Path       string // upgrade path; default /ws
	TokenURL   string // optional credential fetch URL

	Prompt     PromptFunc   // defaults to stdin
	HTTPClient *http.Client // token fetch and local dispatch
	Logger     *slog.Logger
}

// Agent runs the reconnect loop against one gateway.
type Agent struct {
	opts   Options
	log    *slog.Logger
	client *http.Client
	dialer *websocket.Dialer

	token         string
	sid           string
	expiresIn     int
	local         string
	localPrompted bool
	attempt       int
}

// New returns an Agent with defaults applied.
func New(opts Options) *Agent {
	if opts.RemoteHost == "" {
		opts.RemoteHost = "app.tunly.online"
	}
	if opts.Local == "" {
		opts.Local = "127.0.0.1:80"
	}
	if opts.Path == "" {
		opts.Path = "/ws"
	}
	if !strings.HasPrefix(opts.Path, "/") {
		opts.Path = "/" + opts.Path
	}
	if opts.Prompt == nil {
		opts.Prompt = stdinPrompt
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "agent")
	}
	return &Agent{
		opts:   opts,
		log:    opts.Logger,
		client: opts.HTTPClient,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
			// Offers permessage-deflate through the handshake's
			// Sec-WebSocket-Extensions header.
			EnableCompression: true,
		},
		local: opts.Local,
	}
}

// Run operates the reconnect loop until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	scheme := "ws"
	if a.opts.UseWSS {
		scheme = "wss"
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if a.token == "" {
			a.acquireToken(ctx)
			if a.token == "" {
				continue
			}
		}
		if a.sid == "" {
			a.sid = core.NewID()
		}

		wsURL := fmt.Sprintf("%s://%s%s?sid=%s", scheme, a.opts.RemoteHost, a.opts.Path, a.sid)
		a.attempt++
		a.log.Info("connecting", "url", wsURL, "attempt", a.attempt)

		hdr := http.Header{}
		hdr.Set("Authorization", "Bearer "+a.token)

		conn, resp, err := a.dialer.DialContext(ctx, wsURL, hdr)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				a.log.Warn("credential rejected, discarding", "status", resp.StatusCode)
				a.token = ""
				a.attempt = 0
				continue
			}
			a.log.Error("connect failed", "error", err)
			if !sleepCtx(ctx, Backoff(a.attempt)) {
				return ctx.Err()
			}
			a.sid = core.NewID()
			continue
		}

		a.afterConnect(scheme)
		a.serve(ctx, conn)
		conn.Close()

		// Fresh session and small backoff for the next attempt.
		a.sid = core.NewID()
		a.attempt = 0
	}
}

// afterConnect prompts once for the local target and announces the
// public URL.
func (a *Agent) afterConnect(scheme string) {
	if !a.localPrompted {
		a.localPrompted = true
		if input, err := a.opts.Prompt(fmt.Sprintf("Enter local address (default %s): ", a.local)); err == nil && input != "" {
			a.local = input
		}
	}

	public := "http"
	if scheme == "wss" {
		public = "https"
	}
	a.log.Info("tunnel established",
		"public_url", fmt.Sprintf("%s://%s/s/%s/", public, a.opts.RemoteHost, a.sid),
		"local", a.local)
	if a.expiresIn > 0 {
		a.log.Info("credential lifetime", "expires_in", a.expiresIn)
	}
}

// acquireToken fills in the credential, from the token URL when
// configured, else interactively. It may also adopt a
// gateway-assigned session id.
func (a *Agent) acquireToken(ctx context.Context) {
	if a.opts.TokenURL != "" {
		token, session, expiresIn, err := a.fetchToken(ctx)
		if err == nil {
			a.token = token
			if session != "" {
				a.sid = session
			}
			a.expiresIn = expiresIn
			return
		}
		a.log.Error("token fetch failed, falling back to prompt", "error", err)
	}

	input, err := a.opts.Prompt(fmt.Sprintf("Enter token (if you don't have one, visit https://%s)\ntoken: ", a.opts.RemoteHost))
	if err != nil {
		return
	}
	a.token = strings.TrimSpace(input)
}

// tokenPayload is the issuance response. The session id is accepted
// under either key.
type tokenPayload struct {
	Token     string `json:"token"`
	Session   string `json:"session"`
	Sid       string `json:"sid"`
	ExpiresIn int    `json:"expires_in"`
}

func (a *Agent) fetchToken(ctx context.Context) (token, session string, expiresIn int, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.opts.TokenURL, nil)
	if err != nil {
		return "", "", 0, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return "", "", 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", 0, fmt.Errorf("token url status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", "", 0, err
	}
	return parseTokenBody(resp.Header.Get("Content-Type"), body)
}

// parseTokenBody accepts either a JSON issuance object or a bare
// token in plain text.
func parseTokenBody(contentType string, body []byte) (token, session string, expiresIn int, err error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.Contains(contentType, "application/json") || strings.HasPrefix(trimmed, "{") {
		var p tokenPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return "", "", 0, fmt.Errorf("parse token response: %w", err)
		}
		if strings.TrimSpace(p.Token) == "" {
			return "", "", 0, errors.New("token response missing token")
		}
		session := p.Session
		if session == "" {
			session = p.Sid
		}
		return p.Token, session, p.ExpiresIn, nil
	}
	if trimmed == "" {
		return "", "", 0, errors.New("token url returned empty body")
	}
	return trimmed, "", 0, nil
}

type outMessage struct {
	kind int
	data []byte
}

// serve pumps one established connection: a single writer drains the
// outbox, a heartbeat enqueues pings, and each inbound request is
// dispatched in its own goroutine with the response funneled back
// through the outbox.
func (a *Agent) serve(ctx context.Context, conn *websocket.Conn) {
	outbox := make(chan outMessage, outboxCapacity)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case msg := <-outbox:
				if err := conn.WriteMessage(msg.kind, msg.data); err != nil {
					conn.Close()
					return
				}
			case <-done:
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				select {
				case outbox <- outMessage{kind: websocket.PingMessage}:
				case <-done:
					return
				}
			case <-done:
				return
			}
		}
	}()

	// Unblock the read loop on shutdown.
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			a.log.Info("tunnel closed", "error", err)
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			a.log.Warn("dropping malformed frame", "error", err)
			continue
		}
		req, ok := frame.(*protocol.Request)
		if !ok {
			a.log.Warn("dropping unexpected frame from gateway")
			continue
		}

		go func() {
			resp := a.dispatch(ctx, req)
			data, err := protocol.Encode(resp)
			if err != nil {
				a.log.Error("encode response frame", "error", err)
				return
			}
			select {
			case outbox <- outMessage{kind: websocket.TextMessage, data: data}:
			case <-done:
			}
		}()
	}
}

// Backoff returns the reconnect delay after the given attempt number,
// doubling up to the cap.
func Backoff(attempt int) time.Duration {
	e := attempt
	if e > 4 {
		e = 4
	}
	d := time.Duration(1<<uint(e)) * time.Second
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// sleepCtx sleeps for d and reports false when ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

var stdin = bufio.NewReader(os.Stdin)

func stdinPrompt(prompt string) (string, error) {
	fmt.Print(prompt)
	os.Stdout.Sync()
	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
