package gateway

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/tunly/tunly/internal/auth"
	"github.com/tunly/tunly/internal/core"
	"github.com/tunly/tunly/internal/protocol"
)

// handleWS authenticates and upgrades an agent connection, then runs
// the session pump until the tunnel drops.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("sid")
	if sid == "" {
		http.Error(w, "missing sid", http.StatusBadRequest)
		return
	}

	token, ok := g.upgradeToken(r)
	if !ok {
		msg := "missing token (use Authorization: Bearer <token>)"
		if g.cfg.AllowTokenQuery {
			msg = "missing token"
		}
		http.Error(w, msg, http.StatusUnauthorized)
		return
	}

	if g.FixedMode() {
		if !auth.EqualFixedToken(token, g.cfg.FixedToken) {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	} else if err := g.issuer.Validate(token, realIP(r), sid); err != nil {
		g.log.Warn("credential rejected", "sid", sid, "addr", realIP(r))
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		g.log.Warn("websocket upgrade failed", "sid", sid, "error", err)
		return
	}

	g.runSession(conn, sid)
}

// upgradeToken extracts the bearer credential, preferring the
// authorization header and falling back to the query parameter only
// when the operator enabled that.
func (g *Gateway) upgradeToken(r *http.Request) (string, bool) {
	if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return bearer, true
	}
	if g.cfg.AllowTokenQuery {
		if tok := r.URL.Query().Get("token"); tok != "" {
			return tok, true
		}
	}
	return "", false
}

// runSession owns the tunnel for one agent connection. The writer
// goroutine drains the session's outbound queue onto the socket; the
// reader loop (this goroutine) correlates inbound response frames
// with pending slots. Either side exiting tears the session down.
func (g *Gateway) runSession(conn *websocket.Conn, sid string) {
	sess := core.NewSession(sid)
	g.sessions.Put(sess)
	g.metrics.ActiveSessions.Inc()
	g.log.Info("agent connected", "sid", sid)

	// Heartbeat pings arrive outside ReadMessage; they still count
	// as activity so the idle sweeper spares a quiet tunnel.
	pingHandler := conn.PingHandler()
	conn.SetPingHandler(func(appData string) error {
		sess.Touch()
		return pingHandler(appData)
	})

	// Writer: the only caller of WriteMessage on this connection.
	// Pong replies from gorilla's control handlers use WriteControl,
	// which is safe alongside it.
	go func() {
		defer conn.Close()
		for {
			select {
			case req := <-sess.Outbound():
				data, err := protocol.Encode(req)
				if err != nil {
					g.log.Error("encode request frame", "sid", sid, "error", err)
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
				sess.Touch()
			case <-sess.Done():
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		sess.Touch()

		frame, err := protocol.Decode(data)
		if err != nil {
			g.log.Warn("dropping malformed frame", "sid", sid, "error", err)
			continue
		}
		resp, ok := frame.(*protocol.Response)
		if !ok {
			g.log.Warn("dropping unexpected frame from agent", "sid", sid)
			continue
		}
		sess.Resolve(resp)
	}

	// RemoveSession closes the session, which stops the writer. A
	// session replaced by a reconnect stays in the store.
	g.sessions.RemoveSession(sess)
	g.metrics.ActiveSessions.Dec()
	conn.Close()
	g.log.Info("agent disconnected", "sid", sid)
}
