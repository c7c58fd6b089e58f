package gateway

import (
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tunly/tunly/internal/core"
	"github.com/tunly/tunly/internal/protocol"
)

// handleProxy relays one public HTTP request through the session's
// tunnel and writes back the agent's response.
func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	g.metrics.ProxyRequests.Inc()
	timer := prometheus.NewTimer(g.metrics.ProxyLatency)
	defer timer.ObserveDuration()

	start := time.Now()
	sid := r.PathValue("sid")

	addr := realIP(r)
	if ok, retryAfter := g.proxyRL.Allow(addr); !ok {
		w.Header().Set("Retry-After", retryAfterSeconds(retryAfter))
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("rate limit exceeded for proxy requests"))
		return
	}

	uri := "/" + strings.TrimLeft(r.PathValue("path"), "/")
	if q := r.URL.RawQuery; q != "" {
		uri += "?" + q
	}

	sess, ok := g.sessions.Get(sid)
	if !ok {
		http.Error(w, "no tunnel client for session", http.StatusServiceUnavailable)
		return
	}
	sess.Touch()

	id := g.reqID.Add(1)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxProxyBody))
	if err != nil {
		http.Error(w, "Request body too large (2MB limit)", http.StatusRequestEntityTooLarge)
		return
	}
	bodyB64, compressed := protocol.CompressBody(body)

	headers := protocol.CaptureHeaders(r.Header)
	// net/http promotes Host out of the header map; the envelope
	// carries it explicitly so the agent sees it like any other
	// request header.
	if r.Host != "" {
		headers = append(headers, protocol.HeaderPair{"Host", r.Host})
	}

	req := &protocol.Request{
		ID:           id,
		Method:       r.Method,
		URI:          uri,
		Headers:      headers,
		BodyB64:      bodyB64,
		IsCompressed: compressed,
	}

	slot := sess.AddPending(id)

	if err := sess.Enqueue(req); err != nil {
		sess.RemovePending(id)
		g.finishProxy(sess, r.Method, uri, http.StatusBadGateway, start)
		http.Error(w, "failed to send to tunnel client", http.StatusBadGateway)
		return
	}

	timeout := time.NewTimer(g.cfg.ProxyTimeout)
	defer timeout.Stop()

	var resp *protocol.Response
	select {
	case resp = <-slot:
	case <-timeout.C:
		sess.RemovePending(id)
		g.finishProxy(sess, r.Method, uri, http.StatusGatewayTimeout, start)
		http.Error(w, "upstream timeout", http.StatusGatewayTimeout)
		return
	case <-sess.Done():
		g.finishProxy(sess, r.Method, uri, http.StatusBadGateway, start)
		http.Error(w, "tunnel closed", http.StatusBadGateway)
		return
	}

	h := w.Header()
	for _, p := range resp.Headers {
		name, value := p.Name(), p.Value()
		if protocol.IsHopByHop(name) {
			continue
		}
		if strings.EqualFold(name, "Location") {
			value = RewriteLocation(value, sid)
		}
		h.Add(name, value)
	}
	h.Set("Cache-Control", "no-store")
	h.Set("X-Robots-Tag", "noindex, nofollow")
	h.Set("Referrer-Policy", "same-origin")
	// The cookie lets /_next/* asset requests find their way back to
	// this session.
	h.Add("Set-Cookie", "tunly_sid="+sid+"; Path=/; Max-Age=600; HttpOnly; SameSite=Lax")

	status := resp.Status
	if status < 100 || status > 999 {
		status = http.StatusBadGateway
	}
	w.WriteHeader(status)
	w.Write(protocol.DecompressBody(resp.BodyB64, resp.IsCompressed))

	g.finishProxy(sess, r.Method, uri, status, start)
}

// finishProxy records the outcome in the session ring buffer and the
// request log.
func (g *Gateway) finishProxy(sess *core.Session, method, uri string, status int, start time.Time) {
	dur := time.Since(start)
	sess.AppendLog(core.AccessLogEntry{
		Method:   method,
		URI:      uri,
		Status:   status,
		Duration: dur,
	})
	g.log.Info("proxy", "method", method, "uri", uri, "status", status,
		"duration", dur, "sid", sess.ID)
}

// RewriteLocation confines a Location header under /s/{sid}/.
// Absolute paths are prefixed unless already prefixed; absolute
// http/https URLs lose scheme and host and keep path+query. Anything
// else passes through.
func RewriteLocation(value, sid string) string {
	prefix := "/s/" + sid + "/"

	if strings.HasPrefix(value, "/") {
		if strings.HasPrefix(value, prefix) {
			return value
		}
		return prefix + strings.TrimLeft(value, "/")
	}

	lower := strings.ToLower(value)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		rest := value[strings.Index(value, "://")+3:]
		slash := strings.IndexByte(rest, '/')
		if slash < 0 {
			return value
		}
		pathQ := rest[slash:]
		if strings.HasPrefix(pathQ, prefix) {
			return pathQ
		}
		return prefix + strings.TrimLeft(pathQ, "/")
	}

	return value
}

// handleSessionLog renders the session's access-log ring buffer,
// newest first.
func (g *Gateway) handleSessionLog(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	sess, ok := g.sessions.Get(sid)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	log := sess.AccessLog()

	var b strings.Builder
	b.WriteString(`<!doctype html><meta charset="utf-8"><title>Tunly Session Log</title>` +
		`<style>body{font-family:system-ui,-apple-system,Segoe UI,Roboto,Ubuntu,"Helvetica Neue",Arial,sans-serif;padding:20px}` +
		`table{border-collapse:collapse;width:100%}th,td{border:1px solid #ddd;padding:8px}` +
		`th{background:#f7f7f7;text-align:left}code{background:#f3f3f3;padding:2px 4px;border-radius:3px}</style>`)
	fmt.Fprintf(&b, "<h1>Session <code>%s</code></h1>", html.EscapeString(sid))
	fmt.Fprintf(&b, `<p>Quick links: <a href="/s/%[1]s/">/</a> · <a href="/s/%[1]s/api">/api</a> · <a href="/s/%[1]s/blog">/blog</a></p>`, sid)
	b.WriteString("<table><thead><tr><th>Method</th><th>URI</th><th>Status</th><th>Duration</th></tr></thead><tbody>")
	for i := len(log) - 1; i >= 0; i-- {
		e := log[i]
		fmt.Fprintf(&b, "<tr><td>%s</td><td><code>%s</code></td><td>%d</td><td>%d ms</td></tr>",
			html.EscapeString(e.Method), html.EscapeString(e.URI), e.Status, e.Duration.Milliseconds())
	}
	b.WriteString("</tbody></table>")

	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	h.Set("X-Robots-Tag", "noindex, nofollow")
	h.Set("Referrer-Policy", "same-origin")
	io.WriteString(w, b.String())
}
