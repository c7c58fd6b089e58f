package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tunly/tunly/internal/auth"
	"github.com/tunly/tunly/internal/core"
	"github.com/tunly/tunly/internal/metrics"
	"github.com/tunly/tunly/internal/protocol"
)

type testGateway struct {
	srv      *httptest.Server
	gw       *Gateway
	sessions *core.SessionStore
	issuer   *auth.Issuer
}

func newTestGateway(t *testing.T, cfg Config) *testGateway {
	t.Helper()

	sessions := core.NewSessionStore()
	issuer := auth.NewIssuer([]byte(strings.Repeat("s", 32)), auth.NewIssuedStore())
	gw := New(cfg, issuer, sessions, metrics.New())

	mux := http.NewServeMux()
	if err := gw.Mount(mux); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testGateway{srv: srv, gw: gw, sessions: sessions, issuer: issuer}
}

func (tg *testGateway) get(t *testing.T, path, addr string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, tg.srv.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if addr != "" {
		req.Header.Set("X-Forwarded-For", addr)
	}
	resp, err := tg.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (tg *testGateway) fetchToken(t *testing.T, addr string) auth.TokenResponse {
	t.Helper()
	resp := tg.get(t, "/token", addr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/token status = %d", resp.StatusCode)
	}
	var tr auth.TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		t.Fatalf("decode token response: %v", err)
	}
	return tr
}

// dial opens the tunnel websocket as an agent would. The returned
// response carries the handshake status on failure.
func (tg *testGateway) dial(sid, token, addr string) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(tg.srv.URL, "http") + "/ws"
	if sid != "" {
		url += "?sid=" + sid
	}
	hdr := http.Header{}
	if token != "" {
		hdr.Set("Authorization", "Bearer "+token)
	}
	if addr != "" {
		hdr.Set("X-Forwarded-For", addr)
	}
	return websocket.DefaultDialer.Dial(url, hdr)
}

func (tg *testGateway) mustDial(t *testing.T, sid, token, addr string) *websocket.Conn {
	t.Helper()
	conn, _, err := tg.dial(sid, token, addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	tg.waitSession(t, sid)
	return conn
}

// waitSession polls until the upgrade handler has registered the
// session, which happens just after the handshake completes.
func (tg *testGateway) waitSession(t *testing.T, sid string) *core.Session {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sess, ok := tg.sessions.Get(sid); ok {
			return sess
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %q never registered", sid)
	return nil
}

// serveAgent answers request frames with handle until the connection
// drops. A nil result leaves the request unanswered.
func serveAgent(conn *websocket.Conn, handle func(*protocol.Request) *protocol.Response) {
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frame, err := protocol.Decode(data)
			if err != nil {
				continue
			}
			req, ok := frame.(*protocol.Request)
			if !ok {
				continue
			}
			resp := handle(req)
			if resp == nil {
				continue
			}
			out, err := protocol.Encode(resp)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}
		}
	}()
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{})
	resp := tg.get(t, "/healthz", "")
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz = %d %q, want 200 ok", resp.StatusCode, body)
	}
}

func TestTokenEndpoint(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{})
	resp := tg.get(t, "/token", "1.2.3.4")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-store" {
		t.Errorf("cache-control = %q, want no-store", cc)
	}
	if rp := resp.Header.Get("Referrer-Policy"); rp != "same-origin" {
		t.Errorf("referrer-policy = %q, want same-origin", rp)
	}

	var tr auth.TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tr.ExpiresIn != 300 {
		t.Errorf("expires_in = %d, want 300", tr.ExpiresIn)
	}
	if tr.Token == "" || tr.Session == "" {
		t.Error("empty token or session")
	}
}

func TestTokenEndpoint_FixedModeDisabled(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{FixedToken: "secret"})
	resp := tg.get(t, "/token", "1.2.3.4")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestTokenEndpoint_InternalKey(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{InternalKey: "topsecret"})

	resp := tg.get(t, "/token", "1.2.3.4")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("without key: status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, tg.srv.URL+"/token", nil)
	req.Header.Set("x-internal-key", "topsecret")
	resp2, err := tg.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("GET /token: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("with key: status = %d, want 200", resp2.StatusCode)
	}
}

func TestTokenEndpoint_RateLimit(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{})
	for i := 0; i < 10; i++ {
		resp := tg.get(t, "/token", "7.7.7.7")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, resp.StatusCode)
		}
	}
	resp := tg.get(t, "/token", "7.7.7.7")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("request 11: status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("missing retry-after header")
	}
}

func TestSweepRateLimits_SparesOpenWindows(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{})
	for i := 0; i < 10; i++ {
		tg.get(t, "/token", "6.6.6.6")
	}

	if n := tg.gw.SweepRateLimits(); n != 0 {
		t.Errorf("removed = %d, want 0 while the window is open", n)
	}
	resp := tg.get(t, "/token", "6.6.6.6")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status after sweep = %d, want 429", resp.StatusCode)
	}
}

func TestWS_MissingSid(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{})
	_, resp, err := tg.dial("", "whatever", "")
	if err == nil {
		t.Fatal("dial without sid succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("handshake status = %v, want 400", resp)
	}
}

func TestWS_MissingToken(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{})
	_, resp, err := tg.dial("somesid", "", "")
	if err == nil {
		t.Fatal("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake status = %v, want 401", resp)
	}
	body, _ := io.ReadAll(resp.Body)
	if got := strings.TrimSpace(string(body)); got != "missing token (use Authorization: Bearer <token>)" {
		t.Errorf("body = %q", got)
	}
}

func TestWS_InvalidToken(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{})
	_, resp, err := tg.dial("somesid", "garbage", "")
	if err == nil {
		t.Fatal("dial with garbage token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake status = %v, want 401", resp)
	}
}

func TestHappyPath(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{})
	tr := tg.fetchToken(t, "1.2.3.4")

	conn := tg.mustDial(t, tr.Session, tr.Token, "1.2.3.4")

	var gotURI, gotHost atomic.Value
	serveAgent(conn, func(req *protocol.Request) *protocol.Response {
		gotURI.Store(req.URI)
		for _, p := range req.Headers {
			if strings.EqualFold(p.Name(), "Host") {
				gotHost.Store(p.Value())
			}
		}
		return &protocol.Response{
			ID:      req.ID,
			Status:  http.StatusNoContent,
			Headers: []protocol.HeaderPair{{"x-foo", "bar"}},
		}
	})

	resp := tg.get(t, "/s/"+tr.Session+"/hello?x=1", "5.6.7.8")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if uri, _ := gotURI.Load().(string); uri != "/hello?x=1" {
		t.Errorf("agent saw uri %q, want /hello?x=1", uri)
	}
	wantHost := strings.TrimPrefix(tg.srv.URL, "http://")
	if host, _ := gotHost.Load().(string); host != wantHost {
		t.Errorf("agent saw host %q, want %q", host, wantHost)
	}
	if v := resp.Header.Get("x-foo"); v != "bar" {
		t.Errorf("x-foo = %q, want bar", v)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-store" {
		t.Errorf("cache-control = %q, want no-store", cc)
	}
	cookie := resp.Header.Get("Set-Cookie")
	if !strings.HasPrefix(cookie, "tunly_sid="+tr.Session+";") {
		t.Errorf("set-cookie = %q, want tunly_sid=%s", cookie, tr.Session)
	}
}

func TestWS_Replay(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{})
	tr := tg.fetchToken(t, "1.2.3.4")

	tg.mustDial(t, tr.Session, tr.Token, "1.2.3.4")

	_, resp, err := tg.dial(tr.Session, tr.Token, "1.2.3.4")
	if err == nil {
		t.Fatal("replayed credential accepted")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake status = %v, want 401", resp)
	}
}

func TestWS_BindingMismatch(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{})
	tr := tg.fetchToken(t, "1.2.3.4")

	_, resp, err := tg.dial(tr.Session, tr.Token, "9.9.9.9")
	if err == nil {
		t.Fatal("credential accepted from the wrong address")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake status = %v, want 401", resp)
	}
	if tg.issuer.Store().Len() != 1 {
		t.Error("credential consumed by failed binding check")
	}
}

func TestWS_FixedToken(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{FixedToken: "static-secret"})

	if _, resp, err := tg.dial("sid1", "wrong", ""); err == nil {
		t.Fatal("wrong fixed token accepted")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake status = %v, want 401", resp)
	}

	tg.mustDial(t, "sid1", "static-secret", "")
}

func TestProxy_NoSession(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{})
	resp := tg.get(t, "/s/nosuchsid/", "3.3.3.3")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if got := strings.TrimSpace(string(body)); got != "no tunnel client for session" {
		t.Errorf("body = %q", got)
	}
}

func TestProxy_RateLimit(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{})
	for i := 0; i < 120; i++ {
		resp := tg.get(t, "/s/nosuchsid/", "4.4.4.4")
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("request %d: status = %d, want 503", i+1, resp.StatusCode)
		}
	}
	resp := tg.get(t, "/s/nosuchsid/", "4.4.4.4")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("request 121: status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("missing retry-after header")
	}
}

func TestProxy_OversizeBody(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{FixedToken: "secret"})
	conn := tg.mustDial(t, "bigsid", "secret", "")

	var delivered atomic.Int32
	serveAgent(conn, func(req *protocol.Request) *protocol.Response {
		delivered.Add(1)
		return &protocol.Response{ID: req.ID, Status: http.StatusOK}
	})

	body := strings.NewReader(strings.Repeat("x", 2_200_000))
	resp, err := tg.srv.Client().Post(tg.srv.URL+"/s/bigsid/x", "application/octet-stream", body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", resp.StatusCode)
	}
	if n := delivered.Load(); n != 0 {
		t.Errorf("agent received %d envelopes, want 0", n)
	}
}

func TestProxy_Timeout(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{FixedToken: "secret", ProxyTimeout: 100 * time.Millisecond})
	conn := tg.mustDial(t, "slowsid", "secret", "")
	serveAgent(conn, func(*protocol.Request) *protocol.Response { return nil })

	resp := tg.get(t, "/s/slowsid/slow", "2.2.2.2")
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", resp.StatusCode)
	}

	sess, _ := tg.sessions.Get("slowsid")
	if n := sess.PendingCount(); n != 0 {
		t.Errorf("pending slots after timeout = %d, want 0", n)
	}
}

func TestProxy_LocationRewritten(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{FixedToken: "secret"})
	conn := tg.mustDial(t, "redirsid", "secret", "")
	serveAgent(conn, func(req *protocol.Request) *protocol.Response {
		return &protocol.Response{
			ID:      req.ID,
			Status:  http.StatusFound,
			Headers: []protocol.HeaderPair{{"Location", "https://origin.example/bar?q=1"}},
		}
	})

	req, _ := http.NewRequest(http.MethodGet, tg.srv.URL+"/s/redirsid/", nil)
	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if loc := resp.Header.Get("Location"); loc != "/s/redirsid/bar?q=1" {
		t.Errorf("location = %q, want /s/redirsid/bar?q=1", loc)
	}
}

func TestSessionLog(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{FixedToken: "secret"})

	resp := tg.get(t, "/s/ghost/_log", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown sid: status = %d, want 404", resp.StatusCode)
	}

	conn := tg.mustDial(t, "logsid", "secret", "")
	serveAgent(conn, func(req *protocol.Request) *protocol.Response {
		return &protocol.Response{ID: req.ID, Status: http.StatusOK}
	})
	tg.get(t, "/s/logsid/api/items", "")

	page := tg.get(t, "/s/logsid/_log", "")
	if page.StatusCode != http.StatusOK {
		t.Fatalf("log page status = %d, want 200", page.StatusCode)
	}
	body, _ := io.ReadAll(page.Body)
	if !strings.Contains(string(body), "/api/items") {
		t.Error("log page missing the proxied uri")
	}
}

func TestNextAssetRedirect(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{})
	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}

	tests := []struct {
		name       string
		referer    string
		cookie     string
		wantStatus int
		wantLoc    string
	}{
		{"by referer", "https://host/s/refsid/page", "", http.StatusTemporaryRedirect, "/s/refsid/_next/static/app.js"},
		{"by cookie", "", "cooksid", http.StatusTemporaryRedirect, "/s/cooksid/_next/static/app.js"},
		{"no context", "", "", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, tg.srv.URL+"/_next/static/app.js", nil)
			if tt.referer != "" {
				req.Header.Set("Referer", tt.referer)
			}
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: "tunly_sid", Value: tt.cookie})
			}
			resp, err := client.Do(req)
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if loc := resp.Header.Get("Location"); loc != tt.wantLoc {
				t.Errorf("location = %q, want %q", loc, tt.wantLoc)
			}
		})
	}
}

func TestFallback404(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{})
	resp := tg.get(t, "/nowhere", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if got := string(body); got != "not found: /nowhere" {
		t.Errorf("body = %q", got)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-store" {
		t.Errorf("cache-control = %q, want no-store", cc)
	}
}

func TestSessionTeardownOnDisconnect(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{FixedToken: "secret"})
	conn := tg.mustDial(t, "bye", "secret", "")

	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := tg.sessions.Get("bye"); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session survived agent disconnect")
}
