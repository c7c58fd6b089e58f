package gateway

import (
	"encoding/json"
	"net/http"
)

// handleToken issues an ephemeral credential bound to the caller's
// address. Disabled in fixed-token mode, optionally gated behind an
// internal key, and rate limited per address.
func (g *Gateway) handleToken(w http.ResponseWriter, r *http.Request) {
	if g.FixedMode() {
		http.Error(w, "token issuance disabled", http.StatusForbidden)
		return
	}

	addr := realIP(r)

	if g.cfg.InternalKey != "" && r.Header.Get("x-internal-key") != g.cfg.InternalKey {
		g.log.Warn("unauthorized token access attempt", "addr", addr)
		http.Error(w, "unauthorized access", http.StatusUnauthorized)
		return
	}

	if ok, retryAfter := g.tokenRL.Allow(addr); !ok {
		h := w.Header()
		h.Set("Content-Type", "text/plain; charset=utf-8")
		h.Set("Retry-After", retryAfterSeconds(retryAfter))
		h.Set("Cache-Control", "no-store")
		h.Set("X-Robots-Tag", "noindex, nofollow")
		h.Set("Referrer-Policy", "no-referrer")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("rate limit exceeded for /token"))
		return
	}

	resp, err := g.issuer.Issue(addr)
	if err != nil {
		g.log.Error("credential signing failed", "error", err)
		http.Error(w, "token generation failed", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	h.Set("X-Robots-Tag", "noindex, nofollow")
	h.Set("Referrer-Policy", "same-origin")
	json.NewEncoder(w).Encode(resp)
}
