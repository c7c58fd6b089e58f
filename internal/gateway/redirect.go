package gateway

import (
	"net/http"
	"strings"
)

// handleNextAsset redirects bare front-end asset requests back under
// the session prefix. The sid comes from the referer when possible so
// concurrent sessions stay separate, else from the tunly_sid cookie.
func (g *Gateway) handleNextAsset(w http.ResponseWriter, r *http.Request) {
	qs := ""
	if q := r.URL.RawQuery; q != "" {
		qs = "?" + q
	}

	sid := sidFromReferer(r.Header.Get("Referer"))
	if sid == "" {
		if c, err := r.Cookie("tunly_sid"); err == nil {
			sid = c.Value
		}
	}
	if sid == "" {
		http.Error(w, "not found: /_next/* (no session context)", http.StatusNotFound)
		return
	}

	w.Header().Set("Location", "/s/"+sid+"/_next/"+r.PathValue("path")+qs)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusTemporaryRedirect)
}

// sidFromReferer pulls the segment following "/s/" out of a referer
// URL, or returns "".
func sidFromReferer(referer string) string {
	_, after, ok := strings.Cut(referer, "/s/")
	if !ok {
		return ""
	}
	sid, _, _ := strings.Cut(after, "/")
	return sid
}
