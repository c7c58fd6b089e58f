package protocol

import (
	"net/http"
	"strings"
)

// hopByHop is the set of headers that apply to a single transport
// hop only and must not be forwarded in either direction.
var hopByHop = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// IsHopByHop reports whether the named header is hop-by-hop. The
// check is case-insensitive.
func IsHopByHop(name string) bool {
	_, ok := hopByHop[strings.ToLower(name)]
	return ok
}

// CaptureHeaders flattens an http.Header into ordered pairs,
// dropping hop-by-hop entries.
func CaptureHeaders(h http.Header) []HeaderPair {
	pairs := make([]HeaderPair, 0, len(h))
	for name, values := range h {
		if IsHopByHop(name) {
			continue
		}
		for _, v := range values {
			pairs = append(pairs, HeaderPair{name, v})
		}
	}
	return pairs
}

// FilterHeaders drops hop-by-hop entries from a pair list. Applying
// the filter twice yields the same result as once.
func FilterHeaders(pairs []HeaderPair) []HeaderPair {
	out := make([]HeaderPair, 0, len(pairs))
	for _, p := range pairs {
		if IsHopByHop(p.Name()) {
			continue
		}
		out = append(out, p)
	}
	return out
}
