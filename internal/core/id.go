package core

import (
	"encoding/base64"

	"github.com/google/uuid"
)

// NewID returns an opaque, URL-safe 128-bit identifier: the raw
// bytes of a random UUID, base64url-encoded without padding. Used
// for session ids and credential jtis.
func NewID() string {
	id := uuid.New()
	return base64.RawURLEncoding.EncodeToString(id[:])
}
