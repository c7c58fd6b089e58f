// Package auth implements the gateway's credential service:
// issuance of short-lived single-use bearer tokens bound to a client
// address and session id, and their validation on tunnel upgrade.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tunly/tunly/internal/core"
)

// TokenTTL is the lifetime of an issued credential.
const TokenTTL = 5 * time.Minute

var (
	// ErrInvalidToken covers every validation failure: bad
	// signature, expiry, binding mismatch, or replay. Callers
	// answer unauthorized without distinguishing the cause.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Claims is the JWT payload of an issued credential. Subject carries
// the bound session id, IP the bound client address, ID the
// single-use jti.
type Claims struct {
	IP string `json:"ip"`
	jwt.RegisteredClaims
}

// TokenResponse is the JSON body returned by the issuance endpoint.
type TokenResponse struct {
	Token     string `json:"token"`
	Session   string `json:"session"`
	ExpiresIn int    `json:"expires_in"`
}

// Issuer signs and validates ephemeral credentials with a symmetric
// secret and tracks issued jtis for single use.
type Issuer struct {
	secret []byte
	store  *IssuedStore
}

// NewIssuer returns an Issuer signing with secret.
func NewIssuer(secret []byte, store *IssuedStore) *Issuer {
	return &Issuer{secret: secret, store: store}
}

// Store exposes the issued-credentials map, for the expiry sweeper.
func (i *Issuer) Store() *IssuedStore { return i.store }

// Issue mints a credential bound to addr: fresh random session id
// and jti, HS256 signature, five-minute expiry. The jti is recorded
// so the first successful validation can consume it.
func (i *Issuer) Issue(addr string) (TokenResponse, error) {
	jti := core.NewID()
	sid := core.NewID()
	expires := time.Now().Add(TokenTTL)

	claims := Claims{
		IP: addr,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sid,
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        jti,
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("sign token: %w", err)
	}

	i.store.Put(jti, addr, expires, sid)

	return TokenResponse{
		Token:     token,
		Session:   sid,
		ExpiresIn: int(TokenTTL.Seconds()),
	}, nil
}

// Validate checks a presented credential against the extracted
// client address and the upgrade's session id. The jti is consumed
// only after signature, expiry, and both bindings pass, so a
// binding mismatch leaves the credential usable from the right
// address.
func (i *Issuer) Validate(token, addr, sid string) error {
	claims := new(Claims)
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return ErrInvalidToken
	}

	if claims.IP != addr || claims.Subject != sid {
		return ErrInvalidToken
	}

	if !i.store.Consume(claims.ID) {
		return ErrInvalidToken
	}
	return nil
}

// EqualFixedToken compares a presented bearer to the operator's
// static token in constant time.
func EqualFixedToken(presented, expected string) bool {
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}
