package auth

import (
	"sync"
	"time"
)

// issued is one outstanding credential: the address it is bound to,
// its expiry instant, and the session id it was minted for.
type issued struct {
	addr    string
	expires time.Time
	sid     string
}

// IssuedStore tracks outstanding jtis for single-use enforcement.
type IssuedStore struct {
	mu     sync.Mutex
	tokens map[string]issued
}

// NewIssuedStore returns an empty store.
func NewIssuedStore() *IssuedStore {
	return &IssuedStore{tokens: make(map[string]issued)}
}

// Put records a freshly issued jti.
func (s *IssuedStore) Put(jti, addr string, expires time.Time, sid string) {
	s.mu.Lock()
	s.tokens[jti] = issued{addr: addr, expires: expires, sid: sid}
	s.mu.Unlock()
}

// Consume removes the jti and reports whether it was present.
// Removal under the lock is what makes the credential single-use: a
// concurrent second upgrade finds the entry gone.
func (s *IssuedStore) Consume(jti string) bool {
	s.mu.Lock()
	_, ok := s.tokens[jti]
	if ok {
		delete(s.tokens, jti)
	}
	s.mu.Unlock()
	return ok
}

// Contains reports whether the jti is still outstanding.
func (s *IssuedStore) Contains(jti string) bool {
	s.mu.Lock()
	_, ok := s.tokens[jti]
	s.mu.Unlock()
	return ok
}

// Len returns the number of outstanding credentials.
func (s *IssuedStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

// Sweep drops expired entries and returns how many were removed.
func (s *IssuedStore) Sweep() int {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for jti, entry := range s.tokens {
		if !entry.expires.After(now) {
			delete(s.tokens, jti)
			removed++
		}
	}
	return removed
}
