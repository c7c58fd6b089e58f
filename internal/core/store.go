package core

import (
	"sync"
	"time"
)

// SessionStore maps session ids to live sessions. Readers clone the
// session handle and release the lock before doing any I/O.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionStore returns an initialised SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*Session)}
}

// Put inserts a session, replacing any previous session with the
// same id. A replaced session is closed so its awaiters unblock.
func (st *SessionStore) Put(s *Session) {
	st.mu.Lock()
	prev := st.sessions[s.ID]
	st.sessions[s.ID] = s
	st.mu.Unlock()

	if prev != nil && prev != s {
		prev.Close()
	}
}

// Get returns the session for id, if present.
func (st *SessionStore) Get(id string) (*Session, bool) {
	st.mu.RLock()
	s, ok := st.sessions[id]
	st.mu.RUnlock()
	return s, ok
}

// Remove deletes and closes the session for id. It reports whether
// the session was still in the store, making teardown idempotent.
func (st *SessionStore) Remove(id string) bool {
	st.mu.Lock()
	s, ok := st.sessions[id]
	if ok {
		delete(st.sessions, id)
	}
	st.mu.Unlock()

	if ok {
		s.Close()
	}
	return ok
}

// RemoveSession deletes and closes s, but only while the store still
// holds that exact session. A session replaced by a reconnect is left
// alone; the caller's handle is closed either way.
func (st *SessionStore) RemoveSession(s *Session) bool {
	st.mu.Lock()
	cur, ok := st.sessions[s.ID]
	if ok && cur == s {
		delete(st.sessions, s.ID)
	} else {
		ok = false
	}
	st.mu.Unlock()

	s.Close()
	return ok
}

// Len returns the number of live sessions.
func (st *SessionStore) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// IDs returns the ids of all live sessions.
func (st *SessionStore) IDs() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	ids := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		ids = append(ids, id)
	}
	return ids
}

// SweepIdle removes sessions whose last activity is older than ttl
// and returns how many were removed. The snapshot is taken under a
// read lock; removal re-checks membership so a session replaced in
// between is left alone.
func (st *SessionStore) SweepIdle(ttl time.Duration) int {
	now := time.Now()

	st.mu.RLock()
	stale := make([]*Session, 0)
	for _, s := range st.sessions {
		if now.Sub(s.LastSeen()) >= ttl {
			stale = append(stale, s)
		}
	}
	st.mu.RUnlock()

	removed := 0
	for _, s := range stale {
		st.mu.Lock()
		cur, ok := st.sessions[s.ID]
		if ok && cur == s {
			delete(st.sessions, s.ID)
		} else {
			ok = false
		}
		st.mu.Unlock()

		if ok {
			s.Close()
			removed++
		}
	}
	return removed
}
