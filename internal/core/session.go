// Package core holds the domain state of the tunnel gateway: live
// sessions with their pending-request correlation slots, the session
// store, fixed-window rate limiting, and identifier generation.
package core

import (
	"errors"
	"sync"
	"time"

	"github.com/tunly/tunly/internal/protocol"
)

// outboundCapacity bounds the per-session queue feeding the writer
// task. A full queue is treated the same as a dead peer.
const outboundCapacity = 64

// accessLogCap bounds the per-session access-log ring buffer.
const accessLogCap = 50

var (
	// ErrSessionClosed is returned when enqueueing on a session
	// whose tunnel has been torn down.
	ErrSessionClosed = errors.New("core: session closed")
	// ErrQueueFull is returned when the outbound queue cannot
	// accept another frame without blocking.
	ErrQueueFull = errors.New("core: outbound queue full")
)

// AccessLogEntry records one proxied request for the session log
// page.
type AccessLogEntry struct {
	Method   string
	URI      string
	Status   int
	Duration time.Duration
}

// Session is the state of one live agent↔gateway tunnel. The
// outbound queue is consumed by the session's writer task; pending
// maps in-flight request ids to their one-shot completion slots.
type Session struct {
	ID string

	outbound  chan *protocol.Request
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	pending  map[uint64]chan *protocol.Response
	lastSeen time.Time
	created  time.Time
	log      []AccessLogEntry
}

// NewSession returns a live session with a fresh bounded outbound
// queue.
func NewSession(id string) *Session {
	now := time.Now()
	return &Session{
		ID:       id,
		outbound: make(chan *protocol.Request, outboundCapacity),
		done:     make(chan struct{}),
		pending:  make(map[uint64]chan *protocol.Response),
		lastSeen: now,
		created:  now,
	}
}

// Outbound returns the queue the writer task consumes.
func (s *Session) Outbound() <-chan *protocol.Request { return s.outbound }

// Done is closed when the session is torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Enqueue places a request envelope on the outbound queue without
// blocking. A full queue or a closed session is reported to the
// caller, which surfaces as bad-gateway.
func (s *Session) Enqueue(req *protocol.Request) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.outbound <- req:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrQueueFull
	}
}

// AddPending registers a one-shot completion slot for the given
// request id and returns the channel the handler awaits on.
func (s *Session) AddPending(id uint64) <-chan *protocol.Response {
	ch := make(chan *protocol.Response, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	return ch
}

// RemovePending drops the slot for id, if still present. Used on
// timeout so a late response finds nothing to complete.
func (s *Session) RemovePending(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// Resolve completes the pending slot for the response's id. Removal
// from the map is the linearization point: at most one completion is
// ever delivered per id. Responses for unknown ids are dropped.
func (s *Session) Resolve(resp *protocol.Response) bool {
	s.mu.Lock()
	ch, ok := s.pending[resp.ID]
	if ok {
		delete(s.pending, resp.ID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// Touch records activity on the session.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// LastSeen returns the time of the most recent activity.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Close tears the session down: the done channel unblocks the writer
// task and every handler still awaiting a pending slot, which they
// surface as a closed tunnel. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.pending = make(map[uint64]chan *protocol.Response)
		s.mu.Unlock()
	})
}

// PendingCount returns the number of in-flight requests.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// AppendLog pushes an access-log entry, evicting the oldest beyond
// the ring capacity.
func (s *Session) AppendLog(e AccessLogEntry) {
	s.mu.Lock()
	s.log = append(s.log, e)
	if n := len(s.log); n > accessLogCap {
		s.log = append(s.log[:0], s.log[n-accessLogCap:]...)
	}
	s.mu.Unlock()
}

// AccessLog returns a copy of the ring buffer, oldest first.
func (s *Session) AccessLog() []AccessLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AccessLogEntry, len(s.log))
	copy(out, s.log)
	return out
}
