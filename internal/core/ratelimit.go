package core

import (
	"sync"
	"time"
)

// RateLimiter is a fixed-window per-key counter. The first request
// in a window sets the window start; once the count reaches the
// maximum, further requests are denied until the window elapses.
type RateLimiter struct {
	window time.Duration
	max    int

	mu      sync.Mutex
	buckets map[string]*rlBucket
}

type rlBucket struct {
	count int
	start time.Time
}

// NewRateLimiter returns a limiter allowing max requests per window
// for each key.
func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		window:  window,
		max:     max,
		buckets: make(map[string]*rlBucket),
	}
}

// Allow records one request for key. When the limit is exceeded it
// returns false together with the time remaining in the window,
// suitable for a retry-after header.
func (rl *RateLimiter) Allow(key string) (ok bool, retryAfter time.Duration) {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, exists := rl.buckets[key]
	if !exists {
		rl.buckets[key] = &rlBucket{count: 1, start: now}
		return true, 0
	}

	elapsed := now.Sub(b.start)
	switch {
	case elapsed >= rl.window:
		b.count = 1
		b.start = now
		return true, 0
	case b.count >= rl.max:
		return false, rl.window - elapsed
	default:
		b.count++
		return true, 0
	}
}

// Sweep drops buckets whose window has fully elapsed, bounding the
// map for long-running processes with churning client addresses.
func (rl *RateLimiter) Sweep() int {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for key, b := range rl.buckets {
		if now.Sub(b.start) >= rl.window {
			delete(rl.buckets, key)
			removed++
		}
	}
	return removed
}
