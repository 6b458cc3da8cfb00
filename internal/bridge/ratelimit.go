package bridge

import (
	"sync"
	"time"
)

type bucket struct {
	tokens float64
	last   time.Time
}

// RateLimiter is a per-session token bucket. Each session may send
// perSec messages per second with bursts of twice that.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	perSec  float64
	burst   float64
	now     func() time.Time
}

// NewRateLimiter returns a limiter allowing perSec messages per session.
// A non-positive rate disables limiting.
func NewRateLimiter(perSec float64) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		perSec:  perSec,
		burst:   perSec * 2,
		now:     time.Now,
	}
}

// Allow consumes one token for session and reports whether it had one.
func (r *RateLimiter) Allow(session string) bool {
	if r.perSec <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	b, ok := r.buckets[session]
	if !ok {
		r.buckets[session] = &bucket{tokens: r.burst - 1, last: now}
		return true
	}

	b.tokens = min(r.burst, b.tokens+now.Sub(b.last).Seconds()*r.perSec)
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Forget drops the bucket of a disconnected session.
func (r *RateLimiter) Forget(session string) {
	r.mu.Lock()
	delete(r.buckets, session)
	r.mu.Unlock()
}
