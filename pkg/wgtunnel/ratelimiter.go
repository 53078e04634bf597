package wgtunnel

import (
	"sync"
	"time"
)

// HandshakeRateLimit bounds the number of handshake initiations accepted
// per source address per reset interval (§4.3 "apply a shared handshake
// rate limiter"), substituting for a stateless cookie/mac2 exchange.
const (
	HandshakeRateLimit  = 100
	RateLimiterInterval = time.Second
)

// HandshakeRateLimiter is shared across every Tunnel bound to the same
// local socket, so one noisy peer cannot exhaust handshake processing for
// the others.
type HandshakeRateLimiter struct {
	mu      sync.Mutex
	counts  map[string]int
	resetAt time.Time
}

// NewHandshakeRateLimiter builds a limiter anchored at t0.
func NewHandshakeRateLimiter(t0 time.Time) *HandshakeRateLimiter {
	return &HandshakeRateLimiter{
		counts:  make(map[string]int),
		resetAt: t0.Add(RateLimiterInterval),
	}
}

// Allow reports whether a handshake initiation from the peer identified by
// key (typically its transport address) may be processed at time now,
// incrementing its count. Callers provide now explicitly (sans-io: the
// limiter never samples the clock itself).
func (rl *HandshakeRateLimiter) Allow(now time.Time, key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if !now.Before(rl.resetAt) {
		rl.counts = make(map[string]int)
		rl.resetAt = now.Add(RateLimiterInterval)
	}

	if rl.counts[key] >= HandshakeRateLimit {
		return false
	}
	rl.counts[key]++
	return true
}

// NextReset returns the time at which the limiter's window next clears,
// for the caller to fold into its poll_timeout computation.
func (rl *HandshakeRateLimiter) NextReset() time.Time {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.resetAt
}
