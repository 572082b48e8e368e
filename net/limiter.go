package net

import (
	"sync/atomic"

	"go.uber.org/ratelimit"
	"golang.org/x/time/rate"
)

// AcceptLimiter implements a token bucket for accepted connections. A listener
// asks it once per accepted socket; a refused socket is closed right away.
//
// The limiter is swapped atomically, so Reload may run while accept goroutines
// are calling Allow.
type AcceptLimiter struct {
	// limiter holds a pointer to a rate.Limiter from golang.org/x/time/rate
	limiter atomic.Pointer[rate.Limiter]
}

func newRateLimiter(limit int, burst int) *rate.Limiter {
	if limit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = limit
	}
	return rate.NewLimiter(rate.Limit(limit), burst)
}

// NewAcceptLimiter creates a token bucket limiter.
//
// Parameters:
// - limit: accepted connections per second, 0 or less disables limiting
// - burst: connections that may be accepted at once, defaults to limit
func NewAcceptLimiter(limit int, burst int) *AcceptLimiter {
	self := &AcceptLimiter{}
	self.limiter.Store(newRateLimiter(limit, burst))
	return self
}

// Allow reports whether one more connection may be accepted now.
func (l *AcceptLimiter) Allow() bool {
	return l.limiter.Load().Allow()
}

// Reload replaces the bucket. Tokens already spent are forgotten.
func (l *AcceptLimiter) Reload(limit int, burst int) {
	l.limiter.Store(newRateLimiter(limit, burst))
}

// RecvLimiter implements a leaky bucket using Uber's ratelimit package. Each
// stream reader calls Take before every socket read, which spaces reads out
// evenly instead of letting a burst through.
type RecvLimiter struct {
	limiter atomic.Pointer[ratelimit.Limiter]
}

func newLeakyLimiter(limit int) ratelimit.Limiter {
	if limit <= 0 {
		return ratelimit.NewUnlimited()
	}
	return ratelimit.New(limit)
}

// NewRecvLimiter creates a leaky bucket limiter allowing limit reads per
// second. 0 or less disables limiting.
func NewRecvLimiter(limit int) *RecvLimiter {
	self := &RecvLimiter{}
	limiter := newLeakyLimiter(limit)
	self.limiter.Store(&limiter)
	return self
}

// Take blocks until the next read is allowed.
func (l *RecvLimiter) Take() {
	_ = (*l.limiter.Load()).Take()
}

func (l *RecvLimiter) Reload(limit int) {
	limiter := newLeakyLimiter(limit)
	l.limiter.Store(&limiter)
}
