// Package ratelimiter wraps golang.org/x/time/rate with a call-oriented
// API. The dispatch loop uses it to keep a misbehaving peer from flooding
// the daemon with calls faster than the appliance can absorb them.
package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter is a token-bucket limiter. All methods are safe for
// concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a limiter allowing callsPerSecond sustained with the given
// burst capacity. callsPerSecond == 0 means unlimited.
func New(callsPerSecond, burst uint) *RateLimiter {
	if callsPerSecond == 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst == 0 {
		burst = callsPerSecond
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(callsPerSecond), int(burst)),
	}
}

// Allow reports whether one call may proceed right now, consuming a token
// if so.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until a token is available or ctx is cancelled. The dispatch
// loop prefers throttling over rejecting: a slow peer sees latency, not
// spurious errors.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}
