// Package ratelimiter throttles how fast the server admits new connections.
package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket shared by the accept loop.
//
// Each admitted connection consumes one token. Tokens refill at the
// configured rate up to the burst capacity.
//
// Thread safety:
// All methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a limiter admitting perSecond connections per second with the
// given burst.
//
// Parameters:
//   - perSecond: sustained admissions per second. Zero disables limiting.
//   - burst: bucket capacity. Values below 1 are raised to 1 so a positive
//     rate can still admit anything.
//
// Returns a configured RateLimiter.
func New(perSecond float64, burst int) *RateLimiter {
	if perSecond <= 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst < 1 {
		burst = 1
	}

	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Unlimited reports whether the limiter admits everything.
func (r *RateLimiter) Unlimited() bool {
	return r.limiter.Limit() == rate.Inf
}

// Allow consumes a token if one is available and reports whether it did.
//
// Use when an over-limit connection should be refused immediately.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until a token is available or ctx is done.
//
// Returns:
//   - nil if a token was acquired
//   - ctx error if ctx ended first, or an error if the wait would exceed
//     the ctx deadline
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Tokens returns the tokens currently in the bucket. Only meaningful for
// diagnostics since it may change right after the call.
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}
