// Package ratelimit paces outbound requests to venue APIs. It wraps Uber's
// token-bucket limiter behind a small interface so the HTTP client and the
// adapters can share one pacing mechanism. Exact per-venue rate-limit
// compliance is out of scope; this is a coarse guard against hammering a
// venue during failover storms.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/ratelimit"
)

// Rate expresses "Limit operations per Interval".
type Rate struct {
	Limit    int
	Interval time.Duration
}

// RateLimiter blocks callers until an operation is permitted.
type RateLimiter interface {
	// Wait blocks until a token is available or ctx is cancelled.
	Wait(ctx context.Context) error

	// SetLimit replaces the rate at runtime.
	SetLimit(rate Rate) error
}

type uberLimiter struct {
	limiter ratelimit.Limiter
	rate    Rate
}

// NewTokenBucketLimiter builds a limiter from a Rate, converting it to
// operations per second for the underlying implementation.
func NewTokenBucketLimiter(rate Rate) RateLimiter {
	return &uberLimiter{
		limiter: newLimiter(rate),
		rate:    rate,
	}
}

func newLimiter(rate Rate) ratelimit.Limiter {
	rps := float64(rate.Limit) / rate.Interval.Seconds()
	if rps < 1 {
		rps = 1
	}
	return ratelimit.New(int(rps))
}

func (l *uberLimiter) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("rate limit wait cancelled: %w", ctx.Err())
	default:
		l.limiter.Take()
		return nil
	}
}

func (l *uberLimiter) SetLimit(rate Rate) error {
	if rate.Limit <= 0 || rate.Interval <= 0 {
		return fmt.Errorf("invalid rate limit: %+v", rate)
	}
	l.limiter = newLimiter(rate)
	l.rate = rate
	return nil
}
