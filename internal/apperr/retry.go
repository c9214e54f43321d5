package apperr

import (
	"errors"
	"math"
	"time"
)

// RetryPolicy computes the delay before the next attempt of a failed job.
type RetryPolicy struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Factor         float64
	RateLimitDelay time.Duration
}

// DefaultRetryPolicy is exponential from 5s with factor 2 capped at 60s; rate limits
// wait a full minute unless the upstream said otherwise.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:      5 * time.Second,
		MaxDelay:       60 * time.Second,
		Factor:         2,
		RateLimitDelay: 60 * time.Second,
	}
}

// Backoff returns the delay after the given (1-based) failed attempt.
func (p RetryPolicy) Backoff(err error, attempt int) time.Duration {
	category := Classify(err)
	if category == CategoryRateLimit {
		var e *Error
		if errors.As(err, &e) && e.RetryAfter > 0 {
			return e.RetryAfter
		}
		return p.RateLimitDelay
	}

	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(p.Factor, float64(attempt-1))
	if category == CategoryTimeout || category == CategoryNetwork {
		// give a struggling upstream a little more room
		delay *= 1.5
	}
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}
