package bridge

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy defines retry behavior around each remote call.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	// Retryable decides whether a failed attempt is retried. Nil retries
	// server-side (HTTP 5xx) failures only.
	Retryable func(error) bool
}

// DefaultRetryPolicy returns the default retry policy: three attempts with
// exponential backoff.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

func (p *RetryPolicy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return isServerError(err)
}

// Backoff returns the wait before attempt n+1, given n failed attempts.
func (p *RetryPolicy) Backoff(n int) time.Duration {
	backoff := p.InitialBackoff
	for i := 1; i < n; i++ {
		backoff = time.Duration(float64(backoff) * p.BackoffMultiplier)
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return backoff
}

// withRetry executes fn, retrying retryable failures with exponential backoff.
// onRetry, when set, is called before each wait.
func withRetry[T any](ctx context.Context, p *RetryPolicy, onRetry func(attempt int, err error), fn func(context.Context) (T, error)) (T, error) {
	var zero T

	if p == nil || p.MaxAttempts <= 1 {
		return fn(ctx)
	}

	var lastErr error
	backoff := p.InitialBackoff

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		resp, err := fn(ctx)
		if err == nil {
			return resp, nil
		}

		lastErr = err

		if !p.retryable(err) {
			return zero, err
		}

		// Don't retry on last attempt
		if attempt == p.MaxAttempts {
			break
		}

		if onRetry != nil {
			onRetry(attempt, err)
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
			backoff = time.Duration(float64(backoff) * p.BackoffMultiplier)
			if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
				backoff = p.MaxBackoff
			}
		}
	}

	return zero, fmt.Errorf("max retry attempts reached: %w", lastErr)
}
