package orchestration

import (
	"time"

	"github.com/rexsync/rexsync/pkg/bridge"
	"github.com/rexsync/rexsync/pkg/logger"
)

// Option is a functional option for configuring the API.
type Option func(*API)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.log = l
		}
	}
}

// WithRetryPolicy sets the policy bounding the STARTING poll of StartWorkflow.
func WithRetryPolicy(p *bridge.RetryPolicy) Option {
	return func(a *API) {
		if p != nil {
			a.retry = p
		}
	}
}

// WithStartPollAttempts caps the number of status polls after a start.
// Zero uses the retry policy's attempt count.
func WithStartPollAttempts(n int) Option {
	return func(a *API) {
		if n > 0 {
			a.startPollAttempts = n
		}
	}
}

// WithMaxConcurrency bounds the number of instances refreshed at once.
func WithMaxConcurrency(n int) Option {
	return func(a *API) {
		if n > 0 {
			a.maxConcurrency = n
		}
	}
}

// WithMinRefreshInterval sets the refresh debounce window. Zero refreshes
// every instance on every sweep.
func WithMinRefreshInterval(d time.Duration) Option {
	return func(a *API) {
		if d >= 0 {
			a.minRefresh.Store(int64(d))
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *API) {
		if now != nil {
			a.now = now
		}
	}
}
