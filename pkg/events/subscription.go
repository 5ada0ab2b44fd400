package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rexsync/rexsync/pkg/entity"
)

// SubscriptionOptions configures a Subscription.
type SubscriptionOptions struct {
	// KeepAlive is how long the subscription lives without a keep-alive.
	KeepAlive time.Duration
	// PollTimeout bounds each wait for the next event.
	PollTimeout time.Duration
}

// DefaultSubscriptionOptions returns the default options.
func DefaultSubscriptionOptions() SubscriptionOptions {
	return SubscriptionOptions{
		KeepAlive:   60 * time.Second,
		PollTimeout: 5 * time.Second,
	}
}

// EmitFunc receives the envelopes of a subscription. Returning an error ends it.
type EmitFunc func(entity.Envelope) error

// Subscription streams one listener's events until its keep-alive deadline
// passes. KEEP_ALIVE events, or calls to KeepAlive, push the deadline back.
type Subscription struct {
	mgr  Manager
	key  string
	opts SubscriptionOptions
	now  func() time.Time

	mu       sync.Mutex
	deadline time.Time
}

// NewSubscription creates a subscription for key. It does not start listening
// until Run is called.
func NewSubscription(mgr Manager, key string, opts SubscriptionOptions) *Subscription {
	defaults := DefaultSubscriptionOptions()
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = defaults.KeepAlive
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = defaults.PollTimeout
	}
	return &Subscription{mgr: mgr, key: key, opts: opts, now: time.Now}
}

// KeepAlive extends the deadline by the keep-alive period from now.
func (s *Subscription) KeepAlive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadline = s.now().Add(s.opts.KeepAlive)
}

// Deadline returns the current expiry time.
func (s *Subscription) Deadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline
}

// Run listens on the key and emits START_BROADCAST, then every received
// event, then FINISH_BROADCAST once the deadline passes, ctx ends, the
// listener is stopped elsewhere or emit fails. A failed Get is reported as
// ERROR_BROADCAST and ends the loop.
func (s *Subscription) Run(ctx context.Context, emit EmitFunc) error {
	if err := s.mgr.StartListening(ctx, s.key); err != nil {
		return err
	}
	s.KeepAlive()

	defer func() {
		s.mgr.StopListening(s.key)
		if env, err := NewEnvelope(entity.EventFinishBroadcast, map[string]any{"listener": s.key}); err == nil {
			_ = emit(env)
		}
	}()

	start, _ := NewEnvelope(entity.EventStartBroadcast, map[string]any{"listener": s.key})
	if err := emit(start); err != nil {
		return err
	}

	for {
		remaining := s.Deadline().Sub(s.now())
		if remaining <= 0 || ctx.Err() != nil {
			return nil
		}
		wait := s.opts.PollTimeout
		if remaining < wait {
			wait = remaining
		}

		env, ok, err := s.mgr.Get(ctx, s.key, wait)
		switch {
		case errors.Is(err, ErrNotListening):
			return nil
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		case err != nil:
			errEnv, _ := NewEnvelope(entity.EventErrorBroadcast, map[string]any{
				"listener": s.key,
				"error":    err.Error(),
			})
			_ = emit(errEnv)
			return err
		case !ok:
			continue
		}

		if env.Kind == entity.EventKeepAlive {
			s.KeepAlive()
			continue
		}
		if err := emit(env); err != nil {
			return err
		}
	}
}
