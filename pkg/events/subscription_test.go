package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rexsync/rexsync/pkg/entity"
)

type recorder struct {
	mu   sync.Mutex
	envs []entity.Envelope
}

func (r *recorder) emit(env entity.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return nil
}

func (r *recorder) kinds() []entity.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]entity.EventKind, len(r.envs))
	for i, e := range r.envs {
		out[i] = e.Kind
	}
	return out
}

func runSubscription(t *testing.T, sub *Subscription, emit EmitFunc) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- sub.Run(context.Background(), emit) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("subscription did not finish")
		return nil
	}
}

func TestSubscription_StreamsUntilDeadline(t *testing.T) {
	m := NewLocalManager(8)
	defer m.Close()
	rec := &recorder{}

	sub := NewSubscription(m, "ui-1", SubscriptionOptions{KeepAlive: 300 * time.Millisecond, PollTimeout: 20 * time.Millisecond})
	done := runSubscription(t, sub, rec.emit)

	require.Eventually(t, func() bool { return m.Listening("ui-1") }, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Dispatch(context.Background(), entity.EventStartTask, nil))
	require.NoError(t, m.Dispatch(context.Background(), entity.EventKeepAlive, nil))
	require.NoError(t, m.Dispatch(context.Background(), entity.EventFinishTask, nil))

	require.NoError(t, waitDone(t, done))
	assert.Equal(t, []entity.EventKind{
		entity.EventStartBroadcast,
		entity.EventStartTask,
		entity.EventFinishTask,
		entity.EventFinishBroadcast,
	}, rec.kinds())
	assert.False(t, m.Listening("ui-1"))
}

func TestSubscription_KeepAliveExtendsDeadline(t *testing.T) {
	m := NewLocalManager(8)
	defer m.Close()
	rec := &recorder{}

	sub := NewSubscription(m, "ui-1", SubscriptionOptions{KeepAlive: 150 * time.Millisecond, PollTimeout: 10 * time.Millisecond})
	start := time.Now()
	done := runSubscription(t, sub, rec.emit)

	require.Eventually(t, func() bool { return m.Listening("ui-1") }, time.Second, 5*time.Millisecond)
	for i := 0; i < 3; i++ {
		time.Sleep(100 * time.Millisecond)
		require.NoError(t, m.Dispatch(context.Background(), entity.EventKeepAlive, nil))
	}

	require.NoError(t, waitDone(t, done))
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
	assert.Equal(t, []entity.EventKind{entity.EventStartBroadcast, entity.EventFinishBroadcast}, rec.kinds())
}

func TestSubscription_StopListeningEndsRun(t *testing.T) {
	m := NewLocalManager(8)
	defer m.Close()
	rec := &recorder{}

	sub := NewSubscription(m, "ui-1", SubscriptionOptions{KeepAlive: time.Minute, PollTimeout: time.Second})
	done := runSubscription(t, sub, rec.emit)

	require.Eventually(t, func() bool { return m.Listening("ui-1") }, time.Second, 5*time.Millisecond)
	m.StopListening("ui-1")

	require.NoError(t, waitDone(t, done))
	assert.Equal(t, []entity.EventKind{entity.EventStartBroadcast, entity.EventFinishBroadcast}, rec.kinds())
}

func TestSubscription_EmitFailureStops(t *testing.T) {
	m := NewLocalManager(8)
	defer m.Close()

	boom := errors.New("client went away")
	var mu sync.Mutex
	calls := 0
	emit := func(env entity.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if env.Kind == entity.EventUpdateWorkflow {
			return boom
		}
		return nil
	}

	sub := NewSubscription(m, "ui-1", SubscriptionOptions{KeepAlive: time.Minute, PollTimeout: 10 * time.Millisecond})
	done := runSubscription(t, sub, emit)

	require.Eventually(t, func() bool { return m.Listening("ui-1") }, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Dispatch(context.Background(), entity.EventUpdateWorkflow, nil))

	assert.ErrorIs(t, waitDone(t, done), boom)
	assert.False(t, m.Listening("ui-1"))
}

func TestSubscription_ContextCancel(t *testing.T) {
	m := NewLocalManager(8)
	defer m.Close()
	rec := &recorder{}

	ctx, cancel := context.WithCancel(context.Background())
	sub := NewSubscription(m, "ui-1", SubscriptionOptions{KeepAlive: time.Minute, PollTimeout: time.Second})
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx, rec.emit) }()

	require.Eventually(t, func() bool { return m.Listening("ui-1") }, time.Second, 5*time.Millisecond)
	cancel()

	require.NoError(t, waitDone(t, done))
	kinds := rec.kinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, entity.EventFinishBroadcast, kinds[len(kinds)-1])
}

func TestSubscription_ClosedManager(t *testing.T) {
	m := NewLocalManager(8)
	require.NoError(t, m.Close())

	sub := NewSubscription(m, "ui-1", SubscriptionOptions{})
	err := sub.Run(context.Background(), (&recorder{}).emit)
	assert.ErrorIs(t, err, ErrClosed)
}
