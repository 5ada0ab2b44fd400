package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rexsync/rexsync/pkg/entity"
	"github.com/rexsync/rexsync/pkg/logger"
)

// mailboxes is the per-key channel registry shared by both managers.
type mailboxes struct {
	mode string
	size int
	log  logger.Logger

	mu     sync.RWMutex
	boxes  map[string]chan entity.Envelope
	closed bool
}

func newMailboxes(mode string, size int, log logger.Logger) *mailboxes {
	if size <= 0 {
		size = 64
	}
	return &mailboxes{
		mode:  mode,
		size:  size,
		log:   log,
		boxes: make(map[string]chan entity.Envelope),
	}
}

func (m *mailboxes) start(key string) error {
	if key == "" {
		return fmt.Errorf("listener key cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if _, ok := m.boxes[key]; ok {
		return nil
	}
	m.boxes[key] = make(chan entity.Envelope, m.size)
	metricsRecorder().SetEventListeners(m.mode, len(m.boxes))
	return nil
}

func (m *mailboxes) stop(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.boxes[key]
	if !ok {
		return
	}
	close(ch)
	delete(m.boxes, key)
	metricsRecorder().SetEventListeners(m.mode, len(m.boxes))
}

func (m *mailboxes) listening(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.boxes[key]
	return ok
}

// deliver pushes env into every mailbox without blocking.
func (m *mailboxes) deliver(env entity.Envelope) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return
	}
	for key, ch := range m.boxes {
		select {
		case ch <- env:
			metricsRecorder().RecordEventDelivered(m.mode, string(env.Kind))
		default:
			metricsRecorder().RecordEventDropped(m.mode, string(env.Kind))
			m.log.Warn("listener mailbox full, dropping event",
				"listener", key,
				"kind", env.Kind,
				"event_id", env.ID,
			)
		}
	}
}

func (m *mailboxes) get(ctx context.Context, key string, timeout time.Duration) (entity.Envelope, bool, error) {
	m.mu.RLock()
	ch, ok := m.boxes[key]
	m.mu.RUnlock()
	if !ok {
		return entity.Envelope{}, false, ErrNotListening
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env, open := <-ch:
		if !open {
			return entity.Envelope{}, false, ErrNotListening
		}
		return env, true, nil
	case <-timer.C:
		return entity.Envelope{}, false, nil
	case <-ctx.Done():
		return entity.Envelope{}, false, ctx.Err()
	}
}

func (m *mailboxes) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func (m *mailboxes) close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	for key, ch := range m.boxes {
		close(ch)
		delete(m.boxes, key)
	}
	metricsRecorder().SetEventListeners(m.mode, 0)
}
