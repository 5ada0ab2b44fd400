package events

import (
	"context"
	"time"

	"github.com/rexsync/rexsync/pkg/entity"
	"github.com/rexsync/rexsync/pkg/logger"
)

const modeLocal = "local"

// LocalManager is an in-process Manager.
type LocalManager struct {
	boxes *mailboxes
}

var _ Manager = (*LocalManager)(nil)

// NewLocalManager creates a manager whose mailboxes hold mailboxSize events.
func NewLocalManager(mailboxSize int) *LocalManager {
	return &LocalManager{
		boxes: newMailboxes(modeLocal, mailboxSize, logger.Global().Named("events.local")),
	}
}

func (m *LocalManager) StartListening(_ context.Context, key string) error {
	return m.boxes.start(key)
}

func (m *LocalManager) StopListening(key string) {
	m.boxes.stop(key)
}

// Dispatch delivers the event to every active mailbox.
func (m *LocalManager) Dispatch(_ context.Context, kind entity.EventKind, data map[string]any) error {
	if m.boxes.isClosed() {
		return ErrClosed
	}
	env, err := NewEnvelope(kind, data)
	if err != nil {
		return err
	}
	metricsRecorder().RecordEventDispatched(modeLocal, string(kind))
	m.boxes.deliver(env)
	return nil
}

func (m *LocalManager) Get(ctx context.Context, key string, timeout time.Duration) (entity.Envelope, bool, error) {
	return m.boxes.get(ctx, key, timeout)
}

func (m *LocalManager) Listening(key string) bool {
	return m.boxes.listening(key)
}

// Healthy returns true if the manager is not closed.
func (m *LocalManager) Healthy(_ context.Context) bool {
	return !m.boxes.isClosed()
}

// Close discards every mailbox.
func (m *LocalManager) Close() error {
	m.boxes.close()
	return nil
}
