// Package events delivers workflow and task notifications to long-lived
// listeners. Each listener key owns a bounded mailbox; dispatch never blocks
// the publisher and drops events for listeners whose mailbox is full.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rexsync/rexsync/pkg/entity"
)

// ErrNotListening is returned by Get for a key with no active mailbox.
var ErrNotListening = errors.New("not listening")

// ErrClosed is returned after the manager has been closed.
var ErrClosed = errors.New("event manager closed")

// Manager is the listener registry and dispatcher.
type Manager interface {
	// StartListening creates a mailbox for key. Calling it again is a no-op.
	StartListening(ctx context.Context, key string) error
	// StopListening discards the mailbox for key.
	StopListening(key string)
	// Dispatch pushes an event into every active mailbox.
	Dispatch(ctx context.Context, kind entity.EventKind, data map[string]any) error
	// Get waits up to timeout for the next event of key. A timeout is
	// reported as ok == false with a nil error.
	Get(ctx context.Context, key string, timeout time.Duration) (env entity.Envelope, ok bool, err error)
	// Listening reports whether key has an active mailbox.
	Listening(key string) bool
	Healthy(ctx context.Context) bool
	Close() error
}

// NewEnvelope wraps data into a timestamped envelope with a fresh id.
func NewEnvelope(kind entity.EventKind, data map[string]any) (entity.Envelope, error) {
	if !kind.Valid() {
		return entity.Envelope{}, fmt.Errorf("unknown event kind %q", kind)
	}
	if data == nil {
		data = map[string]any{}
	}
	return entity.Envelope{
		ID:        uuid.NewString(),
		Kind:      kind,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}, nil
}
