// Package orchestration coordinates the store, the bridge client, the
// deployment directory and the event manager. It is the only surface the
// client-facing transport layer talks to.
package orchestration

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rexsync/rexsync/pkg/bridge"
	"github.com/rexsync/rexsync/pkg/directory"
	"github.com/rexsync/rexsync/pkg/entity"
	"github.com/rexsync/rexsync/pkg/events"
	"github.com/rexsync/rexsync/pkg/logger"
	"github.com/rexsync/rexsync/pkg/storage"
)

const (
	defaultMaxConcurrency     = 16
	defaultMinRefreshInterval = 10 * time.Second
)

// API is the orchestration facade. It is safe for concurrent use.
type API struct {
	store     storage.Store
	bridge    bridge.Client
	directory directory.Directory
	events    events.Manager
	log       logger.Logger

	retry             *bridge.RetryPolicy
	startPollAttempts int
	maxConcurrency    int
	minRefresh        atomic.Int64
	now               func() time.Time

	locks *instanceLocks
}

// New creates the orchestration API. events may be nil, in which case
// nothing is dispatched.
func New(store storage.Store, client bridge.Client, dir directory.Directory, mgr events.Manager, opts ...Option) (*API, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if client == nil {
		return nil, fmt.Errorf("bridge client is required")
	}
	if dir == nil {
		return nil, fmt.Errorf("deployment directory is required")
	}

	a := &API{
		store:          store,
		bridge:         client,
		directory:      dir,
		events:         mgr,
		log:            logger.Global().Named("orchestration"),
		retry:          bridge.DefaultRetryPolicy(),
		maxConcurrency: defaultMaxConcurrency,
		now:            time.Now,
		locks:          newInstanceLocks(),
	}
	a.minRefresh.Store(int64(defaultMinRefreshInterval))

	for _, opt := range opts {
		opt(a)
	}
	if a.startPollAttempts <= 0 {
		a.startPollAttempts = a.retry.MaxAttempts
	}
	return a, nil
}

// SetMinRefreshInterval changes the debounce window used by RefreshAll.
func (a *API) SetMinRefreshInterval(d time.Duration) {
	a.minRefresh.Store(int64(d))
}

// MinRefreshInterval returns the current debounce window.
func (a *API) MinRefreshInterval() time.Duration {
	return time.Duration(a.minRefresh.Load())
}

// Healthy reports whether the store and event manager are usable.
func (a *API) Healthy(ctx context.Context) error {
	if err := a.store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if a.events != nil && !a.events.Healthy(ctx) {
		return fmt.Errorf("event manager is not healthy")
	}
	return nil
}

func (a *API) dispatch(ctx context.Context, kind entity.EventKind, data map[string]any) {
	if a.events == nil {
		return
	}
	if err := a.events.Dispatch(ctx, kind, data); err != nil {
		a.log.WarnContext(ctx, "failed to dispatch event", "kind", kind, "error", err)
	}
}

func workflowEvent(wf *entity.Workflow) map[string]any {
	return map[string]any{
		"instance_id":   wf.InstanceID,
		"deployment_id": wf.DeploymentID,
		"status":        string(wf.Status),
	}
}

func taskEvent(t *entity.Task) map[string]any {
	data := map[string]any{
		"instance_id": t.InstanceID,
		"task_id":     t.TaskID,
	}
	if t.ExchangeID != "" {
		data["exchange_id"] = t.ExchangeID
	}
	return data
}

// instanceLocks serializes operations on one workflow instance. Entries are
// reference counted and dropped once unused.
type instanceLocks struct {
	mu    sync.Mutex
	locks map[string]*instanceLock
}

type instanceLock struct {
	mu   sync.Mutex
	refs int
}

func newInstanceLocks() *instanceLocks {
	return &instanceLocks{locks: make(map[string]*instanceLock)}
}

// lock acquires the lock for id and returns its release function.
func (l *instanceLocks) lock(id string) func() {
	l.mu.Lock()
	il, ok := l.locks[id]
	if !ok {
		il = &instanceLock{}
		l.locks[id] = il
	}
	il.refs++
	l.mu.Unlock()

	il.mu.Lock()
	return func() {
		il.mu.Unlock()
		l.mu.Lock()
		il.refs--
		if il.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *instanceLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
