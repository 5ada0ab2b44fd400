// Package badger provides a Badger-based implementation of the storage interface.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"

	"github.com/rexsync/rexsync/pkg/entity"
	"github.com/rexsync/rexsync/pkg/logger"
	"github.com/rexsync/rexsync/pkg/storage"
)

// Config holds configuration for BadgerStorage.
type Config struct {
	Path              string
	InMemory          bool
	SyncWrites        bool
	ValueLogFileSize  int64
	NumVersionsToKeep int
}

// BadgerStorage implements storage.Store using Badger.
// A workflow record and its tasks are always written in one transaction.
type BadgerStorage struct {
	db     *badger.DB
	config *Config
	log    logger.Logger
}

var _ storage.Store = (*BadgerStorage)(nil)

// NewBadgerStorage creates a new Badger storage instance.
func NewBadgerStorage(config *Config) (*BadgerStorage, error) {
	opts := badger.DefaultOptions(config.Path)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.SyncWrites = config.SyncWrites
	if config.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = config.ValueLogFileSize
	}
	if config.NumVersionsToKeep > 0 {
		opts.NumVersionsToKeep = config.NumVersionsToKeep
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &storage.UnavailableError{Cause: err}
	}

	return &BadgerStorage{
		db:     db,
		config: config,
		log:    logger.Global().Named("storage.badger"),
	}, nil
}

func workflowKey(instanceID string) []byte {
	return []byte("workflow:" + instanceID)
}

func taskKey(instanceID, taskID string) []byte {
	return []byte(fmt.Sprintf("task:%s:%s", instanceID, taskID))
}

func taskPrefix(instanceID string) []byte {
	return []byte(fmt.Sprintf("task:%s:", instanceID))
}

func serialize(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &storage.SerializationError{Operation: "marshal", Cause: err}
	}
	return data, nil
}

func deserialize(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &storage.SerializationError{Operation: "unmarshal", Cause: err}
	}
	return nil
}

// AddWorkflow upserts a workflow, preserving cached tasks on replace.
func (b *BadgerStorage) AddWorkflow(ctx context.Context, wf *entity.Workflow) error {
	rec := storage.NewWorkflowRecord(wf)

	return b.db.Update(func(txn *badger.Txn) error {
		old, err := getRecord(txn, wf.InstanceID)
		if err != nil && !storage.IsNotFound(err) {
			return err
		}
		if old != nil {
			rec.TaskIDs = storage.MergeTaskIDs(old.TaskIDs, rec.TaskIDs)
		}

		for _, t := range wf.Tasks {
			key := taskKey(wf.InstanceID, t.TaskID)
			if _, err := txn.Get(key); err == nil {
				continue
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			c := t.Clone()
			c.InstanceID = wf.InstanceID
			if err := setJSON(txn, key, c); err != nil {
				return err
			}
		}
		return setJSON(txn, workflowKey(wf.InstanceID), rec)
	})
}

// GetWorkflow retrieves a workflow with its tasks attached.
func (b *BadgerStorage) GetWorkflow(ctx context.Context, instanceID string) (*entity.Workflow, error) {
	var wf *entity.Workflow
	err := b.db.View(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, instanceID)
		if err != nil {
			return err
		}
		wf, err = assemble(txn, rec)
		return err
	})
	if err != nil {
		return nil, err
	}
	return wf, nil
}

// ListWorkflows lists the requested workflows, or all of them, sorted by id.
func (b *BadgerStorage) ListWorkflows(ctx context.Context, ids ...string) ([]*entity.Workflow, error) {
	var workflows []*entity.Workflow

	err := b.db.View(func(txn *badger.Txn) error {
		var recs []*storage.WorkflowRecord
		if len(ids) > 0 {
			for _, id := range ids {
				rec, err := getRecord(txn, id)
				if storage.IsNotFound(err) {
					continue
				}
				if err != nil {
					return err
				}
				recs = append(recs, rec)
			}
		} else {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte("workflow:")
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				var rec storage.WorkflowRecord
				err := it.Item().Value(func(val []byte) error {
					return deserialize(val, &rec)
				})
				if err != nil {
					b.log.Warn("skipping unreadable workflow record", "key", string(it.Item().Key()), "error", err)
					continue
				}
				recs = append(recs, &rec)
			}
		}

		for _, rec := range recs {
			wf, err := assemble(txn, rec)
			if err != nil {
				return err
			}
			workflows = append(workflows, wf)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(workflows, func(i, j int) bool { return workflows[i].InstanceID < workflows[j].InstanceID })
	return workflows, nil
}

// DeleteWorkflow deletes a workflow and all its tasks.
func (b *BadgerStorage) DeleteWorkflow(ctx context.Context, instanceID string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		if _, err := getRecord(txn, instanceID); err != nil {
			if storage.IsNotFound(err) {
				b.log.Warn("tried to delete unknown workflow", "instance_id", instanceID)
				return nil
			}
			return err
		}

		if err := txn.Delete(workflowKey(instanceID)); err != nil {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = taskPrefix(instanceID)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// AddTask stores a task and links it to its workflow.
func (b *BadgerStorage) AddTask(ctx context.Context, task *entity.Task) error {
	return b.db.Update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, task.InstanceID)
		if err != nil {
			return err
		}
		if err := setJSON(txn, taskKey(task.InstanceID, task.TaskID), task); err != nil {
			return err
		}
		rec.TaskIDs = storage.MergeTaskIDs(rec.TaskIDs, []string{task.TaskID})
		return setJSON(txn, workflowKey(task.InstanceID), rec)
	})
}

// UpdateTask overwrites a cached task; unknown tasks are ignored.
func (b *BadgerStorage) UpdateTask(ctx context.Context, task *entity.Task) error {
	return b.db.Update(func(txn *badger.Txn) error {
		key := taskKey(task.InstanceID, task.TaskID)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return setJSON(txn, key, task)
	})
}

// GetTask retrieves a task by instance id and task id.
func (b *BadgerStorage) GetTask(ctx context.Context, instanceID, taskID string) (*entity.Task, error) {
	var task *entity.Task
	err := b.db.View(func(txn *badger.Txn) error {
		if _, err := getRecord(txn, instanceID); err != nil {
			return err
		}
		t, err := getTask(txn, instanceID, taskID)
		if err != nil {
			return err
		}
		task = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// ListTasks lists the tasks of a workflow in list order.
func (b *BadgerStorage) ListTasks(ctx context.Context, instanceID string) ([]*entity.Task, error) {
	wf, err := b.GetWorkflow(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return wf.Tasks, nil
}

// DeleteTask removes a task and unlinks it from its workflow.
func (b *BadgerStorage) DeleteTask(ctx context.Context, instanceID, taskID string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, instanceID)
		if err != nil {
			return err
		}
		key := taskKey(instanceID, taskID)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				b.log.Warn("tried to delete unknown task", "instance_id", instanceID, "task_id", taskID)
				return nil
			}
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		rec.TaskIDs = storage.RemoveTaskID(rec.TaskIDs, taskID)
		return setJSON(txn, workflowKey(instanceID), rec)
	})
}

// Ping reports whether the database is open.
func (b *BadgerStorage) Ping(ctx context.Context) error {
	if b.db.IsClosed() {
		return &storage.UnavailableError{Cause: errors.New("badger database closed")}
	}
	return nil
}

// Close closes the Badger database.
func (b *BadgerStorage) Close() error {
	if !b.config.InMemory {
		if err := b.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
			b.log.Debug("value log gc skipped", "error", err)
		}
	}
	return b.db.Close()
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := serialize(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func getRecord(txn *badger.Txn, instanceID string) (*storage.WorkflowRecord, error) {
	item, err := txn.Get(workflowKey(instanceID))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, &storage.NotFoundError{EntityType: storage.EntityWorkflow, ID: instanceID}
		}
		return nil, err
	}
	var rec storage.WorkflowRecord
	if err := item.Value(func(val []byte) error { return deserialize(val, &rec) }); err != nil {
		return nil, err
	}
	return &rec, nil
}

func getTask(txn *badger.Txn, instanceID, taskID string) (*entity.Task, error) {
	item, err := txn.Get(taskKey(instanceID, taskID))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, &storage.NotFoundError{EntityType: storage.EntityTask, ID: taskID}
		}
		return nil, err
	}
	var task entity.Task
	if err := item.Value(func(val []byte) error { return deserialize(val, &task) }); err != nil {
		return nil, err
	}
	return &task, nil
}

func assemble(txn *badger.Txn, rec *storage.WorkflowRecord) (*entity.Workflow, error) {
	wf := rec.Workflow
	wf.Tasks = make([]*entity.Task, 0, len(rec.TaskIDs))
	for _, id := range rec.TaskIDs {
		t, err := getTask(txn, wf.InstanceID, id)
		if storage.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		wf.Tasks = append(wf.Tasks, t)
	}
	return wf, nil
}
