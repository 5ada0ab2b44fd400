// Package redis provides a Redis-backed implementation of the storage interface.
//
// Workflow records live under "<prefix>workflow:<instance>" and task records
// under "<prefix>task:<instance>:<task>", both JSON encoded. Multi-key writes
// use WATCH/MULTI so concurrent writers on the same instance never lose a
// task id.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/rexsync/rexsync/pkg/entity"
	"github.com/rexsync/rexsync/pkg/logger"
	"github.com/rexsync/rexsync/pkg/storage"
)

const maxTxRetries = 16

// Config holds configuration for RedisStorage.
type Config struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStorage implements storage.Store on top of Redis.
type RedisStorage struct {
	client redis.UniversalClient
	prefix string
	owned  bool
	log    logger.Logger
}

var _ storage.Store = (*RedisStorage)(nil)

// NewRedisStorage connects to Redis and verifies the connection.
func NewRedisStorage(ctx context.Context, config *Config) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, &storage.UnavailableError{Cause: err}
	}
	s := NewRedisStorageWithClient(client, config.KeyPrefix)
	s.owned = true
	return s, nil
}

// NewRedisStorageWithClient wraps an existing client. Close will not close it.
func NewRedisStorageWithClient(client redis.UniversalClient, prefix string) *RedisStorage {
	return &RedisStorage{
		client: client,
		prefix: prefix,
		log:    logger.Global().Named("storage.redis"),
	}
}

func (r *RedisStorage) workflowKey(instanceID string) string {
	return r.prefix + "workflow:" + instanceID
}

func (r *RedisStorage) taskKey(instanceID, taskID string) string {
	return fmt.Sprintf("%stask:%s:%s", r.prefix, instanceID, taskID)
}

func marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &storage.SerializationError{Operation: "marshal", Cause: err}
	}
	return data, nil
}

func unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &storage.SerializationError{Operation: "unmarshal", Cause: err}
	}
	return nil
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	var nf *storage.NotFoundError
	var se *storage.SerializationError
	if errors.As(err, &nf) || errors.As(err, &se) {
		return err
	}
	return &storage.UnavailableError{Cause: err}
}

// watch runs fn in an optimistic transaction, retrying on conflicts.
func (r *RedisStorage) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return wrap(err)
	}
	return &storage.UnavailableError{Cause: fmt.Errorf("transaction on %v kept conflicting", keys)}
}

func (r *RedisStorage) readRecord(ctx context.Context, c redis.Cmdable, instanceID string) (*storage.WorkflowRecord, error) {
	data, err := c.Get(ctx, r.workflowKey(instanceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, &storage.NotFoundError{EntityType: storage.EntityWorkflow, ID: instanceID}
	}
	if err != nil {
		return nil, err
	}
	var rec storage.WorkflowRecord
	if err := unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *RedisStorage) assemble(ctx context.Context, rec *storage.WorkflowRecord) (*entity.Workflow, error) {
	wf := rec.Workflow
	wf.Tasks = make([]*entity.Task, 0, len(rec.TaskIDs))
	if len(rec.TaskIDs) == 0 {
		return wf, nil
	}

	keys := make([]string, len(rec.TaskIDs))
	for i, id := range rec.TaskIDs {
		keys[i] = r.taskKey(wf.InstanceID, id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var t entity.Task
		if err := unmarshal([]byte(s), &t); err != nil {
			return nil, err
		}
		wf.Tasks = append(wf.Tasks, &t)
	}
	return wf, nil
}

// AddWorkflow upserts a workflow, preserving cached tasks on replace.
func (r *RedisStorage) AddWorkflow(ctx context.Context, wf *entity.Workflow) error {
	rec := storage.NewWorkflowRecord(wf)
	key := r.workflowKey(wf.InstanceID)

	return r.watch(ctx, func(tx *redis.Tx) error {
		old, err := r.readRecord(ctx, tx, wf.InstanceID)
		if err != nil && !storage.IsNotFound(err) {
			return err
		}
		ids := rec.TaskIDs
		if old != nil {
			ids = storage.MergeTaskIDs(old.TaskIDs, rec.TaskIDs)
		}
		data, err := marshal(&storage.WorkflowRecord{Workflow: rec.Workflow, TaskIDs: ids})
		if err != nil {
			return err
		}

		tasks := make(map[string][]byte, len(wf.Tasks))
		for _, t := range wf.Tasks {
			c := t.Clone()
			c.InstanceID = wf.InstanceID
			b, err := marshal(c)
			if err != nil {
				return err
			}
			tasks[t.TaskID] = b
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for tid, b := range tasks {
				pipe.SetNX(ctx, r.taskKey(wf.InstanceID, tid), b, 0)
			}
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
}

// GetWorkflow retrieves a workflow with its tasks attached.
func (r *RedisStorage) GetWorkflow(ctx context.Context, instanceID string) (*entity.Workflow, error) {
	rec, err := r.readRecord(ctx, r.client, instanceID)
	if err != nil {
		return nil, wrap(err)
	}
	wf, err := r.assemble(ctx, rec)
	return wf, wrap(err)
}

// ListWorkflows lists the requested workflows, or all of them, sorted by id.
func (r *RedisStorage) ListWorkflows(ctx context.Context, ids ...string) ([]*entity.Workflow, error) {
	if len(ids) == 0 {
		var err error
		ids, err = r.scanWorkflowIDs(ctx)
		if err != nil {
			return nil, wrap(err)
		}
	}

	workflows := make([]*entity.Workflow, 0, len(ids))
	for _, id := range ids {
		wf, err := r.GetWorkflow(ctx, id)
		if storage.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	sort.Slice(workflows, func(i, j int) bool { return workflows[i].InstanceID < workflows[j].InstanceID })
	return workflows, nil
}

func (r *RedisStorage) scanWorkflowIDs(ctx context.Context) ([]string, error) {
	prefix := r.workflowKey("")
	var ids []string
	iter := r.client.Scan(ctx, 0, escapeGlob(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), prefix))
	}
	return ids, iter.Err()
}

// DeleteWorkflow deletes a workflow and all its tasks.
func (r *RedisStorage) DeleteWorkflow(ctx context.Context, instanceID string) error {
	key := r.workflowKey(instanceID)
	return r.watch(ctx, func(tx *redis.Tx) error {
		rec, err := r.readRecord(ctx, tx, instanceID)
		if storage.IsNotFound(err) {
			r.log.Warn("tried to delete unknown workflow", "instance_id", instanceID)
			return nil
		}
		if err != nil {
			return err
		}
		keys := []string{key}
		for _, tid := range rec.TaskIDs {
			keys = append(keys, r.taskKey(instanceID, tid))
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, keys...)
			return nil
		})
		return err
	}, key)
}

// AddTask stores a task and links it to its workflow.
func (r *RedisStorage) AddTask(ctx context.Context, task *entity.Task) error {
	key := r.workflowKey(task.InstanceID)
	data, err := marshal(task)
	if err != nil {
		return err
	}

	return r.watch(ctx, func(tx *redis.Tx) error {
		rec, err := r.readRecord(ctx, tx, task.InstanceID)
		if err != nil {
			return err
		}
		rec.TaskIDs = storage.MergeTaskIDs(rec.TaskIDs, []string{task.TaskID})
		recData, err := marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, r.taskKey(task.InstanceID, task.TaskID), data, 0)
			pipe.Set(ctx, key, recData, 0)
			return nil
		})
		return err
	}, key)
}

// UpdateTask overwrites a cached task; unknown tasks are ignored.
func (r *RedisStorage) UpdateTask(ctx context.Context, task *entity.Task) error {
	data, err := marshal(task)
	if err != nil {
		return err
	}
	return wrap(r.client.SetXX(ctx, r.taskKey(task.InstanceID, task.TaskID), data, redis.KeepTTL).Err())
}

// GetTask retrieves a task by instance id and task id.
func (r *RedisStorage) GetTask(ctx context.Context, instanceID, taskID string) (*entity.Task, error) {
	n, err := r.client.Exists(ctx, r.workflowKey(instanceID)).Result()
	if err != nil {
		return nil, wrap(err)
	}
	if n == 0 {
		return nil, &storage.NotFoundError{EntityType: storage.EntityWorkflow, ID: instanceID}
	}

	data, err := r.client.Get(ctx, r.taskKey(instanceID, taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, &storage.NotFoundError{EntityType: storage.EntityTask, ID: taskID}
	}
	if err != nil {
		return nil, wrap(err)
	}
	var t entity.Task
	if err := unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTasks lists the tasks of a workflow in list order.
func (r *RedisStorage) ListTasks(ctx context.Context, instanceID string) ([]*entity.Task, error) {
	wf, err := r.GetWorkflow(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return wf.Tasks, nil
}

// DeleteTask removes a task and unlinks it from its workflow.
func (r *RedisStorage) DeleteTask(ctx context.Context, instanceID, taskID string) error {
	key := r.workflowKey(instanceID)
	tkey := r.taskKey(instanceID, taskID)

	return r.watch(ctx, func(tx *redis.Tx) error {
		rec, err := r.readRecord(ctx, tx, instanceID)
		if err != nil {
			return err
		}
		n, err := tx.Exists(ctx, tkey).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			r.log.Warn("tried to delete unknown task", "instance_id", instanceID, "task_id", taskID)
			return nil
		}
		rec.TaskIDs = storage.RemoveTaskID(rec.TaskIDs, taskID)
		recData, err := marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, tkey)
			pipe.Set(ctx, key, recData, 0)
			return nil
		})
		return err
	}, key, tkey)
}

// Ping checks connectivity to Redis.
func (r *RedisStorage) Ping(ctx context.Context) error {
	return wrap(r.client.Ping(ctx).Err())
}

// Close closes the client if this storage created it.
func (r *RedisStorage) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
