package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserbase-orchestrator/internal/storage"
	"github.com/shehryarbajwa/browserbase-orchestrator/pkg/models"
)

var (
	// ErrTaskNotFound is returned for ids the queue has never seen
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskFinished is returned when a transition targets a terminal task
	ErrTaskFinished = errors.New("task already finished")
)

// Handler is notified when a task of its kind becomes due
type Handler func(ctx context.Context, task models.Task)

// Options are per-task queue options
type Options struct {
	Priority int
}

type entry struct {
	task  models.Task
	seq   uint64
	timer *time.Timer
}

// record is the persisted form of an entry
type record struct {
	Task models.Task `json:"task"`
	Seq  uint64      `json:"seq"`
}

const taskPrefix = "tasks/"

// MemoryQueue is an in-process task queue. Every task record is written
// through to the backing KV store so Restore can rebuild the queue after a
// restart; checkpoint values live in the same store.
type MemoryQueue struct {
	mu       sync.Mutex
	tasks    map[string]*entry
	seq      uint64
	handlers map[string]Handler
	closed   bool

	kv  storage.KV
	log *zap.Logger
	now func() time.Time
}

// New creates a queue whose task records and checkpoints are stored in kv
func New(kv storage.KV, logger *zap.Logger) *MemoryQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryQueue{
		tasks:    make(map[string]*entry),
		handlers: make(map[string]Handler),
		kv:       kv,
		log:      logger,
		now:      time.Now,
	}
}

// SetClock replaces the time source
func (q *MemoryQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	q.now = now
	q.mu.Unlock()
}

// Register installs the handler for kind, replacing any previous one
func (q *MemoryQueue) Register(kind string, h Handler) {
	q.mu.Lock()
	q.handlers[kind] = h
	q.mu.Unlock()
}

// RunNow enqueues a task due immediately. An existing id is replaced and
// returned to pending, keeping its queue position and creation time.
func (q *MemoryQueue) RunNow(ctx context.Context, id, kind string, params models.TaskParams, opts Options) (models.Task, error) {
	q.mu.Lock()
	at := q.now()
	q.mu.Unlock()
	return q.Schedule(ctx, at, id, kind, params, opts)
}

// Schedule enqueues a task that becomes pending at the given time
func (q *MemoryQueue) Schedule(ctx context.Context, at time.Time, id, kind string, params models.TaskParams, opts Options) (models.Task, error) {
	if id == "" {
		return models.Task{}, fmt.Errorf("task id is required")
	}
	if kind == "" {
		return models.Task{}, fmt.Errorf("task kind is required")
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return models.Task{}, fmt.Errorf("queue is closed")
	}

	now := q.now()
	e, existed := q.tasks[id]
	if existed && e.task.Status == models.TaskRunning {
		q.mu.Unlock()
		return models.Task{}, fmt.Errorf("task %s is running", id)
	}

	var task models.Task
	seq := q.seq + 1
	if existed {
		task = e.task
		seq = e.seq
	} else {
		task = models.Task{ID: id, CreatedAt: now}
	}
	task.Kind = kind
	task.Params = params
	task.Priority = opts.Priority
	task.ScheduledAt = at
	task.Status = models.TaskPending
	task.Result = ""
	task.Error = ""
	task.UpdatedAt = now

	if err := q.persist(ctx, task, seq); err != nil {
		q.mu.Unlock()
		return models.Task{}, err
	}

	if existed {
		e.stopTimer()
	} else {
		q.seq = seq
		e = &entry{seq: seq}
		q.tasks[id] = e
	}
	e.task = task
	q.armLocked(e, now)
	handler := q.handlers[kind]
	q.mu.Unlock()

	if !at.After(now) && handler != nil {
		handler(ctx, task)
	}
	return task, nil
}

// Restore reloads the task records persisted in the KV store and returns how
// many were added. Tasks that were running when the previous process stopped
// go back to pending; scheduled tasks get their timers again. Records that
// cannot be decoded are skipped and logged.
func (q *MemoryQueue) Restore(ctx context.Context) (int, error) {
	keys, err := q.kv.List(ctx, taskPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list task records: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	restored := 0
	for _, key := range keys {
		raw, err := q.kv.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return restored, fmt.Errorf("failed to read task record %s: %w", key, err)
		}

		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil || rec.Task.ID == "" {
			q.log.Warn("skipping unreadable task record", zap.String("key", key), zap.Error(err))
			continue
		}
		if _, ok := q.tasks[rec.Task.ID]; ok {
			continue
		}

		if rec.Task.Status == models.TaskRunning {
			rec.Task.Status = models.TaskPending
			rec.Task.UpdatedAt = now
			if err := q.persist(ctx, rec.Task, rec.Seq); err != nil {
				return restored, err
			}
		}

		e := &entry{task: rec.Task, seq: rec.Seq}
		q.tasks[rec.Task.ID] = e
		if rec.Seq > q.seq {
			q.seq = rec.Seq
		}
		q.armLocked(e, now)
		restored++
	}

	if restored > 0 {
		q.log.Info("restored task records", zap.Int("tasks", restored))
	}
	return restored, nil
}

// armLocked starts the due timer of a pending task scheduled in the future
func (q *MemoryQueue) armLocked(e *entry, now time.Time) {
	if q.closed || e.task.Status != models.TaskPending {
		return
	}
	if delay := e.task.ScheduledAt.Sub(now); delay > 0 {
		id := e.task.ID
		e.timer = time.AfterFunc(delay, func() { q.fire(id) })
	}
}

func (e *entry) stopTimer() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// persist writes task through to the KV store
func (q *MemoryQueue) persist(ctx context.Context, task models.Task, seq uint64) error {
	raw, err := json.Marshal(record{Task: task, Seq: seq})
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", task.ID, err)
	}
	if err := q.kv.Put(ctx, taskPrefix+task.ID, raw); err != nil {
		return fmt.Errorf("failed to persist task %s: %w", task.ID, err)
	}
	return nil
}

// fire notifies the handler once a scheduled task is due
func (q *MemoryQueue) fire(id string) {
	q.mu.Lock()
	e, ok := q.tasks[id]
	if !ok || q.closed || e.task.Status != models.TaskPending {
		q.mu.Unlock()
		return
	}
	e.timer = nil
	task := e.task
	handler := q.handlers[task.Kind]
	q.mu.Unlock()

	if handler != nil {
		handler(context.Background(), task)
	}
}

// GetTasks returns tasks with the given status, or all tasks when status is
// empty, ordered by priority (highest first), scheduled time, then insertion.
// Pending tasks scheduled in the future are not reported as pending.
func (q *MemoryQueue) GetTasks(ctx context.Context, status models.TaskStatus) ([]models.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var picked []*entry
	for _, e := range q.tasks {
		if status == "" {
			picked = append(picked, e)
			continue
		}
		if e.task.Status != status {
			continue
		}
		if status == models.TaskPending && e.task.ScheduledAt.After(now) {
			continue
		}
		picked = append(picked, e)
	}

	sort.Slice(picked, func(i, j int) bool {
		a, b := picked[i], picked[j]
		if a.task.Priority != b.task.Priority {
			return a.task.Priority > b.task.Priority
		}
		if !a.task.ScheduledAt.Equal(b.task.ScheduledAt) {
			return a.task.ScheduledAt.Before(b.task.ScheduledAt)
		}
		return a.seq < b.seq
	})

	out := make([]models.Task, len(picked))
	for i, e := range picked {
		out[i] = e.task
	}
	return out, nil
}

// Get returns one task
func (q *MemoryQueue) Get(ctx context.Context, id string) (models.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.tasks[id]
	if !ok {
		return models.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return e.task, nil
}

// CancelTask cancels a task that has not finished. It reports whether the
// task was cancelled by this call.
func (q *MemoryQueue) CancelTask(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.tasks[id]
	if !ok || e.task.Status.Terminal() {
		return false, nil
	}

	task := e.task
	task.Status = models.TaskCancelled
	task.UpdatedAt = q.now()
	if err := q.persist(ctx, task, e.seq); err != nil {
		return false, err
	}
	e.stopTimer()
	e.task = task
	return true, nil
}

// MarkRunning claims a pending task for execution
func (q *MemoryQueue) MarkRunning(ctx context.Context, id string) error {
	return q.transition(ctx, id, func(t *models.Task) error {
		if t.Status != models.TaskPending {
			return fmt.Errorf("task %s is %s, not pending", id, t.Status)
		}
		t.Status = models.TaskRunning
		return nil
	})
}

// MarkPending returns a running task to the queue for a later attempt
func (q *MemoryQueue) MarkPending(ctx context.Context, id string) error {
	return q.transition(ctx, id, func(t *models.Task) error {
		t.Status = models.TaskPending
		return nil
	})
}

// Complete finishes a task successfully with result
func (q *MemoryQueue) Complete(ctx context.Context, id, result string) error {
	return q.transition(ctx, id, func(t *models.Task) error {
		t.Status = models.TaskCompleted
		t.Result = result
		return nil
	})
}

// Fail finishes a task with reason
func (q *MemoryQueue) Fail(ctx context.Context, id, reason string) error {
	return q.transition(ctx, id, func(t *models.Task) error {
		t.Status = models.TaskFailed
		t.Error = reason
		return nil
	})
}

// transition applies a status change and persists it; the in-memory record
// only changes once the store has accepted it
func (q *MemoryQueue) transition(ctx context.Context, id string, apply func(*models.Task) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if e.task.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTaskFinished, id, e.task.Status)
	}

	task := e.task
	if err := apply(&task); err != nil {
		return err
	}
	task.UpdatedAt = q.now()
	if err := q.persist(ctx, task, e.seq); err != nil {
		return err
	}
	e.task = task
	return nil
}

// Checkpoint stores value under key for taskID
func (q *MemoryQueue) Checkpoint(ctx context.Context, taskID, key string, value []byte) error {
	if err := q.kv.Put(ctx, checkpointKey(taskID, key), value); err != nil {
		return fmt.Errorf("failed to write checkpoint %s/%s: %w", taskID, key, err)
	}
	return nil
}

// GetCheckpoint reads a value stored with Checkpoint
func (q *MemoryQueue) GetCheckpoint(ctx context.Context, taskID, key string) ([]byte, bool, error) {
	v, err := q.kv.Get(ctx, checkpointKey(taskID, key))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read checkpoint %s/%s: %w", taskID, key, err)
	}
	return v, true, nil
}

// Close stops pending timers; scheduled tasks no longer fire
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	for _, e := range q.tasks {
		e.stopTimer()
	}
}

func checkpointKey(taskID, key string) string {
	return "queue/" + taskID + "/" + key
}
