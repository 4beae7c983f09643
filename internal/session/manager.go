// Package session tracks the resumable progress of each task: iteration
// count, completion, and pause/resume, persisted through the checkpoint store.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserbase-orchestrator/internal/checkpoint"
	"github.com/shehryarbajwa/browserbase-orchestrator/internal/queue"
	"github.com/shehryarbajwa/browserbase-orchestrator/pkg/models"
)

// DefaultPauseTimeout applies when Pause is called without a timeout
const DefaultPauseTimeout = time.Hour

// TaskQueue is the part of the task queue the session manager drives
type TaskQueue interface {
	Get(ctx context.Context, id string) (models.Task, error)
	RunNow(ctx context.Context, id, kind string, params models.TaskParams, opts queue.Options) (models.Task, error)
	CancelTask(ctx context.Context, id string) (bool, error)
}

// Options configures a Manager
type Options struct {
	PauseTimeout         time.Duration
	DefaultMaxIterations int
	Logger               *zap.Logger
}

// Manager handles all session state operations
type Manager struct {
	store *checkpoint.Store
	queue TaskQueue
	opts  Options
	log   *zap.Logger

	// mu serializes load-modify-save sequences
	mu  sync.Mutex
	now func() time.Time
}

// NewManager creates a new session manager
func NewManager(store *checkpoint.Store, q TaskQueue, opts Options) *Manager {
	if opts.PauseTimeout <= 0 {
		opts.PauseTimeout = DefaultPauseTimeout
	}
	if opts.DefaultMaxIterations <= 0 {
		opts.DefaultMaxIterations = 10
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		store: store,
		queue: q,
		opts:  opts,
		log:   opts.Logger,
		now:   time.Now,
	}
}

// SetClock replaces the time source
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// ShouldContinue reports whether another iteration may run
func ShouldContinue(s *models.SessionState) bool {
	return s != nil && !s.Completed && s.Iteration < s.MaxIterations
}

// Create persists a fresh state for taskID
func (m *Manager) Create(ctx context.Context, taskID, prompt string, maxIterations int) (*models.SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(ctx, taskID, prompt, maxIterations, 0)
}

func (m *Manager) createLocked(ctx context.Context, taskID, prompt string, maxIterations, iteration int) (*models.SessionState, error) {
	if maxIterations <= 0 {
		maxIterations = m.opts.DefaultMaxIterations
	}
	state := &models.SessionState{
		TaskID:        taskID,
		Iteration:     iteration,
		Prompt:        prompt,
		MaxIterations: maxIterations,
		LastUpdated:   m.now(),
	}
	if err := m.saveLocked(ctx, taskID, state); err != nil {
		return nil, err
	}
	return state, nil
}

// Save persists state as the session of taskID
func (m *Manager) Save(ctx context.Context, taskID string, state *models.SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(ctx, taskID, state)
}

func (m *Manager) saveLocked(ctx context.Context, taskID string, state *models.SessionState) error {
	state.TaskID = taskID
	state.LastUpdated = m.now()
	if err := m.store.PutState(ctx, taskID, state); err != nil {
		return &SessionError{Reason: "failed to save state", TaskID: taskID, Err: err}
	}
	return nil
}

// Load returns the state of taskID, or nil when there is none or the stored
// record does not look like a session.
func (m *Manager) Load(ctx context.Context, taskID string) (*models.SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(ctx, taskID)
}

func (m *Manager) loadLocked(ctx context.Context, taskID string) (*models.SessionState, error) {
	raw, ok, err := m.store.GetState(ctx, taskID)
	if errors.Is(err, checkpoint.ErrCorrupt) {
		m.log.Warn("discarding corrupt session state", zap.String("task", taskID), zap.Error(err))
		return nil, nil
	}
	if err != nil {
		return nil, &SessionError{Reason: "failed to load state", TaskID: taskID, Err: err}
	}
	if !ok {
		return nil, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		m.log.Warn("discarding malformed session state", zap.String("task", taskID), zap.Error(err))
		return nil, nil
	}
	for _, required := range []string{"taskId", "iteration", "prompt"} {
		if _, ok := fields[required]; !ok {
			m.log.Warn("discarding session state missing field",
				zap.String("task", taskID), zap.String("field", required))
			return nil, nil
		}
	}

	var state models.SessionState
	if err := json.Unmarshal(raw, &state); err != nil {
		m.log.Warn("discarding malformed session state", zap.String("task", taskID), zap.Error(err))
		return nil, nil
	}
	return &state, nil
}

// LoadOrCreate returns the state for task, creating it when missing. A task
// resumed from another task id starts from that task's progress.
func (m *Manager) LoadOrCreate(ctx context.Context, task models.Task) (*models.SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.loadLocked(ctx, task.ID)
	if err != nil || state != nil {
		return state, err
	}

	iteration := 0
	if from := task.Params.ResumeFrom; from != "" && from != task.ID {
		prior, err := m.loadLocked(ctx, from)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			iteration = prior.Iteration
			m.log.Info("carrying session forward",
				zap.String("task", task.ID), zap.String("from", from), zap.Int("iteration", iteration))
		}
	}
	return m.createLocked(ctx, task.ID, task.Params.Prompt, task.Params.MaxIterations, iteration)
}

// IncrementIteration bumps the iteration counter. It returns nil when taskID has no state.
func (m *Manager) IncrementIteration(ctx context.Context, taskID string) (*models.SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.loadLocked(ctx, taskID)
	if err != nil || state == nil {
		return nil, err
	}
	state.Iteration++
	if err := m.saveLocked(ctx, taskID, state); err != nil {
		return nil, err
	}
	return state, nil
}

// CompleteWithPromise marks the session completed with the marker that ended
// it and drops any pending pause. It does nothing when taskID has no state.
func (m *Manager) CompleteWithPromise(ctx context.Context, taskID, marker string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.loadLocked(ctx, taskID)
	if err != nil || state == nil {
		return err
	}
	state.Completed = true
	state.CompletionPromise = marker
	clearPause(state)
	return m.saveLocked(ctx, taskID, state)
}

// Pause suspends taskID with a fresh resume token. A zero timeout uses the
// manager default. A completed session cannot be paused.
func (m *Manager) Pause(ctx context.Context, taskID, reason string, timeout time.Duration) (*models.SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.loadLocked(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, &SessionError{Reason: "no session state to pause", TaskID: taskID}
	}
	if state.Completed {
		return nil, &SessionError{Reason: "session already completed", TaskID: taskID}
	}
	if timeout <= 0 {
		timeout = m.opts.PauseTimeout
	}

	state.Paused = true
	state.PauseReason = reason
	state.PauseRequestedAt = m.now()
	state.PauseResumeToken = uuid.NewString()
	state.PauseTimeout = timeout
	if err := m.saveLocked(ctx, taskID, state); err != nil {
		return nil, err
	}

	m.log.Info("session paused", zap.String("task", taskID), zap.String("reason", reason), zap.Duration("timeout", timeout))
	return state, nil
}

// Resume clears the pause on taskID and enqueues it again. The state is left
// untouched when the session is not paused, the token does not match, the
// pause has expired, or the task already finished in the queue. A task the
// queue no longer knows is enqueued afresh.
func (m *Manager) Resume(ctx context.Context, taskID, token string) (*models.SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.loadLocked(ctx, taskID)
	if err != nil {
		return nil, err
	}
	switch {
	case state == nil:
		return nil, &SessionError{Reason: "no session state to resume", TaskID: taskID}
	case !state.Paused:
		return nil, &SessionError{Reason: "session is not paused", TaskID: taskID}
	case state.PauseResumeToken != token:
		return nil, &SessionError{Reason: "invalid resume token", TaskID: taskID}
	case state.PauseExpired(m.now()):
		return nil, &SessionError{Reason: "pause expired", TaskID: taskID}
	}

	task, err := m.queue.Get(ctx, taskID)
	switch {
	case err == nil && task.Status.Terminal():
		return nil, &SessionError{Reason: "task already " + string(task.Status), TaskID: taskID}
	case err != nil && !errors.Is(err, queue.ErrTaskNotFound):
		return nil, &SessionError{Reason: "failed to read task", TaskID: taskID, Err: err}
	}

	previous := *state
	clearPause(state)
	if err := m.saveLocked(ctx, taskID, state); err != nil {
		return nil, err
	}

	params := models.TaskParams{
		Prompt:        state.Prompt,
		MaxIterations: state.MaxIterations,
		ResumeFrom:    taskID,
	}
	if _, err := m.queue.RunNow(ctx, taskID, models.TaskKindBrowser, params, queue.Options{}); err != nil {
		if restoreErr := m.saveLocked(ctx, taskID, &previous); restoreErr != nil {
			err = multierr.Append(err, restoreErr)
		}
		return nil, &SessionError{Reason: "failed to re-enqueue task", TaskID: taskID, Err: err}
	}

	m.log.Info("session resumed", zap.String("task", taskID), zap.Int("iteration", state.Iteration))
	return state, nil
}

func clearPause(state *models.SessionState) {
	state.Paused = false
	state.PauseReason = ""
	state.PauseRequestedAt = time.Time{}
	state.PauseResumeToken = ""
	state.PauseTimeout = 0
}

// CancelExpiredPaused cancels every task in tasks whose pause has expired and
// returns the cancelled ids. Tasks whose state cannot be read are skipped and
// reported in the returned error.
func (m *Manager) CancelExpiredPaused(ctx context.Context, tasks []models.Task) ([]string, error) {
	var cancelled []string
	var errs error
	now := m.now()

	for _, task := range tasks {
		state, err := m.Load(ctx, task.ID)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if state == nil || !state.PauseExpired(now) {
			continue
		}

		ok, err := m.queue.CancelTask(ctx, task.ID)
		if err != nil {
			errs = multierr.Append(errs, &SessionError{Reason: "failed to cancel expired pause", TaskID: task.ID, Err: err})
			continue
		}
		if ok {
			m.log.Info("cancelled task after pause expired", zap.String("task", task.ID))
			cancelled = append(cancelled, task.ID)
		}
	}
	return cancelled, errs
}

// RecordCheckpoint saves a snapshot of the task after a successful step
func (m *Manager) RecordCheckpoint(ctx context.Context, taskID string, iteration int, url, pageState string) (*models.CheckpointData, error) {
	d := &models.CheckpointData{
		TaskID:    taskID,
		Iteration: iteration,
		URL:       url,
		PageState: pageState,
	}
	if err := m.store.Save(ctx, d); err != nil {
		return nil, &SessionError{Reason: "failed to record checkpoint", TaskID: taskID, Err: err}
	}
	return d, nil
}

// LatestCheckpoint returns the newest unexpired checkpoint of taskID, or nil
func (m *Manager) LatestCheckpoint(ctx context.Context, taskID string) (*models.CheckpointData, error) {
	d, err := m.store.Latest(ctx, taskID)
	if err != nil {
		return nil, &SessionError{Reason: "failed to read checkpoints", TaskID: taskID, Err: err}
	}
	return d, nil
}

// Delete removes the session state of taskID
func (m *Manager) Delete(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.DeleteState(ctx, taskID); err != nil {
		return &SessionError{Reason: "failed to delete state", TaskID: taskID, Err: err}
	}
	return nil
}
