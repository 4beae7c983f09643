// Package orchestrator owns the browser pool, session state, dispatcher and
// auto-scaler, runs their timers, and exposes the task-level API.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserbase-orchestrator/internal/autoscale"
	"github.com/shehryarbajwa/browserbase-orchestrator/internal/browser"
	"github.com/shehryarbajwa/browserbase-orchestrator/internal/checkpoint"
	"github.com/shehryarbajwa/browserbase-orchestrator/internal/dispatch"
	"github.com/shehryarbajwa/browserbase-orchestrator/internal/events"
	"github.com/shehryarbajwa/browserbase-orchestrator/internal/queue"
	"github.com/shehryarbajwa/browserbase-orchestrator/internal/session"
	"github.com/shehryarbajwa/browserbase-orchestrator/internal/storage"
	"github.com/shehryarbajwa/browserbase-orchestrator/pkg/models"
)

// Options configures an Orchestrator
type Options struct {
	MinSize      int
	MaxSize      int
	InitialSize  int
	AllowPartial bool

	DispatchInterval time.Duration
	ScaleInterval    time.Duration
	HealthInterval   time.Duration
	HealthTimeout    time.Duration
	GCInterval       time.Duration

	ScalerEnabled      bool
	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	ScaleDownDelay     time.Duration

	DefaultMaxIterations int
	DefaultTimeout       time.Duration
	PerCallIterations    int

	PauseTimeout  time.Duration
	StateTTL      time.Duration
	CheckpointTTL time.Duration

	Logger *zap.Logger
}

func (o *Options) setDefaults() {
	if o.MaxSize <= 0 {
		o.MaxSize = 5
	}
	if o.DispatchInterval <= 0 {
		o.DispatchInterval = 2 * time.Second
	}
	if o.ScaleInterval <= 0 {
		o.ScaleInterval = 10 * time.Second
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 30 * time.Second
	}
	if o.GCInterval <= 0 {
		o.GCInterval = time.Minute
	}
	if o.DefaultMaxIterations <= 0 {
		o.DefaultMaxIterations = 10
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 5 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Orchestrator coordinates task execution over a pool of driver sessions
type Orchestrator struct {
	opts        Options
	log         *zap.Logger
	provisioner browser.Provisioner

	queue    *queue.MemoryQueue
	store    *checkpoint.Store
	sessions *session.Manager
	events   *events.Broker

	// set by Start
	pool       *browser.Pool
	dispatcher *dispatch.Dispatcher
	scaler     *autoscale.Scaler

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wake    chan struct{}
	loops   sync.WaitGroup
	ticks   sync.WaitGroup
}

// New wires an orchestrator over a provisioner and a KV store. Nothing runs until Start.
func New(provisioner browser.Provisioner, kv storage.KV, opts Options) *Orchestrator {
	opts.setDefaults()
	log := opts.Logger

	store := checkpoint.NewStore(kv, checkpoint.Options{
		StateTTL:      opts.StateTTL,
		CheckpointTTL: opts.CheckpointTTL,
	})
	q := queue.New(kv, log.Named("queue"))

	return &Orchestrator{
		opts:        opts,
		log:         log,
		provisioner: provisioner,
		queue:       q,
		store:       store,
		sessions: session.NewManager(store, q, session.Options{
			PauseTimeout:         opts.PauseTimeout,
			DefaultMaxIterations: opts.DefaultMaxIterations,
			Logger:               log.Named("session"),
		}),
		events: events.NewBroker(64, log.Named("events")),
		wake:   make(chan struct{}, 1),
	}
}

// Start reloads the task records left by a previous run, provisions the
// initial pool and launches the dispatch, scaling, health and checkpoint GC
// loops. A pool that starts below its initial size is logged, not fatal,
// when partial starts are allowed.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started {
		return &OrchestratorError{Reason: "already started"}
	}

	restored, err := o.queue.Restore(ctx)
	if err != nil {
		return &OrchestratorError{Reason: "failed to restore task queue", Err: err}
	}

	pool, err := browser.Create(ctx, o.provisioner, o.opts.InitialSize, browser.PoolOptions{
		MaxSize:       o.opts.MaxSize,
		HealthTimeout: o.opts.HealthTimeout,
		AllowPartial:  o.opts.AllowPartial,
		Logger:        o.log.Named("pool"),
	})
	if pool == nil {
		return &OrchestratorError{Reason: "failed to start browser pool", Err: err}
	}
	if err != nil {
		o.log.Warn("browser pool started partially", zap.Error(err))
	}

	o.pool = pool
	o.dispatcher = dispatch.New(o.queue, pool, o.sessions, o.events, dispatch.Options{
		DefaultTimeout:    o.opts.DefaultTimeout,
		PerCallIterations: o.opts.PerCallIterations,
		Logger:            o.log.Named("dispatch"),
	})
	o.scaler = autoscale.New(pool, o.runnableDepth, autoscale.Options{
		MinSize:            o.opts.MinSize,
		MaxSize:            o.opts.MaxSize,
		ScaleUpThreshold:   o.opts.ScaleUpThreshold,
		ScaleDownThreshold: o.opts.ScaleDownThreshold,
		ScaleDownDelay:     o.opts.ScaleDownDelay,
		Logger:             o.log.Named("autoscale"),
	})
	o.queue.Register(models.TaskKindBrowser, o.onTaskDue)

	runCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.started = true

	o.runLoop(runCtx, o.opts.DispatchInterval, o.wake, o.dispatchOnce)
	o.runLoop(runCtx, o.opts.HealthInterval, nil, o.healthOnce)
	o.runLoop(runCtx, o.opts.GCInterval, nil, o.gcOnce)
	if o.opts.ScalerEnabled {
		o.runLoop(runCtx, o.opts.ScaleInterval, nil, o.scaleOnce)
	}
	if restored > 0 {
		o.onTaskDue(runCtx, models.Task{})
	}

	o.log.Info("orchestrator started",
		zap.Int("pool_size", pool.Status().Size),
		zap.Int("restored_tasks", restored),
		zap.Int("max_size", o.opts.MaxSize),
		zap.Duration("dispatch_interval", o.opts.DispatchInterval))
	return nil
}

// runLoop calls fn on every tick of interval and on every signal from wake
func (o *Orchestrator) runLoop(ctx context.Context, interval time.Duration, wake <-chan struct{}, fn func(context.Context)) {
	o.loops.Add(1)
	go func() {
		defer o.loops.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-wake:
			}
			fn(ctx)
		}
	}()
}

// runnableDepth counts the due pending tasks the dispatcher could run now.
// Paused tasks stay pending in the queue but are not waiting for capacity.
func (o *Orchestrator) runnableDepth(ctx context.Context) (int, error) {
	tasks, err := o.queue.GetTasks(ctx, models.TaskPending)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, task := range tasks {
		state, err := o.sessions.Load(ctx, task.ID)
		if err != nil {
			return 0, err
		}
		if state != nil && state.Paused {
			continue
		}
		n++
	}
	return n, nil
}

// onTaskDue is the queue handler: it wakes the dispatch loop without blocking
func (o *Orchestrator) onTaskDue(ctx context.Context, task models.Task) {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// dispatchOnce starts a dispatch tick. Assignment is serialized by the
// dispatcher; the driver calls of one tick may overlap with the next.
func (o *Orchestrator) dispatchOnce(ctx context.Context) {
	o.ticks.Add(1)
	go func() {
		defer o.ticks.Done()
		report, err := o.dispatcher.Tick(ctx)
		if err != nil {
			o.log.Error("dispatch tick failed", zap.Error(err))
		}
		if report.Dispatched > 0 {
			o.log.Info("dispatch tick",
				zap.Int("pending", report.Pending),
				zap.Int("dispatched", report.Dispatched),
				zap.Int("completed", report.Completed),
				zap.Int("failed", report.Failed),
				zap.Int("paused", report.Paused),
				zap.Int("timeouts", report.Timeouts))
		}
	}()
}

func (o *Orchestrator) healthOnce(ctx context.Context) {
	report, err := o.pool.HealthCheck(ctx)
	if err != nil {
		o.log.Warn("health sweep abandoned", zap.Error(err))
		return
	}
	if report.Unhealthy > 0 || report.Recovered > 0 {
		o.log.Info("health sweep",
			zap.Int("checked", report.Checked),
			zap.Int("unhealthy", report.Unhealthy),
			zap.Int("recovered", report.Recovered))
	}
}

func (o *Orchestrator) gcOnce(ctx context.Context) {
	removed, err := o.store.GC(ctx)
	if err != nil {
		o.log.Warn("checkpoint gc failed", zap.Error(err))
		return
	}
	if removed > 0 {
		o.log.Info("checkpoint gc", zap.Int("removed", removed))
	}
}

func (o *Orchestrator) scaleOnce(ctx context.Context) {
	d, err := o.scaler.Evaluate(ctx)
	switch {
	case errors.Is(err, autoscale.ErrScaleInProgress):
		o.log.Debug("scale evaluation skipped", zap.Error(err))
	case err != nil:
		o.log.Warn("scale evaluation failed", zap.Error(err))
	case d.Action != autoscale.ActionNone:
		o.log.Info("pool rescaled", zap.String("action", string(d.Action)), zap.Int("count", d.Count))
	}
}

// DispatchNow runs one dispatch tick and waits for it
func (o *Orchestrator) DispatchNow(ctx context.Context) (dispatch.TickReport, error) {
	if err := o.requireStarted(); err != nil {
		return dispatch.TickReport{}, err
	}
	return o.dispatcher.Tick(ctx)
}

// Queue validates req and enqueues a browser task, returning its id
func (o *Orchestrator) Queue(ctx context.Context, req models.QueueTaskRequest) (string, error) {
	if req.Prompt == "" {
		return "", &OrchestratorError{Reason: "prompt is required"}
	}
	if req.MaxIterations < 0 || req.Timeout < 0 {
		return "", &OrchestratorError{Reason: "maxIterations and timeout must not be negative"}
	}

	params := models.TaskParams{
		Prompt:        req.Prompt,
		MaxIterations: req.MaxIterations,
		Timeout:       time.Duration(req.Timeout) * time.Second,
		ResumeFrom:    req.ResumeFrom,
	}
	if params.MaxIterations == 0 {
		params.MaxIterations = o.opts.DefaultMaxIterations
	}
	if params.Timeout == 0 {
		params.Timeout = o.opts.DefaultTimeout
	}

	id := uuid.NewString()
	opts := queue.Options{Priority: req.Priority}

	// published first: an immediate task may be dispatched before the enqueue call returns
	o.events.Publish(models.TaskEvent{Type: models.EventQueued, TaskID: id})

	var err error
	if !req.RunAt.IsZero() && req.RunAt.After(time.Now()) {
		_, err = o.queue.Schedule(ctx, req.RunAt, id, models.TaskKindBrowser, params, opts)
	} else {
		_, err = o.queue.RunNow(ctx, id, models.TaskKindBrowser, params, opts)
	}
	if err != nil {
		o.events.Publish(models.TaskEvent{Type: models.EventFailed, TaskID: id, Message: err.Error()})
		return "", &OrchestratorError{Reason: "failed to enqueue task", TaskID: id, Err: err}
	}

	o.log.Info("task queued", zap.String("task", id), zap.Int("priority", req.Priority))
	return id, nil
}

// GetTask returns the caller's view of one task
func (o *Orchestrator) GetTask(ctx context.Context, id string) (*models.TaskResponse, error) {
	task, err := o.queue.Get(ctx, id)
	if err != nil {
		return nil, &OrchestratorError{Reason: "task not found", TaskID: id, Err: err}
	}
	return o.describe(ctx, task)
}

// ListTasks returns every task with status, or all tasks when status is empty
func (o *Orchestrator) ListTasks(ctx context.Context, status models.TaskStatus) ([]models.TaskResponse, error) {
	tasks, err := o.queue.GetTasks(ctx, status)
	if err != nil {
		return nil, &OrchestratorError{Reason: "failed to list tasks", Err: err}
	}

	out := make([]models.TaskResponse, 0, len(tasks))
	for _, task := range tasks {
		resp, err := o.describe(ctx, task)
		if err != nil {
			return nil, err
		}
		out = append(out, *resp)
	}
	return out, nil
}

func (o *Orchestrator) describe(ctx context.Context, task models.Task) (*models.TaskResponse, error) {
	resp := &models.TaskResponse{
		ID:            task.ID,
		Status:        task.Status,
		Prompt:        task.Params.Prompt,
		MaxIterations: task.Params.MaxIterations,
		Result:        task.Result,
		Error:         task.Error,
		CreatedAt:     task.CreatedAt,
		UpdatedAt:     task.UpdatedAt,
	}

	state, err := o.sessions.Load(ctx, task.ID)
	if err != nil {
		return nil, &OrchestratorError{Reason: "failed to read task progress", TaskID: task.ID, Err: err}
	}
	if state != nil {
		resp.Iteration = state.Iteration
		resp.MaxIterations = state.MaxIterations
		resp.Paused = state.Paused
		resp.PauseReason = state.PauseReason
	}

	out, ok, err := o.queue.GetCheckpoint(ctx, task.ID, dispatch.LastOutputKey)
	if err != nil {
		return nil, &OrchestratorError{Reason: "failed to read task output", TaskID: task.ID, Err: err}
	}
	if ok {
		resp.LastOutput = string(out)
	}
	return resp, nil
}

// CancelTask cancels a task that has not finished and reports whether it did
func (o *Orchestrator) CancelTask(ctx context.Context, id string) (bool, error) {
	ok, err := o.queue.CancelTask(ctx, id)
	if err != nil {
		return false, &OrchestratorError{Reason: "failed to cancel task", TaskID: id, Err: err}
	}
	if ok {
		o.events.Publish(models.TaskEvent{Type: models.EventCancelled, TaskID: id})
		o.log.Info("task cancelled", zap.String("task", id))
	}
	return ok, nil
}

// PauseTask suspends a queued task until ResumeTask is called with the
// returned state's resume token. A zero timeout uses the default.
func (o *Orchestrator) PauseTask(ctx context.Context, id, reason string, timeout time.Duration) (*models.SessionState, error) {
	task, err := o.queue.Get(ctx, id)
	if err != nil {
		return nil, &OrchestratorError{Reason: "task not found", TaskID: id, Err: err}
	}
	if task.Status.Terminal() {
		return nil, &OrchestratorError{Reason: "task already " + string(task.Status), TaskID: id}
	}

	if _, err := o.sessions.LoadOrCreate(ctx, task); err != nil {
		return nil, err
	}
	state, err := o.sessions.Pause(ctx, id, reason, timeout)
	if err != nil {
		return nil, err
	}
	o.events.Publish(models.TaskEvent{Type: models.EventPaused, TaskID: id, Iteration: state.Iteration, Message: reason})
	return state, nil
}

// ResumeTask lifts a pause using its resume token and requeues the task
func (o *Orchestrator) ResumeTask(ctx context.Context, id, token string) (*models.SessionState, error) {
	state, err := o.sessions.Resume(ctx, id, token)
	if err != nil {
		return nil, err
	}
	o.events.Publish(models.TaskEvent{Type: models.EventResumed, TaskID: id, Iteration: state.Iteration})
	return state, nil
}

// PoolStatus returns the pool's capacity counters
func (o *Orchestrator) PoolStatus() models.PoolStatus {
	o.mu.Lock()
	pool := o.pool
	o.mu.Unlock()

	if pool == nil {
		return models.PoolStatus{MaxSize: o.opts.MaxSize}
	}
	return pool.Status()
}

// Instances lists the pooled sessions
func (o *Orchestrator) Instances() []models.BrowserInstance {
	o.mu.Lock()
	pool := o.pool
	o.mu.Unlock()

	if pool == nil {
		return nil
	}
	return pool.Instances()
}

// Subscribe returns the event feed for taskID, or for all tasks with events.AllTasks
func (o *Orchestrator) Subscribe(taskID string) *events.Subscription {
	return o.events.Subscribe(taskID)
}

// Shutdown stops the loops, waits for running attempts until ctx ends, and
// tears the pool down.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return nil
	}
	o.stopped = true
	cancel := o.cancel
	pool := o.pool
	o.mu.Unlock()

	o.queue.Close()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		o.loops.Wait()
		o.ticks.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, &OrchestratorError{Reason: "timed out waiting for running tasks", Err: ctx.Err()})
	}

	if pool != nil {
		if closeErr := pool.Close(ctx); closeErr != nil {
			err = multierr.Append(err, closeErr)
		}
	}
	o.events.Close()

	o.log.Info("orchestrator stopped")
	return err
}

func (o *Orchestrator) requireStarted() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started {
		return &OrchestratorError{Reason: "not started"}
	}
	return nil
}
