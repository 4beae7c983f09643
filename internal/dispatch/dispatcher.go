// Package dispatch assigns pending tasks to pooled driver sessions and runs
// one attempt per task per tick.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/browserbase-orchestrator/internal/browser"
	"github.com/shehryarbajwa/browserbase-orchestrator/internal/completion"
	"github.com/shehryarbajwa/browserbase-orchestrator/internal/session"
	"github.com/shehryarbajwa/browserbase-orchestrator/pkg/models"
)

// LastOutputKey is the queue checkpoint key holding a task's latest driver output
const LastOutputKey = "last_output"

// Queue is the part of the task queue the dispatcher drives
type Queue interface {
	GetTasks(ctx context.Context, status models.TaskStatus) ([]models.Task, error)
	MarkRunning(ctx context.Context, id string) error
	MarkPending(ctx context.Context, id string) error
	Complete(ctx context.Context, id, result string) error
	Fail(ctx context.Context, id, reason string) error
	Checkpoint(ctx context.Context, taskID, key string, value []byte) error
}

// Pool is the part of the browser pool the dispatcher drives
type Pool interface {
	Status() models.PoolStatus
	Acquire(taskID string) (browser.Instance, error)
	Release(instanceID string) error
	MarkUnhealthy(instanceID string) error
}

// Sessions is the session state the dispatcher reads and advances
type Sessions interface {
	CancelExpiredPaused(ctx context.Context, tasks []models.Task) ([]string, error)
	LoadOrCreate(ctx context.Context, task models.Task) (*models.SessionState, error)
	IncrementIteration(ctx context.Context, taskID string) (*models.SessionState, error)
	CompleteWithPromise(ctx context.Context, taskID, marker string) error
	Pause(ctx context.Context, taskID, reason string, timeout time.Duration) (*models.SessionState, error)
	RecordCheckpoint(ctx context.Context, taskID string, iteration int, url, pageState string) (*models.CheckpointData, error)
}

// Publisher receives task progress events
type Publisher interface {
	Publish(ev models.TaskEvent)
}

// Options tunes the dispatcher
type Options struct {
	// DefaultTimeout bounds a driver call when the task sets none
	DefaultTimeout time.Duration
	// PerCallIterations is the budget handed to the driver for one attempt
	PerCallIterations int
	Logger            *zap.Logger
}

// TickReport counts what one tick did
type TickReport struct {
	Pending      int
	Cancelled    int
	Dispatched   int
	Completed    int
	Paused       int
	Failed       int
	Retried      int
	DriverErrors int
	Timeouts     int
}

// Dispatcher runs dispatch ticks
type Dispatcher struct {
	queue    Queue
	pool     Pool
	sessions Sessions
	events   Publisher
	opts     Options
	log      *zap.Logger

	// selectMu serializes the read-filter-assign phase of ticks
	selectMu sync.Mutex

	mu       sync.Mutex
	inFlight map[string]struct{}
}

type nopPublisher struct{}

func (nopPublisher) Publish(models.TaskEvent) {}

// New creates a dispatcher. events may be nil.
func New(q Queue, pool Pool, sessions Sessions, events Publisher, opts Options) *Dispatcher {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 5 * time.Minute
	}
	if opts.PerCallIterations <= 0 {
		opts.PerCallIterations = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if events == nil {
		events = nopPublisher{}
	}
	return &Dispatcher{
		queue:    q,
		pool:     pool,
		sessions: sessions,
		events:   events,
		opts:     opts,
		log:      opts.Logger,
		inFlight: make(map[string]struct{}),
	}
}

// assignment is a task bound to the instance it will run on
type assignment struct {
	task  models.Task
	state *models.SessionState
	inst  browser.Instance
}

// InFlight reports whether taskID is being executed
func (d *Dispatcher) InFlight(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inFlight[taskID]
	return ok
}

// Tick runs one dispatch cycle and waits for its attempts to finish.
// Per-task failures become task outcomes; only session state failures are
// returned, aggregated.
func (d *Dispatcher) Tick(ctx context.Context) (TickReport, error) {
	var report TickReport

	batch, err := d.assign(ctx, &report)
	if len(batch) == 0 {
		return report, err
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(len(batch))
	for _, a := range batch {
		g.Go(func() error {
			defer d.finish(a)

			out, runErr := d.run(ctx, a)

			mu.Lock()
			out.addTo(&report)
			err = multierr.Append(err, runErr)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	d.log.Debug("dispatch tick finished",
		zap.Int("dispatched", report.Dispatched),
		zap.Int("completed", report.Completed),
		zap.Int("failed", report.Failed),
		zap.Int("retried", report.Retried))
	return report, err
}

// assign reads pending work, filters it, and binds up to the available
// capacity to instances in queue order
func (d *Dispatcher) assign(ctx context.Context, report *TickReport) ([]assignment, error) {
	d.selectMu.Lock()
	defer d.selectMu.Unlock()

	tasks, err := d.queue.GetTasks(ctx, models.TaskPending)
	if err != nil {
		d.log.Error("failed to read pending tasks", zap.Error(err))
		return nil, nil
	}
	report.Pending = len(tasks)
	if len(tasks) == 0 {
		return nil, nil
	}

	cancelled, cancelErr := d.sessions.CancelExpiredPaused(ctx, tasks)
	if cancelErr != nil {
		d.log.Warn("failed to check paused tasks", zap.Error(cancelErr))
	}
	report.Cancelled = len(cancelled)
	skip := make(map[string]bool, len(cancelled))
	for _, id := range cancelled {
		skip[id] = true
		d.events.Publish(models.TaskEvent{Type: models.EventCancelled, TaskID: id, Message: "pause expired"})
	}

	var errs error
	var ready []assignment
	for _, task := range tasks {
		if skip[task.ID] || d.InFlight(task.ID) {
			continue
		}

		state, err := d.sessions.LoadOrCreate(ctx, task)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if state.Paused {
			continue
		}
		if d.reconcile(ctx, task, state, report) {
			continue
		}
		ready = append(ready, assignment{task: task, state: state})
	}

	available := d.pool.Status().Available
	if available == 0 {
		if len(ready) > 0 {
			d.log.Info("no available instances, tasks stay queued", zap.Int("waiting", len(ready)))
		}
		return nil, errs
	}
	if len(ready) > available {
		ready = ready[:available]
	}

	batch := make([]assignment, 0, len(ready))
	for _, a := range ready {
		inst, err := d.pool.Acquire(a.task.ID)
		if err != nil {
			// capacity went away between the status read and now
			d.log.Info("pool exhausted mid-tick", zap.String("task", a.task.ID), zap.Error(err))
			break
		}
		if err := d.queue.MarkRunning(ctx, a.task.ID); err != nil {
			d.log.Warn("failed to claim task", zap.String("task", a.task.ID), zap.Error(err))
			d.release(inst)
			continue
		}
		a.inst = inst

		d.mu.Lock()
		d.inFlight[a.task.ID] = struct{}{}
		d.mu.Unlock()
		batch = append(batch, a)
	}
	report.Dispatched = len(batch)
	return batch, errs
}

// reconcile finishes tasks whose session already reached an end state and
// reports whether it did so
func (d *Dispatcher) reconcile(ctx context.Context, task models.Task, state *models.SessionState, report *TickReport) bool {
	switch {
	case state.Completed:
		payload, _ := completion.DetectCompletion(state.CompletionPromise)
		d.complete(ctx, task.ID, payload)
		report.Completed++
		return true
	case !session.ShouldContinue(state):
		d.fail(ctx, task.ID, state, nil)
		report.Failed++
		return true
	}
	return false
}

func (d *Dispatcher) finish(a assignment) {
	d.release(a.inst)
	d.mu.Lock()
	delete(d.inFlight, a.task.ID)
	d.mu.Unlock()
}

func (d *Dispatcher) release(inst browser.Instance) {
	if err := d.pool.Release(inst.ID); err != nil {
		d.log.Error("failed to release instance", zap.String("instance", inst.ID), zap.Error(err))
	}
}

// outcome is what one attempt did to its task
type outcome struct {
	completed, paused, failed, retried bool
	driverErr, timeout                 bool
}

func (o outcome) addTo(r *TickReport) {
	if o.completed {
		r.Completed++
	}
	if o.paused {
		r.Paused++
	}
	if o.failed {
		r.Failed++
	}
	if o.retried {
		r.Retried++
	}
	if o.driverErr {
		r.DriverErrors++
	}
	if o.timeout {
		r.Timeouts++
	}
}

// run executes one attempt of a task on its instance
func (d *Dispatcher) run(ctx context.Context, a assignment) (outcome, error) {
	var out outcome
	log := d.log.With(zap.String("task", a.task.ID), zap.String("instance", a.inst.ID))

	text, attemptErr := d.attempt(ctx, a)
	if ctx.Err() != nil {
		// shutting down: the attempt does not count
		if err := d.queue.MarkPending(context.WithoutCancel(ctx), a.task.ID); err != nil {
			log.Warn("failed to requeue task", zap.Error(err))
		}
		out.retried = true
		return out, nil
	}

	if attemptErr != nil {
		var de *DispatcherError
		if errors.As(attemptErr, &de) && de.Reason == ReasonTimeout {
			out.timeout = true
		} else {
			out.driverErr = true
		}
		log.Warn("driver attempt failed", zap.Error(attemptErr))
	} else {
		if err := d.queue.Checkpoint(ctx, a.task.ID, LastOutputKey, []byte(text)); err != nil {
			log.Warn("failed to store driver output", zap.Error(err))
		}

		if payload, ok := completion.DetectCompletion(text); ok {
			if err := d.sessions.CompleteWithPromise(ctx, a.task.ID, completion.Promise(payload)); err != nil {
				return out, err
			}
			d.complete(ctx, a.task.ID, payload)
			out.completed = true
			return out, nil
		}

		if reason, ok := completion.DetectPause(text); ok {
			if _, err := d.sessions.Pause(ctx, a.task.ID, reason, 0); err != nil {
				return out, err
			}
			if err := d.queue.MarkPending(ctx, a.task.ID); err != nil {
				log.Warn("failed to return paused task to queue", zap.Error(err))
			}
			d.events.Publish(models.TaskEvent{
				Type: models.EventPaused, TaskID: a.task.ID, Iteration: a.state.Iteration, Message: reason,
			})
			out.paused = true
			return out, nil
		}
	}

	state, err := d.sessions.IncrementIteration(ctx, a.task.ID)
	if err != nil {
		return out, err
	}
	if state == nil {
		return out, &session.SessionError{Reason: "state vanished during attempt", TaskID: a.task.ID}
	}

	if attemptErr == nil {
		if _, err := d.sessions.RecordCheckpoint(ctx, a.task.ID, state.Iteration, "", text); err != nil {
			log.Warn("failed to record checkpoint", zap.Error(err))
		}
		d.events.Publish(models.TaskEvent{Type: models.EventCheckpoint, TaskID: a.task.ID, Iteration: state.Iteration})
	}

	if !session.ShouldContinue(state) {
		d.fail(ctx, a.task.ID, state, attemptErr)
		out.failed = true
		return out, nil
	}

	if err := d.queue.MarkPending(ctx, a.task.ID); err != nil {
		log.Warn("failed to return task to queue", zap.Error(err))
	}
	out.retried = true
	return out, nil
}

// attempt makes the driver call and returns its text, or a *DispatcherError
func (d *Dispatcher) attempt(ctx context.Context, a assignment) (string, error) {
	if a.inst.Driver == nil {
		return "", &DispatcherError{Reason: ReasonDriver, TaskID: a.task.ID, Err: errors.New("instance has no driver")}
	}

	timeout := a.task.Params.Timeout
	if timeout <= 0 {
		timeout = d.opts.DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := a.inst.Driver.Do(callCtx, browser.DoRequest{
		Prompt:        a.state.Prompt + "\n\n" + completion.Instruction(),
		MaxIterations: d.opts.PerCallIterations,
		Timeout:       timeout.Milliseconds(),
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return "", &DispatcherError{
				Reason: ReasonTimeout,
				TaskID: a.task.ID,
				Err:    fmt.Errorf("%w after %s", ErrDriverTimeout, timeout),
			}
		}
		if errors.Is(err, browser.ErrDriverUnreachable) {
			if markErr := d.pool.MarkUnhealthy(a.inst.ID); markErr != nil {
				d.log.Warn("failed to mark instance unhealthy", zap.String("instance", a.inst.ID), zap.Error(markErr))
			}
		}
		return "", &DispatcherError{Reason: ReasonDriver, TaskID: a.task.ID, Err: err}
	}

	result := completion.Normalize(resp.Success, resp.Data, resp.Error)
	if result.Kind == completion.KindError {
		return "", &DispatcherError{Reason: ReasonDriver, TaskID: a.task.ID, Err: result.Err}
	}
	return result.Text, nil
}

func (d *Dispatcher) complete(ctx context.Context, taskID, payload string) {
	if err := d.queue.Complete(ctx, taskID, payload); err != nil {
		d.log.Warn("failed to complete task", zap.String("task", taskID), zap.Error(err))
		return
	}
	d.log.Info("task completed", zap.String("task", taskID))
	d.events.Publish(models.TaskEvent{Type: models.EventCompleted, TaskID: taskID, Message: payload})
}

func (d *Dispatcher) fail(ctx context.Context, taskID string, state *models.SessionState, last error) {
	reason := fmt.Sprintf("%s: %d of %d", ErrIterationsExceeded, state.Iteration, state.MaxIterations)
	if last != nil {
		reason += " (last attempt: " + last.Error() + ")"
	}
	if err := d.queue.Fail(ctx, taskID, reason); err != nil {
		d.log.Warn("failed to fail task", zap.String("task", taskID), zap.Error(err))
		return
	}
	d.log.Info("task failed", zap.String("task", taskID), zap.String("reason", reason))
	d.events.Publish(models.TaskEvent{Type: models.EventFailed, TaskID: taskID, Iteration: state.Iteration, Message: reason})
}
