package browser

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/browserbase-orchestrator/pkg/models"
)

// PoolOptions configures a pool
type PoolOptions struct {
	MaxSize       int
	HealthTimeout time.Duration
	// AllowPartial lets Create return a smaller pool when some sessions fail to start
	AllowPartial bool
	Logger       *zap.Logger
}

// Pool is the registry of driver sessions.
//
// Instances live in an arena slice indexed by id; every mutation happens under
// mu and finishes by recounting, so the status counters always match the arena.
// Slow work (provisioning, probes, teardown) runs outside the lock and its
// results are applied in one step.
type Pool struct {
	mu      sync.Mutex
	slots   []Instance
	index   map[string]int
	counts  counters
	pending int // instances being provisioned, reserved against MaxSize

	maxSize       int
	healthTimeout time.Duration
	provisioner   Provisioner
	log           *zap.Logger
	now           func() time.Time
}

type counters struct {
	available int
	busy      int
	unhealthy int
}

// NewPool creates an empty pool
func NewPool(provisioner Provisioner, opts PoolOptions) *Pool {
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Pool{
		index:         make(map[string]int),
		maxSize:       opts.MaxSize,
		healthTimeout: opts.HealthTimeout,
		provisioner:   provisioner,
		log:           opts.Logger,
		now:           time.Now,
	}
}

// Create provisions size sessions concurrently. When some fail and
// opts.AllowPartial is set, the smaller pool is returned together with a
// *PoolError naming the failures; otherwise the pool is torn down.
func Create(ctx context.Context, provisioner Provisioner, size int, opts PoolOptions) (*Pool, error) {
	p := NewPool(provisioner, opts)

	added, err := p.Grow(ctx, size)
	if err == nil {
		return p, nil
	}
	if opts.AllowPartial && added > 0 {
		p.log.Warn("pool started below requested size",
			zap.Int("requested", size), zap.Int("started", added), zap.Error(err))
		return p, err
	}

	if closeErr := p.Close(ctx); closeErr != nil {
		err = multierr.Append(err, closeErr)
	}
	return nil, err
}

// Grow provisions up to n new sessions, capped at MaxSize, and returns how many were added
func (p *Pool) Grow(ctx context.Context, n int) (int, error) {
	p.mu.Lock()
	room := p.maxSize - len(p.slots) - p.pending
	if n > room {
		n = room
	}
	if n <= 0 {
		p.mu.Unlock()
		return 0, nil
	}
	p.pending += n
	p.mu.Unlock()

	ids := make([]string, n)
	created := make([]*Instance, n)
	errs := make([]error, n)

	var g errgroup.Group
	for i := range ids {
		ids[i] = uuid.NewString()
		g.Go(func() error {
			inst, err := p.provisioner.Provision(ctx, ids[i])
			if err != nil {
				errs[i] = err
				return nil
			}
			inst.ID = ids[i]
			inst.Status = models.InstanceAvailable
			inst.CurrentTaskID = ""
			inst.LastHealthCheck = p.now()
			created[i] = &inst
			return nil
		})
	}
	_ = g.Wait()

	p.mu.Lock()
	p.pending -= n
	added := 0
	for _, inst := range created {
		if inst == nil {
			continue
		}
		p.index[inst.ID] = len(p.slots)
		p.slots = append(p.slots, *inst)
		added++
	}
	p.recount()
	p.mu.Unlock()

	var failed []string
	var cause error
	for i, err := range errs {
		if err != nil {
			failed = append(failed, ids[i])
			cause = multierr.Append(cause, err)
		}
	}

	p.log.Info("pool grown", zap.Int("added", added), zap.Int("failed", len(failed)))

	if len(failed) > 0 {
		return added, &PoolError{Reason: "failed to create instances", Failed: failed, Err: cause}
	}
	return added, nil
}

// Shrink tears down up to n idle sessions, available ones first and then
// unhealthy ones. Busy sessions are never removed. It returns how many were removed.
func (p *Pool) Shrink(ctx context.Context, n int) int {
	if n <= 0 {
		return 0
	}

	p.mu.Lock()
	var victims []Instance
	for _, want := range []models.InstanceStatus{models.InstanceAvailable, models.InstanceUnhealthy} {
		for _, inst := range p.slots {
			if len(victims) == n {
				break
			}
			if inst.Status == want && inst.CurrentTaskID == "" {
				victims = append(victims, inst)
			}
		}
	}
	for _, v := range victims {
		p.removeLocked(v.ID)
	}
	p.recount()
	p.mu.Unlock()

	for _, v := range victims {
		if err := p.provisioner.Destroy(ctx, v); err != nil {
			p.log.Warn("failed to destroy instance", zap.String("instance", v.ID), zap.Error(err))
		}
	}

	if len(victims) > 0 {
		p.log.Info("pool shrunk", zap.Int("removed", len(victims)))
	}
	return len(victims)
}

// Acquire hands the first available session to taskID. It never waits: with
// nothing available it returns *PoolExhaustedError.
func (p *Pool) Acquire(taskID string) (Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.slots {
		if p.slots[i].Status != models.InstanceAvailable {
			continue
		}
		p.slots[i].Status = models.InstanceBusy
		p.slots[i].CurrentTaskID = taskID
		p.recount()
		return p.slots[i], nil
	}

	return Instance{}, &PoolExhaustedError{Requested: 1, Available: p.counts.available}
}

// Release returns a busy session to the pool. A session that turned unhealthy
// while busy keeps its unhealthy status.
func (p *Pool) Release(instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, ok := p.index[instanceID]
	if !ok {
		return &PoolError{Reason: "unknown instance", InstanceID: instanceID}
	}

	slot := &p.slots[i]
	switch {
	case slot.Status == models.InstanceBusy:
		slot.Status = models.InstanceAvailable
		slot.CurrentTaskID = ""
	case slot.Status == models.InstanceUnhealthy && slot.CurrentTaskID != "":
		slot.CurrentTaskID = ""
	default:
		return &PoolError{Reason: "instance is not busy", InstanceID: instanceID}
	}
	p.recount()
	return nil
}

// MarkUnhealthy flags a session whose driver stopped answering
func (p *Pool) MarkUnhealthy(instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, ok := p.index[instanceID]
	if !ok {
		return &PoolError{Reason: "unknown instance", InstanceID: instanceID}
	}
	p.slots[i].Status = models.InstanceUnhealthy
	p.recount()
	return nil
}

// HealthReport summarizes one health sweep
type HealthReport struct {
	Checked   int
	Unhealthy int
	Recovered int
}

// HealthCheck probes every session concurrently, each probe bounded by the
// health timeout. Failed probes mark the session unhealthy; an idle unhealthy
// session that answers again becomes available. If ctx ends mid-sweep the
// results are discarded and the pool keeps its previous state.
func (p *Pool) HealthCheck(ctx context.Context) (HealthReport, error) {
	p.mu.Lock()
	targets := make([]Instance, len(p.slots))
	copy(targets, p.slots)
	p.mu.Unlock()

	healthy := make([]bool, len(targets))
	var g errgroup.Group
	for i := range targets {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, p.healthTimeout)
			defer cancel()
			if targets[i].Driver == nil {
				return nil
			}
			err := targets[i].Driver.Health(probeCtx)
			healthy[i] = err == nil
			if err != nil {
				p.log.Debug("health probe failed", zap.String("instance", targets[i].ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return HealthReport{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	report := HealthReport{}
	now := p.now()
	for i, target := range targets {
		idx, ok := p.index[target.ID]
		if !ok {
			continue
		}
		slot := &p.slots[idx]
		slot.LastHealthCheck = now
		report.Checked++

		switch {
		case !healthy[i]:
			slot.Status = models.InstanceUnhealthy
			report.Unhealthy++
		case slot.Status == models.InstanceUnhealthy && slot.CurrentTaskID == "":
			slot.Status = models.InstanceAvailable
			report.Recovered++
		}
	}
	p.recount()
	return report, nil
}

// Status returns the pool's capacity counters
func (p *Pool) Status() models.PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	return models.PoolStatus{
		Size:      len(p.slots),
		MaxSize:   p.maxSize,
		Available: p.counts.available,
		Busy:      p.counts.busy,
		Unhealthy: p.counts.unhealthy,
	}
}

// Instances returns a copy of every instance record in arena order
func (p *Pool) Instances() []models.BrowserInstance {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]models.BrowserInstance, len(p.slots))
	for i, s := range p.slots {
		out[i] = s.BrowserInstance
	}
	return out
}

// Close tears every session down regardless of status
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	victims := p.slots
	p.slots = nil
	p.index = make(map[string]int)
	p.recount()
	p.mu.Unlock()

	var err error
	for _, v := range victims {
		if destroyErr := p.provisioner.Destroy(ctx, v); destroyErr != nil {
			err = multierr.Append(err, &PoolError{Reason: "failed to destroy instance", InstanceID: v.ID, Err: destroyErr})
		}
	}
	return err
}

// removeLocked drops id from the arena and rebuilds the index
func (p *Pool) removeLocked(id string) {
	i, ok := p.index[id]
	if !ok {
		return
	}
	p.slots = append(p.slots[:i], p.slots[i+1:]...)
	delete(p.index, id)
	for j := i; j < len(p.slots); j++ {
		p.index[p.slots[j].ID] = j
	}
}

func (p *Pool) recount() {
	var c counters
	for _, s := range p.slots {
		switch s.Status {
		case models.InstanceAvailable:
			c.available++
		case models.InstanceBusy:
			c.busy++
		case models.InstanceUnhealthy:
			c.unhealthy++
		}
	}
	p.counts = c
}

// IsExhausted reports whether err means the pool had no capacity
func IsExhausted(err error) bool {
	var exhausted *PoolExhaustedError
	return errors.As(err, &exhausted)
}
