package autoscale

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/browserbase-orchestrator/pkg/models"
)

// ErrScaleInProgress is returned when an evaluation is already running
var ErrScaleInProgress = errors.New("scale operation already in progress")

// Pool is the part of the browser pool the scaler drives
type Pool interface {
	Status() models.PoolStatus
	Grow(ctx context.Context, n int) (int, error)
	Shrink(ctx context.Context, n int) int
}

// DepthFunc reports how many tasks are waiting to be dispatched
type DepthFunc func(ctx context.Context) (int, error)

// Options bounds and tunes scaling
type Options struct {
	MinSize            int
	MaxSize            int
	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	ScaleDownDelay     time.Duration
	Logger             *zap.Logger
}

func (o *Options) setDefaults() {
	if o.ScaleUpThreshold <= 0 {
		o.ScaleUpThreshold = 2
	}
	if o.ScaleDownThreshold <= 0 {
		o.ScaleDownThreshold = 0.5
	}
	if o.ScaleDownDelay <= 0 {
		o.ScaleDownDelay = 5 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Action is the direction of a scaling decision
type Action string

const (
	ActionNone Action = "none"
	ActionUp   Action = "up"
	ActionDown Action = "down"
)

// Decision is what one evaluation chose to do
type Decision struct {
	Action Action
	Count  int
	Reason string
}

// Input is everything Decide looks at
type Input struct {
	Depth int
	Pool  models.PoolStatus
	// IdleFor is how long the pool has been under the scale-down utilization
	// with an empty queue
	IdleFor time.Duration
}

// Decide applies the scaling rules to a snapshot. It has no side effects.
func Decide(in Input, opts Options) Decision {
	opts.setDefaults()

	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = in.Pool.MaxSize
	}
	size := in.Pool.Size
	avail := in.Pool.Available

	if size < opts.MinSize {
		n := min(opts.MinSize, maxSize) - size
		if n > 0 {
			return Decision{Action: ActionUp, Count: n, Reason: "below minimum size"}
		}
	}

	if in.Depth > 0 && (avail == 0 || float64(in.Depth) > float64(avail)*opts.ScaleUpThreshold) {
		n := min(int(math.Ceil(float64(in.Depth)/2)), maxSize-size)
		if n <= 0 {
			return Decision{Action: ActionNone, Reason: "at maximum size"}
		}
		return Decision{
			Action: ActionUp,
			Count:  n,
			Reason: fmt.Sprintf("queue depth %d exceeds available %d", in.Depth, avail),
		}
	}

	if lowLoad(in, opts) {
		if in.IdleFor < opts.ScaleDownDelay {
			return Decision{Action: ActionNone, Reason: "idle, waiting for scale-down delay"}
		}
		n := size - opts.MinSize
		if n <= 0 {
			return Decision{Action: ActionNone, Reason: "at minimum size"}
		}
		return Decision{
			Action: ActionDown,
			Count:  n,
			Reason: fmt.Sprintf("idle for %s", in.IdleFor.Round(time.Second)),
		}
	}

	return Decision{Action: ActionNone, Reason: "within thresholds"}
}

func lowLoad(in Input, opts Options) bool {
	if in.Depth != 0 {
		return false
	}
	if in.Pool.Size == 0 {
		return true
	}
	return float64(in.Pool.Busy)/float64(in.Pool.Size) < opts.ScaleDownThreshold
}

// Scaler periodically resizes the pool against queue depth
type Scaler struct {
	pool  Pool
	depth DepthFunc
	opts  Options
	log   *zap.Logger

	guard *semaphore.Weighted

	mu        sync.Mutex
	idleSince time.Time
	now       func() time.Time
}

// New creates a scaler
func New(pool Pool, depth DepthFunc, opts Options) *Scaler {
	opts.setDefaults()
	return &Scaler{
		pool:  pool,
		depth: depth,
		opts:  opts,
		log:   opts.Logger,
		guard: semaphore.NewWeighted(1),
		now:   time.Now,
	}
}

// SetClock replaces the time source
func (s *Scaler) SetClock(now func() time.Time) {
	s.now = now
}

// Evaluate reads queue depth and pool status, decides, and applies the
// decision. A call made while another is running returns ErrScaleInProgress.
func (s *Scaler) Evaluate(ctx context.Context) (Decision, error) {
	if !s.guard.TryAcquire(1) {
		return Decision{Action: ActionNone}, ErrScaleInProgress
	}
	defer s.guard.Release(1)

	depth, err := s.depth(ctx)
	if err != nil {
		return Decision{Action: ActionNone}, fmt.Errorf("failed to read queue depth: %w", err)
	}

	in := Input{Depth: depth, Pool: s.pool.Status()}
	in.IdleFor = s.trackIdle(in)

	d := Decide(in, s.opts)
	switch d.Action {
	case ActionUp:
		added, err := s.pool.Grow(ctx, d.Count)
		d.Count = added
		s.log.Info("scaled up",
			zap.Int("added", added), zap.Int("depth", depth), zap.String("reason", d.Reason))
		if err != nil {
			return d, fmt.Errorf("scale up: %w", err)
		}
	case ActionDown:
		removed := s.pool.Shrink(ctx, d.Count)
		d.Count = removed
		s.log.Info("scaled down", zap.Int("removed", removed), zap.String("reason", d.Reason))
		s.resetIdle()
	default:
		s.log.Debug("no scaling", zap.Int("depth", depth), zap.String("reason", d.Reason))
	}
	return d, nil
}

func (s *Scaler) trackIdle(in Input) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !lowLoad(in, s.opts) {
		s.idleSince = time.Time{}
		return 0
	}
	if s.idleSince.IsZero() {
		s.idleSince = now
	}
	return now.Sub(s.idleSince)
}

func (s *Scaler) resetIdle() {
	s.mu.Lock()
	s.idleSince = time.Time{}
	s.mu.Unlock()
}
