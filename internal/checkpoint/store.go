// Package checkpoint persists per-task progress with expiry on top of a
// storage.KV. Two record kinds live side by side: session-state blobs keyed
// by task id, and CheckpointData snapshots keyed by task id and iteration.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shehryarbajwa/browserbase-orchestrator/internal/storage"
	"github.com/shehryarbajwa/browserbase-orchestrator/pkg/models"
)

const (
	statePrefix      = "state/"
	checkpointPrefix = "checkpoint/"
)

// ErrCorrupt marks a stored record that could not be decoded
var ErrCorrupt = errors.New("corrupt record")

// Options configures retention
type Options struct {
	StateTTL      time.Duration
	CheckpointTTL time.Duration
}

// Store reads and writes expiring records through a KV
type Store struct {
	kv   storage.KV
	opts Options
	now  func() time.Time
}

// envelope wraps session state with its expiry
type envelope struct {
	Value     json.RawMessage `json:"value"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// NewStore creates a checkpoint store over kv
func NewStore(kv storage.KV, opts Options) *Store {
	if opts.StateTTL <= 0 {
		opts.StateTTL = 7 * 24 * time.Hour
	}
	if opts.CheckpointTTL <= 0 {
		opts.CheckpointTTL = 24 * time.Hour
	}
	return &Store{kv: kv, opts: opts, now: time.Now}
}

// SetClock replaces the time source
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// CheckpointID derives the identifier of the checkpoint for a task iteration
func CheckpointID(taskID string, iteration int) string {
	return fmt.Sprintf("%s:%d", taskID, iteration)
}

// PutState serializes v as the session state of taskID, refreshing its expiry
func (s *Store) PutState(ctx context.Context, taskID string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode state for %s: %w", taskID, err)
	}
	data, err := json.Marshal(envelope{Value: raw, ExpiresAt: s.now().Add(s.opts.StateTTL)})
	if err != nil {
		return fmt.Errorf("failed to encode state envelope for %s: %w", taskID, err)
	}
	return s.kv.Put(ctx, statePrefix+taskID, data)
}

// GetState returns the raw state of taskID. ok is false when the record is
// absent or expired.
func (s *Store) GetState(ctx context.Context, taskID string) (raw json.RawMessage, ok bool, err error) {
	data, err := s.kv.Get(ctx, statePrefix+taskID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, false, fmt.Errorf("%w: state envelope for %s: %v", ErrCorrupt, taskID, err)
	}
	if s.expired(env.ExpiresAt) {
		return nil, false, nil
	}
	return env.Value, true, nil
}

// DeleteState removes the session state of taskID
func (s *Store) DeleteState(ctx context.Context, taskID string) error {
	return s.kv.Delete(ctx, statePrefix+taskID)
}

// Save writes d, filling its id and timestamps when unset. Later iterations
// supersede earlier ones without deleting them.
func (s *Store) Save(ctx context.Context, d *models.CheckpointData) error {
	if d.TaskID == "" {
		return errors.New("checkpoint requires a task id")
	}
	now := s.now()
	if d.CheckpointID == "" {
		d.CheckpointID = CheckpointID(d.TaskID, d.Iteration)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.ExpiresAt.IsZero() {
		d.ExpiresAt = now.Add(s.opts.CheckpointTTL)
	}

	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint %s: %w", d.CheckpointID, err)
	}
	return s.kv.Put(ctx, checkpointPrefix+d.CheckpointID, data)
}

// Load returns the checkpoint with the given id, or nil once it is absent or expired
func (s *Store) Load(ctx context.Context, checkpointID string) (*models.CheckpointData, error) {
	data, err := s.kv.Get(ctx, checkpointPrefix+checkpointID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var d models.CheckpointData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: checkpoint %s: %v", ErrCorrupt, checkpointID, err)
	}
	if s.expired(d.ExpiresAt) {
		return nil, nil
	}
	return &d, nil
}

// Latest returns the unexpired checkpoint with the highest iteration for taskID
func (s *Store) Latest(ctx context.Context, taskID string) (*models.CheckpointData, error) {
	keys, err := s.kv.List(ctx, checkpointPrefix+taskID+":")
	if err != nil {
		return nil, err
	}

	var latest *models.CheckpointData
	for _, key := range keys {
		d, err := s.Load(ctx, strings.TrimPrefix(key, checkpointPrefix))
		if err != nil || d == nil || d.TaskID != taskID {
			continue
		}
		if latest == nil || d.Iteration > latest.Iteration {
			latest = d
		}
	}
	return latest, nil
}

// GC deletes every expired checkpoint and session-state record and returns
// how many were removed. Running it on a clean store removes nothing.
func (s *Store) GC(ctx context.Context) (int, error) {
	removed := 0

	keys, err := s.kv.List(ctx, checkpointPrefix)
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		data, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var d models.CheckpointData
		if json.Unmarshal(data, &d) != nil || !s.expired(d.ExpiresAt) {
			continue
		}
		if err := s.kv.Delete(ctx, key); err != nil {
			return removed, err
		}
		removed++
	}

	keys, err = s.kv.List(ctx, statePrefix)
	if err != nil {
		return removed, err
	}
	for _, key := range keys {
		data, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var env envelope
		if json.Unmarshal(data, &env) != nil || !s.expired(env.ExpiresAt) {
			continue
		}
		if err := s.kv.Delete(ctx, key); err != nil {
			return removed, err
		}
		removed++
	}

	return removed, nil
}

func (s *Store) expired(at time.Time) bool {
	return !at.IsZero() && s.now().After(at)
}
