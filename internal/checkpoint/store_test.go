package checkpoint

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browserbase-orchestrator/internal/storage"
	"github.com/shehryarbajwa/browserbase-orchestrator/pkg/models"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(t *testing.T) (*Store, *storage.MemoryKV, *fakeClock) {
	t.Helper()
	kv := storage.NewMemoryKV()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := NewStore(kv, Options{StateTTL: time.Hour, CheckpointTTL: 10 * time.Minute})
	s.SetClock(clock.Now)
	return s, kv, clock
}

func TestCheckpointID(t *testing.T) {
	assert.Equal(t, "task-1:3", CheckpointID("task-1", 3))
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _, clock := newTestStore(t)

	d := &models.CheckpointData{
		CheckpointID: CheckpointID("task-1", 2),
		TaskID:       "task-1",
		Iteration:    2,
		URL:          "https://example.com/cart",
		PageState:    `{"items":3}`,
		CreatedAt:    clock.Now(),
		ExpiresAt:    clock.Now().Add(5 * time.Minute),
	}
	require.NoError(t, s.Save(ctx, d))

	got, err := s.Load(ctx, d.CheckpointID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, d.CheckpointID, got.CheckpointID)
	assert.Equal(t, d.TaskID, got.TaskID)
	assert.Equal(t, d.Iteration, got.Iteration)
	assert.Equal(t, d.URL, got.URL)
	assert.Equal(t, d.PageState, got.PageState)
	assert.True(t, d.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, d.ExpiresAt.Equal(got.ExpiresAt))
}

func TestStore_SaveFillsDefaults(t *testing.T) {
	ctx := context.Background()
	s, _, clock := newTestStore(t)

	d := &models.CheckpointData{TaskID: "task-9", Iteration: 1}
	require.NoError(t, s.Save(ctx, d))

	assert.Equal(t, "task-9:1", d.CheckpointID)
	assert.True(t, d.CreatedAt.Equal(clock.Now()))
	assert.True(t, d.ExpiresAt.Equal(clock.Now().Add(10*time.Minute)))

	assert.Error(t, s.Save(ctx, &models.CheckpointData{Iteration: 1}))
}

func TestStore_LoadAfterExpiry(t *testing.T) {
	ctx := context.Background()
	s, _, clock := newTestStore(t)

	require.NoError(t, s.Save(ctx, &models.CheckpointData{TaskID: "t", Iteration: 1}))
	clock.Advance(10*time.Minute + time.Second)

	got, err := s.Load(ctx, "t:1")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = s.Load(ctx, "never:1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_Latest(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	for _, it := range []int{1, 10, 2} {
		require.NoError(t, s.Save(ctx, &models.CheckpointData{TaskID: "task", Iteration: it}))
	}
	// a task whose id shares a prefix must not leak in
	require.NoError(t, s.Save(ctx, &models.CheckpointData{TaskID: "task-2", Iteration: 99}))

	latest, err := s.Latest(ctx, "task")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 10, latest.Iteration)

	none, err := s.Latest(ctx, "other")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestStore_GCRemovesOnlyExpired(t *testing.T) {
	ctx := context.Background()
	s, kv, clock := newTestStore(t)

	require.NoError(t, s.Save(ctx, &models.CheckpointData{TaskID: "old", Iteration: 1}))
	require.NoError(t, s.Save(ctx, &models.CheckpointData{
		TaskID: "fresh", Iteration: 1, ExpiresAt: clock.Now().Add(time.Hour),
	}))
	require.NoError(t, s.PutState(ctx, "fresh", map[string]int{"iteration": 1}))

	clock.Advance(11 * time.Minute)

	removed, err := s.GC(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, kv.Len())

	got, err := s.Load(ctx, "fresh:1")
	require.NoError(t, err)
	assert.NotNil(t, got)

	// idempotent on a clean store
	removed, err = s.GC(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
	assert.Equal(t, 2, kv.Len())
}

func TestStore_StateExpiry(t *testing.T) {
	ctx := context.Background()
	s, kv, clock := newTestStore(t)

	require.NoError(t, s.PutState(ctx, "task", map[string]any{"taskId": "task"}))

	raw, ok, err := s.GetState(ctx, "task")
	require.NoError(t, err)
	require.True(t, ok)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "task", m["taskId"])

	clock.Advance(2 * time.Hour)
	_, ok, err = s.GetState(ctx, "task")
	require.NoError(t, err)
	assert.False(t, ok)

	removed, err := s.GC(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, kv.Len())
}

func TestStore_CorruptStateEnvelope(t *testing.T) {
	ctx := context.Background()
	s, kv, _ := newTestStore(t)

	require.NoError(t, kv.Put(ctx, "state/broken", []byte("{not json")))
	_, ok, err := s.GetState(ctx, "broken")
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.False(t, ok)
}
