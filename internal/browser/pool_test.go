package browser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/shehryarbajwa/browserbase-orchestrator/pkg/models"
)

func newTestPool(t *testing.T, size, max int) (*Pool, *fakeProvisioner) {
	t.Helper()
	prov := newFakeProvisioner()
	p, err := Create(context.Background(), prov, size, PoolOptions{MaxSize: max, HealthTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	return p, prov
}

func assertCounters(t require.TestingT, p *Pool) {
	st := p.Status()
	var a, b, u int
	for _, inst := range p.Instances() {
		switch inst.Status {
		case models.InstanceAvailable:
			a++
		case models.InstanceBusy:
			b++
		case models.InstanceUnhealthy:
			u++
		}
	}
	require.Equal(t, st.Size, st.Available+st.Busy+st.Unhealthy)
	require.Equal(t, a, st.Available)
	require.Equal(t, b, st.Busy)
	require.Equal(t, u, st.Unhealthy)
}

func TestCreate(t *testing.T) {
	p, _ := newTestPool(t, 3, 5)

	st := p.Status()
	assert.Equal(t, 3, st.Size)
	assert.Equal(t, 5, st.MaxSize)
	assert.Equal(t, 3, st.Available)
	assertCounters(t, p)
}

func TestCreate_CappedAtMax(t *testing.T) {
	p, _ := newTestPool(t, 10, 4)
	assert.Equal(t, 4, p.Status().Size)
}

func TestCreate_PartialFailure(t *testing.T) {
	prov := newFakeProvisioner()
	prov.failEvery = 2

	p, err := Create(context.Background(), prov, 4, PoolOptions{MaxSize: 4, AllowPartial: true})
	require.Error(t, err)
	require.NotNil(t, p)

	var poolErr *PoolError
	require.True(t, errors.As(err, &poolErr))
	assert.Len(t, poolErr.Failed, 2)
	assert.Equal(t, 2, p.Status().Size)
	assertCounters(t, p)
}

func TestCreate_PartialFailureNotAllowed(t *testing.T) {
	prov := newFakeProvisioner()
	prov.failEvery = 2

	p, err := Create(context.Background(), prov, 4, PoolOptions{MaxSize: 4})
	require.Error(t, err)
	assert.Nil(t, p)
	assert.Len(t, prov.destroyed, 2, "started instances are torn down")
}

func TestAcquireRelease(t *testing.T) {
	p, _ := newTestPool(t, 2, 2)
	before := p.Status().Available

	inst, err := p.Acquire("task-1")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceBusy, inst.Status)
	assert.Equal(t, "task-1", inst.CurrentTaskID)
	assert.Equal(t, before-1, p.Status().Available)
	assertCounters(t, p)

	require.NoError(t, p.Release(inst.ID))
	assert.Equal(t, before, p.Status().Available)
	for _, i := range p.Instances() {
		assert.Empty(t, i.CurrentTaskID)
	}
	assertCounters(t, p)
}

func TestAcquire_Exhausted(t *testing.T) {
	p, _ := newTestPool(t, 1, 1)

	_, err := p.Acquire("a")
	require.NoError(t, err)

	_, err = p.Acquire("b")
	var exhausted *PoolExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 1, exhausted.Requested)
	assert.Equal(t, 0, exhausted.Available)
	assert.True(t, IsExhausted(err))
}

func TestRelease_Errors(t *testing.T) {
	p, _ := newTestPool(t, 1, 1)

	var poolErr *PoolError
	err := p.Release("never-acquired")
	require.True(t, errors.As(err, &poolErr))
	assert.Equal(t, "never-acquired", poolErr.InstanceID)

	inst, err := p.Acquire("t")
	require.NoError(t, err)
	require.NoError(t, p.Release(inst.ID))

	err = p.Release(inst.ID)
	require.True(t, errors.As(err, &poolErr), "double release fails")
	assertCounters(t, p)
}

func TestHealthCheck(t *testing.T) {
	p, prov := newTestPool(t, 3, 3)
	insts := p.Instances()

	busy, err := p.Acquire("task")
	require.NoError(t, err)

	prov.driver(insts[1].ID).set(false)
	prov.driver(busy.ID).set(false)

	report, err := p.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
	assert.Equal(t, 2, report.Unhealthy)

	st := p.Status()
	assert.Equal(t, 1, st.Available)
	assert.Equal(t, 0, st.Busy)
	assert.Equal(t, 2, st.Unhealthy)
	assertCounters(t, p)

	// the task holding the now-unhealthy instance still releases it
	require.NoError(t, p.Release(busy.ID))
	assert.Equal(t, 2, p.Status().Unhealthy)

	// recovery
	prov.driver(insts[1].ID).set(true)
	prov.driver(busy.ID).set(true)
	report, err = p.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Recovered)
	assert.Equal(t, 3, p.Status().Available)
	assertCounters(t, p)
}

func TestHealthCheck_TimeoutMarksUnhealthy(t *testing.T) {
	p, prov := newTestPool(t, 1, 1)
	id := p.Instances()[0].ID
	prov.driver(id).delay = time.Second

	_, err := p.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, p.Status().Unhealthy)
}

func TestHealthCheck_CancelledSweepKeepsState(t *testing.T) {
	p, prov := newTestPool(t, 2, 2)
	for _, inst := range p.Instances() {
		prov.driver(inst.ID).set(false)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.HealthCheck(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, p.Status().Available)
}

func TestGrowShrink(t *testing.T) {
	p, prov := newTestPool(t, 1, 5)

	added, err := p.Grow(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 4, added)
	assert.Equal(t, 5, p.Status().Size)

	busy, err := p.Acquire("t")
	require.NoError(t, err)

	insts := p.Instances()
	var sick string
	for _, i := range insts {
		if i.ID != busy.ID {
			sick = i.ID
			break
		}
	}
	require.NoError(t, p.MarkUnhealthy(sick))

	// 3 available, 1 unhealthy, 1 busy: shrinking 4 takes available first, then unhealthy
	removed := p.Shrink(context.Background(), 10)
	assert.Equal(t, 4, removed)

	st := p.Status()
	assert.Equal(t, 1, st.Size)
	assert.Equal(t, 1, st.Busy)
	assert.Len(t, prov.destroyed, 4)
	assertCounters(t, p)

	// arena index stays consistent after compaction
	require.NoError(t, p.Release(busy.ID))
	assert.Equal(t, 1, p.Status().Available)
}

func TestShrink_PrefersAvailable(t *testing.T) {
	p, _ := newTestPool(t, 3, 3)
	sick := p.Instances()[0].ID
	require.NoError(t, p.MarkUnhealthy(sick))

	assert.Equal(t, 1, p.Shrink(context.Background(), 1))

	ids := map[string]bool{}
	for _, i := range p.Instances() {
		ids[i.ID] = true
	}
	assert.True(t, ids[sick], "unhealthy instance kept while available ones exist")
}

func TestClose(t *testing.T) {
	p, prov := newTestPool(t, 3, 3)
	_, err := p.Acquire("t")
	require.NoError(t, err)

	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, 0, p.Status().Size)
	assert.Len(t, prov.destroyed, 3)
}

// TestPoolCountersProperty checks that available+busy+unhealthy always equals
// the number of instances, whatever sequence of operations runs.
func TestPoolCountersProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		prov := newFakeProvisioner()
		max := rapid.IntRange(1, 8).Draw(t, "max")
		p, err := Create(context.Background(), prov, rapid.IntRange(0, max).Draw(t, "initial"), PoolOptions{MaxSize: max})
		if err != nil {
			t.Fatalf("create: %v", err)
		}

		var held []string
		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 5).Draw(t, "op") {
			case 0:
				if inst, err := p.Acquire("task"); err == nil {
					held = append(held, inst.ID)
				}
			case 1:
				if len(held) > 0 {
					j := rapid.IntRange(0, len(held)-1).Draw(t, "release")
					_ = p.Release(held[j])
					held = append(held[:j], held[j+1:]...)
				}
			case 2:
				_, _ = p.Grow(context.Background(), rapid.IntRange(0, 3).Draw(t, "grow"))
			case 3:
				p.Shrink(context.Background(), rapid.IntRange(0, 3).Draw(t, "shrink"))
			case 4:
				insts := p.Instances()
				if len(insts) > 0 {
					_ = p.MarkUnhealthy(insts[rapid.IntRange(0, len(insts)-1).Draw(t, "sick")].ID)
				}
			case 5:
				_ = p.Release("unknown")
			}
			assertCounters(t, p)
			if p.Status().Size > max {
				t.Fatalf("pool size %d exceeds max %d", p.Status().Size, max)
			}
		}
	})
}
