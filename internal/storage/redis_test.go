package storage

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedis connects to ORCH_TEST_REDIS_ADDR under a throwaway prefix
func newTestRedis(t *testing.T) *RedisKV {
	t.Helper()
	addr := os.Getenv("ORCH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ORCH_TEST_REDIS_ADDR not set")
	}

	kv, err := NewRedisKV(context.Background(), RedisOptions{Addr: addr, Prefix: "test-" + uuid.NewString() + ":"})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := kv.List(ctx, "")
		for _, k := range keys {
			_ = kv.Delete(ctx, k)
		}
		kv.Close()
	})
	return kv
}

func TestRedisKV_RoundTrip(t *testing.T) {
	kv := newTestRedis(t)
	ctx := context.Background()

	_, err := kv.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, kv.Put(ctx, "cp/t1/0001", []byte("a")))
	require.NoError(t, kv.Put(ctx, "cp/t1/0002", []byte("b")))
	require.NoError(t, kv.Put(ctx, "cp/t2/0001", []byte("c")))

	v, err := kv.Get(ctx, "cp/t1/0002")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), v)

	keys, err := kv.List(ctx, "cp/t1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"cp/t1/0001", "cp/t1/0002"}, keys)

	require.NoError(t, kv.Delete(ctx, "cp/t1/0001"))
	keys, err = kv.List(ctx, "cp/t1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"cp/t1/0002"}, keys)
}

func TestNewRedisKV_Unreachable(t *testing.T) {
	_, err := NewRedisKV(context.Background(), RedisOptions{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}
