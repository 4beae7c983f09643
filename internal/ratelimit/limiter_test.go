package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllow_BurstThenLimited(t *testing.T) {
	l := NewLimiter(3600, 3)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("key-a"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("key-a"))
	assert.True(t, l.Allow("key-b"), "clients are limited independently")

	now = now.Add(time.Second)
	assert.True(t, l.Allow("key-a"), "one token refills per second at 3600/h")
}

func TestTokens(t *testing.T) {
	l := NewLimiter(100, 10)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	assert.InDelta(t, 10, l.Tokens("k"), 0.01)
	l.Allow("k")
	assert.InDelta(t, 9, l.Tokens("k"), 0.01)
	assert.Equal(t, 100, l.RequestsPerHour())
}

func TestPrune(t *testing.T) {
	l := NewLimiter(100, 10)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.Allow("old")
	now = now.Add(2 * time.Hour)
	l.Allow("new")

	assert.Equal(t, 1, l.Prune(time.Hour))
	assert.Equal(t, 1, l.Clients())
}
