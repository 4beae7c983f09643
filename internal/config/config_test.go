package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestrator.yaml")
	yml := `
pool:
  min_size: 2
  max_size: 8
  initial_size: 3
scaler:
  scale_down_delay: 90s
driver:
  provisioner: static
  endpoints:
    - http://10.0.0.1:8787
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0644))

	t.Setenv("ORCH_POOL_MAX", "9")
	t.Setenv("ORCH_STORAGE_BACKEND", "redis")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Pool.MinSize)
	assert.Equal(t, 9, cfg.Pool.MaxSize)
	assert.Equal(t, 3, cfg.Pool.InitialSize)
	assert.Equal(t, 90*time.Second, cfg.Scaler.ScaleDownDelay)
	assert.Equal(t, "redis", cfg.Storage.Backend)
	assert.Equal(t, []string{"http://10.0.0.1:8787"}, cfg.Driver.Endpoints)
	// untouched defaults survive
	assert.Equal(t, 5*time.Minute, cfg.Dispatch.DefaultTimeout)
}

func TestLoad_EndpointsFromEnv(t *testing.T) {
	t.Setenv("ORCH_DRIVER_PROVISIONER", "static")
	t.Setenv("ORCH_DRIVER_ENDPOINTS", "http://a:1, http://b:2,")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"http://a:1", "http://b:2"}, cfg.Driver.Endpoints)
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("ORCH_POOL_MAX", "lots")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ORCH_POOL_MAX")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"min above max", func(c *Config) { c.Pool.MinSize = 6 }, "min_size must not exceed"},
		{"initial out of range", func(c *Config) { c.Pool.InitialSize = 10 }, "initial_size"},
		{"bad backend", func(c *Config) { c.Storage.Backend = "etcd" }, "unknown storage backend"},
		{"static without endpoints", func(c *Config) { c.Driver.Provisioner = "static" }, "driver.endpoints"},
		{"zero pause timeout", func(c *Config) { c.Session.PauseTimeout = 0 }, "pause_timeout"},
		{"scale down threshold", func(c *Config) { c.Scaler.ScaleDownThreshold = 1.5 }, "scale_down_threshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
