package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/shehryarbajwa/browserbase-orchestrator/internal/logger"
)

// Config is the full orchestrator configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Pool      PoolConfig      `yaml:"pool"`
	Scaler    ScalerConfig    `yaml:"scaler"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Session   SessionConfig   `yaml:"session"`
	Storage   StorageConfig   `yaml:"storage"`
	Driver    DriverConfig    `yaml:"driver"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Log       logger.Config   `yaml:"log"`
}

// ServerConfig configures the HTTP adapter
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// PoolConfig bounds the browser pool
type PoolConfig struct {
	MinSize             int           `yaml:"min_size"`
	MaxSize             int           `yaml:"max_size"`
	InitialSize         int           `yaml:"initial_size"`
	AllowPartial        bool          `yaml:"allow_partial"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	HealthCheckTimeout  time.Duration `yaml:"health_check_timeout"`
}

// ScalerConfig tunes the auto-scaler
type ScalerConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Interval           time.Duration `yaml:"interval"`
	ScaleUpThreshold   float64       `yaml:"scale_up_threshold"`
	ScaleDownThreshold float64       `yaml:"scale_down_threshold"`
	ScaleDownDelay     time.Duration `yaml:"scale_down_delay"`
}

// DispatchConfig tunes the dispatch loop
type DispatchConfig struct {
	Interval             time.Duration `yaml:"interval"`
	DefaultTimeout       time.Duration `yaml:"default_timeout"`
	DefaultMaxIterations int           `yaml:"default_max_iterations"`
	PerCallIterations    int           `yaml:"per_call_iterations"`
}

// SessionConfig tunes pause handling and checkpoint retention
type SessionConfig struct {
	PauseTimeout  time.Duration `yaml:"pause_timeout"`
	StateTTL      time.Duration `yaml:"state_ttl"`
	CheckpointTTL time.Duration `yaml:"checkpoint_ttl"`
	GCInterval    time.Duration `yaml:"gc_interval"`
}

// StorageConfig selects the checkpoint persistence backend
type StorageConfig struct {
	Backend       string `yaml:"backend"` // memory, redis
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	Prefix        string `yaml:"prefix"`
}

// DriverConfig selects how driver sessions are provisioned
type DriverConfig struct {
	Provisioner string   `yaml:"provisioner"` // docker, static
	Image       string   `yaml:"image"`
	Port        string   `yaml:"port"`
	Endpoints   []string `yaml:"endpoints"`
}

// RateLimitConfig limits API calls per client
type RateLimitConfig struct {
	RequestsPerHour int `yaml:"requests_per_hour"`
	Burst           int `yaml:"burst"`
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Pool: PoolConfig{
			MinSize:             1,
			MaxSize:             5,
			InitialSize:         2,
			AllowPartial:        true,
			HealthCheckInterval: 30 * time.Second,
			HealthCheckTimeout:  5 * time.Second,
		},
		Scaler: ScalerConfig{
			Enabled:            true,
			Interval:           10 * time.Second,
			ScaleUpThreshold:   2,
			ScaleDownThreshold: 0.5,
			ScaleDownDelay:     5 * time.Minute,
		},
		Dispatch: DispatchConfig{
			Interval:             2 * time.Second,
			DefaultTimeout:       5 * time.Minute,
			DefaultMaxIterations: 10,
			PerCallIterations:    1,
		},
		Session: SessionConfig{
			PauseTimeout:  time.Hour,
			StateTTL:      7 * 24 * time.Hour,
			CheckpointTTL: 24 * time.Hour,
			GCInterval:    time.Minute,
		},
		Storage: StorageConfig{
			Backend:   "memory",
			RedisAddr: "localhost:6379",
			Prefix:    "orchestrator:",
		},
		Driver: DriverConfig{
			Provisioner: "docker",
			Image:       "browser-driver:latest",
			Port:        "8787",
		},
		RateLimit: RateLimitConfig{
			RequestsPerHour: 100,
			Burst:           10,
		},
		Log: logger.Config{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if any),
// then .env, then ORCH_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// A missing .env is normal outside development
	_ = godotenv.Load()

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the bounds the pool and scaler rely on
func (c *Config) Validate() error {
	var errs []error
	if c.Pool.MinSize < 0 {
		errs = append(errs, errors.New("pool.min_size must not be negative"))
	}
	if c.Pool.MaxSize < 1 {
		errs = append(errs, errors.New("pool.max_size must be at least 1"))
	}
	if c.Pool.MinSize > c.Pool.MaxSize {
		errs = append(errs, errors.New("pool.min_size must not exceed pool.max_size"))
	}
	if c.Pool.InitialSize < c.Pool.MinSize || c.Pool.InitialSize > c.Pool.MaxSize {
		errs = append(errs, errors.New("pool.initial_size must be within [min_size, max_size]"))
	}
	if c.Scaler.ScaleUpThreshold <= 0 {
		errs = append(errs, errors.New("scaler.scale_up_threshold must be positive"))
	}
	if c.Scaler.ScaleDownThreshold <= 0 || c.Scaler.ScaleDownThreshold > 1 {
		errs = append(errs, errors.New("scaler.scale_down_threshold must be in (0, 1]"))
	}
	if c.Dispatch.DefaultMaxIterations < 1 {
		errs = append(errs, errors.New("dispatch.default_max_iterations must be at least 1"))
	}
	if c.Session.PauseTimeout <= 0 {
		errs = append(errs, errors.New("session.pause_timeout must be positive"))
	}
	switch c.Storage.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}
	switch c.Driver.Provisioner {
	case "docker":
	case "static":
		if len(c.Driver.Endpoints) == 0 {
			errs = append(errs, errors.New("driver.endpoints is required for the static provisioner"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown driver provisioner %q", c.Driver.Provisioner))
	}
	return errors.Join(errs...)
}

func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("ORCH_HTTP_ADDR", &cfg.Server.Addr)
	num("ORCH_POOL_MIN", &cfg.Pool.MinSize)
	num("ORCH_POOL_MAX", &cfg.Pool.MaxSize)
	num("ORCH_POOL_INITIAL", &cfg.Pool.InitialSize)
	dur("ORCH_HEALTH_INTERVAL", &cfg.Pool.HealthCheckInterval)
	dur("ORCH_DISPATCH_INTERVAL", &cfg.Dispatch.Interval)
	dur("ORCH_DRIVER_TIMEOUT", &cfg.Dispatch.DefaultTimeout)
	num("ORCH_MAX_ITERATIONS", &cfg.Dispatch.DefaultMaxIterations)
	dur("ORCH_PAUSE_TIMEOUT", &cfg.Session.PauseTimeout)
	str("ORCH_STORAGE_BACKEND", &cfg.Storage.Backend)
	str("ORCH_REDIS_ADDR", &cfg.Storage.RedisAddr)
	str("ORCH_REDIS_PASSWORD", &cfg.Storage.RedisPassword)
	num("ORCH_REDIS_DB", &cfg.Storage.RedisDB)
	str("ORCH_DRIVER_PROVISIONER", &cfg.Driver.Provisioner)
	str("ORCH_DRIVER_IMAGE", &cfg.Driver.Image)
	if v := os.Getenv("ORCH_DRIVER_ENDPOINTS"); v != "" {
		cfg.Driver.Endpoints = nil
		for _, ep := range strings.Split(v, ",") {
			if ep = strings.TrimSpace(ep); ep != "" {
				cfg.Driver.Endpoints = append(cfg.Driver.Endpoints, ep)
			}
		}
	}
	num("ORCH_RATE_LIMIT_PER_HOUR", &cfg.RateLimit.RequestsPerHour)
	str("ORCH_LOG_LEVEL", &cfg.Log.Level)
	str("ORCH_LOG_FORMAT", &cfg.Log.Format)

	return errors.Join(errs...)
}
