package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserbase-orchestrator/internal/api"
	"github.com/shehryarbajwa/browserbase-orchestrator/internal/browser"
	"github.com/shehryarbajwa/browserbase-orchestrator/internal/config"
	"github.com/shehryarbajwa/browserbase-orchestrator/internal/logger"
	"github.com/shehryarbajwa/browserbase-orchestrator/internal/orchestrator"
	"github.com/shehryarbajwa/browserbase-orchestrator/internal/proxy"
	"github.com/shehryarbajwa/browserbase-orchestrator/internal/ratelimit"
	"github.com/shehryarbajwa/browserbase-orchestrator/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator and its HTTP API",
	Example: `  orchestrator serve
  orchestrator serve --config orchestrator.yaml
  ORCH_DRIVER_PROVISIONER=static ORCH_DRIVER_ENDPOINTS=http://localhost:8787 orchestrator serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Log.Level = "debug"
	}

	log := logger.New(&cfg.Log)
	defer log.Sync()

	log.Info("starting orchestrator", zap.String("version", Version))

	// Startup work (image pulls, redis ping) gets its own deadline
	startCtx, cancelStart := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancelStart()

	kv, closeKV, err := openStorage(startCtx, cfg.Storage)
	if err != nil {
		return err
	}
	defer closeKV()
	log.Info("storage ready", zap.String("backend", cfg.Storage.Backend))

	provisioner, closeProvisioner, err := openProvisioner(startCtx, cfg.Driver, log)
	if err != nil {
		return err
	}
	defer closeProvisioner()
	log.Info("provisioner ready", zap.String("provisioner", cfg.Driver.Provisioner))

	orch := orchestrator.New(provisioner, kv, orchestrator.Options{
		MinSize:              cfg.Pool.MinSize,
		MaxSize:              cfg.Pool.MaxSize,
		InitialSize:          cfg.Pool.InitialSize,
		AllowPartial:         cfg.Pool.AllowPartial,
		DispatchInterval:     cfg.Dispatch.Interval,
		ScaleInterval:        cfg.Scaler.Interval,
		HealthInterval:       cfg.Pool.HealthCheckInterval,
		HealthTimeout:        cfg.Pool.HealthCheckTimeout,
		GCInterval:           cfg.Session.GCInterval,
		ScalerEnabled:        cfg.Scaler.Enabled,
		ScaleUpThreshold:     cfg.Scaler.ScaleUpThreshold,
		ScaleDownThreshold:   cfg.Scaler.ScaleDownThreshold,
		ScaleDownDelay:       cfg.Scaler.ScaleDownDelay,
		DefaultMaxIterations: cfg.Dispatch.DefaultMaxIterations,
		DefaultTimeout:       cfg.Dispatch.DefaultTimeout,
		PerCallIterations:    cfg.Dispatch.PerCallIterations,
		PauseTimeout:         cfg.Session.PauseTimeout,
		StateTTL:             cfg.Session.StateTTL,
		CheckpointTTL:        cfg.Session.CheckpointTTL,
		Logger:               log,
	})
	if err := orch.Start(startCtx); err != nil {
		return err
	}
	log.Info("browser pool started", zap.Any("pool", orch.PoolStatus()))

	rateLimiter := ratelimit.NewLimiter(cfg.RateLimit.RequestsPerHour, cfg.RateLimit.Burst)
	stopPrune := make(chan struct{})
	go pruneLimiter(rateLimiter, stopPrune, log)

	router := api.NewHandler(orch, log).SetupRoutes(proxy.NewServer(orch, log), rateLimiter)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
		log.Error("http server failed", zap.Error(err))
	}
	close(stopPrune)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("http server forced to shutdown", zap.Error(err))
	}
	if err := orch.Shutdown(ctx); err != nil {
		log.Warn("orchestrator shutdown incomplete", zap.Error(err))
	}

	log.Info("orchestrator stopped")
	return runErr
}

func openStorage(ctx context.Context, cfg config.StorageConfig) (storage.KV, func(), error) {
	if cfg.Backend != "redis" {
		return storage.NewMemoryKV(), func() {}, nil
	}

	kv, err := storage.NewRedisKV(ctx, storage.RedisOptions{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Prefix:   cfg.Prefix,
	})
	if err != nil {
		return nil, nil, err
	}
	return kv, func() { _ = kv.Close() }, nil
}

func openProvisioner(ctx context.Context, cfg config.DriverConfig, log *zap.Logger) (browser.Provisioner, func(), error) {
	if cfg.Provisioner == "static" {
		return browser.NewStaticProvisioner(cfg.Endpoints, nil), func() {}, nil
	}

	docker, err := browser.NewDockerProvisioner(browser.DockerOptions{
		Image: cfg.Image,
		Port:  cfg.Port,
	}, log)
	if err != nil {
		return nil, nil, err
	}

	log.Info("ensuring driver image", zap.String("image", cfg.Image))
	if err := docker.EnsureImage(ctx); err != nil {
		docker.Close()
		return nil, nil, fmt.Errorf("failed to ensure driver image: %w", err)
	}
	return docker, func() { _ = docker.Close() }, nil
}

// pruneLimiter forgets clients that have been quiet for an hour
func pruneLimiter(l *ratelimit.Limiter, stop <-chan struct{}, log *zap.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n := l.Prune(time.Hour); n > 0 {
				log.Debug("pruned idle rate limit clients", zap.Int("clients", n))
			}
		}
	}
}
