// Package main is the entrypoint for the geoconvert conversion worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/geoconvert/internal/artifact"
	"github.com/kiranshivaraju/geoconvert/internal/cache"
	"github.com/kiranshivaraju/geoconvert/internal/config"
	"github.com/kiranshivaraju/geoconvert/internal/pipeline"
	"github.com/kiranshivaraju/geoconvert/internal/store"
	"github.com/kiranshivaraju/geoconvert/internal/toolbridge"
	"github.com/kiranshivaraju/geoconvert/internal/worker"
)

const statusCacheTTL = time.Hour

var logLevel = new(slog.LevelVar)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logLevel.Set(cfg.Server.LogLevel)
	slog.Info("config loaded",
		"worker_id", cfg.Worker.ID,
		"concurrency", cfg.Worker.Concurrency,
		"artifact_backend", cfg.Storage.Backend,
		"work_dir", cfg.Worker.WorkDir,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database, "geoconvert-worker")
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database ready")

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()
	if err := redisCache.Ping(ctx); err != nil {
		// Status snapshots are an optimisation; the database stays authoritative.
		slog.Warn("redis unavailable, status cache disabled until it recovers", "error", err)
	}

	artifacts, err := artifact.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open artifact storage: %w", err)
	}
	defer artifacts.Close()

	if err := os.MkdirAll(cfg.Worker.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}

	pgStore := store.NewPostgresStore(pool)
	pipelines := newPipelines(cfg, pgStore, artifacts)

	w := worker.New(pgStore, pipelines, redisCache, workerConfig(cfg))

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("worker: %w", err)
	}
	return nil
}

func workerConfig(cfg *config.Config) worker.Config {
	return worker.Config{
		ID:                cfg.Worker.ID,
		Concurrency:       cfg.Worker.Concurrency,
		PollInterval:      cfg.Worker.PollInterval,
		Retention:         cfg.Worker.Retention,
		StaleJobAge:       cfg.Worker.StaleJobAge,
		HeartbeatInterval: cfg.Worker.Heartbeat,
		SweepSchedule:     cfg.Worker.SweepSchedule,
		StatusTTL:         statusCacheTTL,
	}
}

// newPipelines wires the conversion tools into both pipelines.
func newPipelines(cfg *config.Config, s pipeline.Store, a artifact.Store) *pipeline.Pipelines {
	runner := toolbridge.NewExecRunner()
	t := cfg.Tools

	return pipeline.New(pipeline.Deps{
		Store:     s,
		Artifacts: a,
		PDAL:      toolbridge.NewPDAL(runner, t.PDALPath, t.PDALInfoTimeout, t.DensityTimeout),
		Potree:    toolbridge.NewPotree(runner, t.PotreePath, t.PotreeTimeout),
		GDAL: toolbridge.NewGDAL(runner, toolbridge.GDALOptions{
			InfoPath:         t.GDALInfoPath,
			TranslatePath:    t.GDALTranslatePath,
			ValidateTimeout:  t.ValidateTimeout,
			COGTimeout:       t.COGTimeout,
			ThumbnailTimeout: t.ThumbnailTimeout,
		}),
	}, pipeline.Config{
		WorkDir:       cfg.Worker.WorkDir,
		ThumbnailSize: t.ThumbnailSize,
	})
}
