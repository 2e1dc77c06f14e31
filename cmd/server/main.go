// Package main is the entrypoint for the geoconvert API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/geoconvert/internal/api"
	"github.com/kiranshivaraju/geoconvert/internal/api/handler"
	mw "github.com/kiranshivaraju/geoconvert/internal/api/middleware"
	"github.com/kiranshivaraju/geoconvert/internal/api/response"
	"github.com/kiranshivaraju/geoconvert/internal/artifact"
	"github.com/kiranshivaraju/geoconvert/internal/cache"
	"github.com/kiranshivaraju/geoconvert/internal/config"
	"github.com/kiranshivaraju/geoconvert/internal/store"
	"github.com/kiranshivaraju/geoconvert/pkg/models"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 30 * time.Second
	statusCacheTTL  = time.Hour
)

var logLevel = new(slog.LevelVar)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, failing fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logLevel.Set(cfg.Server.LogLevel)
	slog.Info("config loaded", "env", cfg.Server.Env, "artifact_backend", cfg.Storage.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database, "geoconvert-api")
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Open artifact storage
	artifacts, err := artifact.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open artifact storage: %w", err)
	}
	defer artifacts.Close()
	slog.Info("artifact storage ready", "backend", cfg.Storage.Backend, "public_base_url", cfg.Storage.PublicBaseURL)

	// 6. Create store
	pgStore := store.NewPostgresStore(pool)

	// 7. Build router with dependencies
	deps := api.Dependencies{
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMinute),
		Files:     artifact.FileServer(artifacts),

		HealthHandler: healthHandler(pgStore, redisCache),
		StatsHandler:  handler.NewStatsHandler(pgStore, redisCache, cfg.Server.StatsCacheTTL),

		ListProjects:        handler.NewListProjectsHandler(pgStore),
		CreateProject:       handler.NewCreateProjectHandler(pgStore),
		GetProject:          handler.NewGetProjectHandler(pgStore),
		UpdateProject:       handler.NewUpdateProjectHandler(pgStore),
		DeleteProject:       handler.NewDeleteProjectHandler(pgStore, artifacts),
		BatchDeleteProjects: handler.NewBatchDeleteProjectsHandler(pgStore, artifacts),

		UploadPointCloud:  handler.NewUploadHandler(models.JobTypePointCloud, pgStore, artifacts, cfg.Server.MaxUploadBytes),
		UploadOrtho:       handler.NewUploadHandler(models.JobTypeOrtho, pgStore, artifacts, cfg.Server.MaxUploadBytes),
		ListProjectJobs:   handler.NewListProjectJobsHandler(pgStore),
		CancelProjectJobs: handler.NewCancelProjectJobsHandler(pgStore),

		GetJob:    handler.NewGetJobHandler(pgStore),
		JobStatus: handler.NewJobStatusHandler(pgStore, redisCache, statusCacheTTL),
		CancelJob: handler.NewCancelJobHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return serve(ctx, srv)
}

// serve runs srv until ctx is cancelled, then drains connections.
func serve(ctx context.Context, srv *http.Server) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		slog.Info("server stopped gracefully")
		return nil
	})

	return g.Wait()
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database and cache connectivity.
func healthHandler(db, c pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
			slog.Warn("health check: database unreachable", "error", err)
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
			slog.Warn("health check: cache unreachable", "error", err)
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
