// Package worker claims pending jobs from the store and runs them through
// the matching conversion pipeline, one job at a time per loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/geoconvert/internal/cache"
	"github.com/kiranshivaraju/geoconvert/internal/pipeline"
	"github.com/kiranshivaraju/geoconvert/internal/store"
	"github.com/kiranshivaraju/geoconvert/pkg/models"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// statusWriteTimeout bounds terminal status writes, which run on a context
// detached from shutdown so a finished job is always recorded.
const statusWriteTimeout = 30 * time.Second

// Store is the slice of the job store the worker needs.
type Store interface {
	pipeline.Store
	ClaimNextPending(ctx context.Context, workerID string) (*models.Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	SetJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus, opts ...store.JobUpdateOption) error
	TouchJob(ctx context.Context, id uuid.UUID) error
	ResetStaleJobs(ctx context.Context, workerID string, olderThan *time.Time) (int64, error)
	DeleteJobsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Pipelines runs one job to an outcome. See pipeline.Pipelines.
type Pipelines interface {
	RunPointCloud(ctx context.Context, job *models.Job) error
	RunOrtho(ctx context.Context, job *models.Job) error
}

// StatusCache receives terminal job snapshots. Optional.
type StatusCache interface {
	SetJobStatus(ctx context.Context, snap cache.JobSnapshot, ttl time.Duration) error
}

type Config struct {
	// ID is recorded as claimed_by; all loops of one process share it.
	ID            string
	Concurrency   int
	PollInterval  time.Duration
	Retention     time.Duration
	// StaleJobAge is how long a processing job may go without an update
	// before any worker requeues it. Zero disables the age check.
	StaleJobAge time.Duration
	// HeartbeatInterval is how often a running job's updated_at is refreshed.
	HeartbeatInterval time.Duration
	SweepSchedule     string
	StatusTTL         time.Duration
}

type Worker struct {
	store     Store
	pipelines Pipelines
	cache     StatusCache
	cfg       Config
	now       func() time.Time
}

func New(s Store, p Pipelines, c StatusCache, cfg Config) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = time.Hour
	}
	return &Worker{store: s, pipelines: p, cache: c, cfg: cfg, now: time.Now}
}

// Run requeues this worker's interrupted jobs, starts the retention sweep and
// runs the claim loops until ctx is done. Job failures never end Run.
func (w *Worker) Run(ctx context.Context) error {
	w.resetStale(ctx)

	sweeper := cron.New()
	if _, err := sweeper.AddFunc(w.cfg.SweepSchedule, func() { w.Sweep(ctx) }); err != nil {
		return fmt.Errorf("schedule retention sweep %q: %w", w.cfg.SweepSchedule, err)
	}
	if w.cfg.StaleJobAge > 0 {
		every := "@every " + (w.cfg.StaleJobAge / 2).String()
		if _, err := sweeper.AddFunc(every, func() { w.RequeueIdle(ctx) }); err != nil {
			return fmt.Errorf("schedule idle job requeue: %w", err)
		}
	}
	w.Sweep(ctx)
	sweeper.Start()
	defer func() { <-sweeper.Stop().Done() }()

	slog.Info("worker started",
		"worker_id", w.cfg.ID,
		"loops", w.cfg.Concurrency,
		"poll_interval", w.cfg.PollInterval.String())

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			w.loop(gctx, i)
			return nil
		})
	}
	err := g.Wait()
	slog.Info("worker stopped", "worker_id", w.cfg.ID)
	return err
}

func (w *Worker) loop(ctx context.Context, n int) {
	log := slog.With("worker_id", w.cfg.ID, "loop", n)
	for {
		if ctx.Err() != nil {
			return
		}
		claimed, err := w.ProcessNext(ctx)
		if err != nil && ctx.Err() == nil {
			log.Error("claim failed", "error", err)
		}
		if claimed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// ProcessNext claims one pending job and runs it to a terminal status. It
// reports whether a job was claimed. Only claim errors are returned.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextPending(ctx, w.cfg.ID)
	if errors.Is(err, store.ErrNoPendingJobs) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	log := slog.With("job_id", job.ID, "project_id", job.ProjectID, "type", job.Type)
	log.Info("job claimed", "worker_id", w.cfg.ID)
	start := w.now()

	stopHeartbeat := w.heartbeat(ctx, job.ID)
	runErr := w.dispatch(ctx, job)
	stopHeartbeat()
	if ctx.Err() != nil && (errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded)) {
		// Left in processing; ResetStaleJobs requeues it on the next start.
		log.Warn("job interrupted by shutdown")
		return true, nil
	}

	w.finish(ctx, job, runErr)
	log.Info("job finished", "duration_ms", w.now().Sub(start).Milliseconds())
	return true, nil
}

// heartbeat refreshes the job's updated_at until the returned stop func is
// called, so an age-based reset never requeues a job that is still running.
func (w *Worker) heartbeat(ctx context.Context, id uuid.UUID) (stop func()) {
	if w.cfg.HeartbeatInterval <= 0 {
		return func() {}
	}
	hctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(w.cfg.HeartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-t.C:
				if err := w.store.TouchJob(hctx, id); err != nil && hctx.Err() == nil {
					slog.Warn("job heartbeat failed", "job_id", id, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// dispatch selects the pipeline for the job type and converts panics into
// failures so one bad job cannot stop the loop.
func (w *Worker) dispatch(ctx context.Context, job *models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("pipeline panicked", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	switch job.Type {
	case models.JobTypePointCloud:
		return w.pipelines.RunPointCloud(ctx, job)
	case models.JobTypeOrtho:
		return w.pipelines.RunOrtho(ctx, job)
	default:
		return &pipeline.StageError{Stage: "dispatch", Kind: pipeline.KindValidation, Err: fmt.Errorf("unsupported job type %q", job.Type)}
	}
}

// finish records the job's terminal status and mirrors it to the cache.
func (w *Worker) finish(ctx context.Context, job *models.Job, runErr error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()
	log := slog.With("job_id", job.ID)

	var status models.JobStatus
	var opts []store.JobUpdateOption
	switch {
	case runErr == nil:
		status = models.JobStatusCompleted
		opts = append(opts, store.WithProgress("completed", "Processing completed"))
	case errors.Is(runErr, pipeline.ErrCancelled):
		status = models.JobStatusCancelled
		opts = append(opts, store.WithProgress("cancelled", "Job cancelled by user"))
	default:
		status = models.JobStatusFailed
		msg := pipeline.PublicMessage(runErr)
		opts = append(opts, store.WithErrorMessage(msg), store.WithProgress("failed", "Processing failed"))
		log.Error("job failed", "error", runErr, "error_message", msg)
	}

	err := w.store.SetJobStatus(wctx, job.ID, status, opts...)
	switch {
	case errors.Is(err, store.ErrInvalidTransition):
		log.Warn("job already terminal, status not changed", "wanted", status)
	case err != nil:
		log.Error("record job status failed", "status", status, "error", err)
		return
	}

	if w.cache == nil {
		return
	}
	final, err := w.store.GetJob(wctx, job.ID)
	if err != nil {
		log.Warn("reload job for cache failed", "error", err)
		return
	}
	if err := w.cache.SetJobStatus(wctx, cache.SnapshotOf(final), w.cfg.StatusTTL); err != nil {
		log.Warn("cache job status failed", "error", err)
	}
}

func (w *Worker) resetStale(ctx context.Context) {
	var olderThan *time.Time
	if w.cfg.StaleJobAge > 0 {
		t := w.now().Add(-w.cfg.StaleJobAge)
		olderThan = &t
	}
	n, err := w.store.ResetStaleJobs(ctx, w.cfg.ID, olderThan)
	if err != nil {
		slog.Error("reset stale jobs failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("requeued interrupted jobs", "count", n)
	}
}

// RequeueIdle returns processing jobs that stopped heartbeating to pending,
// whichever worker claimed them.
func (w *Worker) RequeueIdle(ctx context.Context) {
	if ctx.Err() != nil || w.cfg.StaleJobAge <= 0 {
		return
	}
	cutoff := w.now().Add(-w.cfg.StaleJobAge)
	n, err := w.store.ResetStaleJobs(ctx, "", &cutoff)
	if err != nil {
		slog.Error("requeue idle jobs failed", "error", err)
		return
	}
	if n > 0 {
		slog.Warn("requeued jobs without heartbeat", "count", n, "stale_after", w.cfg.StaleJobAge.String())
	}
}

// Sweep deletes terminal jobs older than the retention window.
func (w *Worker) Sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n, err := w.store.DeleteJobsBefore(ctx, w.now().Add(-w.cfg.Retention))
	if err != nil {
		slog.Error("retention sweep failed", "error", err)
		return
	}
	slog.Info("retention sweep finished", "deleted", n, "retention", w.cfg.Retention.String())
}
