package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/geoconvert/internal/api/response"
	"github.com/kiranshivaraju/geoconvert/internal/cache"
	"github.com/kiranshivaraju/geoconvert/internal/store"
	"github.com/kiranshivaraju/geoconvert/pkg/models"
)

type JobGetter interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

// JobStatusCache mirrors terminal job states so status polls can skip the database.
type JobStatusCache interface {
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (*cache.JobSnapshot, bool, error)
	SetJobStatus(ctx context.Context, snap cache.JobSnapshot, ttl time.Duration) error
}

type ProjectJobLister interface {
	GetProject(ctx context.Context, id string) (*models.Project, error)
	ListJobsByProject(ctx context.Context, projectID string) ([]*models.Job, error)
}

type JobCanceller interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	RequestCancel(ctx context.Context, id uuid.UUID) (bool, error)
}

type ProjectJobCanceller interface {
	ProjectJobLister
	CancelProjectJobs(ctx context.Context, projectID string) ([]uuid.UUID, error)
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(s JobGetter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		job, err := s.GetJob(r.Context(), id)
		if err != nil {
			writeJobError(w, id, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewJobStatusHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/status.
// Terminal states are served from the cache when present and written back to
// it on a miss. Cache failures only cost the shortcut.
func NewJobStatusHandler(s JobGetter, c JobStatusCache, ttl time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}

		snap, found, err := c.GetJobStatus(r.Context(), id)
		if err != nil {
			slog.Warn("job status cache read failed", "job_id", id, "error", err)
		}
		if found {
			response.JSON(w, snap)
			return
		}

		job, err := s.GetJob(r.Context(), id)
		if err != nil {
			writeJobError(w, id, err)
			return
		}
		fresh := cache.SnapshotOf(job)
		if job.Status.IsTerminal() {
			if err := c.SetJobStatus(r.Context(), fresh, ttl); err != nil {
				slog.Warn("job status cache write failed", "job_id", id, "error", err)
			}
		}
		response.JSON(w, fresh)
	}
}

// NewListProjectJobsHandler returns an http.HandlerFunc for GET /api/v1/projects/{projectID}/jobs.
func NewListProjectJobsHandler(s ProjectJobLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "projectID")
		if _, err := s.GetProject(r.Context(), projectID); err != nil {
			writeProjectError(w, projectID, err)
			return
		}

		jobs, err := s.ListJobsByProject(r.Context(), projectID)
		if err != nil {
			slog.Error("list project jobs failed", "project_id", projectID, "error", err)
			response.Internal(w)
			return
		}
		if jobs == nil {
			jobs = []*models.Job{}
		}
		response.Collection(w, jobs, response.NewPaginationMeta(len(jobs), 0, len(jobs)))
	}
}

type cancelJobResponse struct {
	JobID           uuid.UUID        `json:"job_id"`
	Status          models.JobStatus `json:"status"`
	CancelRequested bool             `json:"cancel_requested"`
}

// NewCancelJobHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/cancel.
// The request only raises the job's cancellation flag; the worker stops at
// its next stage boundary.
func NewCancelJobHandler(s JobCanceller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}

		flagged, err := s.RequestCancel(r.Context(), id)
		if err != nil {
			writeJobError(w, id, err)
			return
		}

		job, err := s.GetJob(r.Context(), id)
		if err != nil {
			writeJobError(w, id, err)
			return
		}
		if !flagged {
			msg := "Cannot cancel " + string(job.Status) + " job"
			if job.Status == models.JobStatusCancelled {
				msg = "Job already cancelled"
			}
			response.Error(w, http.StatusConflict, response.CodeJobNotCancellable, msg, map[string]string{
				"status": string(job.Status),
			})
			return
		}

		slog.Info("job cancellation requested", "job_id", id, "status", job.Status)
		response.Accepted(w, cancelJobResponse{JobID: id, Status: job.Status, CancelRequested: true})
	}
}

type cancelProjectJobsResponse struct {
	ProjectID      string      `json:"project_id"`
	CancelledJobs  []uuid.UUID `json:"cancelled_jobs"`
	CancelledCount int         `json:"cancelled_count"`
	SkippedCount   int         `json:"skipped_count"`
}

// NewCancelProjectJobsHandler returns an http.HandlerFunc for
// POST /api/v1/projects/{projectID}/jobs/cancel. Jobs that are already
// terminal or already flagged are counted as skipped.
func NewCancelProjectJobsHandler(s ProjectJobCanceller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "projectID")
		if _, err := s.GetProject(r.Context(), projectID); err != nil {
			writeProjectError(w, projectID, err)
			return
		}

		jobs, err := s.ListJobsByProject(r.Context(), projectID)
		if err != nil {
			slog.Error("list project jobs failed", "project_id", projectID, "error", err)
			response.Internal(w)
			return
		}
		ids, err := s.CancelProjectJobs(r.Context(), projectID)
		if err != nil {
			slog.Error("cancel project jobs failed", "project_id", projectID, "error", err)
			response.Internal(w)
			return
		}
		if ids == nil {
			ids = []uuid.UUID{}
		}

		slog.Info("project jobs cancellation requested", "project_id", projectID, "cancelled", len(ids))
		response.JSON(w, cancelProjectJobsResponse{
			ProjectID:      projectID,
			CancelledJobs:  ids,
			CancelledCount: len(ids),
			SkippedCount:   max(len(jobs)-len(ids), 0),
		})
	}
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid job ID format", nil)
		return uuid.Nil, false
	}
	return id, true
}

func writeJobError(w http.ResponseWriter, id uuid.UUID, err error) {
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, response.CodeJobNotFound, "Job with id "+id.String()+" not found", nil)
		return
	}
	slog.Error("job operation failed", "job_id", id, "error", err)
	response.Internal(w)
}
