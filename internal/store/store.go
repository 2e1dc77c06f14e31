package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/geoconvert/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrNoPendingJobs is returned by ClaimNextPending when nothing is claimable.
var ErrNoPendingJobs = errors.New("no pending jobs")

// ErrInvalidTransition is returned when a status change targets a job that
// already reached a different terminal status.
var ErrInvalidTransition = errors.New("invalid job status transition")

// ErrCorruptRecord is returned when a stored row carries an unknown job type or status.
var ErrCorruptRecord = errors.New("corrupt record")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	UpdateProject(ctx context.Context, id string, upd ProjectUpdate) (*models.Project, error)
	DeleteProject(ctx context.Context, id string) error
	ListProjects(ctx context.Context, filter ProjectFilter) ([]*models.Project, int, error)
	SetProjectPointCloud(ctx context.Context, id string, res models.PointCloudResult) error
	SetProjectOrtho(ctx context.Context, id string, res models.OrthoResult) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobsByProject(ctx context.Context, projectID string) ([]*models.Job, error)
	ClaimNextPending(ctx context.Context, workerID string) (*models.Job, error)
	SetJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus, opts ...JobUpdateOption) error
	UpdateJobProgress(ctx context.Context, id uuid.UUID, step, message string) error
	TouchJob(ctx context.Context, id uuid.UUID) error
	IsCancelled(ctx context.Context, id uuid.UUID) (bool, error)
	RequestCancel(ctx context.Context, id uuid.UUID) (bool, error)
	CancelProjectJobs(ctx context.Context, projectID string) ([]uuid.UUID, error)
	ResetStaleJobs(ctx context.Context, workerID string, olderThan *time.Time) (int64, error)
	DeleteJobsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	AggregateStatistics(ctx context.Context, now time.Time) (*models.Stats, error)
}

// ProjectUpdate carries a partial metadata update. Nil fields are left unchanged.
type ProjectUpdate struct {
	Name        *string
	Client      *string
	Description *string
	Date        *time.Time
	Tags        []string
}

func (u ProjectUpdate) empty() bool {
	return u.Name == nil && u.Client == nil && u.Description == nil && u.Date == nil && u.Tags == nil
}

// JobUpdate holds the auxiliary fields written with a status change.
type JobUpdate struct {
	ErrorMessage *string
	Step         *string
	Message      *string
}

type JobUpdateOption func(*JobUpdate)

// NewJobUpdate applies opts to an empty JobUpdate.
func NewJobUpdate(opts ...JobUpdateOption) JobUpdate {
	var u JobUpdate
	for _, opt := range opts {
		opt(&u)
	}
	return u
}

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.ErrorMessage = &msg
	}
}

// WithProgress records the step and progress message alongside the status change.
func WithProgress(step, message string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.Step = &step
		p.Message = &message
	}
}
