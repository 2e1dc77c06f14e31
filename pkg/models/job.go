package models

import (
	"time"

	"github.com/google/uuid"
)

// JobType selects which conversion pipeline processes a job.
type JobType string

const (
	JobTypePointCloud JobType = "point_cloud_conversion"
	JobTypeOrtho      JobType = "ortho_conversion"
)

// Valid reports whether t is one of the known job types.
func (t JobType) Valid() bool {
	switch t {
	case JobTypePointCloud, JobTypeOrtho:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed out of s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Job tracks one asynchronous conversion. The API returns the job id on upload;
// clients poll GET /api/v1/jobs/{job_id} until the status is terminal.
type Job struct {
	ID              uuid.UUID  `db:"id"               json:"id"`
	ProjectID       string     `db:"project_id"       json:"project_id"`
	Type            JobType    `db:"type"             json:"type"`
	Status          JobStatus  `db:"status"           json:"status"`
	Cancelled       bool       `db:"cancelled"        json:"cancelled"`
	CurrentStep     string     `db:"current_step"     json:"current_step,omitempty"`
	ProgressMessage string     `db:"progress_message" json:"progress_message,omitempty"`
	ErrorMessage    *string    `db:"error_message"    json:"error_message,omitempty"`
	SourcePath      string     `db:"source_path"      json:"-"`
	SourceName      string     `db:"source_name"      json:"source_name,omitempty"`
	ClaimedBy       *string    `db:"claimed_by"       json:"claimed_by,omitempty"`
	StartedAt       *time.Time `db:"started_at"       json:"started_at,omitempty"`
	CompletedAt     *time.Time `db:"completed_at"     json:"completed_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at"       json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"       json:"updated_at"`
}
