package models

// Stats is the dashboard aggregate over projects and jobs.
type Stats struct {
	TotalProjects    int64 `json:"total_projects"`
	TotalPoints      int64 `json:"total_points"`
	ActiveJobs       int64 `json:"active_jobs"`
	CompletedJobs24h int64 `json:"completed_jobs_24h"`
	FailedJobs24h    int64 `json:"failed_jobs_24h"`
}
