package store

import (
	"context"
	"fmt"
	"time"

	"github.com/kiranshivaraju/geoconvert/pkg/models"
)

const statsWindow = 24 * time.Hour

// AggregateStatistics computes dashboard totals. Completed and failed counts
// cover jobs that finished within the 24 hours before now. Projects without a
// point count contribute zero points.
func (s *PostgresStore) AggregateStatistics(ctx context.Context, now time.Time) (*models.Stats, error) {
	var st models.Stats

	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(COALESCE(point_count, 0)), 0)::BIGINT FROM projects`,
	).Scan(&st.TotalProjects, &st.TotalPoints)
	if err != nil {
		return nil, fmt.Errorf("aggregate projects: %w", err)
	}

	since := now.Add(-statsWindow)
	err = s.pool.QueryRow(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE status IN ('pending', 'processing')),
		   COUNT(*) FILTER (WHERE status = 'completed' AND completed_at >= $1),
		   COUNT(*) FILTER (WHERE status = 'failed' AND completed_at >= $1)
		 FROM jobs`, since,
	).Scan(&st.ActiveJobs, &st.CompletedJobs24h, &st.FailedJobs24h)
	if err != nil {
		return nil, fmt.Errorf("aggregate jobs: %w", err)
	}

	return &st, nil
}
