package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/geoconvert/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Projects ---

const projectColumns = `id, name, client, description, date, tags, crs_epsg, crs_name, crs_proj4,
	location_lat, location_lon, location_z, point_count, cloud, thumbnail, ortho_file, ortho_thumbnail,
	created_at, updated_at`

func scanProject(row pgx.Row) (*models.Project, error) {
	var (
		p           models.Project
		lat, lon, z *float64
		epsg        *int32
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Client, &p.Description, &p.Date, &p.Tags,
		&epsg, &p.CRS.Name, &p.CRS.Proj4, &lat, &lon, &z, &p.PointCount, &p.Cloud, &p.Thumbnail,
		&p.Ortho.File, &p.Ortho.Thumbnail, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if epsg != nil {
		v := int(*epsg)
		p.CRS.EPSG = &v
	}
	if lat != nil && lon != nil {
		p.Location = &models.Location{Lat: *lat, Lon: *lon}
		if z != nil {
			p.Location.Z = *z
		}
	}
	if p.Tags == nil {
		p.Tags = []string{}
	}
	return &p, nil
}

func (s *PostgresStore) CreateProject(ctx context.Context, p *models.Project) error {
	tags := p.Tags
	if tags == nil {
		tags = []string{}
	}
	var lat, lon, z *float64
	if p.Location != nil {
		lat, lon, z = &p.Location.Lat, &p.Location.Lon, &p.Location.Z
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO projects (id, name, client, description, date, tags, crs_epsg, crs_name, crs_proj4,
		   location_lat, location_lon, location_z, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		p.ID, p.Name, p.Client, p.Description, p.Date, tags, p.CRS.EPSG, p.CRS.Name, p.CRS.Proj4,
		lat, lon, z, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	p, err := scanProject(s.pool.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// UpdateProject applies a partial metadata update and returns the updated row.
func (s *PostgresStore) UpdateProject(ctx context.Context, id string, upd ProjectUpdate) (*models.Project, error) {
	if upd.empty() {
		return s.GetProject(ctx, id)
	}

	sets := []string{"updated_at = NOW()"}
	args := []any{id}
	argIdx := 2

	add := func(col string, v any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, argIdx))
		args = append(args, v)
		argIdx++
	}
	if upd.Name != nil {
		add("name", *upd.Name)
	}
	if upd.Client != nil {
		add("client", *upd.Client)
	}
	if upd.Description != nil {
		add("description", *upd.Description)
	}
	if upd.Date != nil {
		add("date", *upd.Date)
	}
	if upd.Tags != nil {
		add("tags", upd.Tags)
	}

	query := fmt.Sprintf(`UPDATE projects SET %s WHERE id = $1 RETURNING %s`,
		strings.Join(sets, ", "), projectColumns)
	p, err := scanProject(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update project: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) DeleteProject(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetProjectPointCloud publishes a point-cloud conversion result in one statement.
// A nil thumbnail keeps whatever thumbnail the project already had.
func (s *PostgresStore) SetProjectPointCloud(ctx context.Context, id string, res models.PointCloudResult) error {
	var lat, lon, z *float64
	if res.Location != nil {
		lat, lon, z = &res.Location.Lat, &res.Location.Lon, &res.Location.Z
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE projects SET
		   cloud = $2,
		   thumbnail = COALESCE($3, thumbnail),
		   point_count = $4,
		   location_lat = COALESCE($5, location_lat),
		   location_lon = COALESCE($6, location_lon),
		   location_z = COALESCE($7, location_z),
		   updated_at = NOW()
		 WHERE id = $1`,
		id, res.CloudURL, res.ThumbnailURL, res.PointCount, lat, lon, z)
	if err != nil {
		return fmt.Errorf("set project point cloud: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetProjectOrtho replaces both ortho references together. A conversion
// without a thumbnail clears the old one so the pair never mixes generations.
func (s *PostgresStore) SetProjectOrtho(ctx context.Context, id string, res models.OrthoResult) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE projects SET ortho_file = $2, ortho_thumbnail = $3, updated_at = NOW() WHERE id = $1`,
		id, res.FileURL, res.ThumbnailURL)
	if err != nil {
		return fmt.Errorf("set project ortho: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Jobs ---

const jobColumns = `id, project_id, type, status, cancelled, current_step, progress_message, error_message,
	source_path, source_name, claimed_by, started_at, completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j              models.Job
		jobType, state string
	)
	if err := row.Scan(&j.ID, &j.ProjectID, &jobType, &state, &j.Cancelled, &j.CurrentStep,
		&j.ProgressMessage, &j.ErrorMessage, &j.SourcePath, &j.SourceName, &j.ClaimedBy,
		&j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Type = models.JobType(jobType)
	j.Status = models.JobStatus(state)
	if !j.Type.Valid() || !j.Status.Valid() {
		return nil, fmt.Errorf("%w: job %s has type %q status %q", ErrCorruptRecord, j.ID, jobType, state)
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	if !job.Type.Valid() {
		return fmt.Errorf("create job: unknown type %q", job.Type)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, project_id, type, status, current_step, progress_message, source_path, source_name, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID, job.ProjectID, string(job.Type), string(job.Status), job.CurrentStep, job.ProgressMessage,
		job.SourcePath, job.SourceName, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobsByProject(ctx context.Context, projectID string) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE project_id = $1 ORDER BY created_at DESC, id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list jobs by project: %w", err)
	}
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ClaimNextPending atomically moves the oldest pending job to processing and
// returns it. Concurrent callers never receive the same job.
func (s *PostgresStore) ClaimNextPending(ctx context.Context, workerID string) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE jobs SET
		   status = 'processing',
		   claimed_by = $1,
		   started_at = NOW(),
		   updated_at = NOW(),
		   current_step = 'claimed',
		   progress_message = 'Processing started'
		 WHERE id = (
		   SELECT id FROM jobs
		   WHERE status = 'pending'
		   ORDER BY created_at, id
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 ) AND status = 'pending'
		 RETURNING `+jobColumns, workerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoPendingJobs
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

// SetJobStatus moves a job out of a non-terminal status. completed_at is
// written in the same statement as a terminal transition. Repeating the
// terminal status a job already has is a no-op.
func (s *PostgresStore) SetJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus, opts ...JobUpdateOption) error {
	if !status.Valid() || status == models.JobStatusPending {
		return fmt.Errorf("%w: cannot set status %q", ErrInvalidTransition, status)
	}

	params := NewJobUpdate(opts...)

	query := `UPDATE jobs SET status = $2, updated_at = NOW()`
	args := []any{id, string(status)}
	argIdx := 3

	if status.IsTerminal() {
		query += ", completed_at = NOW()"
	}
	if params.ErrorMessage != nil && status == models.JobStatusFailed {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *params.ErrorMessage)
		argIdx++
	}
	if params.Step != nil {
		query += fmt.Sprintf(", current_step = $%d, progress_message = $%d", argIdx, argIdx+1)
		args = append(args, *params.Step, *params.Message)
		argIdx += 2
	}

	query += " WHERE id = $1 AND status IN ('pending', 'processing')"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}
	if models.JobStatus(current) == status {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
}

// UpdateJobProgress records the current step of a processing job. It is
// advisory: writes against jobs that are no longer processing are dropped.
func (s *PostgresStore) UpdateJobProgress(ctx context.Context, id uuid.UUID, step, message string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET current_step = $2, progress_message = $3, updated_at = NOW()
		 WHERE id = $1 AND status = 'processing'`, id, step, message)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

// TouchJob refreshes updated_at of a processing job so the age-based stale
// reset leaves it alone while its worker is alive.
func (s *PostgresStore) TouchJob(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET updated_at = NOW() WHERE id = $1 AND status = 'processing'`, id)
	if err != nil {
		return fmt.Errorf("touch job: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsCancelled(ctx context.Context, id uuid.UUID) (bool, error) {
	var cancelled bool
	err := s.pool.QueryRow(ctx, `SELECT cancelled FROM jobs WHERE id = $1`, id).Scan(&cancelled)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("check cancelled: %w", err)
	}
	return cancelled, nil
}

// RequestCancel sets the cancellation flag of an active job. It returns false
// when the job is already terminal; the job is left untouched in that case.
func (s *PostgresStore) RequestCancel(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET cancelled = TRUE, updated_at = NOW()
		 WHERE id = $1 AND status IN ('pending', 'processing')`, id)
	if err != nil {
		return false, fmt.Errorf("request cancel: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("request cancel: %w", err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

// CancelProjectJobs flags every active job of a project and returns the ids flagged.
func (s *PostgresStore) CancelProjectJobs(ctx context.Context, projectID string) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE jobs SET cancelled = TRUE, updated_at = NOW()
		 WHERE project_id = $1 AND status IN ('pending', 'processing') AND NOT cancelled
		 RETURNING id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("cancel project jobs: %w", err)
	}
	defer rows.Close()

	ids := []uuid.UUID{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ResetStaleJobs returns processing jobs to pending so they are picked up
// again: every job claimed by workerID, and, when olderThan is non-nil, any
// job whose last update is at or before it. An empty workerID matches no
// claims.
func (s *PostgresStore) ResetStaleJobs(ctx context.Context, workerID string, olderThan *time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET
		   status = 'pending',
		   claimed_by = NULL,
		   current_step = 'requeued',
		   progress_message = 'Requeued after worker restart',
		   updated_at = NOW()
		 WHERE status = 'processing'
		   AND ((claimed_by = $1 AND $1 <> '') OR ($2::TIMESTAMPTZ IS NOT NULL AND updated_at <= $2))`,
		workerID, olderThan)
	if err != nil {
		return 0, fmt.Errorf("reset stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteJobsBefore removes terminal jobs that finished before cutoff.
func (s *PostgresStore) DeleteJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM jobs
		 WHERE status IN ('completed', 'failed', 'cancelled') AND COALESCE(completed_at, created_at) < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
