package store_test

import (
	"context"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/geoconvert/internal/store"
	"github.com/kiranshivaraju/geoconvert/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool + cleanup.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("geoconvert_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	// Run migrations
	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

func strPtr(s string) *string { return &s }
func int64Ptr(v int64) *int64 { return &v }

func newProject(id, name string) *models.Project {
	now := time.Now().UTC()
	epsg := 26916
	return &models.Project{
		ID:        id,
		Name:      name,
		Tags:      []string{},
		CRS:       models.CRS{EPSG: &epsg, Name: "NAD83 / UTM zone 16N", Proj4: "+proj=utm +zone=16 +datum=NAD83 +units=m +no_defs"},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func newJob(projectID string, jobType models.JobType, createdAt time.Time) *models.Job {
	id := uuid.New()
	return &models.Job{
		ID:         id,
		ProjectID:  projectID,
		Type:       jobType,
		Status:     models.JobStatusPending,
		SourcePath: "jobs/" + id.String() + ".laz",
		SourceName: "scan.laz",
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}
}

// claimAndFinish drives a job from pending to the given terminal status.
func claimAndFinish(t *testing.T, s store.Store, status models.JobStatus) *models.Job {
	t.Helper()
	ctx := context.Background()
	job, err := s.ClaimNextPending(ctx, "test-worker")
	require.NoError(t, err)
	require.NoError(t, s.SetJobStatus(ctx, job.ID, status))
	return job
}

// --- Projects ---

func TestProject_CreateAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	p := newProject("XXXX-XXX-A", "Highway Survey")
	p.Client = strPtr("DOT")
	p.Tags = []string{"lidar", "highway"}
	require.NoError(t, s.CreateProject(ctx, p))

	got, err := s.GetProject(ctx, "XXXX-XXX-A")
	require.NoError(t, err)
	assert.Equal(t, "Highway Survey", got.Name)
	assert.Equal(t, "DOT", *got.Client)
	assert.Equal(t, []string{"lidar", "highway"}, got.Tags)
	require.NotNil(t, got.CRS.EPSG)
	assert.Equal(t, 26916, *got.CRS.EPSG)
	assert.Nil(t, got.Location)
	assert.Nil(t, got.Cloud)
}

func TestProject_Duplicate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	require.NoError(t, s.CreateProject(ctx, newProject("P-1", "one")))
	err := s.CreateProject(ctx, newProject("P-1", "again"))
	assert.ErrorIs(t, err, store.ErrDuplicateKey)
}

func TestProject_GetNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	_, err := s.GetProject(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProject_UpdatePartial(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	p := newProject("P-1", "Original")
	p.Description = strPtr("keep me")
	require.NoError(t, s.CreateProject(ctx, p))

	got, err := s.UpdateProject(ctx, "P-1", store.ProjectUpdate{
		Name: strPtr("Renamed"),
		Tags: []string{"updated"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.Equal(t, "keep me", *got.Description)
	assert.Equal(t, []string{"updated"}, got.Tags)

	_, err = s.UpdateProject(ctx, "missing", store.ProjectUpdate{Name: strPtr("x")})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProject_Delete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	require.NoError(t, s.CreateProject(ctx, newProject("P-1", "one")))
	require.NoError(t, s.DeleteProject(ctx, "P-1"))
	assert.ErrorIs(t, s.DeleteProject(ctx, "P-1"), store.ErrNotFound)
}

func TestProject_SetPointCloudKeepsThumbnailWhenNoneProduced(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	require.NoError(t, s.CreateProject(ctx, newProject("P-1", "one")))
	require.NoError(t, s.SetProjectPointCloud(ctx, "P-1", models.PointCloudResult{
		CloudURL:     "https://cdn/projects/P-1/pointcloud/metadata.json",
		ThumbnailURL: strPtr("https://cdn/projects/P-1/thumbnail.png"),
		Location:     &models.Location{Lat: 40.7128, Lon: -74.006, Z: 10.5},
		PointCount:   1500000,
	}))
	require.NoError(t, s.SetProjectPointCloud(ctx, "P-1", models.PointCloudResult{
		CloudURL:   "https://cdn/projects/P-1/pointcloud/metadata.json",
		PointCount: 1600000,
	}))

	got, err := s.GetProject(ctx, "P-1")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/projects/P-1/thumbnail.png", *got.Thumbnail)
	assert.Equal(t, int64(1600000), *got.PointCount)
	require.NotNil(t, got.Location)
	assert.InDelta(t, 40.7128, got.Location.Lat, 1e-9)
}

func TestProject_SetOrthoReplacesBothFields(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	require.NoError(t, s.CreateProject(ctx, newProject("P-1", "one")))
	require.NoError(t, s.SetProjectOrtho(ctx, "P-1", models.OrthoResult{
		FileURL:      "https://cdn/projects/P-1/ortho/ortho.tif",
		ThumbnailURL: strPtr("https://cdn/projects/P-1/ortho/ortho_thumbnail.png"),
	}))
	require.NoError(t, s.SetProjectOrtho(ctx, "P-1", models.OrthoResult{
		FileURL: "https://cdn/projects/P-1/ortho/ortho.tif",
	}))

	got, err := s.GetProject(ctx, "P-1")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/projects/P-1/ortho/ortho.tif", *got.Ortho.File)
	assert.Nil(t, got.Ortho.Thumbnail)

	assert.ErrorIs(t, s.SetProjectOrtho(ctx, "missing", models.OrthoResult{FileURL: "x"}), store.ErrNotFound)
}

// --- Project listing ---

func seedListing(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	day := func(d int) *time.Time {
		v := time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
		return &v
	}

	specs := []struct {
		id, name, desc string
		client         *string
		date           *time.Time
		tags           []string
		points         *int64
	}{
		{"A", "Alpha bridge", "deck scan", strPtr("DOT"), day(3), []string{"lidar"}, int64Ptr(100)},
		{"B", "bravo tunnel", "", strPtr("dot"), nil, []string{"urban"}, nil},
		{"C", "Charlie", "Bridge approach", nil, day(1), []string{"lidar", "urban"}, int64Ptr(50)},
		{"D", "delta 100%", "", strPtr("Acme"), nil, nil, nil},
	}
	for i, sp := range specs {
		p := newProject(sp.id, sp.name)
		if sp.desc != "" {
			p.Description = strPtr(sp.desc)
		}
		p.Client = sp.client
		p.Date = sp.date
		p.Tags = sp.tags
		p.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		p.UpdatedAt = p.CreatedAt
		require.NoError(t, s.CreateProject(ctx, p))
		if sp.points != nil {
			require.NoError(t, s.SetProjectPointCloud(ctx, sp.id, models.PointCloudResult{CloudURL: "u", PointCount: *sp.points}))
		}
	}
}

func ids(projects []*models.Project) []string {
	out := make([]string, 0, len(projects))
	for _, p := range projects {
		out = append(out, p.ID)
	}
	return out
}

func TestListProjects_Filters(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	seedListing(t, s)

	tests := []struct {
		name   string
		filter store.ProjectFilter
		want   []string
	}{
		{"no filter newest first", store.ProjectFilter{}, []string{"D", "C", "B", "A"}},
		{"search name or description case-insensitive", store.ProjectFilter{Search: "BRIDGE"}, []string{"C", "A"}},
		{"search treats percent literally", store.ProjectFilter{Search: "100%"}, []string{"D"}},
		{"client exact case-insensitive", store.ProjectFilter{Client: "Dot"}, []string{"B", "A"}},
		{"client is not a substring match", store.ProjectFilter{Client: "DO"}, []string{}},
		{"tags any-of", store.ProjectFilter{Tags: []string{"urban", "nope"}}, []string{"C", "B"}},
		{"combined", store.ProjectFilter{Tags: []string{"lidar"}, Client: "dot"}, []string{"A"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, total, err := s.ListProjects(ctx, tc.filter)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ids(got))
			assert.Equal(t, len(tc.want), total)
		})
	}
}

func TestListProjects_NullsLastBothDirections(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	seedListing(t, s)

	// B and D have no date; ties are broken by created_at descending.
	asc, _, err := s.ListProjects(ctx, store.ProjectFilter{SortBy: "date", SortOrder: "asc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "A", "D", "B"}, ids(asc))

	desc, _, err := s.ListProjects(ctx, store.ProjectFilter{SortBy: "date", SortOrder: "desc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C", "D", "B"}, ids(desc))

	// C has no client.
	byClient, _, err := s.ListProjects(ctx, store.ProjectFilter{SortBy: "client", SortOrder: "desc"})
	require.NoError(t, err)
	assert.Equal(t, "C", byClient[len(byClient)-1].ID)
}

func TestListProjects_SortByNameCaseInsensitive(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	seedListing(t, s)

	got, _, err := s.ListProjects(context.Background(), store.ProjectFilter{SortBy: "name", SortOrder: "asc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C", "D"}, ids(got))
}

func TestListProjects_Pagination(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	seedListing(t, s)

	page, total, err := s.ListProjects(context.Background(), store.ProjectFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Equal(t, []string{"C", "B"}, ids(page))

	empty, total, err := s.ListProjects(context.Background(), store.ProjectFilter{Limit: 2, Offset: 10})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Empty(t, empty)
}

// --- Statistics ---

func TestAggregateStatistics_Empty(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	st, err := s.AggregateStatistics(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.Stats{}, *st)
}

func TestAggregateStatistics_Counts(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	seedListing(t, s)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.CreateJob(ctx, newJob("A", models.JobTypePointCloud, base.Add(time.Duration(i)*time.Second))))
	}
	claimAndFinish(t, s, models.JobStatusCompleted)
	claimAndFinish(t, s, models.JobStatusFailed)
	old := claimAndFinish(t, s, models.JobStatusCompleted)
	_, err := s.ClaimNextPending(ctx, "w") // one processing, one pending remain
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `UPDATE jobs SET completed_at = NOW() - INTERVAL '25 hours' WHERE id = $1`, old.ID)
	require.NoError(t, err)

	st, err := s.AggregateStatistics(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(4), st.TotalProjects)
	assert.Equal(t, int64(150), st.TotalPoints)
	assert.Equal(t, int64(2), st.ActiveJobs)
	assert.Equal(t, int64(1), st.CompletedJobs24h)
	assert.Equal(t, int64(1), st.FailedJobs24h)
}

// --- Jobs ---

func TestJob_CreateAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newJob("P-1", models.JobTypeOrtho, time.Now().UTC())
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, models.JobTypeOrtho, got.Type)
	assert.False(t, got.Cancelled)
	assert.Nil(t, got.CompletedAt)

	_, err = s.GetJob(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestJob_CorruptTypeRejected(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	err := s.CreateJob(context.Background(), &models.Job{ID: uuid.New(), Type: "mesh_conversion", Status: models.JobStatusPending})
	assert.Error(t, err)
}

func TestClaimNextPending_OldestFirst(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	now := time.Now().UTC()
	newer := newJob("P", models.JobTypeOrtho, now)
	older := newJob("P", models.JobTypePointCloud, now.Add(-time.Minute))
	require.NoError(t, s.CreateJob(ctx, newer))
	require.NoError(t, s.CreateJob(ctx, older))

	claimed, err := s.ClaimNextPending(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, older.ID, claimed.ID)
	assert.Equal(t, models.JobStatusProcessing, claimed.Status)
	require.NotNil(t, claimed.StartedAt)
	require.NotNil(t, claimed.ClaimedBy)
	assert.Equal(t, "worker-1", *claimed.ClaimedBy)
}

func TestClaimNextPending_Empty(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	_, err := s.ClaimNextPending(context.Background(), "worker-1")
	assert.ErrorIs(t, err, store.ErrNoPendingJobs)
}

func TestClaimNextPending_ConcurrentExactlyOnce(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	const jobs = 20
	const workers = 8
	base := time.Now().UTC()
	for i := 0; i < jobs; i++ {
		require.NoError(t, s.CreateJob(ctx, newJob("P", models.JobTypePointCloud, base.Add(time.Duration(i)*time.Millisecond))))
	}

	var (
		mu      sync.Mutex
		claimed = map[uuid.UUID]int{}
		wg      sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := s.ClaimNextPending(ctx, "racer")
				if err != nil {
					assert.ErrorIs(t, err, store.ErrNoPendingJobs)
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// A racer can see an empty result while a row it lost is being claimed;
	// drain whatever is left so every job is accounted for.
	for {
		job, err := s.ClaimNextPending(ctx, "drain")
		if err != nil {
			break
		}
		claimed[job.ID]++
	}

	assert.Len(t, claimed, jobs)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func TestSetJobStatus_TerminalIsImmutable(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, newJob("P", models.JobTypePointCloud, time.Now().UTC())))
	job := claimAndFinish(t, s, models.JobStatusCompleted)

	first, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, first.CompletedAt)

	// Same terminal status again is a no-op.
	require.NoError(t, s.SetJobStatus(ctx, job.ID, models.JobStatusCompleted))

	for _, next := range []models.JobStatus{models.JobStatusFailed, models.JobStatusCancelled, models.JobStatusProcessing} {
		err := s.SetJobStatus(ctx, job.ID, next, store.WithErrorMessage("late"))
		assert.ErrorIs(t, err, store.ErrInvalidTransition)
	}

	after, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, after.Status)
	assert.Nil(t, after.ErrorMessage)
	assert.Equal(t, first.CompletedAt.UTC(), after.CompletedAt.UTC())
}

func TestSetJobStatus_FailedCarriesErrorMessage(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, newJob("P", models.JobTypeOrtho, time.Now().UTC())))
	job, err := s.ClaimNextPending(ctx, "w")
	require.NoError(t, err)

	require.NoError(t, s.SetJobStatus(ctx, job.ID, models.JobStatusFailed,
		store.WithErrorMessage("conversion failed: gdal_translate exited with status 1"),
		store.WithProgress("conversion", "Processing failed")))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "gdal_translate")
	assert.Equal(t, "Processing failed", got.ProgressMessage)
	assert.NotNil(t, got.CompletedAt)
}

func TestSetJobStatus_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	err := s.SetJobStatus(context.Background(), uuid.New(), models.JobStatusCompleted)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateJobProgress_OnlyWhileProcessing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, newJob("P", models.JobTypeOrtho, time.Now().UTC())))
	job, err := s.ClaimNextPending(ctx, "w")
	require.NoError(t, err)

	require.NoError(t, s.UpdateJobProgress(ctx, job.ID, "conversion", "Converting to COG"))
	got, _ := s.GetJob(ctx, job.ID)
	assert.Equal(t, "Converting to COG", got.ProgressMessage)

	require.NoError(t, s.SetJobStatus(ctx, job.ID, models.JobStatusCompleted, store.WithProgress("done", "Completed")))
	require.NoError(t, s.UpdateJobProgress(ctx, job.ID, "upload", "late write"))
	got, _ = s.GetJob(ctx, job.ID)
	assert.Equal(t, "Completed", got.ProgressMessage)
}

// --- Cancellation ---

func TestRequestCancel_ActiveJobs(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	pending := newJob("P", models.JobTypeOrtho, time.Now().UTC())
	require.NoError(t, s.CreateJob(ctx, pending))

	ok, err := s.RequestCancel(ctx, pending.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	cancelled, err := s.IsCancelled(ctx, pending.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	// The requester flags; only the worker changes status.
	got, _ := s.GetJob(ctx, pending.ID)
	assert.Equal(t, models.JobStatusPending, got.Status)
}

func TestRequestCancel_TerminalConflict(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	for _, status := range []models.JobStatus{models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled} {
		require.NoError(t, s.CreateJob(ctx, newJob("P", models.JobTypeOrtho, time.Now().UTC())))
		job := claimAndFinish(t, s, status)
		before, _ := s.GetJob(ctx, job.ID)

		ok, err := s.RequestCancel(ctx, job.ID)
		require.NoError(t, err)
		assert.False(t, ok, "cancel of %s job must be rejected", status)

		after, _ := s.GetJob(ctx, job.ID)
		assert.Equal(t, before.Status, after.Status)
		assert.Equal(t, before.Cancelled, after.Cancelled)
		assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	}

	_, err := s.RequestCancel(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancelProjectJobs(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	base := time.Now().UTC()
	done := newJob("P", models.JobTypeOrtho, base.Add(-2*time.Second))
	require.NoError(t, s.CreateJob(ctx, done))
	claimAndFinish(t, s, models.JobStatusCompleted)

	running := newJob("P", models.JobTypeOrtho, base.Add(-time.Second))
	waiting := newJob("P", models.JobTypePointCloud, base)
	other := newJob("Q", models.JobTypePointCloud, base)
	for _, j := range []*models.Job{running, waiting, other} {
		require.NoError(t, s.CreateJob(ctx, j))
	}
	_, err := s.ClaimNextPending(ctx, "w")
	require.NoError(t, err)

	flagged, err := s.CancelProjectJobs(ctx, "P")
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{running.ID, waiting.ID}, flagged)

	c, _ := s.IsCancelled(ctx, other.ID)
	assert.False(t, c)

	jobs, err := s.ListJobsByProject(ctx, "P")
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
}

// --- Recovery & retention ---

func TestResetStaleJobs_OwnClaims(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, newJob("P", models.JobTypeOrtho, time.Now().UTC().Add(-time.Minute))))
	require.NoError(t, s.CreateJob(ctx, newJob("P", models.JobTypeOrtho, time.Now().UTC())))
	mine, err := s.ClaimNextPending(ctx, "worker-a")
	require.NoError(t, err)
	theirs, err := s.ClaimNextPending(ctx, "worker-b")
	require.NoError(t, err)

	n, err := s.ResetStaleJobs(ctx, "worker-a", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, _ := s.GetJob(ctx, mine.ID)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Nil(t, got.ClaimedBy)
	assert.Equal(t, "requeued", got.CurrentStep)

	other, _ := s.GetJob(ctx, theirs.ID)
	assert.Equal(t, models.JobStatusProcessing, other.Status, "another live worker's job is left alone")

	again, err := s.ClaimNextPending(ctx, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, mine.ID, again.ID)
}

func TestResetStaleJobs_ByAge(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, newJob("P", models.JobTypeOrtho, time.Now().UTC())))
	job, err := s.ClaimNextPending(ctx, "crashed-worker")
	require.NoError(t, err)

	hourAgo := time.Now().Add(-time.Hour)
	n, err := s.ResetStaleJobs(ctx, "fresh-worker", &hourAgo)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	soon := time.Now().Add(time.Second)
	n, err = s.ResetStaleJobs(ctx, "fresh-worker", &soon)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, _ := s.GetJob(ctx, job.ID)
	assert.Equal(t, models.JobStatusPending, got.Status)

	again, err := s.ClaimNextPending(ctx, "fresh-worker")
	require.NoError(t, err)
	assert.Equal(t, job.ID, again.ID)
}

func TestResetStaleJobs_AgeOnlyLeavesFreshClaims(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, newJob("P", models.JobTypeOrtho, time.Now().UTC().Add(-time.Minute))))
	require.NoError(t, s.CreateJob(ctx, newJob("P", models.JobTypeOrtho, time.Now().UTC())))
	crashed, err := s.ClaimNextPending(ctx, "old-pod-7f9c")
	require.NoError(t, err)
	live, err := s.ClaimNextPending(ctx, "live-pod-2b1d")
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `UPDATE jobs SET updated_at = NOW() - INTERVAL '1 hour' WHERE id = $1`, crashed.ID)
	require.NoError(t, err)

	cutoff := time.Now().Add(-10 * time.Minute)
	n, err := s.ResetStaleJobs(ctx, "", &cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, _ := s.GetJob(ctx, crashed.ID)
	assert.Equal(t, models.JobStatusPending, got.Status, "a job claimed under another worker id is requeued once idle")
	other, _ := s.GetJob(ctx, live.ID)
	assert.Equal(t, models.JobStatusProcessing, other.Status)

	n, err = s.ResetStaleJobs(ctx, "", nil)
	require.NoError(t, err)
	assert.Zero(t, n, "an empty worker id matches no claims")
}

func TestTouchJob(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, newJob("P", models.JobTypePointCloud, time.Now().UTC())))
	job, err := s.ClaimNextPending(ctx, "worker-a")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `UPDATE jobs SET updated_at = NOW() - INTERVAL '1 hour' WHERE id = $1`, job.ID)
	require.NoError(t, err)

	require.NoError(t, s.TouchJob(ctx, job.ID))

	cutoff := time.Now().Add(-10 * time.Minute)
	n, err := s.ResetStaleJobs(ctx, "worker-b", &cutoff)
	require.NoError(t, err)
	assert.Zero(t, n)
	got, _ := s.GetJob(ctx, job.ID)
	assert.Equal(t, models.JobStatusProcessing, got.Status)
	assert.True(t, got.UpdatedAt.After(cutoff))

	require.NoError(t, s.TouchJob(ctx, uuid.New()), "touching an unknown job is a no-op")
}

func TestDeleteJobsBefore_OnlyTerminal(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	old := time.Now().UTC().Add(-100 * time.Hour)
	require.NoError(t, s.CreateJob(ctx, newJob("P", models.JobTypeOrtho, old)))
	finished := claimAndFinish(t, s, models.JobStatusFailed)
	_, err := pool.Exec(ctx, `UPDATE jobs SET completed_at = $2 WHERE id = $1`, finished.ID, old)
	require.NoError(t, err)

	stillPending := newJob("P", models.JobTypeOrtho, old)
	require.NoError(t, s.CreateJob(ctx, stillPending))

	n, err := s.DeleteJobsBefore(ctx, time.Now().Add(-72*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetJob(ctx, finished.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetJob(ctx, stillPending.ID)
	assert.NoError(t, err)
}
