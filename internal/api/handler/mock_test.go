package handler

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/geoconvert/internal/artifact"
	"github.com/kiranshivaraju/geoconvert/internal/cache"
	"github.com/kiranshivaraju/geoconvert/internal/store"
	"github.com/kiranshivaraju/geoconvert/pkg/models"
	"github.com/stretchr/testify/require"
)

// --- in-memory store ---

type memStore struct {
	mu       sync.Mutex
	projects map[string]*models.Project
	jobs     map[uuid.UUID]*models.Job

	// err, when set, is returned by every call.
	err          error
	createJobErr error
	lastFilter   store.ProjectFilter
	statsCalls   int
}

func newMemStore() *memStore {
	return &memStore{
		projects: make(map[string]*models.Project),
		jobs:     make(map[uuid.UUID]*models.Job),
	}
}

func (s *memStore) addProject(id string) *models.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	p := &models.Project{ID: id, Name: "Project " + id, Tags: []string{}, CreatedAt: now, UpdatedAt: now}
	s.projects[id] = p
	return p
}

func (s *memStore) addJob(projectID string, status models.JobStatus) *models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	j := &models.Job{
		ID:        uuid.New(),
		ProjectID: projectID,
		Type:      models.JobTypePointCloud,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if status.IsTerminal() {
		j.CompletedAt = &now
	}
	s.jobs[j.ID] = j
	return j
}

func (s *memStore) job(id uuid.UUID) *models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.jobs[id]
	return &cp
}

func (s *memStore) jobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *memStore) GetProject(_ context.Context, id string) (*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	p, ok := s.projects[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) CreateProject(_ context.Context, p *models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if _, ok := s.projects[p.ID]; ok {
		return store.ErrDuplicateKey
	}
	cp := *p
	s.projects[p.ID] = &cp
	return nil
}

func (s *memStore) UpdateProject(_ context.Context, id string, upd store.ProjectUpdate) (*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	p, ok := s.projects[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if upd.Name != nil {
		p.Name = *upd.Name
	}
	if upd.Client != nil {
		p.Client = upd.Client
	}
	if upd.Description != nil {
		p.Description = upd.Description
	}
	if upd.Date != nil {
		p.Date = upd.Date
	}
	if upd.Tags != nil {
		p.Tags = upd.Tags
	}
	p.UpdatedAt = time.Now().UTC()
	cp := *p
	return &cp, nil
}

func (s *memStore) DeleteProject(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if _, ok := s.projects[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.projects, id)
	return nil
}

func (s *memStore) ListProjects(_ context.Context, f store.ProjectFilter) ([]*models.Project, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFilter = f
	if s.err != nil {
		return nil, 0, s.err
	}

	var all []*models.Project
	for _, p := range s.projects {
		if f.Search != "" && !strings.Contains(strings.ToLower(p.Name), strings.ToLower(f.Search)) {
			continue
		}
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	total := len(all)
	start := min(f.Offset, total)
	end := min(start+f.Limit, total)
	return all[start:end], total, nil
}

func (s *memStore) CancelProjectJobs(_ context.Context, projectID string) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	ids := []uuid.UUID{}
	for _, j := range s.jobs {
		if j.ProjectID == projectID && !j.Status.IsTerminal() && !j.Cancelled {
			j.Cancelled = true
			ids = append(ids, j.ID)
		}
	}
	return ids, nil
}

func (s *memStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.createJobErr != nil {
		return s.createJobErr
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *memStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *memStore) ListJobsByProject(_ context.Context, projectID string) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := []*models.Job{}
	for _, j := range s.jobs {
		if j.ProjectID == projectID {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out, nil
}

func (s *memStore) RequestCancel(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	j, ok := s.jobs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if j.Status.IsTerminal() {
		return false, nil
	}
	j.Cancelled = true
	return true, nil
}

func (s *memStore) AggregateStatistics(_ context.Context, _ time.Time) (*models.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statsCalls++
	if s.err != nil {
		return nil, s.err
	}
	st := &models.Stats{TotalProjects: int64(len(s.projects))}
	for _, p := range s.projects {
		if p.PointCount != nil {
			st.TotalPoints += *p.PointCount
		}
	}
	for _, j := range s.jobs {
		switch j.Status {
		case models.JobStatusPending, models.JobStatusProcessing:
			st.ActiveJobs++
		case models.JobStatusCompleted:
			st.CompletedJobs24h++
		case models.JobStatusFailed:
			st.FailedJobs24h++
		}
	}
	return st, nil
}

// --- helpers ---

func newTestCache(t *testing.T) (*cache.RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc, err := cache.NewRedisCache("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { rc.Close() })
	return rc, mr
}

func newTestArtifacts(t *testing.T) *artifact.LocalStore {
	t.Helper()
	a, err := artifact.NewLocalStore(t.TempDir(), "http://files.test")
	require.NoError(t, err)
	return a
}

// withURLParams attaches chi route parameters so handlers can be called directly.
func withURLParams(r *http.Request, kv ...string) *http.Request {
	rctx := chi.NewRouteContext()
	for i := 0; i+1 < len(kv); i += 2 {
		rctx.URLParams.Add(kv[i], kv[i+1])
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}
