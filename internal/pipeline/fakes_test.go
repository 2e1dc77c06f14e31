package pipeline

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/geoconvert/internal/artifact"
	"github.com/kiranshivaraju/geoconvert/internal/store"
	"github.com/kiranshivaraju/geoconvert/internal/toolbridge"
	"github.com/kiranshivaraju/geoconvert/pkg/models"
	"github.com/stretchr/testify/require"
)

// --- Store ---

type fakeStore struct {
	mu       sync.Mutex
	projects map[string]*models.Project

	cancelled   bool
	cancelAfter int // flag reads as set once more than cancelAfter checks happened
	checks      int
	checkErr    error

	steps        []string
	progressErr  error
	pcUpdates    int
	orthoUpdates int
	setErr       error
}

func newFakeStore() *fakeStore {
	return &fakeStore{projects: map[string]*models.Project{}}
}

func (f *fakeStore) IsCancelled(_ context.Context, _ uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	if f.checkErr != nil {
		return false, f.checkErr
	}
	return f.cancelled || (f.cancelAfter > 0 && f.checks > f.cancelAfter), nil
}

func (f *fakeStore) UpdateJobProgress(_ context.Context, _ uuid.UUID, step, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps = append(f.steps, step)
	return f.progressErr
}

func (f *fakeStore) GetProject(_ context.Context, id string) (*models.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) SetProjectPointCloud(_ context.Context, id string, res models.PointCloudResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	p, ok := f.projects[id]
	if !ok {
		return store.ErrNotFound
	}
	f.pcUpdates++
	p.Cloud = &res.CloudURL
	if res.ThumbnailURL != nil {
		p.Thumbnail = res.ThumbnailURL
	}
	if res.Location != nil {
		p.Location = res.Location
	}
	p.PointCount = &res.PointCount
	return nil
}

func (f *fakeStore) SetProjectOrtho(_ context.Context, id string, res models.OrthoResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	p, ok := f.projects[id]
	if !ok {
		return store.ErrNotFound
	}
	f.orthoUpdates++
	p.Ortho = models.Ortho{File: &res.FileURL, Thumbnail: res.ThumbnailURL}
	return nil
}

func (f *fakeStore) project(id string) *models.Project {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.projects[id]
	return &cp
}

// --- Artifacts ---

// flakyArtifacts fails Put for selected keys and otherwise delegates.
type flakyArtifacts struct {
	artifact.Store
	failPut map[string]error
	deletes []string
}

func (f *flakyArtifacts) Put(ctx context.Context, key string, r io.Reader, ct string) (string, error) {
	if err, ok := f.failPut[key]; ok {
		_, _ = io.Copy(io.Discard, r)
		return "", err
	}
	return f.Store.Put(ctx, key, r, ct)
}

func (f *flakyArtifacts) Delete(ctx context.Context, key string) error {
	f.deletes = append(f.deletes, key)
	return f.Store.Delete(ctx, key)
}

// --- Tools ---

type fakePDAL struct {
	info       *toolbridge.PointCloudInfo
	infoErr    error
	densityErr error
	infoEPSG   *int
}

func (f *fakePDAL) Info(_ context.Context, _ string, epsg *int) (*toolbridge.PointCloudInfo, error) {
	f.infoEPSG = epsg
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	return f.info, nil
}

func (f *fakePDAL) DensityRaster(_ context.Context, _, out string, _ float64) error {
	if f.densityErr != nil {
		return f.densityErr
	}
	return os.WriteFile(out, []byte("tiff"), 0o644)
}

type fakePotree struct {
	calls int
	proj4 string
	err   error
	run   func(ctx context.Context) error
}

func (f *fakePotree) Convert(ctx context.Context, _, outDir, proj4 string) error {
	f.calls++
	f.proj4 = proj4
	if f.run != nil {
		if err := f.run(ctx); err != nil {
			return err
		}
	}
	if f.err != nil {
		return f.err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	for name, body := range map[string]string{"metadata.json": `{"version":"2.0"}`, "octree.bin": "octree", "hierarchy.bin": "hier"} {
		if err := os.WriteFile(filepath.Join(outDir, name), []byte(body), 0o644); err != nil {
			return err
		}
	}
	return nil
}

type fakeGDAL struct {
	validateErr error
	cogErr      error
	thumbErr    error
	cogCalls    int
}

func (f *fakeGDAL) Validate(context.Context, string) (*toolbridge.RasterInfo, error) {
	if f.validateErr != nil {
		return nil, f.validateErr
	}
	return &toolbridge.RasterInfo{Driver: "GTiff", Width: 100, Height: 80, Bands: 3, WKT: "PROJCRS[]"}, nil
}

func (f *fakeGDAL) TranslateCOG(_ context.Context, _, out string) error {
	f.cogCalls++
	if f.cogErr != nil {
		return f.cogErr
	}
	return os.WriteFile(out, []byte("new-cog"), 0o644)
}

func (f *fakeGDAL) Thumbnail(_ context.Context, _, out string, _ int) error {
	if f.thumbErr != nil {
		return f.thumbErr
	}
	return os.WriteFile(out, []byte("png"), 0o644)
}

// --- Harness ---

const testProjectID = "XXXX-XXX-A"

type harness struct {
	p       *Pipelines
	store   *fakeStore
	arts    *flakyArtifacts
	pdal    *fakePDAL
	potree  *fakePotree
	gdal    *fakeGDAL
	workDir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	local, err := artifact.NewLocalStore(t.TempDir(), "http://files.test")
	require.NoError(t, err)

	epsg := 32610
	h := &harness{
		store:   newFakeStore(),
		arts:    &flakyArtifacts{Store: local, failPut: map[string]error{}},
		potree:  &fakePotree{},
		gdal:    &fakeGDAL{},
		workDir: t.TempDir(),
		pdal: &fakePDAL{info: &toolbridge.PointCloudInfo{
			PointCount: 1250000,
			Native:     toolbridge.BBox{MinX: 550000, MinY: 4180000, MinZ: 10, MaxX: 551024, MaxY: 4180512, MaxZ: 60},
			WGS84:      &toolbridge.BBox{MinX: -122.42, MinY: 37.77, MaxX: -122.40, MaxY: 37.79},
		}},
	}
	h.store.projects[testProjectID] = &models.Project{
		ID:   testProjectID,
		Name: "Bridge survey",
		CRS:  models.CRS{EPSG: &epsg, Proj4: "+proj=utm +zone=10 +datum=WGS84"},
		Tags: []string{},
	}

	h.p = New(Deps{
		Store:     h.store,
		Artifacts: h.arts,
		PDAL:      h.pdal,
		Potree:    h.potree,
		GDAL:      h.gdal,
	}, Config{WorkDir: h.workDir, ThumbnailSize: 64})
	h.p.renderDensity = func(_, out string, _ int) error {
		return os.WriteFile(out, []byte("png"), 0o644)
	}
	return h
}

// submit stores an upload under its temporary key and returns the claimed job.
func (h *harness) submit(t *testing.T, typ models.JobType, ext, body string) *models.Job {
	t.Helper()
	id := uuid.New()
	job := &models.Job{
		ID:         id,
		ProjectID:  testProjectID,
		Type:       typ,
		Status:     models.JobStatusProcessing,
		SourcePath: artifact.TempUploadKey(id, ext),
		SourceName: "upload" + ext,
	}
	_, err := h.arts.Put(context.Background(), job.SourcePath, strings.NewReader(body), "")
	require.NoError(t, err)
	return job
}

func (h *harness) exists(key string) bool {
	rc, err := h.arts.Open(context.Background(), key)
	if err != nil {
		return !errors.Is(err, artifact.ErrNotFound)
	}
	rc.Close()
	return true
}

func (h *harness) read(t *testing.T, key string) string {
	t.Helper()
	rc, err := h.arts.Open(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}
