// Package pipeline implements the point-cloud and orthophoto conversion
// pipelines as ordered stages with cooperative cancellation between them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kiranshivaraju/geoconvert/internal/artifact"
	"github.com/kiranshivaraju/geoconvert/internal/store"
	"github.com/kiranshivaraju/geoconvert/internal/thumbnail"
	"github.com/kiranshivaraju/geoconvert/internal/toolbridge"
	"github.com/kiranshivaraju/geoconvert/pkg/models"
)

const cleanupTimeout = 2 * time.Minute

// Store is the slice of the job store the pipelines use.
type Store interface {
	JobState
	GetProject(ctx context.Context, id string) (*models.Project, error)
	SetProjectPointCloud(ctx context.Context, id string, res models.PointCloudResult) error
	SetProjectOrtho(ctx context.Context, id string, res models.OrthoResult) error
}

type PointCloudTools interface {
	Info(ctx context.Context, path string, epsg *int) (*toolbridge.PointCloudInfo, error)
	DensityRaster(ctx context.Context, in, out string, resolution float64) error
}

type OctreeConverter interface {
	Convert(ctx context.Context, in, outDir, proj4 string) error
}

type RasterTools interface {
	Validate(ctx context.Context, path string) (*toolbridge.RasterInfo, error)
	TranslateCOG(ctx context.Context, in, out string) error
	Thumbnail(ctx context.Context, in, out string, width int) error
}

// Deps are the collaborators shared by both pipelines.
type Deps struct {
	Store     Store
	Artifacts artifact.Store
	PDAL      PointCloudTools
	Potree    OctreeConverter
	GDAL      RasterTools
}

type Config struct {
	// WorkDir holds one subdirectory per running job.
	WorkDir       string
	ThumbnailSize int
}

type Pipelines struct {
	deps      Deps
	exec      *Executor
	workDir   string
	thumbSize int

	renderDensity func(in, out string, size int) error
}

func New(deps Deps, cfg Config) *Pipelines {
	return &Pipelines{
		deps:          deps,
		exec:          NewExecutor(deps.Store),
		workDir:       cfg.WorkDir,
		thumbSize:     cfg.ThumbnailSize,
		renderDensity: thumbnail.RenderFile,
	}
}

// JobDir is the job's private local working directory.
func (p *Pipelines) JobDir(job *models.Job) string {
	return filepath.Join(p.workDir, job.ID.String())
}

// run prepares a clean work dir, executes stages and always cleans up. When
// the worker is shutting down the temporary upload is kept so the job can be
// requeued.
func (p *Pipelines) run(ctx context.Context, job *models.Job, stages []Stage) (err error) {
	dir := p.JobDir(job)
	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			p.removeWorkDir(job)
			return
		}
		p.Cleanup(cctx, job)
	}()

	if err := os.RemoveAll(dir); err != nil {
		return &StageError{Stage: "prepare", Kind: KindInternal, Err: err}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &StageError{Stage: "prepare", Kind: KindInternal, Err: err}
	}
	return p.exec.Execute(ctx, job, stages)
}

// Cleanup removes the job's work dir and its temporary upload. Each step is
// independent, failures are logged only, and repeated calls are harmless.
// Project artifacts are never touched.
func (p *Pipelines) Cleanup(ctx context.Context, job *models.Job) {
	p.removeWorkDir(job)

	if job.SourcePath == "" {
		return
	}
	log := slog.With("job_id", job.ID, "key", job.SourcePath)
	if !artifact.IsTempKey(job.SourcePath) {
		log.Warn("source is not a temporary upload, leaving it in place")
		return
	}
	if err := p.deps.Artifacts.Delete(ctx, job.SourcePath); err != nil {
		log.Warn("delete temporary upload failed", "error", err)
	}
}

func (p *Pipelines) removeWorkDir(job *models.Job) {
	if err := os.RemoveAll(p.JobDir(job)); err != nil {
		slog.Warn("remove work dir failed", "job_id", job.ID, "error", err)
	}
}

// --- Shared stage helpers ---

func (p *Pipelines) loadProject(ctx context.Context, id string) (*models.Project, error) {
	project, err := p.deps.Store.GetProject(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, validationError(fmt.Errorf("project %s not found", id))
		}
		return nil, storeError(err)
	}
	return project, nil
}

// download streams the job's temporary upload into dst.
func (p *Pipelines) download(ctx context.Context, job *models.Job, dst string) error {
	rc, err := p.deps.Artifacts.Open(ctx, job.SourcePath)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) || errors.Is(err, artifact.ErrInvalidKey) {
			return validationError(errors.New("uploaded file not found"))
		}
		return storeError(err)
	}
	defer rc.Close()

	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create local input: %w", err)
	}
	n, err := io.Copy(f, rc)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return storeError(fmt.Errorf("download source: %w", err))
	}
	if n == 0 {
		return validationError(errors.New("uploaded file is empty"))
	}

	slog.Info("source downloaded", "job_id", job.ID, "size", humanize.Bytes(uint64(n)))
	return nil
}

// upload puts a local file at key and returns its public URL.
func (p *Pipelines) upload(ctx context.Context, key, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	url, err := p.deps.Artifacts.Put(ctx, key, f, artifact.ContentTypeFor(path))
	if err != nil {
		return "", storeError(err)
	}
	return url, nil
}

func inputExt(job *models.Job, fallback string) string {
	if ext := strings.ToLower(filepath.Ext(job.SourcePath)); ext != "" {
		return ext
	}
	return fallback
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
