package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kiranshivaraju/geoconvert/internal/artifact"
	"github.com/kiranshivaraju/geoconvert/pkg/models"
)

type orthoRun struct {
	*Pipelines
	job *models.Job
	dir string

	input     string
	cog       string
	thumbPath string
	result    models.OrthoResult
}

// RunOrtho converts a GeoTIFF upload into a Cloud Optimized GeoTIFF and
// replaces the project's orthophoto once the upload has succeeded.
func (p *Pipelines) RunOrtho(ctx context.Context, job *models.Job) error {
	r := &orthoRun{Pipelines: p, job: job, dir: p.JobDir(job)}
	r.input = filepath.Join(r.dir, "input"+inputExt(job, ".tif"))
	r.cog = filepath.Join(r.dir, "ortho_cog.tif")

	return p.run(ctx, job, []Stage{
		{Name: "download", Message: "Downloading orthophoto", Run: r.download},
		{Name: "validate", Message: "Validating raster", Run: r.validate},
		{Name: "conversion", Message: "Converting to Cloud Optimized GeoTIFF", Run: r.convert},
		{Name: "thumbnail", Message: "Generating thumbnail", Optional: true, Run: r.thumbnail},
		{Name: "upload", Message: "Uploading orthophoto", Run: r.upload},
		{Name: "project", Message: "Updating project", Commit: true, Run: r.commit},
	})
}

func (r *orthoRun) download(ctx context.Context) error {
	if _, err := r.loadProject(ctx, r.job.ProjectID); err != nil {
		return err
	}
	return r.Pipelines.download(ctx, r.job, r.input)
}

func (r *orthoRun) validate(ctx context.Context) error {
	info, err := r.deps.GDAL.Validate(ctx, r.input)
	if err != nil {
		return inspectError(err)
	}
	slog.Info("raster validated", "job_id", r.job.ID, "driver", info.Driver, "width", info.Width, "height", info.Height)
	return nil
}

func (r *orthoRun) convert(ctx context.Context) error {
	if err := r.deps.GDAL.TranslateCOG(ctx, r.input, r.cog); err != nil {
		return toolError(err)
	}
	if err := os.Remove(r.input); err != nil {
		slog.Warn("remove local input failed", "job_id", r.job.ID, "error", err)
	}
	return nil
}

func (r *orthoRun) thumbnail(ctx context.Context) error {
	out := filepath.Join(r.dir, "ortho_thumbnail.png")
	if err := r.deps.GDAL.Thumbnail(ctx, r.cog, out, r.thumbSize); err != nil {
		return toolError(err)
	}
	r.thumbPath = out
	return nil
}

func (r *orthoRun) upload(ctx context.Context) error {
	pid := r.job.ProjectID

	url, err := r.Pipelines.upload(ctx, artifact.OrthoKey(pid), r.cog)
	if err != nil {
		return err
	}
	r.result.FileURL = url

	if r.thumbPath != "" {
		thumbURL, err := r.Pipelines.upload(ctx, artifact.OrthoThumbnailKey(pid), r.thumbPath)
		if err != nil {
			slog.Warn("thumbnail upload failed, continuing", "job_id", r.job.ID, "error", err)
		} else {
			r.result.ThumbnailURL = &thumbURL
		}
	}
	return nil
}

func (r *orthoRun) commit(ctx context.Context) error {
	if err := r.deps.Store.SetProjectOrtho(ctx, r.job.ProjectID, r.result); err != nil {
		if isNotFound(err) {
			return validationError(fmt.Errorf("project %s no longer exists", r.job.ProjectID))
		}
		return storeError(err)
	}
	return nil
}
