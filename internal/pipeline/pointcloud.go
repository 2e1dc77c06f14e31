package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/kiranshivaraju/geoconvert/internal/artifact"
	"github.com/kiranshivaraju/geoconvert/internal/toolbridge"
	"github.com/kiranshivaraju/geoconvert/pkg/models"
)

type pointCloudRun struct {
	*Pipelines
	job *models.Job
	dir string

	project   *models.Project
	input     string
	info      *toolbridge.PointCloudInfo
	location  *models.Location
	thumbPath string
	outDir    string
	result    models.PointCloudResult
}

// RunPointCloud converts a LAS/LAZ upload into a Potree octree published
// under the project's pointcloud prefix.
func (p *Pipelines) RunPointCloud(ctx context.Context, job *models.Job) error {
	r := &pointCloudRun{Pipelines: p, job: job, dir: p.JobDir(job)}
	r.input = filepath.Join(r.dir, "input"+inputExt(job, ".laz"))
	r.outDir = filepath.Join(r.dir, "potree")

	return p.run(ctx, job, []Stage{
		{Name: "download", Message: "Downloading point cloud", Run: r.download},
		{Name: "metadata", Message: "Reading point cloud metadata", Run: r.metadata},
		{Name: "thumbnail", Message: "Generating thumbnail", Optional: true, Run: r.thumbnail},
		{Name: "conversion", Message: "Converting to Potree format", Run: r.convert},
		{Name: "upload", Message: "Uploading converted point cloud", Run: r.upload},
		{Name: "project", Message: "Updating project", Commit: true, Run: r.commit},
	})
}

func (r *pointCloudRun) download(ctx context.Context) error {
	project, err := r.loadProject(ctx, r.job.ProjectID)
	if err != nil {
		return err
	}
	r.project = project
	return r.Pipelines.download(ctx, r.job, r.input)
}

func (r *pointCloudRun) metadata(ctx context.Context) error {
	info, err := r.deps.PDAL.Info(ctx, r.input, r.project.CRS.EPSG)
	if err != nil {
		return inspectError(err)
	}
	r.info = info
	if lat, lon, z, ok := info.Center(); ok {
		r.location = &models.Location{Lat: lat, Lon: lon, Z: z}
	}

	slog.Info("point cloud inspected",
		"job_id", r.job.ID,
		"points", humanize.Comma(info.PointCount),
		"georeferenced", r.location != nil)
	return nil
}

// thumbnail renders a top-down point density image.
func (r *pointCloudRun) thumbnail(ctx context.Context) error {
	extent := math.Max(r.info.Native.Width(), r.info.Native.Height())
	if extent <= 0 {
		return errors.New("point cloud has no horizontal extent")
	}

	density := filepath.Join(r.dir, "density.tif")
	if err := r.deps.PDAL.DensityRaster(ctx, r.input, density, extent/float64(r.thumbSize)); err != nil {
		return toolError(err)
	}
	out := filepath.Join(r.dir, "thumbnail.png")
	if err := r.renderDensity(density, out, r.thumbSize); err != nil {
		return err
	}
	r.thumbPath = out
	return nil
}

func (r *pointCloudRun) convert(ctx context.Context) error {
	if err := r.deps.Potree.Convert(ctx, r.input, r.outDir, r.project.CRS.Proj4); err != nil {
		return toolError(err)
	}
	if err := os.Remove(r.input); err != nil {
		slog.Warn("remove local input failed", "job_id", r.job.ID, "error", err)
	}
	return nil
}

// upload publishes the thumbnail (best effort) and then every file of the
// octree under the project's pointcloud prefix.
func (r *pointCloudRun) upload(ctx context.Context) error {
	pid := r.job.ProjectID
	metaPath := filepath.Join(r.outDir, toolbridge.PotreeMetadataFile)
	if _, err := os.Stat(metaPath); err != nil {
		return toolError(toolbridge.ErrNoPotreeMetadata)
	}

	// metadata.json goes last so the live copy describes the previous
	// octree until every other file is in place.
	var files int
	var total int64
	err := filepath.WalkDir(r.outDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || path == metaPath {
			return err
		}
		rel, err := filepath.Rel(r.outDir, path)
		if err != nil {
			return err
		}
		if _, err := r.Pipelines.upload(ctx, artifact.PointCloudPrefix(pid)+filepath.ToSlash(rel), path); err != nil {
			return err
		}
		if fi, err := d.Info(); err == nil {
			total += fi.Size()
		}
		files++
		return nil
	})
	if err != nil {
		var se *StageError
		if errors.As(err, &se) {
			return se
		}
		return fmt.Errorf("walk converter output: %w", err)
	}
	if _, err := r.Pipelines.upload(ctx, artifact.PointCloudMetadataKey(pid), metaPath); err != nil {
		return err
	}
	files++

	if r.thumbPath != "" {
		url, err := r.Pipelines.upload(ctx, artifact.PointCloudThumbnailKey(pid), r.thumbPath)
		if err != nil {
			slog.Warn("thumbnail upload failed, continuing", "job_id", r.job.ID, "error", err)
		} else {
			r.result.ThumbnailURL = &url
		}
	}

	r.result.CloudURL = r.deps.Artifacts.URL(artifact.PointCloudMetadataKey(pid))
	r.result.Location = r.location
	r.result.PointCount = r.info.PointCount
	slog.Info("point cloud uploaded", "job_id", r.job.ID, "files", files, "size", humanize.Bytes(uint64(total)))
	return nil
}

func (r *pointCloudRun) commit(ctx context.Context) error {
	if err := r.deps.Store.SetProjectPointCloud(ctx, r.job.ProjectID, r.result); err != nil {
		if isNotFound(err) {
			return validationError(fmt.Errorf("project %s no longer exists", r.job.ProjectID))
		}
		return storeError(err)
	}
	return nil
}
