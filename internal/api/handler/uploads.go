package handler

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/geoconvert/internal/api/response"
	"github.com/kiranshivaraju/geoconvert/internal/artifact"
	"github.com/kiranshivaraju/geoconvert/pkg/models"
)

// sniffLen is how much of the upload is inspected before it is streamed to storage.
const sniffLen = 3072

// lasMagic opens every LAS and LAZ file.
var lasMagic = []byte("LASF")

// JobCreator registers uploads as pending jobs for an existing project.
type JobCreator interface {
	GetProject(ctx context.Context, id string) (*models.Project, error)
	CreateJob(ctx context.Context, job *models.Job) error
}

// ArtifactWriter stores uploads and removes them again when the job cannot be created.
type ArtifactWriter interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}

type uploadKind struct {
	extensions  map[string]bool
	description string
	contentType string
	sniff       func(head []byte) bool
}

var uploadKinds = map[models.JobType]uploadKind{
	models.JobTypePointCloud: {
		extensions:  map[string]bool{".las": true, ".laz": true},
		description: ".las, .laz",
		contentType: "application/octet-stream",
		sniff:       func(head []byte) bool { return bytes.HasPrefix(head, lasMagic) },
	},
	models.JobTypeOrtho: {
		extensions:  map[string]bool{".tif": true, ".tiff": true},
		description: ".tif, .tiff",
		contentType: "image/tiff",
		sniff:       func(head []byte) bool { return mimetype.Detect(head).Is("image/tiff") },
	},
}

type uploadResponse struct {
	JobID      uuid.UUID        `json:"job_id"`
	ProjectID  string           `json:"project_id"`
	Type       models.JobType   `json:"type"`
	Status     models.JobStatus `json:"status"`
	SourceName string           `json:"source_name"`
	CreatedAt  time.Time        `json:"created_at"`
}

// NewUploadHandler returns an http.HandlerFunc for
// POST /api/v1/projects/{projectID}/{pointcloud|ortho}. The multipart part
// named "file" is streamed into the artifact store without buffering and a
// pending job of jobType is created for it.
func NewUploadHandler(jobType models.JobType, s JobCreator, a ArtifactWriter, maxBytes int64) http.HandlerFunc {
	kind, ok := uploadKinds[jobType]
	if !ok {
		panic("handler: no upload kind for job type " + string(jobType))
	}

	return func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "projectID")
		if _, err := s.GetProject(r.Context(), projectID); err != nil {
			writeProjectError(w, projectID, err)
			return
		}

		// Large uploads outlive the server-wide read and write timeouts.
		rc := http.NewResponseController(w)
		_ = rc.SetReadDeadline(time.Time{})
		_ = rc.SetWriteDeadline(time.Time{})

		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		mr, err := r.MultipartReader()
		if err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Expected a multipart/form-data body", nil)
			return
		}

		var part io.ReadCloser
		var name string
		for {
			p, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Missing multipart field \"file\"", nil)
				return
			}
			if err != nil {
				writeBodyError(w, maxBytes, err)
				return
			}
			if p.FormName() == "file" {
				part, name = p, filepath.Base(p.FileName())
				break
			}
		}
		defer part.Close()

		ext := strings.ToLower(filepath.Ext(name))
		if !kind.extensions[ext] {
			response.Error(w, http.StatusBadRequest, response.CodeUnsupportedFile,
				"Invalid file type. Supported formats: "+kind.description, nil)
			return
		}

		br := bufio.NewReaderSize(part, sniffLen)
		head, err := br.Peek(sniffLen)
		if err != nil && !errors.Is(err, io.EOF) {
			writeBodyError(w, maxBytes, err)
			return
		}
		if len(head) == 0 {
			response.Error(w, http.StatusBadRequest, response.CodeUnsupportedFile, "Uploaded file is empty", nil)
			return
		}
		if !kind.sniff(head) {
			response.Error(w, http.StatusBadRequest, response.CodeUnsupportedFile,
				"File content does not match its "+ext+" extension", nil)
			return
		}

		now := time.Now().UTC()
		job := &models.Job{
			ID:              uuid.New(),
			ProjectID:       projectID,
			Type:            jobType,
			Status:          models.JobStatusPending,
			CurrentStep:     "queued",
			ProgressMessage: "Waiting for a worker",
			SourceName:      name,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		job.SourcePath = artifact.TempUploadKey(job.ID, ext)

		start := time.Now()
		cr := &countingReader{r: br}
		if _, err := a.Put(r.Context(), job.SourcePath, cr, kind.contentType); err != nil {
			writePutError(w, maxBytes, job.SourcePath, err)
			return
		}
		slog.Info("upload stored",
			"job_id", job.ID,
			"project_id", projectID,
			"file", name,
			"size", humanize.Bytes(uint64(cr.n)),
			"duration_ms", time.Since(start).Milliseconds(),
		)

		if err := s.CreateJob(r.Context(), job); err != nil {
			slog.Error("create job failed", "job_id", job.ID, "project_id", projectID, "error", err)
			if derr := a.Delete(context.WithoutCancel(r.Context()), job.SourcePath); derr != nil {
				slog.Warn("orphaned upload not removed", "key", job.SourcePath, "error", derr)
			}
			response.Internal(w)
			return
		}

		response.Accepted(w, uploadResponse{
			JobID:      job.ID,
			ProjectID:  job.ProjectID,
			Type:       job.Type,
			Status:     job.Status,
			SourceName: job.SourceName,
			CreatedAt:  job.CreatedAt,
		})
	}
}

// writeBodyError maps failures while reading the multipart body.
func writeBodyError(w http.ResponseWriter, maxBytes int64, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		response.Error(w, http.StatusRequestEntityTooLarge, response.CodePayloadTooLarge,
			"File exceeds the "+humanize.IBytes(uint64(maxBytes))+" upload limit", nil)
		return
	}
	response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Malformed multipart body", nil)
}

// writePutError maps a failed Put. The body limit surfaces here because the
// part is streamed straight into the store.
func writePutError(w http.ResponseWriter, maxBytes int64, key string, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeBodyError(w, maxBytes, err)
	case errors.Is(err, context.Canceled):
		slog.Info("upload aborted by client", "key", key)
	default:
		slog.Error("upload failed", "key", key, "error", err)
		response.Error(w, http.StatusServiceUnavailable, response.CodeStorageUnavailable,
			"Upload could not be stored", nil)
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
