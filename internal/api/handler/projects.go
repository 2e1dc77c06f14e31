package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/geoconvert/internal/api/response"
	"github.com/kiranshivaraju/geoconvert/internal/artifact"
	"github.com/kiranshivaraju/geoconvert/internal/store"
	"github.com/kiranshivaraju/geoconvert/pkg/models"
)

type ProjectLister interface {
	ListProjects(ctx context.Context, filter store.ProjectFilter) ([]*models.Project, int, error)
}

type ProjectGetter interface {
	GetProject(ctx context.Context, id string) (*models.Project, error)
}

type ProjectCreator interface {
	CreateProject(ctx context.Context, p *models.Project) error
}

type ProjectUpdater interface {
	UpdateProject(ctx context.Context, id string, upd store.ProjectUpdate) (*models.Project, error)
}

// ProjectDeleter flags a project's active jobs before removing its row.
type ProjectDeleter interface {
	CancelProjectJobs(ctx context.Context, projectID string) ([]uuid.UUID, error)
	DeleteProject(ctx context.Context, id string) error
}

// ArtifactPurger removes every artifact published under a prefix.
type ArtifactPurger interface {
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// --- List ---

type listProjectsQuery struct {
	Search    string   `json:"search" validate:"max=200"`
	Client    string   `json:"client" validate:"max=200"`
	Tags      []string `json:"tags" validate:"max=20,dive,required,max=64"`
	SortBy    string   `json:"sort_by" validate:"omitempty,oneof=created_at date name client"`
	SortOrder string   `json:"sort_order" validate:"omitempty,oneof=asc desc"`
	Limit     int      `json:"limit" validate:"min=1"`
	Offset    int      `json:"offset" validate:"min=0"`
}

// NewListProjectsHandler returns an http.HandlerFunc for GET /api/v1/projects.
func NewListProjectsHandler(s ProjectLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		params := listProjectsQuery{
			Search:    q.Get("search"),
			Client:    q.Get("client"),
			Tags:      splitTags(q["tags"]),
			SortBy:    q.Get("sort_by"),
			SortOrder: strings.ToLower(q.Get("sort_order")),
			Limit:     store.DefaultProjectLimit,
		}

		var err error
		if v := q.Get("limit"); v != "" {
			if params.Limit, err = strconv.Atoi(v); err != nil {
				response.Error(w, http.StatusBadRequest, response.CodeValidation, "Request validation failed",
					map[string]string{"limit": "must be an integer"})
				return
			}
		}
		if v := q.Get("offset"); v != "" {
			if params.Offset, err = strconv.Atoi(v); err != nil {
				response.Error(w, http.StatusBadRequest, response.CodeValidation, "Request validation failed",
					map[string]string{"offset": "must be an integer"})
				return
			}
		}
		if err := validate.Struct(params); err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeValidation, "Request validation failed", validationDetails(err))
			return
		}
		params.Limit = min(params.Limit, store.MaxProjectLimit)

		projects, total, err := s.ListProjects(r.Context(), store.ProjectFilter{
			Search:    params.Search,
			Client:    params.Client,
			Tags:      params.Tags,
			SortBy:    params.SortBy,
			SortOrder: params.SortOrder,
			Limit:     params.Limit,
			Offset:    params.Offset,
		})
		if err != nil {
			slog.Error("list projects failed", "error", err)
			response.Internal(w)
			return
		}

		response.Collection(w, projects, response.NewPaginationMeta(params.Limit, params.Offset, total))
	}
}

// splitTags accepts both ?tags=a,b and ?tags=a&tags=b.
func splitTags(raw []string) []string {
	var tags []string
	for _, v := range raw {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
	}
	return tags
}

// --- Create ---

type crsRequest struct {
	EPSG  *int   `json:"epsg" validate:"omitnil,gt=0"`
	Name  string `json:"name" validate:"max=200"`
	Proj4 string `json:"proj4" validate:"max=2000"`
}

type locationRequest struct {
	Lat float64 `json:"lat" validate:"min=-90,max=90"`
	Lon float64 `json:"lon" validate:"min=-180,max=180"`
	Z   float64 `json:"z"`
}

type createProjectRequest struct {
	ID          string           `json:"id" validate:"required,project_id"`
	Name        string           `json:"name" validate:"required,max=200"`
	Client      *string          `json:"client" validate:"omitnil,max=200"`
	Description *string          `json:"description" validate:"omitnil,max=5000"`
	Date        string           `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Tags        []string         `json:"tags" validate:"max=50,dive,required,max=64"`
	CRS         crsRequest       `json:"crs"`
	Location    *locationRequest `json:"location"`
}

// NewCreateProjectHandler returns an http.HandlerFunc for POST /api/v1/projects.
func NewCreateProjectHandler(s ProjectCreator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createProjectRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		now := time.Now().UTC()
		p := &models.Project{
			ID:          req.ID,
			Name:        req.Name,
			Client:      req.Client,
			Description: req.Description,
			Date:        parseDate(req.Date),
			Tags:        req.Tags,
			CRS:         models.CRS{EPSG: req.CRS.EPSG, Name: req.CRS.Name, Proj4: req.CRS.Proj4},
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if p.Tags == nil {
			p.Tags = []string{}
		}
		if req.Location != nil {
			p.Location = &models.Location{Lat: req.Location.Lat, Lon: req.Location.Lon, Z: req.Location.Z}
		}

		if err := s.CreateProject(r.Context(), p); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				response.Error(w, http.StatusConflict, response.CodeProjectExists,
					"Project with id "+req.ID+" already exists", nil)
				return
			}
			slog.Error("create project failed", "project_id", req.ID, "error", err)
			response.Internal(w)
			return
		}

		slog.Info("project created", "project_id", p.ID)
		response.Created(w, p)
	}
}

// --- Get ---

// NewGetProjectHandler returns an http.HandlerFunc for GET /api/v1/projects/{projectID}.
func NewGetProjectHandler(s ProjectGetter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "projectID")
		p, err := s.GetProject(r.Context(), id)
		if err != nil {
			writeProjectError(w, id, err)
			return
		}
		response.JSON(w, p)
	}
}

// --- Update ---

type updateProjectRequest struct {
	Name        *string  `json:"name" validate:"omitnil,min=1,max=200"`
	Client      *string  `json:"client" validate:"omitnil,max=200"`
	Description *string  `json:"description" validate:"omitnil,max=5000"`
	Date        *string  `json:"date" validate:"omitnil,datetime=2006-01-02"`
	Tags        []string `json:"tags" validate:"max=50,dive,required,max=64"`
}

// NewUpdateProjectHandler returns an http.HandlerFunc for PATCH /api/v1/projects/{projectID}.
// Artifact references and location are owned by the conversion pipelines and
// cannot be patched.
func NewUpdateProjectHandler(s ProjectUpdater) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "projectID")

		var req updateProjectRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		upd := store.ProjectUpdate{
			Name:        req.Name,
			Client:      req.Client,
			Description: req.Description,
			Tags:        req.Tags,
		}
		if req.Date != nil {
			upd.Date = parseDate(*req.Date)
		}

		p, err := s.UpdateProject(r.Context(), id, upd)
		if err != nil {
			writeProjectError(w, id, err)
			return
		}
		response.JSON(w, p)
	}
}

// --- Delete ---

type deleteOutcome struct {
	ProjectID        string      `json:"project_id"`
	CancelledJobs    []uuid.UUID `json:"cancelled_jobs"`
	ArtifactsDeleted int         `json:"artifacts_deleted"`
	ArtifactsCleaned bool        `json:"artifacts_cleaned"`
}

// deleteProject flags active jobs, removes the row and then purges the
// project's published artifacts. A purge failure is reported, not returned:
// the project is already gone at that point.
func deleteProject(ctx context.Context, s ProjectDeleter, a ArtifactPurger, id string) (*deleteOutcome, error) {
	cancelled, err := s.CancelProjectJobs(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.DeleteProject(ctx, id); err != nil {
		return nil, err
	}

	out := &deleteOutcome{ProjectID: id, CancelledJobs: cancelled, ArtifactsCleaned: true}
	n, err := a.DeletePrefix(ctx, artifact.ProjectPrefix(id))
	out.ArtifactsDeleted = n
	if err != nil {
		out.ArtifactsCleaned = false
		slog.Warn("project artifacts not fully removed", "project_id", id, "deleted", n, "error", err)
	}
	slog.Info("project deleted", "project_id", id, "cancelled_jobs", len(cancelled), "artifacts_deleted", n)
	return out, nil
}

// NewDeleteProjectHandler returns an http.HandlerFunc for DELETE /api/v1/projects/{projectID}.
func NewDeleteProjectHandler(s ProjectDeleter, a ArtifactPurger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "projectID")
		if !artifact.ValidProjectID(id) {
			writeProjectError(w, id, store.ErrNotFound)
			return
		}

		out, err := deleteProject(r.Context(), s, a, id)
		if err != nil {
			writeProjectError(w, id, err)
			return
		}
		response.JSON(w, out)
	}
}

type batchDeleteRequest struct {
	ProjectIDs []string `json:"project_ids" validate:"required,min=1,max=100,dive,required"`
}

type batchDeleteFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

type batchDeleteResponse struct {
	Deleted      []string             `json:"deleted"`
	Failed       []batchDeleteFailure `json:"failed"`
	DeletedCount int                  `json:"deleted_count"`
	FailedCount  int                  `json:"failed_count"`
	Total        int                  `json:"total"`
}

// NewBatchDeleteProjectsHandler returns an http.HandlerFunc for
// POST /api/v1/projects/batch-delete. Each id is deleted independently;
// earlier deletions are not rolled back when a later one fails.
func NewBatchDeleteProjectsHandler(s ProjectDeleter, a ArtifactPurger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req batchDeleteRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		resp := batchDeleteResponse{
			Deleted: []string{},
			Failed:  []batchDeleteFailure{},
			Total:   len(req.ProjectIDs),
		}
		for _, id := range req.ProjectIDs {
			if !artifact.ValidProjectID(id) {
				resp.Failed = append(resp.Failed, batchDeleteFailure{ID: id, Error: "Project not found"})
				continue
			}
			if _, err := deleteProject(r.Context(), s, a, id); err != nil {
				msg := "Failed to delete project"
				if errors.Is(err, store.ErrNotFound) {
					msg = "Project not found"
				} else {
					slog.Error("batch delete failed", "project_id", id, "error", err)
				}
				resp.Failed = append(resp.Failed, batchDeleteFailure{ID: id, Error: msg})
				continue
			}
			resp.Deleted = append(resp.Deleted, id)
		}
		resp.DeletedCount = len(resp.Deleted)
		resp.FailedCount = len(resp.Failed)

		slog.Info("batch delete completed", "deleted", resp.DeletedCount, "failed", resp.FailedCount)
		response.JSON(w, resp)
	}
}

func writeProjectError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, response.CodeProjectNotFound,
			"Project with id "+id+" not found", nil)
		return
	}
	slog.Error("project operation failed", "project_id", id, "error", err)
	response.Internal(w)
}
