package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/geoconvert/internal/api/middleware"
	"github.com/kiranshivaraju/geoconvert/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	RateLimit *mw.RateLimit

	// Files serves artifacts of the local backend under /files/. Nil when
	// artifacts are served by the bucket.
	Files http.Handler

	HealthHandler http.HandlerFunc
	StatsHandler  http.HandlerFunc

	ListProjects        http.HandlerFunc
	CreateProject       http.HandlerFunc
	GetProject          http.HandlerFunc
	UpdateProject       http.HandlerFunc
	DeleteProject       http.HandlerFunc
	BatchDeleteProjects http.HandlerFunc

	UploadPointCloud  http.HandlerFunc
	UploadOrtho       http.HandlerFunc
	ListProjectJobs   http.HandlerFunc
	CancelProjectJobs http.HandlerFunc

	GetJob    http.HandlerFunc
	JobStatus http.HandlerFunc
	CancelJob http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	r.Get("/api/v1/stats", orNotImplemented(deps.StatsHandler))

	r.Get("/api/v1/projects", orNotImplemented(deps.ListProjects))
	r.Post("/api/v1/projects", orNotImplemented(deps.CreateProject))
	r.Get("/api/v1/projects/{projectID}", orNotImplemented(deps.GetProject))
	r.Patch("/api/v1/projects/{projectID}", orNotImplemented(deps.UpdateProject))
	r.Delete("/api/v1/projects/{projectID}", orNotImplemented(deps.DeleteProject))
	r.Get("/api/v1/projects/{projectID}/jobs", orNotImplemented(deps.ListProjectJobs))

	r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJob))
	r.Get("/api/v1/jobs/{jobID}/status", orNotImplemented(deps.JobStatus))

	// Expensive or destructive routes are rate limited per client.
	r.Group(func(r chi.Router) {
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}

		r.Post("/api/v1/projects/batch-delete", orNotImplemented(deps.BatchDeleteProjects))
		r.Post("/api/v1/projects/{projectID}/pointcloud", orNotImplemented(deps.UploadPointCloud))
		r.Post("/api/v1/projects/{projectID}/ortho", orNotImplemented(deps.UploadOrtho))
		r.Post("/api/v1/projects/{projectID}/jobs/cancel", orNotImplemented(deps.CancelProjectJobs))
		r.Post("/api/v1/jobs/{jobID}/cancel", orNotImplemented(deps.CancelJob))
	})

	if deps.Files != nil {
		r.Handle("/files/*", http.StripPrefix("/files", deps.Files))
	}

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
