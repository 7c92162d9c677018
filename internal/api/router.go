package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	apihandler "github.com/corpusforge/corpusforge/internal/api/handler"
	apimw "github.com/corpusforge/corpusforge/internal/api/middleware"
	"github.com/corpusforge/corpusforge/internal/pipeline"
	"github.com/corpusforge/corpusforge/internal/store"
	minioclient "github.com/corpusforge/corpusforge/internal/store/minio"
)

// RouterDeps holds optional dependencies for the router.
type RouterDeps struct {
	MinIO        *minioclient.Client
	Orchestrator *pipeline.Orchestrator
	Monitor      *pipeline.Monitor
	AutoAdvance  bool
}

func NewRouter(logger *slog.Logger, s *store.Store, deps *RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(apimw.Logger(logger))
	r.Use(apimw.CORS)
	r.Use(chimw.Recoverer)

	// Health checks
	health := apihandler.NewHealthHandler(s.Pool())
	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)

	if deps == nil {
		deps = &RouterDeps{}
	}

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		runs := apihandler.NewRunHandler(logger, s, deps.Orchestrator, deps.Monitor, deps.AutoAdvance)
		r.Route("/pipeline-runs", func(r chi.Router) {
			r.Get("/", runs.List)
			r.Post("/", runs.Create)
			r.Route("/{runID}", func(r chi.Router) {
				r.Get("/", runs.Get)
				r.Get("/status", runs.Status)
				r.Get("/logs", runs.Logs)
				r.Post("/start", runs.Start)
				r.Post("/pause", runs.Pause)
				r.Post("/cancel", runs.Cancel)
				r.Post("/retry", runs.Retry)
				r.Post("/skip", runs.Skip)
				r.Post("/advance", runs.Advance)
			})
		})

		// Upload (requires MinIO)
		if deps.MinIO != nil {
			upload := apihandler.NewUploadHandler(logger, deps.MinIO)
			r.Post("/documents", upload.Upload)
		}
	})

	return r
}
