package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/atelier-erp/atelier-erp/internal/audit"
	"github.com/atelier-erp/atelier-erp/internal/deposits"
	"github.com/atelier-erp/atelier-erp/internal/documents"
	"github.com/atelier-erp/atelier-erp/internal/observability"
	"github.com/atelier-erp/atelier-erp/internal/sequence"
	"github.com/atelier-erp/atelier-erp/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	DocumentsHandler *documents.Handler
	DepositsHandler  *deposits.Handler
	SequenceHandler  *sequence.Handler
	AuditHandler     *audit.Handler
	JobsHandler      *jobs.Handler
	Metrics          *observability.Metrics
}

// NewRouter constructs the chi.Router with application defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/documents", params.DocumentsHandler.MountRoutes)
		params.DepositsHandler.MountRoutes(r)
		r.Route("/sequences", params.SequenceHandler.MountRoutes)
		r.Route("/audit", params.AuditHandler.MountRoutes)
	})

	if params.JobsHandler != nil {
		r.Route("/jobs", params.JobsHandler.MountRoutes)
	}

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
