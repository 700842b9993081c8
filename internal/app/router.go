package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/packtrace/packtrace/internal/observability"
	"github.com/packtrace/packtrace/internal/reconcile"
	"github.com/packtrace/packtrace/internal/scan"
	"github.com/packtrace/packtrace/internal/transfers"
	"github.com/packtrace/packtrace/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	ScanHandler      *scan.Handler
	TransferHandler  *transfers.Handler
	ReconcileHandler *reconcile.Handler
	JobHandler       *jobs.Handler
	Metrics          *observability.Metrics
}

// NewRouter constructs the chi.Router with PackTrace defaults.
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

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	if params.ScanHandler != nil {
		params.ScanHandler.MountRoutes(r)
	}
	if params.TransferHandler != nil {
		r.Route("/transfers", func(r chi.Router) {
			params.TransferHandler.MountRoutes(r)
		})
	}
	if params.ReconcileHandler != nil {
		r.Route("/reconcile", func(r chi.Router) {
			params.ReconcileHandler.MountRoutes(r)
		})
	}
	if params.JobHandler != nil {
		r.Route("/jobs", func(r chi.Router) {
			params.JobHandler.MountRoutes(r)
		})
	}

	return r
}
