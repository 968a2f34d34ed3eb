package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/unbound-ops/unbound/internal/audit"
	"github.com/unbound-ops/unbound/internal/auth"
	"github.com/unbound-ops/unbound/internal/commands"
	"github.com/unbound-ops/unbound/internal/observability"
	"github.com/unbound-ops/unbound/internal/rules"
	"github.com/unbound-ops/unbound/internal/users"
	"github.com/unbound-ops/unbound/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	AuthMiddleware  auth.Middleware
	UsersHandler    *users.Handler
	RulesHandler    *rules.Handler
	CommandsHandler *commands.Handler
	AuditHandler    *audit.Handler
	JobsHandler     *jobs.Handler
	Metrics         *observability.Metrics
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
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(params.AuthMiddleware.Authenticate)

		r.Route("/users", params.UsersHandler.MountRoutes)
		r.Route("/rules", params.RulesHandler.MountRoutes)
		r.Route("/commands", params.CommandsHandler.MountRoutes)
		r.Group(func(r chi.Router) {
			r.Use(params.AuthMiddleware.RequireAdmin)
			r.Route("/audit", params.AuditHandler.MountRoutes)
			if params.JobsHandler != nil {
				r.Route("/jobs", params.JobsHandler.MountRoutes)
			}
		})
	})

	return r
}
