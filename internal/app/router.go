package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gatekeep-io/gatekeep/internal/admin"
	"github.com/gatekeep-io/gatekeep/internal/observability"
	"github.com/gatekeep-io/gatekeep/internal/rbac"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger       *slog.Logger
	Config       *Config
	AdminHandler *admin.Handler
	Engine       *rbac.Engine
	Identity     IdentityResolver
	Metrics      *observability.Metrics
}

// NewRouter constructs the chi.Router. Admin endpoints sit behind the
// token check; everything under /features is gated by the decision
// engine with the (feature, permission) pair inferred from the request.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger: params.Logger,
		Config: params.Config,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)
	r.Use(params.Metrics.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(AdminOnly(params.Config.AdminTokenHash))
		params.AdminHandler.MountRoutes(r)
	})

	// Demonstration surface for inferred checks: any request under
	// /features is authorized against the first path segment below it.
	r.Route("/features", func(r chi.Router) {
		r.Use(ResolveIdentity(params.Identity))
		r.Use(stripPrefix("/features"))
		r.Use(Authorize(params.Engine, params.Logger, params.Metrics))
		r.HandleFunc("/*", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"granted":true}`))
		})
	})

	return r
}

func stripPrefix(prefix string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.StripPrefix(prefix, next)
	}
}
