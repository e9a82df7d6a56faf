package app

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"
	"golang.org/x/crypto/bcrypt"

	"github.com/gatekeep-io/gatekeep/internal/observability"
	"github.com/gatekeep-io/gatekeep/internal/platform/httpx"
	"github.com/gatekeep-io/gatekeep/internal/rbac"
	"github.com/gatekeep-io/gatekeep/internal/shared"
)

// IdentityResolver turns an inbound request into a caller identity. The
// integrating application supplies one; when absent the headers
// X-User-Id and X-User-Email are trusted as pre-attached identity.
type IdentityResolver func(*http.Request) (shared.Identity, error)

// HeaderIdentity is the fallback resolver reading pre-attached identity
// fields from request headers.
func HeaderIdentity(r *http.Request) (shared.Identity, error) {
	id := shared.Identity{
		UserID: strings.TrimSpace(r.Header.Get("X-User-Id")),
		Email:  strings.TrimSpace(r.Header.Get("X-User-Email")),
	}
	if id.UserID == "" && id.Email == "" {
		return shared.Identity{}, shared.ErrUnauthenticated
	}
	return id, nil
}

// MiddlewareConfig aggregates dependencies shared by the middleware stack.
type MiddlewareConfig struct {
	Logger *slog.Logger
	Config *Config
}

// MiddlewareStack installs the base middleware chain.
func MiddlewareStack(cfg MiddlewareConfig) []func(http.Handler) http.Handler {
	secureMiddleware := secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		ReferrerPolicy:     "strict-origin-when-cross-origin",
		SSLRedirect:        cfg.Config != nil && cfg.Config.IsProduction(),
		SSLProxyHeaders:    map[string]string{"X-Forwarded-Proto": "https"},
	})

	limit := 100
	timeout := 30 * time.Second
	if cfg.Config != nil {
		if cfg.Config.RateLimit > 0 {
			limit = cfg.Config.RateLimit
		}
		if cfg.Config.AppRequestTimeout > 0 {
			timeout = cfg.Config.AppRequestTimeout
		}
	}

	return []func(http.Handler) http.Handler{
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		chimw.Timeout(timeout),
		secureMiddleware.Handler,
		httprate.LimitByIP(limit, time.Minute),
	}
}

// ResolveIdentity attaches the caller identity to the request context.
// Resolution failures are not fatal here; routes that need an identity
// reject the request themselves.
func ResolveIdentity(resolver IdentityResolver) func(http.Handler) http.Handler {
	if resolver == nil {
		resolver = HeaderIdentity
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id, err := resolver(r); err == nil {
				r = r.WithContext(shared.ContextWithIdentity(r.Context(), id))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Authorize gates feature routes through the decision engine, inferring
// the (feature, permission) pair from the request. Missing identity and
// unknown users map to 401, every other denial to 403. Metrics may be
// nil.
func Authorize(engine *rbac.Engine, logger *slog.Logger, metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := shared.IdentityFromContext(r.Context())
			if !ok || identity.UserID == "" {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
				return
			}
			decision, err := engine.DecideRequest(r.Context(), identity.UserID, r.Method, r.URL.Path)
			if err != nil {
				logger.Error("authorize", slog.String("user_id", identity.UserID), slog.Any("error", err))
				httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
				return
			}
			metrics.ObserveDecision(decision)
			if !decision.Allowed {
				if decision.Reason == rbac.DenyUnauthenticated {
					httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
					return
				}
				httpx.Problem(w, http.StatusForbidden, "Forbidden", string(decision.Reason))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AdminOnly verifies the bearer token against the configured bcrypt
// hash. An empty hash disables the check for development setups.
func AdminOnly(tokenHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokenHash == "" {
				next.ServeHTTP(w, r)
				return
			}
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || bcrypt.CompareHashAndPassword([]byte(tokenHash), []byte(token)) != nil {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
