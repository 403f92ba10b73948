package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	gatemiddleware "github.com/sly-net/netbox-remote-authn-ldap-authz/internal/middleware"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/services/iam"
)

// RouterOptions controls the construction of the HTTP router.
// The zero value is valid; sensible defaults are applied where fields are not set.
type RouterOptions struct {
	IAMService iam.Service
	Logger     *zap.Logger
	// Gatherer serves /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	// CORSOptions replaces DefaultCORSOptions when set.
	CORSOptions *cors.Options
}

// DefaultCORSOptions returns the policy applied to the JSON API.
func DefaultCORSOptions() cors.Options {
	return cors.Options{
		AllowedOrigins:   []string{"http://localhost:8000", "http://127.0.0.1:8000"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}
}

// healthHandler reports liveness only. Cache counters are served behind the
// gate at /api/admin/cache and as metrics.
func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// NewRouter assembles a chi.Router with shared middleware, the gate and the
// JSON API mounted.
//
//	GET    /health                          liveness, no gate
//	GET    /metrics                         Prometheus, no gate
//	GET    /api/whoami                      any authorized user
//	GET    /api/admin/users                 staff
//	GET    /api/admin/users/{username}      staff
//	POST   /api/admin/users/{username}/sync superuser
//	GET    /api/admin/cache                 staff
//	DELETE /api/admin/cache                 superuser
//	DELETE /api/admin/cache/{username}      superuser
func NewRouter(opts RouterOptions) chi.Router {
	r := chi.NewRouter()

	// Baseline middleware shared across entrypoints.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(gatemiddleware.RequestLogger(opts.Logger))
	r.Use(middleware.Recoverer)

	corsCfg := DefaultCORSOptions()
	if opts.CORSOptions != nil {
		corsCfg = *opts.CORSOptions
	}
	r.Use(cors.Handler(corsCfg))

	r.Get("/health", healthHandler)

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	if opts.IAMService == nil {
		return r
	}

	r.Group(func(r chi.Router) {
		r.Use(gatemiddleware.GateMiddleware(opts.IAMService))

		r.With(gatemiddleware.RequireAuthenticated).Get("/api/whoami", HandleWhoAmI())

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(gatemiddleware.RequireStaff)
			r.Get("/users", HandleListUsers(opts.IAMService))
			r.Get("/users/{username}", HandleGetUser(opts.IAMService))
			r.Get("/cache", HandleCacheStats(opts.IAMService))

			r.With(gatemiddleware.RequireSuperuser).Post("/users/{username}/sync", HandleSyncUser(opts.IAMService))
			r.With(gatemiddleware.RequireSuperuser).Delete("/cache", HandlePurgeCache(opts.IAMService))
			r.With(gatemiddleware.RequireSuperuser).Delete("/cache/{username}", HandleInvalidateUser(opts.IAMService))
		})
	})

	return r
}

// NewH2CHandler wraps the router with an h2c server so upstream proxies can
// speak HTTP/2 over cleartext.
func NewH2CHandler(opts RouterOptions) http.Handler {
	return h2c.NewHandler(NewRouter(opts), &http2.Server{})
}
