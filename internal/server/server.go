// Package server implements the HTTP transport layer for the Vanguard gateway:
// the ordered filter chain, the auth endpoints, and the proxy handler that
// hands matched requests to the upstream client.
package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/openvanguard/vanguard/internal"
	"github.com/openvanguard/vanguard/internal/auth"
	"github.com/openvanguard/vanguard/internal/ccu"
	"github.com/openvanguard/vanguard/internal/policy"
	"github.com/openvanguard/vanguard/internal/ratelimit"
	"github.com/openvanguard/vanguard/internal/session"
	"github.com/openvanguard/vanguard/internal/storage"
	"github.com/openvanguard/vanguard/internal/telemetry"
	"github.com/openvanguard/vanguard/internal/upstream"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// PermissionChecker answers permission questions for the authorization filter.
type PermissionChecker interface {
	HasPermission(ctx context.Context, userID, code string) bool
}

// Presence marks users online; writes happen off the request path.
type Presence interface {
	Touch(userID string)
}

// MetricsSink receives one sample per completed request.
type MetricsSink interface {
	Record(ccu.Sample)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Sessions  *session.Store
	Perms     PermissionChecker
	Policies  *policy.Engine
	Limiter   *ratelimit.Engine
	Router    *upstream.Router
	Pool      *upstream.Pool
	OIDC      *auth.Provider     // nil = OIDC login endpoints disabled
	Store     storage.Store      // nil = admin API disabled
	Heartbeat Presence           // nil = no presence tracking
	Sink      MetricsSink        // nil = no dashboard counters
	Metrics   *telemetry.Metrics // nil = no Prometheus metrics
	Ready     ReadyChecker       // nil = always ready (for tests)

	CookieName     string        // defaults to gateway.SessionCookie
	SecureCookies  bool          // Secure attribute on session cookies
	RefreshTTL     time.Duration // session cookie max-age bound
	RequestTimeout time.Duration // per-request deadline, default 30s
	PostLoginURL   string        // where the OIDC callback redirects by default
}

// New creates an http.Handler with the filter chain and all routes wired.
func New(deps Deps) http.Handler {
	if deps.CookieName == "" {
		deps.CookieName = gateway.SessionCookie
	}
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 30 * time.Second
	}
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Filter chain in locked order. Each filter that exempts public paths
	// checks publicPath itself so the order stays visible in one place.
	r.Use(s.recovery)
	r.Use(s.deadline)
	r.Use(s.tracing)   // -100
	r.Use(s.metrics)   // -90
	r.Use(s.csrf)      // -10
	r.Use(s.rateLimit) // -2
	r.Use(s.enrich)    // -1
	r.Use(s.authorize) // 0

	// System endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/health/live", s.handleHealthz)
	r.Get("/health/ready", s.handleReadyz)
	r.Get("/actuator/health", s.handleActuatorHealth)

	// Auth endpoints: the sole writers to the session store.
	r.Post("/auth/session", s.handleCreateSession)
	r.Post("/auth/refresh", s.handleRefresh)
	r.Post("/auth/logout", s.handleLogout)
	if deps.OIDC != nil {
		r.Get("/oauth2/authorization/{provider}", s.handleOIDCAuthorize)
		r.Get("/login/oauth2/code/{provider}", s.handleOIDCCallback)
	}

	// Admin API: policy and route management. Protected by the
	// authorization filter like any other mapped path.
	if deps.Store != nil {
		r.Route("/api/admin", func(r chi.Router) {
			r.Get("/policies", s.handleListPolicies)
			r.Post("/policies", s.handleCreatePolicy)
			r.Put("/policies/{id}", s.handleUpdatePolicy)
			r.Delete("/policies/{id}", s.handleDeletePolicy)
			r.Get("/routes", s.handleListRoutes)
			r.Post("/routes", s.handleCreateRoute)
			r.Delete("/routes/{id}", s.handleDeleteRoute)
		})
	}

	// Everything else is proxied upstream.
	r.NotFound(s.handleProxy)

	return r
}

type server struct {
	deps Deps
}

// publicPrefixes bypass CSRF, enrichment, and authorization. Tracing,
// metrics, and rate limiting still apply.
var publicPrefixes = []string{
	"/actuator/", "/health/", "/healthz", "/readyz", "/metrics",
	"/auth/", "/oauth2/", "/login/", "/public/",
}

func publicPath(path string) bool {
	for _, p := range publicPrefixes {
		if path == strings.TrimSuffix(p, "/") || strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
