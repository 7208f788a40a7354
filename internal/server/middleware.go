package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/openvanguard/vanguard/internal"
	"github.com/openvanguard/vanguard/internal/ccu"
	"github.com/openvanguard/vanguard/internal/telemetry"
)

// statusWriterPool eliminates 1 alloc/req from &statusWriter{} escaping to heap.
// Reset fields on Get, nil ResponseWriter on Put to avoid retaining references.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// recovery catches panics and returns the 500 envelope.
func (s *server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				// LogAttrs with typed attrs keeps values on the stack (~2 fewer
				// allocs vs slog.Error which boxes every key+value into any).
				slog.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
					slog.Any("error", rec),
					slog.String("path", r.URL.Path),
				)
				writeError(r.Context(), w, errors.New("internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// deadline bounds every request with the configured timeout so a stalled
// upstream cannot pin a connection forever.
func (s *server) deadline(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.deps.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// traceHeader uses the canonical MIME form so direct map access
// (r.Header[key], w.Header()[key] = ...) skips textproto.CanonicalMIMEHeaderKey,
// saving 2 allocs/req that Header.Get/Set would otherwise spend on canonicalization.
const traceHeader = "X-Trace-Id"

// tracing assigns the request a trace id (inbound header wins, UUID v7
// otherwise), echoes it on the response, and opens the server span.
func (s *server) tracing(next http.Handler) http.Handler {
	tracer := telemetry.Tracer("vanguard/server")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id string
		if vals := r.Header[traceHeader]; len(vals) > 0 && vals[0] != "" {
			id = vals[0]
		} else {
			id = uuid.Must(uuid.NewV7()).String()
		}
		w.Header()[traceHeader] = []string{id}

		ctx := gateway.ContextWithTraceID(r.Context(), id)
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			),
		)
		sw, put := getStatusWriter(w)
		next.ServeHTTP(sw, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", sw.status))
		if sw.status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
		span.End()
		put()
	})
}

// metrics records Prometheus series, feeds the dashboard sink, and writes the
// access log line for every request, public paths included.
func (s *server) metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if s.deps.Metrics != nil {
			s.deps.Metrics.ActiveRequests.Inc()
		}
		sw, put := getStatusWriter(w)
		next.ServeHTTP(sw, r)
		elapsed := time.Since(start)

		if s.deps.Metrics != nil {
			s.deps.Metrics.ActiveRequests.Dec()
			p := routePattern(r)
			s.deps.Metrics.RequestsTotal.WithLabelValues(r.Method, p, strconv.Itoa(sw.status)).Inc()
			s.deps.Metrics.RequestDuration.WithLabelValues(r.Method, p).Observe(elapsed.Seconds())
		}
		if s.deps.Sink != nil {
			s.deps.Sink.Record(ccu.Sample{
				Method:   r.Method,
				Path:     r.URL.Path,
				Status:   sw.status,
				Duration: elapsed,
			})
		}
		// LogAttrs with typed slog attrs keeps values on the stack, saving
		// ~5 allocs/req vs slog.Info which boxes every key+value into any.
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Int64("duration_ms", elapsed.Milliseconds()),
			slog.String("trace_id", gateway.TraceIDFromContext(r.Context())),
		)
		put()
	})
}

// csrfTokenHeaders are accepted as proof the request came from first-party
// JavaScript rather than a cross-site form post. Presence is sufficient; the
// session cookie's SameSite=Strict does the heavy lifting.
var csrfTokenHeaders = []string{"X-Xsrf-Token", "X-Requested-With", "X-Csrf-Token"}

// csrf rejects mutating requests on protected paths that carry none of the
// accepted CSRF headers.
func (s *server) csrf(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !mutating(r.Method) || publicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		for _, h := range csrfTokenHeaders {
			if len(r.Header[h]) > 0 {
				next.ServeHTTP(w, r)
				return
			}
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.CSRFRejects.Inc()
		}
		writeError(r.Context(), w, gateway.ErrCSRFMissing)
	})
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// rateLimit enforces the per-caller token bucket. Authenticated callers are
// keyed by user id so the limit follows them across connections; everyone
// else is keyed by client IP. The session resolved here is stashed in the
// request context so the enrichment filter does not look it up twice.
func (s *server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		identifier, tier := s.callerIdentity(r)
		res, err := s.deps.Limiter.TryConsume(r.Context(), identifier, tier, 1)
		if err != nil {
			// Only context cancellation reaches here; the client is gone.
			return
		}

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
		h.Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))
		if !res.Allowed {
			if s.deps.Metrics != nil {
				s.deps.Metrics.RateLimitRejects.WithLabelValues(string(tier)).Inc()
			}
			h.Set("X-RateLimit-Retry-After", "60")
			writeError(r.Context(), w, gateway.ErrRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// callerIdentity resolves the rate-limit identifier and tier for the request.
// A valid session wins; otherwise the client IP stands in.
func (s *server) callerIdentity(r *http.Request) (string, gateway.Tier) {
	if id := sessionID(r, s.deps.CookieName); id != "" && s.deps.Sessions != nil {
		if sess, err := s.deps.Sessions.Lookup(r.Context(), id); err == nil {
			// Pointer mutation on requestMeta: enrichment reuses this lookup.
			gateway.ContextWithSession(r.Context(), sess)
			tier := gateway.TierAuthenticated
			if sess.Metadata["tier"] == "premium" {
				tier = gateway.TierPremium
			}
			return "user:" + sess.UserID, tier
		}
	}
	return "ip:" + clientIP(r), gateway.TierAnonymous
}

// sessionTouchInterval bounds how often request activity rewrites a session's
// last-seen timestamp. Finer granularity is not worth a store write per request.
const sessionTouchInterval = time.Minute

// enrich resolves the session cookie into an authenticated identity. On
// protected paths a presented-but-unknown session id is a hard 401; requests
// with no session at all pass through anonymous for the authorization filter
// to judge.
func (s *server) enrich(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		id := sessionID(r, s.deps.CookieName)
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}

		sess := gateway.SessionFromContext(r.Context())
		if sess == nil && s.deps.Sessions != nil {
			var err error
			sess, err = s.deps.Sessions.Lookup(r.Context(), id)
			if err != nil {
				writeError(r.Context(), w, fmt.Errorf("%w: unknown session", gateway.ErrUnauthorized))
				return
			}
		}
		if sess == nil {
			writeError(r.Context(), w, fmt.Errorf("%w: unknown session", gateway.ErrUnauthorized))
			return
		}
		if sess.Expired(time.Now()) {
			writeError(r.Context(), w, fmt.Errorf("%w: access token expired", gateway.ErrUnauthorized))
			return
		}

		ctx := gateway.ContextWithSession(r.Context(), sess)
		if s.deps.Heartbeat != nil {
			s.deps.Heartbeat.Touch(sess.UserID)
		}
		// Sliding activity timestamp, written off the request path and at
		// most once per interval per session.
		if now := time.Now(); s.deps.Sessions != nil && now.Sub(sess.LastSeenAt) >= sessionTouchInterval {
			go s.deps.Sessions.Touch(context.Background(), id, now)
		}
		if ctx == r.Context() {
			next.ServeHTTP(w, r)
		} else {
			next.ServeHTTP(w, r.WithContext(ctx))
		}
	})
}

// authorize checks the matched policy entry against the caller's permissions.
// Paths with no policy entry and entries marked public pass through; protected
// entries need an authenticated session holding the permission code.
func (s *server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPath(r.URL.Path) || s.deps.Policies == nil {
			next.ServeHTTP(w, r)
			return
		}
		entry, ok := s.deps.Policies.Match(r.Method, r.URL.Path)
		if !ok || entry.Public || entry.PermissionCode == "" {
			next.ServeHTTP(w, r)
			return
		}

		sess := gateway.SessionFromContext(r.Context())
		if sess == nil {
			writeError(r.Context(), w, fmt.Errorf("%w: authentication required", gateway.ErrUnauthorized))
			return
		}
		if s.deps.Perms == nil || !s.deps.Perms.HasPermission(r.Context(), sess.UserID, entry.PermissionCode) {
			writeError(r.Context(), w, fmt.Errorf("%w: missing permission %s", gateway.ErrForbidden, entry.PermissionCode))
			return
		}
		ctx := gateway.ContextWithPermission(r.Context(), entry.PermissionCode)
		if ctx == r.Context() {
			next.ServeHTTP(w, r)
		} else {
			next.ServeHTTP(w, r.WithContext(ctx))
		}
	})
}

// sessionID extracts the session id from the cookie, falling back to the
// header used by non-browser clients.
func sessionID(r *http.Request, cookieName string) string {
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return r.Header.Get(gateway.SessionHeader)
}

// clientIP returns the first X-Forwarded-For hop, or the connection peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// routePattern prefers the chi route pattern to keep metric cardinality
// bounded; proxied paths fall back to the raw path.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

func getStatusWriter(w http.ResponseWriter) (*statusWriter, func()) {
	sw := statusWriterPool.Get().(*statusWriter)
	sw.ResponseWriter = w
	sw.status = http.StatusOK
	sw.wroteHeader = false
	return sw, func() {
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)
	}
}

// statusWriter wraps ResponseWriter to capture the HTTP status code.
// WriteHeader records only the first status code; subsequent calls are
// forwarded to the underlying writer but do not update the captured value,
// matching net/http semantics where only the first WriteHeader takes effect.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.wroteHeader = true
	}
	return sw.ResponseWriter.Write(b)
}

// Flush forwards to the wrapped writer so streaming upstream responses
// (server-sent events, NDJSON) are not buffered by the filter chain.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
