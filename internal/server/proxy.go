package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	gateway "github.com/openvanguard/vanguard/internal"
	"github.com/openvanguard/vanguard/internal/upstream"
)

// handleProxy is the catch-all: match the path to an upstream route, rewrite
// the prefix, and forward. Gateway errors wear the envelope; upstream
// responses pass through as-is.
func (s *server) handleProxy(w http.ResponseWriter, r *http.Request) {
	route, ok := s.deps.Router.Match(r.URL.Path)
	if !ok {
		writeError(r.Context(), w, fmt.Errorf("%w: no route for %s", gateway.ErrNotFound, r.URL.Path))
		return
	}

	client := s.deps.Pool.Get(route.Service)
	path := upstream.RewritePath(route, r.URL.Path)

	start := time.Now()
	err := client.Forward(r.Context(), w, r, path)
	if s.deps.Metrics != nil {
		s.deps.Metrics.UpstreamDuration.WithLabelValues(route.Service).Observe(time.Since(start).Seconds())
		if err != nil {
			s.deps.Metrics.UpstreamErrors.WithLabelValues(route.Service, errorKind(err)).Inc()
			if errors.Is(err, gateway.ErrBulkheadRejected) {
				s.deps.Metrics.BulkheadRejects.WithLabelValues(route.Service).Inc()
			}
		}
	}
	if err != nil {
		writeError(r.Context(), w, err)
	}
}

// errorKind labels upstream failures for the error counter.
func errorKind(err error) string {
	switch {
	case errors.Is(err, gateway.ErrUpstreamTimeout):
		return "timeout"
	case errors.Is(err, gateway.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, gateway.ErrBulkheadRejected):
		return "bulkhead"
	case errors.Is(err, gateway.ErrNotFound):
		return "no_instances"
	default:
		return "transport"
	}
}
