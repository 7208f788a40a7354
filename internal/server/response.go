package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	gateway "github.com/openvanguard/vanguard/internal"
)

// errorBody is the envelope every gateway-originated error uses. Upstream
// responses pass through untouched; only errors minted here wear it.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	TraceID string `json:"traceId"`
}

// errorStatus maps a domain error to its HTTP status and stable error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, gateway.ErrBadRequest):
		return http.StatusBadRequest, "BAD_REQUEST"
	case errors.Is(err, gateway.ErrCSRFMissing):
		return http.StatusForbidden, "CSRF_PROTECTION"
	case errors.Is(err, gateway.ErrUnauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, gateway.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, gateway.ErrRateLimited):
		return http.StatusTooManyRequests, "RATE_LIMITED"
	case errors.Is(err, gateway.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout, "UPSTREAM_TIMEOUT"
	case errors.Is(err, gateway.ErrUpstream):
		return http.StatusBadGateway, "UPSTREAM_ERROR"
	case errors.Is(err, gateway.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "CIRCUIT_OPEN"
	case errors.Is(err, gateway.ErrBulkheadRejected):
		return http.StatusServiceUnavailable, "BULKHEAD_REJECTED"
	case errors.Is(err, gateway.ErrCacheUnavailable):
		return http.StatusServiceUnavailable, "CACHE_UNAVAILABLE"
	case errors.Is(err, gateway.ErrIdentityUnavailable):
		return http.StatusServiceUnavailable, "IDENTITY_UNAVAILABLE"
	case errors.Is(err, gateway.ErrSessionPersist):
		return http.StatusServiceUnavailable, "SESSION_PERSIST_ERROR"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

// writeError renders err as the gateway error envelope.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	if status >= 500 {
		slog.LogAttrs(ctx, slog.LevelError, "request failed",
			slog.String("code", code),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(ctx, w, status, errorBody{
		Error:   code,
		Message: err.Error(),
		TraceID: gateway.TraceIDFromContext(ctx),
	})
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "encode response",
			slog.String("error", err.Error()))
	}
}
