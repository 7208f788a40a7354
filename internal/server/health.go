package server

import (
	"log/slog"
	"net/http"
)

// Pre-allocated bodies: health endpoints are polled constantly and should not
// allocate per request.
var (
	healthBodyOK   = []byte(`{"status":"ok"}` + "\n")
	healthBodyDown = []byte(`{"status":"unavailable"}` + "\n")
	actuatorUp     = []byte(`{"status":"UP"}` + "\n")
	actuatorDown   = []byte(`{"status":"DOWN"}` + "\n")
)

// handleHealthz reports liveness: the process is up and serving.
func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header()["Content-Type"] = []string{"application/json"}
	w.WriteHeader(http.StatusOK)
	w.Write(healthBodyOK)
}

// handleReadyz reports readiness: dependencies answer within the request
// deadline. Load balancers use this to drain a replica without killing it.
func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header()["Content-Type"] = []string{"application/json"}
	if err := s.ready(r); err != nil {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "readiness check failed",
			slog.String("error", err.Error()))
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write(healthBodyDown)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(healthBodyOK)
}

// handleActuatorHealth mirrors readiness in the actuator response shape that
// existing dashboards and probes already consume.
func (s *server) handleActuatorHealth(w http.ResponseWriter, r *http.Request) {
	w.Header()["Content-Type"] = []string{"application/json"}
	if err := s.ready(r); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write(actuatorDown)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(actuatorUp)
}

func (s *server) ready(r *http.Request) error {
	if s.deps.Ready == nil {
		return nil
	}
	return s.deps.Ready(r.Context())
}
