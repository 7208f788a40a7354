package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	gateway "github.com/openvanguard/vanguard/internal"
)

// Admin handlers manage policy entries and upstream routes. Writes go to the
// store first, then the in-memory policy snapshot or route table is reloaded
// so changes take effect without a restart.

func (s *server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Store.ListPolicies(r.Context())
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, entries)
}

func (s *server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var entry gateway.PolicyEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeError(r.Context(), w, fmt.Errorf("%w: invalid body: %v", gateway.ErrBadRequest, err))
		return
	}
	if entry.PathPattern == "" {
		writeError(r.Context(), w, fmt.Errorf("%w: path_pattern is required", gateway.ErrBadRequest))
		return
	}
	if !entry.Public && entry.PermissionCode == "" {
		writeError(r.Context(), w, fmt.Errorf("%w: permission_code is required for protected entries", gateway.ErrBadRequest))
		return
	}
	entry.ID = uuid.Must(uuid.NewV7()).String()

	if err := s.deps.Store.CreatePolicy(r.Context(), &entry); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	s.reloadPolicies(r)
	writeJSON(r.Context(), w, http.StatusCreated, &entry)
}

func (s *server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var entry gateway.PolicyEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeError(r.Context(), w, fmt.Errorf("%w: invalid body: %v", gateway.ErrBadRequest, err))
		return
	}
	entry.ID = chi.URLParam(r, "id")

	if err := s.deps.Store.UpdatePolicy(r.Context(), &entry); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	s.reloadPolicies(r)
	updated, err := s.deps.Store.GetPolicy(r.Context(), entry.ID)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, updated)
}

func (s *server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeletePolicy(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	s.reloadPolicies(r)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := s.deps.Store.ListRoutes(r.Context())
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, routes)
}

func (s *server) handleCreateRoute(w http.ResponseWriter, r *http.Request) {
	var route gateway.RouteDescriptor
	if err := json.NewDecoder(r.Body).Decode(&route); err != nil {
		writeError(r.Context(), w, fmt.Errorf("%w: invalid body: %v", gateway.ErrBadRequest, err))
		return
	}
	if route.PathPrefix == "" || route.Service == "" {
		writeError(r.Context(), w, fmt.Errorf("%w: path_prefix and service are required", gateway.ErrBadRequest))
		return
	}
	route.ID = uuid.Must(uuid.NewV7()).String()

	if err := s.deps.Store.CreateRoute(r.Context(), &route); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	s.reloadRoutes(r)
	writeJSON(r.Context(), w, http.StatusCreated, &route)
}

func (s *server) handleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteRoute(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	s.reloadRoutes(r)
	w.WriteHeader(http.StatusNoContent)
}

// reloadPolicies refreshes the policy snapshot after a write. Failure is not
// fatal to the admin call: the periodic refresher will catch up.
func (s *server) reloadPolicies(r *http.Request) {
	if s.deps.Policies == nil {
		return
	}
	if err := s.deps.Policies.Reload(r.Context()); err != nil {
		slog.LogAttrs(r.Context(), slog.LevelError, "policy reload after admin write failed",
			slog.String("error", err.Error()))
	}
}

func (s *server) reloadRoutes(r *http.Request) {
	routes, err := s.deps.Store.ListRoutes(r.Context())
	if err != nil {
		slog.LogAttrs(r.Context(), slog.LevelError, "route reload after admin write failed",
			slog.String("error", err.Error()))
		return
	}
	s.deps.Router.Swap(routes)
}
