package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/cutover/internal/types"
	"github.com/hyperengineering/cutover/internal/validation"
)

// ListConflicts handles GET /api/v1/conflicts
//
// Returns open conflicts, oldest detection first. The limit query
// parameter is clamped to [1,500] with a default of 100.
func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	limit := clampLimit(r.URL.Query().Get("limit"), 100, 1, 500)

	conflicts, err := h.control.ListOpen(r.Context(), limit)
	if err != nil {
		slog.Error("conflict listing failed", "error", err)
		MapStoreError(w, r, err)
		return
	}
	if conflicts == nil {
		conflicts = []types.ConflictRecord{}
	}

	writeJSON(w, http.StatusOK, types.ListConflictsResponse{
		Conflicts: conflicts,
		Count:     len(conflicts),
	})
}

// ResolveConflict handles POST /api/v1/conflicts/{id}/resolve
//
// The resolution is validated against the three-value enum before any
// store is touched; a partial resolution failure leaves the conflict
// open and surfaces the error.
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req types.ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}

	var c validation.Collector
	c.Add(validation.ValidateULID("id", id))
	c.Add(validation.ValidateRequired("actor_id", req.ActorID))
	c.Add(validation.ValidateEnum("resolution", req.Resolution, []string{
		string(types.ResolutionServerWins),
		string(types.ResolutionClientWins),
		string(types.ResolutionMerge),
	}))
	if c.HasErrors() {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", c.Errors())
		return
	}

	resolved, err := h.resolver.Resolve(r.Context(), id, types.Resolution(req.Resolution), req.ActorID)
	if err != nil {
		slog.Error("conflict resolution failed",
			"conflict_id", id,
			"resolution", req.Resolution,
			"actor_id", req.ActorID,
			"error", err,
		)
		MapStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resolved)
}
