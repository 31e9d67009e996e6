package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/cutover/internal/cache"
	"github.com/hyperengineering/cutover/internal/types"
	"github.com/hyperengineering/cutover/internal/validation"
)

// GetRecord handles GET /api/v1/records/{table}/{id}
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	id := chi.URLParam(r, "id")

	var c validation.Collector
	c.Add(validation.ValidateIdentifier("table", table))
	c.Add(validation.ValidateIdentifier("id", id))
	if c.HasErrors() {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", c.Errors())
		return
	}

	loader := func(ctx context.Context) ([]byte, error) {
		rec, err := h.router.Read(ctx, table, id)
		if err != nil {
			return nil, err
		}
		return json.Marshal(rec)
	}

	data, meta, err := h.cachedRead(r, table, loader)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	writeCachedJSON(w, meta, data)
}

// ListRecords handles GET /api/v1/records/{table}
//
// Filters come from filter.<field>=value query parameters; limit is
// clamped to [1,500] with a default of 100.
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	if err := validation.ValidateIdentifier("table", table); err != nil {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", []validation.ValidationError{*err})
		return
	}

	limit := clampLimit(r.URL.Query().Get("limit"), 100, 1, 500)
	filter := make(map[string]any)
	for name, values := range r.URL.Query() {
		if field, ok := strings.CutPrefix(name, "filter."); ok && len(values) > 0 {
			filter[field] = values[0]
		}
	}

	loader := func(ctx context.Context) ([]byte, error) {
		records, err := h.router.Query(ctx, table, filter, limit)
		if err != nil {
			return nil, err
		}
		if records == nil {
			records = []types.Record{}
		}
		return json.Marshal(types.ListRecordsResponse{Records: records, Count: len(records)})
	}

	data, meta, err := h.cachedRead(r, table, loader)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	writeCachedJSON(w, meta, data)
}

// PutRecord handles PUT /api/v1/records/{table}/{id}
func (h *Handler) PutRecord(w http.ResponseWriter, r *http.Request) {
	h.writeRecord(w, r, types.OperationUpsert)
}

// DeleteRecord handles DELETE /api/v1/records/{table}/{id}
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	h.writeRecord(w, r, types.OperationDelete)
}

func (h *Handler) writeRecord(w http.ResponseWriter, r *http.Request, op types.Operation) {
	table := chi.URLParam(r, "table")
	id := chi.URLParam(r, "id")

	var c validation.Collector
	c.Add(validation.ValidateIdentifier("table", table))
	c.Add(validation.ValidateIdentifier("id", id))

	var req types.WriteRecordRequest
	if op == types.OperationUpsert {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
			return
		}
		if len(req.Fields) == 0 {
			c.Add(&validation.ValidationError{Field: "fields", Message: "is required"})
		}
	} else if r.Body != nil {
		// Delete bodies are optional and only carry user_ids for
		// invalidation fan-out.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if c.HasErrors() {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", c.Errors())
		return
	}

	desc, err := h.router.Write(r.Context(), types.WriteDescriptor{
		Operation: op,
		Table:     table,
		RecordID:  id,
		Fields:    req.Fields,
		Version:   req.Version,
		UserIDs:   req.UserIDs,
	})
	if err != nil {
		slog.Error("record write failed",
			"table", table,
			"record_id", id,
			"operation", string(op),
			"error", err,
		)
		MapStoreError(w, r, err)
		return
	}

	users := req.UserIDs
	if userID := UserIDFromContext(r.Context()); userID != "" {
		users = appendUnique(users, userID)
	}
	if len(users) > 0 {
		if err := h.cache.InvalidateUsers(r.Context(), users, cache.ScopesForMutation(table)); err != nil {
			slog.Warn("cache invalidation incomplete",
				"table", table,
				"record_id", id,
				"error", err,
			)
		}
	}

	writeJSON(w, http.StatusOK, types.WriteRecordResponse{
		Table:   table,
		ID:      id,
		Version: desc.Version,
	})
}

// cachedRead serves a read through the cache when the caller identified
// a user, registering the key under the table's scope. Anonymous reads
// skip the cache entirely.
func (h *Handler) cachedRead(r *http.Request, table string, loader func(context.Context) ([]byte, error)) ([]byte, cache.Meta, error) {
	userID := UserIDFromContext(r.Context())
	if userID == "" {
		data, err := loader(r.Context())
		return data, cache.Meta{Status: cache.StatusBypassed}, err
	}

	key := cache.BuildUserScopedKey(r.URL.Path, userID, r.URL.Query())
	data, meta, err := h.cache.GetOrSetJSON(r.Context(), key, h.readTTL, loader)
	if err != nil {
		return nil, meta, err
	}
	h.cache.Register(userID, []cache.Scope{cache.Scope(table)}, key)
	return data, meta, nil
}

func writeCachedJSON(w http.ResponseWriter, meta cache.Meta, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache", string(meta.Status))
	w.Header().Set("X-Cache-Elapsed", meta.Elapsed.String())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func appendUnique(list []string, value string) []string {
	for _, v := range list {
		if v == value {
			return list
		}
	}
	return append(list, value)
}
