package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/cutover/internal/archive"
	"github.com/hyperengineering/cutover/internal/types"
)

// failedExportLimit bounds how many dead-letter entries one export holds.
const failedExportLimit = 1000

// FlushOutbox handles POST /api/v1/outbox/flush
//
// The limit query parameter is clamped to [1,500] with a default of 100.
func (h *Handler) FlushOutbox(w http.ResponseWriter, r *http.Request) {
	limit := clampLimit(r.URL.Query().Get("limit"), 100, 1, 500)

	result, err := h.drainer.Drain(r.Context(), limit)
	if err != nil {
		slog.Error("outbox flush failed", "limit", limit, "error", err)
		MapStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, types.FlushResponse{
		OK:        true,
		Drained:   result.Drained,
		Succeeded: result.Succeeded,
		Failed:    result.Failed,
	})
}

// ExportFailedOutbox handles POST /api/v1/outbox/failed/export
//
// Terminally failed entries are serialized to JSON, uploaded to the
// configured archive storage, and returned as a pre-signed URL. Returns
// 503 when no storage is configured.
func (h *Handler) ExportFailedOutbox(w http.ResponseWriter, r *http.Request) {
	entries, err := h.control.ListFailed(r.Context(), failedExportLimit)
	if err != nil {
		slog.Error("failed outbox listing failed", "error", err)
		MapStoreError(w, r, err)
		return
	}
	if entries == nil {
		entries = []types.OutboxEntry{}
	}

	data, err := json.Marshal(entries)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	objectName := archive.ObjectKey(h.now())
	if err := h.uploader.Put(r.Context(), objectName, data); err != nil {
		slog.Error("dead-letter export upload failed", "object", objectName, "error", err)
		MapStoreError(w, r, err)
		return
	}

	url, expiry, err := h.uploader.PresignedURL(r.Context(), objectName)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	slog.Info("dead-letter export uploaded",
		"object", objectName,
		"entries", len(entries),
	)

	writeJSON(w, http.StatusOK, types.ExportResponse{
		URL:       url,
		ExpiresAt: expiry,
		Count:     len(entries),
	})
}
