package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hyperengineering/cutover/internal/archive"
	"github.com/hyperengineering/cutover/internal/cache"
	"github.com/hyperengineering/cutover/internal/mode"
	"github.com/hyperengineering/cutover/internal/store"
	"github.com/hyperengineering/cutover/internal/types"
)

// RecordRouter routes record reads and writes per the migration modes.
// Implemented by router.Router.
type RecordRouter interface {
	Read(ctx context.Context, table, id string) (*types.Record, error)
	Query(ctx context.Context, table string, filter map[string]any, limit int) ([]types.Record, error)
	Write(ctx context.Context, desc types.WriteDescriptor) (types.WriteDescriptor, error)
	Modes() mode.ModeConfig
}

// Drainer drains ready outbox entries into the secondary store.
// Implemented by outbox.Worker.
type Drainer interface {
	Drain(ctx context.Context, limit int) (types.DrainResult, error)
}

// ConflictResolver applies an operator-chosen resolution.
// Implemented by conflict.Resolver.
type ConflictResolver interface {
	Resolve(ctx context.Context, conflictID string, resolution types.Resolution, actorID string) (*types.ConflictRecord, error)
}

// Handler implements the API handlers.
type Handler struct {
	router   RecordRouter
	cache    *cache.Service
	drainer  Drainer
	resolver ConflictResolver
	control  store.ControlStore
	uploader archive.Uploader
	apiKey   string
	version  string
	readTTL  time.Duration
	now      func() time.Time
}

// HandlerConfig collects the collaborators a Handler routes between.
type HandlerConfig struct {
	Router   RecordRouter
	Cache    *cache.Service
	Drainer  Drainer
	Resolver ConflictResolver
	Control  store.ControlStore
	Uploader archive.Uploader
	APIKey   string
	Version  string
	ReadTTL  time.Duration
}

// NewHandler creates a new Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	readTTL := cfg.ReadTTL
	if readTTL <= 0 {
		readTTL = time.Minute
	}
	return &Handler{
		router:   cfg.Router,
		cache:    cfg.Cache,
		drainer:  cfg.Drainer,
		resolver: cfg.Resolver,
		control:  cfg.Control,
		uploader: cfg.Uploader,
		apiKey:   cfg.APIKey,
		version:  cfg.Version,
		readTTL:  readTTL,
		now:      time.Now,
	}
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	depth, err := h.control.CountPending(r.Context())
	if err != nil {
		slog.Error("health check failed to count outbox", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	modes := h.router.Modes()
	resp := types.HealthResponse{
		Status:      "healthy",
		Version:     h.version,
		BackendMode: string(modes.Backend),
		WriteMode:   string(modes.Write),
		OutboxDepth: depth,
	}

	writeJSON(w, http.StatusOK, resp)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// clampLimit parses a limit query value, clamping it to [min, max] and
// falling back to def when absent or unparseable.
func clampLimit(raw string, def, min, max int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}
