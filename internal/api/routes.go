package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes (no auth required)
		r.Get("/health", h.Health)

		// Protected routes (auth required)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))

			r.Post("/outbox/flush", h.FlushOutbox)
			r.Post("/outbox/failed/export", h.ExportFailedOutbox)

			r.Get("/conflicts", h.ListConflicts)
			r.Post("/conflicts/{id}/resolve", h.ResolveConflict)

			// Record reads are cached per user; X-User-ID scopes keys
			// and invalidation.
			r.Group(func(r chi.Router) {
				r.Use(UserContextMiddleware)
				r.Get("/records/{table}", h.ListRecords)
				r.Get("/records/{table}/{id}", h.GetRecord)
				r.Put("/records/{table}/{id}", h.PutRecord)
				r.Delete("/records/{table}/{id}", h.DeleteRecord)
			})
		})
	})

	return r
}
