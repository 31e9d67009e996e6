package api

import (
	"context"
	"net/http"
)

// userIDContextKey is the context key for the acting user's id.
type userIDContextKey struct{}

// UserContextMiddleware extracts the X-User-ID header into the request
// context. Cache keys and invalidation scopes are per user; requests
// without the header are still served, just never cached.
func UserContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userID := r.Header.Get("X-User-ID"); userID != "" {
			r = r.WithContext(WithUserID(r.Context(), userID))
		}
		next.ServeHTTP(w, r)
	})
}

// WithUserID returns a new context with the user id attached.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey{}, userID)
}

// UserIDFromContext extracts the user id from the context.
// Returns "" if not present.
func UserIDFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userIDContextKey{}).(string)
	return userID
}
