package httpserver

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// userIDKey is the context key under which the current caller's user ID is
// stored. Session/cookie authentication and password hashing are out of
// scope for this service (they are the transport layer's concern); this
// middleware is a stand-in that trusts an X-User-ID header, letting every
// handler downstream read an already-authenticated user ID from context the
// same way it would if a real auth layer populated it.
type userIDKeyType struct{}

var userIDKey userIDKeyType

// DevUser reads X-User-ID from the request and stores it in context.
// It is NOT an authentication mechanism: it exists only so the handlers in
// this repository have a concrete, testable source for "the calling user",
// matching the shape a real session/JWT middleware would populate.
func DevUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if raw := r.Header.Get("X-User-ID"); raw != "" {
			if id, err := uuid.Parse(raw); err == nil {
				ctx = context.WithValue(ctx, userIDKey, id)
			}
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserIDFromContext returns the caller's user ID, if any was set by DevUser.
func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userIDKey).(uuid.UUID)
	return id, ok
}

// RequireUser rejects requests with no resolved user ID.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := UserIDFromContext(r.Context()); !ok {
			RespondError(w, http.StatusUnauthorized, "unauthorized", "missing X-User-ID")
			return
		}
		next.ServeHTTP(w, r)
	})
}
