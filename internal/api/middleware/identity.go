package middleware

import (
	"context"
	"net/http"
	"net/mail"

	"github.com/google/uuid"

	"github.com/issuewatch/issuewatch-api/internal/api/shared"
)

// Identity headers set by the upstream gateway after it authenticates
// the caller.
const (
	UserIDHeader    = "X-User-ID"
	UserEmailHeader = "X-User-Email"
)

// IdentityMiddleware extracts the authenticated user's identity from
// the gateway headers and stores it on the request context. Requests
// without a valid identity are rejected with 401.
func IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := uuid.Parse(r.Header.Get(UserIDHeader))
		if err != nil || userID == uuid.Nil {
			shared.RespondWithError(w, r, http.StatusUnauthorized, "Missing or invalid user identity")
			return
		}

		email := r.Header.Get(UserEmailHeader)
		if _, err := mail.ParseAddress(email); err != nil {
			shared.RespondWithError(w, r, http.StatusUnauthorized, "Missing or invalid user email")
			return
		}

		ctx := context.WithValue(r.Context(), shared.UserIDContextKey, userID)
		ctx = context.WithValue(ctx, shared.UserEmailContextKey, email)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
