package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"meetd-backend/internal/common"
	"meetd-backend/internal/models"
)

// contextKey is private to avoid collisions with other context values.
type contextKey string

const userContextKey = contextKey("user")

// AuthMiddleware resolves the bearer credential to a user and stores it in
// the request context.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			h.respondWithError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
			h.respondWithError(w, http.StatusUnauthorized, "authorization header must be a bearer token")
			return
		}

		user, err := h.users.Authenticate(r.Context(), strings.TrimSpace(parts[1]))
		if err != nil {
			if errors.Is(err, common.ErrUnauthorized) {
				// Same answer for every credential problem.
				h.respondWithError(w, http.StatusUnauthorized, "invalid credentials")
				return
			}
			h.respondWithServiceError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// userFrom returns the authenticated user. Only valid behind AuthMiddleware.
func userFrom(r *http.Request) *models.User {
	user, _ := r.Context().Value(userContextKey).(*models.User)
	return user
}
