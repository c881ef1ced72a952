package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"

	"haven/internal/models"
	"haven/internal/ws"
)

type contextKey struct{}

// RequireAuth resolves the bearer credential and stores the user in the
// request context.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := a.verifier.Verify(ws.Token(r))
		if err != nil {
			if errors.Is(err, models.ErrAuthentication) {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			slog.Error("failed to verify token", "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, user)))
	}
}

func currentUser(r *http.Request) models.User {
	user, _ := r.Context().Value(contextKey{}).(models.User)
	return user
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "internal error"
	switch {
	case errors.Is(err, models.ErrAuthentication):
		status, message = http.StatusUnauthorized, err.Error()
	case errors.Is(err, models.ErrAuthorization):
		status, message = http.StatusForbidden, err.Error()
	case errors.Is(err, models.ErrNotFound):
		status, message = http.StatusNotFound, "not found"
	case errors.Is(err, models.ErrValidation):
		status, message = http.StatusBadRequest, err.Error()
	default:
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, status, models.APIResponse{Success: false, Message: message})
}
