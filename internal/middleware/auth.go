// Package middleware protects the control API with bearer JWTs.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	goamdlwr "goa.design/goa/v3/middleware"

	"visionrelay/internal/auth"
)

// ContextKey is a custom type for context keys
type ContextKey string

// UserContextKey holds the caller's *auth.Claims
const UserContextKey ContextKey = "user"

// AuthMiddleware rejects requests without a valid bearer token. It is a
// passthrough while auth is disabled.
func AuthMiddleware(authenticator *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !authenticator.IsEnabled() {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := bearerToken(r)
			if !ok {
				unauthorized(w, r, "missing or malformed bearer token")
				return
			}

			claims, err := authenticator.ValidateToken(token)
			if err != nil {
				msg := "invalid token"
				if errors.Is(err, auth.ErrExpiredToken) {
					msg = "token has expired"
				}
				unauthorized(w, r, msg)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), UserContextKey, claims)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	id, _ := r.Context().Value(goamdlwr.RequestIDKey).(string)
	log.Printf("[Auth] [%s] rejected %s %s: %s", id, r.Method, r.URL.Path, msg)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="visionrelay"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "request_id": id})
}

// GetUserFromContext retrieves user claims from the request context
func GetUserFromContext(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(UserContextKey).(*auth.Claims)
	return claims
}
