// Package middleware provides HTTP middleware for the Kiro server.
package middleware

import (
	"log/slog"
	"net/http"
	"strings"
)

// APIKeyValidator is a function that validates an API key.
type APIKeyValidator func(key string) bool

// Auth creates an authentication middleware that validates the shared API
// key, accepted any of four ways: an `Authorization: Bearer` header, an
// `x-api-key` header, an `x-goog-api-key` header, or a `?key=` query
// parameter.
func Auth(validate APIKeyValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip auth for health and event logging endpoints
			if r.URL.Path == "/health" || r.URL.Path == "/api/event_logging/batch" {
				next.ServeHTTP(w, r)
				return
			}

			apiKey := extractAPIKey(r)
			if apiKey == "" {
				logger.Warn("missing API key",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				writeAuthError(w, "Missing API key")
				return
			}

			if !validate(apiKey) {
				logger.Warn("invalid API key",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				writeAuthError(w, "Invalid API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractAPIKey tries each recognized credential location in turn: Bearer
// header, x-api-key, x-goog-api-key, then the ?key= query parameter.
func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	if key := r.Header.Get("x-goog-api-key"); key != "" {
		return key
	}
	return r.URL.Query().Get("key")
}

// writeAuthError writes an authentication error response in Claude API format.
func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	// Claude API error format
	_, _ = w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"` + message + `"}}`))
}
