// Package middleware provides the HTTP middleware shared by the API and the
// WebSocket endpoint: request IDs, caller identity, per-caller rate limits
// and idempotent replay of mutating requests.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/Strob0t/omnitask/internal/logger"
)

const (
	headerRequestID = "X-Request-ID"
	maxRequestIDLen = 64
)

// RequestID takes the caller's X-Request-ID or, when it is missing or
// unusable, generates a time-ordered one. The ID travels in the logging
// context, on the response, and from there into queue message headers, so
// the worker's logs for a task share it with the request that enqueued it.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if !validRequestID(id) {
			id = newRequestID()
		}

		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	})
}

// validRequestID accepts short IDs made of URL-safe characters only. Anything
// else is replaced rather than copied into logs and message headers.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return false
		}
	}
	return true
}

func newRequestID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
