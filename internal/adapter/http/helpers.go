package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/omnitask/internal/domain"
	"github.com/Strob0t/omnitask/internal/port/aiprovider"
	"github.com/Strob0t/omnitask/internal/resilience"
)

const maxRequestBodySize = 1 << 20

// readJSON decodes exactly one JSON value from the request body. It writes
// the error response itself and reports false on failure.
func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	err := dec.Decode(&v)
	if err == nil && dec.More() {
		err = errors.New("trailing data after JSON body")
	}
	if err == nil {
		return v, true
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
	} else {
		writeError(w, http.StatusBadRequest, "invalid request body")
	}
	return v, false
}

func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// pageParams reads ?limit= and ?offset=. Absent values are 0; the service
// applies its own defaults and caps.
func pageParams(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &limit}, {"offset", &offset}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		n, convErr := strconv.Atoi(raw)
		if convErr != nil || n < 0 {
			return 0, 0, fmt.Errorf("%s must be a non-negative integer", p.name)
		}
		*p.dst = n
	}
	return limit, offset, nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("write json response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeDomainError maps service errors onto status codes. Order matters:
// insufficient funds is also a validation error.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error, notFoundMsg string) {
	switch {
	case errors.Is(err, domain.ErrInsufficientFunds):
		writeError(w, http.StatusPaymentRequired, "insufficient funds")
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, notFoundMsg)
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, "task was modified concurrently, retry")
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), domain.ErrValidation.Error()+": "))
	case errors.Is(err, aiprovider.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, "AI provider timed out")
	case errors.Is(err, resilience.ErrCircuitOpen):
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, "AI provider temporarily disabled")
	case errors.Is(err, aiprovider.ErrUnavailable), errors.Is(err, aiprovider.ErrMalformedResponse):
		slog.WarnContext(r.Context(), "provider failure", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusBadGateway, "AI provider unavailable")
	default:
		// The cause stays in the log; clients get a generic message.
		slog.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
