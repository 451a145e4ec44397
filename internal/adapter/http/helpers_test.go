package http

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Strob0t/omnitask/internal/domain"
	"github.com/Strob0t/omnitask/internal/port/aiprovider"
	"github.com/Strob0t/omnitask/internal/resilience"
)

func TestWriteDomainError(t *testing.T) {
	tests := []struct {
		err      error
		want     int
		wantBody string
	}{
		{fmt.Errorf("balance 1.00 below 1.50: %w", domain.ErrInsufficientFunds), http.StatusPaymentRequired, "insufficient funds"},
		{fmt.Errorf("get task t1: %w", domain.ErrNotFound), http.StatusNotFound, "task not found"},
		{domain.ErrConflict, http.StatusConflict, "retry"},
		{fmt.Errorf("%w: description is required", domain.ErrValidation), http.StatusBadRequest, `"description is required"`},
		{fmt.Errorf("openai: %w", aiprovider.ErrTimeout), http.StatusGatewayTimeout, "timed out"},
		{fmt.Errorf("openai: %w", resilience.ErrCircuitOpen), http.StatusServiceUnavailable, "temporarily disabled"},
		{fmt.Errorf("ollama: %w", aiprovider.ErrMalformedResponse), http.StatusBadGateway, "unavailable"},
		{errors.New("pg: connection reset"), http.StatusInternalServerError, "internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeDomainError(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/t1", http.NoBody), tt.err, msgTaskNotFound)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body %q does not contain %q", rec.Body.String(), tt.wantBody)
			}
			if strings.Contains(rec.Body.String(), "connection reset") {
				t.Error("internal error details leaked to the client")
			}
		})
	}
}

func TestPageParams(t *testing.T) {
	tests := []struct {
		query         string
		limit, offset int
		wantErr       bool
	}{
		{"", 0, 0, false},
		{"limit=5&offset=10", 5, 10, false},
		{"offset=3", 0, 3, false},
		{"limit=-1", 0, 0, true},
		{"offset=ten", 0, 0, true},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/tasks?"+tt.query, http.NoBody)
		limit, offset, err := pageParams(r)
		if (err != nil) != tt.wantErr {
			t.Errorf("%q: err = %v, wantErr %v", tt.query, err, tt.wantErr)
			continue
		}
		if limit != tt.limit || offset != tt.offset {
			t.Errorf("%q: got (%d, %d), want (%d, %d)", tt.query, limit, offset, tt.limit, tt.offset)
		}
	}
}

func TestReadJSON(t *testing.T) {
	type body struct {
		Description string `json:"description"`
	}
	tests := []struct {
		name   string
		input  string
		ok     bool
		status int
	}{
		{"single value", `{"description":"translate"}`, true, http.StatusOK},
		{"trailing value", `{"description":"a"}{"description":"b"}`, false, http.StatusBadRequest},
		{"malformed", `{"description":`, false, http.StatusBadRequest},
		{"too large", `{"description":"` + strings.Repeat("x", maxRequestBodySize) + `"}`, false, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(tt.input))
			_, ok := readJSON[body](rec, r)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok && rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}
