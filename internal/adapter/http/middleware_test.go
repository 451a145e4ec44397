package http

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	return nil, nil, nil
}

func TestStatusRecorderHijack(t *testing.T) {
	inner := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rec := &statusRecorder{ResponseWriter: inner, status: http.StatusOK}

	hj, ok := http.ResponseWriter(rec).(http.Hijacker)
	if !ok {
		t.Fatal("statusRecorder does not implement http.Hijacker")
	}
	if _, _, err := hj.Hijack(); err != nil {
		t.Fatalf("Hijack: %v", err)
	}
	if !inner.hijacked {
		t.Fatal("expected Hijack to reach the upstream writer")
	}
	if rec.status != http.StatusSwitchingProtocols {
		t.Errorf("status = %d, want 101", rec.status)
	}

	plain := &statusRecorder{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := plain.Hijack(); !errors.Is(err, errNotHijacker) {
		t.Fatalf("expected errNotHijacker, got %v", err)
	}
}

func TestLoggerRecordsStatusAndBytes(t *testing.T) {
	var seen *statusRecorder
	r := chi.NewRouter()
	r.Use(Logger)
	r.Get("/tasks/{id}", func(w http.ResponseWriter, _ *http.Request) {
		seen, _ = w.(*statusRecorder)
		w.WriteHeader(http.StatusTeapot)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("short and stout"))
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks/42", http.NoBody))

	if seen == nil {
		t.Fatal("handler did not receive the recorder")
	}
	if seen.status != http.StatusTeapot {
		t.Errorf("recorded status = %d, want the first one written", seen.status)
	}
	if seen.bytes != len("short and stout") {
		t.Errorf("recorded bytes = %d", seen.bytes)
	}
	if rec.Code != http.StatusTeapot {
		t.Errorf("wire status = %d", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name        string
		allowed     string
		method      string
		origin      string
		preflight   bool
		wantOrigin  string
		wantCreds   bool
		wantHandler bool
		wantStatus  int
	}{
		{"allowed preflight", "http://app.example, http://admin.example", http.MethodOptions, "http://admin.example", true, "http://admin.example", true, false, http.StatusNoContent},
		{"unknown origin", "http://app.example", http.MethodGet, "http://evil.example", false, "", false, true, http.StatusOK},
		{"wildcard", "*", http.MethodGet, "http://any.example", false, "*", false, true, http.StatusOK},
		{"bare options reaches handler", "http://app.example", http.MethodOptions, "http://app.example", false, "http://app.example", true, true, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			h := CORS(tt.allowed)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

			req := httptest.NewRequest(tt.method, "/api/v1/tasks", http.NoBody)
			req.Header.Set("Origin", tt.origin)
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if called != tt.wantHandler {
				t.Errorf("handler called = %v, want %v", called, tt.wantHandler)
			}
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("allow origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := rec.Header().Get("Access-Control-Allow-Credentials") == "true"; got != tt.wantCreds {
				t.Errorf("allow credentials = %v, want %v", got, tt.wantCreds)
			}
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	for _, k := range []string{"X-Content-Type-Options", "Content-Security-Policy", "Cache-Control"} {
		if rec.Header().Get(k) == "" {
			t.Errorf("missing %s", k)
		}
	}
}
