package ollama_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Strob0t/omnitask/internal/adapter/ollama"
	"github.com/Strob0t/omnitask/internal/port/aiprovider"
	"github.com/Strob0t/omnitask/internal/resilience"
)

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["model"] != "llama3.2" {
			t.Fatalf("unexpected model: %v", body["model"])
		}
		if body["stream"] != false {
			t.Fatalf("expected non-streaming request")
		}
		_, _ = w.Write([]byte(`{"model":"llama3.2","message":{"role":"assistant","content":"hi there"},"prompt_eval_count":12,"eval_count":8}`))
	}))
	defer srv.Close()

	p := ollama.New(srv.URL, "llama3.2")
	got, err := p.Complete(context.Background(), aiprovider.Request{
		Messages: []aiprovider.Message{{Role: aiprovider.RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got.Text != "hi there" || got.TokensUsed != 20 || got.CostUSD != 0 {
		t.Fatalf("unexpected completion: %+v", got)
	}
}

func TestCompleteErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			want: aiprovider.ErrUnavailable,
		},
		{
			name: "garbage body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`not json`))
			},
			want: aiprovider.ErrMalformedResponse,
		},
		{
			name: "empty message",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"message":{"content":""}}`))
			},
			want: aiprovider.ErrMalformedResponse,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := ollama.New(srv.URL, "m").Complete(context.Background(), aiprovider.Request{})
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCompleteTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := ollama.New(srv.URL, "m").Complete(ctx, aiprovider.Request{})
	if !errors.Is(err, aiprovider.ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
}

func TestCompleteBreakerOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := ollama.New(srv.URL, "m")
	p.SetBreaker(resilience.NewBreaker(1, time.Minute))
	_, _ = p.Complete(context.Background(), aiprovider.Request{})

	_, err := p.Complete(context.Background(), aiprovider.Request{})
	if !errors.Is(err, resilience.ErrCircuitOpen) || !errors.Is(err, aiprovider.ErrUnavailable) {
		t.Fatalf("got %v, want open circuit classified as unavailable", err)
	}
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"models":[]}`))
	}))
	defer srv.Close()

	if !ollama.New(srv.URL, "m").HealthCheck(context.Background()) {
		t.Fatal("expected healthy")
	}
	if ollama.New("http://127.0.0.1:1", "m").HealthCheck(context.Background()) {
		t.Fatal("expected unhealthy for unreachable server")
	}
}

func TestCostAndTokens(t *testing.T) {
	p := ollama.New("http://unused", "m")
	if p.EstimateCost(1000, 1000, "anything") != 0 {
		t.Fatal("local inference must be free")
	}
	if got := p.CountTokens("abcdefgh", ""); got != 2 {
		t.Fatalf("CountTokens = %d, want 2", got)
	}
}
