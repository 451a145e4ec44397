// Package litellm provides an HTTP client for a LiteLLM proxy and the AI
// providers (claude, gemini) served through it.
package litellm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Strob0t/omnitask/internal/resilience"
)

// HealthReport is the proxy's view of its upstream endpoints.
type HealthReport struct {
	HealthyEndpoints   []ModelHealth `json:"healthy_endpoints"`
	UnhealthyEndpoints []ModelHealth `json:"unhealthy_endpoints"`
	HealthyCount       int           `json:"healthy_count"`
	UnhealthyCount     int           `json:"unhealthy_count"`
}

// ModelHealth represents the health of a single model endpoint.
type ModelHealth struct {
	Model   string `json:"model"`
	APIBase string `json:"api_base,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Healthy reports whether model is listed among the healthy endpoints.
// Provider-prefixed names ("anthropic/claude-3-opus") match their bare model.
func (r *HealthReport) Healthy(model string) bool {
	for _, e := range r.HealthyEndpoints {
		if e.Model == model || stripPrefix(e.Model) == model {
			return true
		}
	}
	return false
}

func stripPrefix(model string) string {
	for i := len(model) - 1; i >= 0; i-- {
		if model[i] == '/' {
			return model[i+1:]
		}
	}
	return model
}

// Client talks to the LiteLLM proxy.
type Client struct {
	baseURL    string
	masterKey  string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClient creates a new LiteLLM client.
func NewClient(baseURL, masterKey string) *Client {
	return &Client{
		baseURL:   baseURL,
		masterKey: masterKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// ChatMessage is one turn of an OpenAI-compatible chat request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the OpenAI-compatible body of /chat/completions.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// ChatResponse is the subset of the completion reply OmniTask reads.
type ChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message ChatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// ChatCompletion sends a chat completion through the proxy and returns the
// raw body and headers. Callers decode the body so they can classify
// malformed replies themselves.
func (c *Client) ChatCompletion(ctx context.Context, req ChatRequest) ([]byte, http.Header, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal chat request: %w", err)
	}
	return c.doRequest(ctx, http.MethodPost, "/chat/completions", body)
}

// Health returns the proxy's endpoint health report.
func (c *Client) Health(ctx context.Context) (*HealthReport, error) {
	resp, _, err := c.doRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}
	var report HealthReport
	if err := json.Unmarshal(resp, &report); err != nil {
		return nil, fmt.Errorf("unmarshal health: %w", err)
	}
	return &report, nil
}

// responseCost reads the x-litellm-response-cost header, or 0.
func responseCost(h http.Header) float64 {
	v := h.Get("x-litellm-response-cost")
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 0
	}
	return f
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, http.Header, error) {
	var (
		result []byte
		header http.Header
	)
	call := func() error {
		var bodyReader io.Reader = http.NoBody
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return resilience.Permanent(fmt.Errorf("create request: %w", err))
		}

		req.Header.Set("Content-Type", "application/json")
		if c.masterKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.masterKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("litellm API error %d: %s", resp.StatusCode, string(data))
		}
		if resp.StatusCode >= 400 {
			return resilience.Permanent(fmt.Errorf("litellm API error %d: %s", resp.StatusCode, string(data)))
		}

		result = data
		header = resp.Header
		return nil
	}

	if c.breaker != nil {
		if err := c.breaker.Execute(call); err != nil {
			return nil, nil, err
		}
		return result, header, nil
	}

	if err := call(); err != nil {
		return nil, nil, err
	}
	return result, header, nil
}
