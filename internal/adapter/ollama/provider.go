// Package ollama implements the AI provider port against a local Ollama
// server. Local inference is free, so every call costs zero.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/Strob0t/omnitask/internal/port/aiprovider"
	"github.com/Strob0t/omnitask/internal/resilience"
)

// Name is the provider identifier.
const Name = "ollama"

// Provider talks to the Ollama HTTP API.
type Provider struct {
	baseURL    string
	model      string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// New creates an Ollama provider. model is used when a request names none.
func New(baseURL, model string) *Provider {
	return &Provider{
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
	}
}

// SetBreaker attaches a circuit breaker to completion calls.
func (p *Provider) SetBreaker(b *resilience.Breaker) {
	p.breaker = b
}

func (p *Provider) Name() string { return Name }

type chatRequest struct {
	Model    string               `json:"model"`
	Messages []aiprovider.Message `json:"messages"`
	Stream   bool                 `json:"stream"`
	Options  chatOptions          `json:"options"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	PromptEvalCount int `json:"prompt_eval_count"`
	EvalCount       int `json:"eval_count"`
}

// Complete sends a non-streaming chat request.
func (p *Provider) Complete(ctx context.Context, req aiprovider.Request) (*aiprovider.Completion, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	body, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: req.Messages,
		Options:  chatOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	data, err := p.doRequest(ctx, http.MethodPost, "/api/chat", body)
	if err != nil {
		return nil, err
	}

	var resp chatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", Name, aiprovider.ErrMalformedResponse, err)
	}
	if resp.Message.Content == "" {
		return nil, fmt.Errorf("%s: %w: empty message", Name, aiprovider.ErrMalformedResponse)
	}
	if resp.Model == "" {
		resp.Model = model
	}
	return &aiprovider.Completion{
		Text:       resp.Message.Content,
		TokensUsed: resp.PromptEvalCount + resp.EvalCount,
		CostUSD:    0,
		Model:      resp.Model,
	}, nil
}

// EstimateCost is always zero for local inference.
func (p *Provider) EstimateCost(_, _ int, _ string) float64 { return 0 }

// CountTokens approximates four characters per token.
func (p *Provider) CountTokens(text, _ string) int {
	return utf8.RuneCountInString(text) / 4
}

// HealthCheck lists local models; any 200 means the server is up.
func (p *Provider) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", http.NoBody)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (p *Provider) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var result []byte
	call := func() error {
		req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return resilience.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("ollama API error %d: %s", resp.StatusCode, string(data))
		}
		if resp.StatusCode >= 400 {
			return resilience.Permanent(fmt.Errorf("ollama API error %d: %s", resp.StatusCode, string(data)))
		}

		result = data
		return nil
	}

	var err error
	if p.breaker != nil {
		err = p.breaker.Execute(call)
	} else {
		err = call()
	}
	if err != nil {
		return nil, aiprovider.ClassifyTransport(Name, err)
	}
	return result, nil
}
