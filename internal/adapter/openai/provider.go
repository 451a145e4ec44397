// Package openai implements the AI provider port against the OpenAI chat
// completions API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Strob0t/omnitask/internal/port/aiprovider"
	"github.com/Strob0t/omnitask/internal/resilience"
)

// Name is the provider identifier.
const Name = "openai"

// ErrNoAPIKey is returned by New when no API key is configured.
var ErrNoAPIKey = errors.New("openai: api key not configured")

// price is USD per 1K tokens.
type price struct {
	in, out float64
}

var prices = map[string]price{
	"gpt-4o":        {0.0025, 0.01},
	"gpt-4o-mini":   {0.00015, 0.0006},
	"gpt-4-turbo":   {0.01, 0.03},
	"gpt-3.5-turbo": {0.0005, 0.0015},
}

// defaultTier prices models missing from the table.
const defaultTier = "gpt-4-turbo"

// Provider talks to the OpenAI HTTP API.
type Provider struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// New creates an OpenAI provider.
func New(apiKey, baseURL, model string) (*Provider, error) {
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	return &Provider{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
	}, nil
}

// SetBreaker attaches a circuit breaker to completion calls.
func (p *Provider) SetBreaker(b *resilience.Breaker) {
	p.breaker = b
}

func (p *Provider) Name() string { return Name }

type chatRequest struct {
	Model       string               `json:"model"`
	Messages    []aiprovider.Message `json:"messages"`
	Temperature float64              `json:"temperature"`
	MaxTokens   int                  `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete calls /v1/chat/completions and prices the reply from the
// reported usage.
func (p *Provider) Complete(ctx context.Context, req aiprovider.Request) (*aiprovider.Completion, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	data, err := p.doRequest(ctx, http.MethodPost, "/v1/chat/completions", body)
	if err != nil {
		return nil, err
	}

	var resp chatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", Name, aiprovider.ErrMalformedResponse, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, fmt.Errorf("%s: %w: no choices", Name, aiprovider.ErrMalformedResponse)
	}
	if resp.Model == "" {
		resp.Model = model
	}
	total := resp.Usage.TotalTokens
	if total == 0 {
		total = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	}
	return &aiprovider.Completion{
		Text:       resp.Choices[0].Message.Content,
		TokensUsed: total,
		CostUSD:    p.EstimateCost(resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Model),
		Model:      resp.Model,
	}, nil
}

// EstimateCost prices tokens for model. Dated snapshots such as
// "gpt-4o-mini-2024-07-18" use their base model's price.
func (p *Provider) EstimateCost(inputTokens, outputTokens int, model string) float64 {
	pr := lookupPrice(model)
	return float64(inputTokens)/1000*pr.in + float64(outputTokens)/1000*pr.out
}

func lookupPrice(model string) price {
	if pr, ok := prices[model]; ok {
		return pr
	}
	best := ""
	for name := range prices {
		if strings.HasPrefix(model, name+"-") && len(name) > len(best) {
			best = name
		}
	}
	if best != "" {
		return prices[best]
	}
	return prices[defaultTier]
}

// CountTokens counts with the cl100k_base encoding.
func (p *Provider) CountTokens(text, _ string) int {
	return countTokens(text)
}

// HealthCheck lists models with the configured key.
func (p *Provider) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/models", http.NoBody)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
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
		req.Header.Set("Authorization", "Bearer "+p.apiKey)

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
			return fmt.Errorf("openai API error %d: %s", resp.StatusCode, string(data))
		}
		if resp.StatusCode >= 400 {
			return resilience.Permanent(fmt.Errorf("openai API error %d: %s", resp.StatusCode, string(data)))
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
