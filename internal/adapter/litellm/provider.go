package litellm

import (
	"context"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/Strob0t/omnitask/internal/port/aiprovider"
)

// Price is USD per 1K input and output tokens.
type Price struct {
	In  float64
	Out float64
}

// ClaudePrices lists Anthropic models.
var ClaudePrices = PriceTable{
	Default: "claude-3-opus",
	Models: map[string]Price{
		"claude-3-opus":   {0.015, 0.075},
		"claude-3-sonnet": {0.003, 0.015},
		"claude-3-haiku":  {0.00025, 0.00125},
	},
}

// GeminiPrices lists Google models.
var GeminiPrices = PriceTable{
	Default: "gemini-1.5-pro",
	Models: map[string]Price{
		"gemini-1.5-pro":   {0.00125, 0.005},
		"gemini-1.5-flash": {0.0001, 0.0004},
	},
}

// PriceTable prices one vendor's models.
type PriceTable struct {
	Default string
	Models  map[string]Price
}

func (t PriceTable) lookup(model string) Price {
	if p, ok := t.Models[model]; ok {
		return p
	}
	if p, ok := t.Models[stripPrefix(model)]; ok {
		return p
	}
	return t.Models[t.Default]
}

// Provider exposes one vendor behind the proxy as an AI provider.
type Provider struct {
	name   string
	model  string
	client *Client
	prices PriceTable
}

// NewProvider creates a provider named name that sends requests for model
// through client.
func NewProvider(name, model string, client *Client, prices PriceTable) *Provider {
	return &Provider{name: name, model: model, client: client, prices: prices}
}

func (p *Provider) Name() string { return p.name }

// Complete sends the conversation through the proxy. The proxy's own cost
// header wins over the local price table when present.
func (p *Provider) Complete(ctx context.Context, req aiprovider.Request) (*aiprovider.Completion, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	msgs := make([]ChatMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = ChatMessage{Role: m.Role, Content: m.Content}
	}

	data, header, err := p.client.ChatCompletion(ctx, ChatRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, aiprovider.ClassifyTransport(p.name, err)
	}

	var resp ChatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", p.name, aiprovider.ErrMalformedResponse, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, fmt.Errorf("%s: %w: no choices", p.name, aiprovider.ErrMalformedResponse)
	}
	if resp.Model == "" {
		resp.Model = model
	}

	cost := responseCost(header)
	if cost == 0 {
		cost = p.EstimateCost(resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Model)
	}
	total := resp.Usage.TotalTokens
	if total == 0 {
		total = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	}
	return &aiprovider.Completion{
		Text:       resp.Choices[0].Message.Content,
		TokensUsed: total,
		CostUSD:    cost,
		Model:      resp.Model,
	}, nil
}

// EstimateCost prices tokens from the vendor table, falling back to the
// default tier for unknown models.
func (p *Provider) EstimateCost(inputTokens, outputTokens int, model string) float64 {
	pr := p.prices.lookup(model)
	return float64(inputTokens)/1000*pr.In + float64(outputTokens)/1000*pr.Out
}

// CountTokens approximates four characters per token.
func (p *Provider) CountTokens(text, _ string) int {
	return utf8.RuneCountInString(text) / 4
}

// HealthCheck asks the proxy whether this provider's model has a healthy
// upstream endpoint.
func (p *Provider) HealthCheck(ctx context.Context) bool {
	report, err := p.client.Health(ctx)
	if err != nil {
		return false
	}
	return report.Healthy(p.model)
}
