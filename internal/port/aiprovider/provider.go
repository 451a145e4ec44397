// Package aiprovider defines the capability interface every AI provider
// adapter satisfies, and the registry that constructs them.
package aiprovider

import (
	"context"
	"errors"
)

// Provider call failures. Adapters wrap one of these so callers can
// classify with errors.Is.
var (
	ErrUnavailable       = errors.New("provider unavailable")
	ErrTimeout           = errors.New("provider timeout")
	ErrMalformedResponse = errors.New("provider returned malformed response")
)

// Role of a chat message sent to a provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a provider conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion request.
type Request struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
	// Model overrides the provider's default model when set.
	Model string
}

// Completion is the result of one successful provider call.
type Completion struct {
	Text       string
	TokensUsed int
	CostUSD    float64
	Model      string
}

// Provider is the uniform capability surface of an AI backend.
// Implementations never touch persisted state.
type Provider interface {
	Name() string

	// Complete sends the conversation and returns the model reply.
	Complete(ctx context.Context, req Request) (*Completion, error)

	// EstimateCost prices a call in USD. Unknown models use the provider's
	// default pricing tier.
	EstimateCost(inputTokens, outputTokens int, model string) float64

	// CountTokens estimates the token count of text. Used for pre-flight
	// pricing only, never for billing.
	CountTokens(text, model string) int

	// HealthCheck reports whether the provider is reachable. It is bounded
	// by ctx and never panics.
	HealthCheck(ctx context.Context) bool
}
