// Package pricing computes token estimates, price quotes, and refunds.
// Everything here is a pure function of its inputs.
package pricing

import (
	"math"
	"unicode/utf8"

	"github.com/Strob0t/omnitask/internal/domain/ledger"
	"github.com/Strob0t/omnitask/internal/domain/task"
)

// Quote is a computed price for a task before execution.
type Quote struct {
	BaseCost          float64 `json:"base_cost"`
	UrgencyMultiplier float64 `json:"urgency_multiplier"`
	UrgencyFee        float64 `json:"urgency_fee"`
	ProviderCost      float64 `json:"provider_cost"`
	TotalPrice        float64 `json:"total_price"`
	Currency          string  `json:"currency"`
	EstimatedTokens   int     `json:"estimated_tokens"`
	Rule              string  `json:"pricing_rule"`
}

// Rule turns a base AI cost into a final price.
type Rule interface {
	Name() string
	// Apply fills UrgencyMultiplier, UrgencyFee and TotalPrice of q from
	// q.BaseCost. TotalPrice is rounded to two decimals.
	Apply(q *Quote, urgency task.Urgency)
}

// EstimateTokens is a character-count heuristic: four characters per input
// token, three output tokens per input token, plus a 20% buffer for prompts.
// It is deterministic and non-decreasing in description length.
func EstimateTokens(description string) int {
	input := utf8.RuneCountInString(description) / 4
	output := input * 3
	return int(math.Round(float64(input+output) * 1.2))
}

// Engine prices tasks with one cost table and one business rule.
type Engine struct {
	rule     Rule
	currency string
	table    CostTable
}

// NewEngine creates an Engine. A nil table uses DefaultCostTable.
func NewEngine(rule Rule, currency string, table CostTable) *Engine {
	if table == nil {
		table = DefaultCostTable()
	}
	return &Engine{rule: rule, currency: currency, table: table}
}

// RuleName returns the configured rule's name.
func (e *Engine) RuleName() string { return e.rule.Name() }

// BaseCost is the provider cost of processing tokens with the provider's
// default model, assuming 25% input and 75% output tokens.
func (e *Engine) BaseCost(providerID string, tokens int) float64 {
	rate := e.table.Rate(providerID)
	in := float64(tokens) * 0.25
	out := float64(tokens) * 0.75
	return in/1000*rate.InputPer1K + out/1000*rate.OutputPer1K
}

// PriceTask quotes a task. description is accepted for symmetry with the
// quoting API; the estimate already reflects it.
func (e *Engine) PriceTask(_ string, urgency task.Urgency, providerID string, estimatedTokens int) Quote {
	base := e.BaseCost(providerID, estimatedTokens)
	q := Quote{
		BaseCost:        ledger.Round(base, 4),
		ProviderCost:    ledger.Round(base, 4),
		Currency:        e.currency,
		EstimatedTokens: estimatedTokens,
		Rule:            e.rule.Name(),
	}
	raw := q
	raw.BaseCost = base
	e.rule.Apply(&raw, urgency)
	q.UrgencyMultiplier = raw.UrgencyMultiplier
	q.UrgencyFee = ledger.Round(raw.UrgencyFee, 4)
	q.TotalPrice = raw.TotalPrice
	return q
}

// Estimate is EstimateTokens followed by PriceTask.
func (e *Engine) Estimate(description string, urgency task.Urgency, providerID string) Quote {
	return e.PriceTask(description, urgency, providerID, EstimateTokens(description))
}

// refundShare is the refundable fraction of the estimate by phase.
var refundShare = map[task.Status]float64{
	task.StatusPending:    1.0,
	task.StatusAnalyzing:  0.8,
	task.StatusClarifying: 0.8,
	task.StatusPlanning:   0.8,
}

// RefundAmount is the refund owed when a task is cancelled in status.
// Execution, and every terminal status, refunds nothing.
func RefundAmount(status task.Status, estimated float64) float64 {
	return ledger.Round(estimated*refundShare[status], 2)
}

// CancelRefund is the refund owed when t is cancelled in its current status.
// Unpaid tasks get nothing back. A task that was retried has already been
// executed once, so it refunds like executing even though the retry put it
// back into an earlier phase.
func CancelRefund(t *task.Task) float64 {
	if !t.Paid() || t.RetryCount > 0 {
		return 0
	}
	return RefundAmount(t.Status, t.EstimatedCost)
}
