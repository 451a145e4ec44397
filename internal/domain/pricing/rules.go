package pricing

import (
	"fmt"

	"github.com/Strob0t/omnitask/internal/domain/ledger"
	"github.com/Strob0t/omnitask/internal/domain/task"
)

// Rule names accepted by configuration.
const (
	RuleThreshold = "threshold"
	RuleMargin    = "margin"
)

// ThresholdRule charges a fixed price for cheap tasks and a multiple of the
// base cost otherwise. Urgency does not affect the price.
type ThresholdRule struct {
	Threshold  float64 // base costs up to and including this get FixedPrice
	FixedPrice float64
	Multiplier float64
}

// DefaultThresholdRule is 1.50 flat up to 0.49 base cost, else base x 3.
func DefaultThresholdRule() ThresholdRule {
	return ThresholdRule{Threshold: 0.49, FixedPrice: 1.50, Multiplier: 3}
}

func (ThresholdRule) Name() string { return RuleThreshold }

func (r ThresholdRule) Apply(q *Quote, _ task.Urgency) {
	q.UrgencyMultiplier = 1
	q.UrgencyFee = 0
	if q.BaseCost <= r.Threshold {
		q.TotalPrice = ledger.Round(r.FixedPrice, 2)
		return
	}
	q.TotalPrice = ledger.Round(q.BaseCost*r.Multiplier, 2)
}

// MarginRule scales the base cost by an urgency multiplier, then applies a
// fixed margin: total = (base + base*(multiplier-1)) * margin.
type MarginRule struct {
	Margin      float64
	Multipliers map[task.Urgency]float64
}

// DefaultMarginRule uses a 1.3 margin and 1.0 / 1.5 / 2.5 urgency multipliers.
func DefaultMarginRule() MarginRule {
	return MarginRule{
		Margin: 1.3,
		Multipliers: map[task.Urgency]float64{
			task.UrgencyFlexible: 1.0,
			task.UrgencyToday:    1.5,
			task.UrgencyASAP:     2.5,
		},
	}
}

func (MarginRule) Name() string { return RuleMargin }

func (r MarginRule) Apply(q *Quote, urgency task.Urgency) {
	mult, ok := r.Multipliers[urgency]
	if !ok {
		mult = 1.0
	}
	q.UrgencyMultiplier = mult
	q.UrgencyFee = q.BaseCost * (mult - 1)
	subtotal := q.BaseCost + q.UrgencyFee
	q.TotalPrice = ledger.Round(subtotal*r.Margin, 2)
}

// RuleConfig selects and parameterizes a rule.
type RuleConfig struct {
	Name        string
	Threshold   float64
	FixedPrice  float64
	Multiplier  float64
	Margin      float64
	Multipliers map[string]float64
}

// NewRule builds the rule named in cfg. Zero-valued parameters take the
// rule's defaults.
func NewRule(cfg RuleConfig) (Rule, error) {
	switch cfg.Name {
	case "", RuleThreshold:
		r := DefaultThresholdRule()
		if cfg.Threshold > 0 {
			r.Threshold = cfg.Threshold
		}
		if cfg.FixedPrice > 0 {
			r.FixedPrice = cfg.FixedPrice
		}
		if cfg.Multiplier > 0 {
			r.Multiplier = cfg.Multiplier
		}
		return r, nil
	case RuleMargin:
		r := DefaultMarginRule()
		if cfg.Margin > 0 {
			r.Margin = cfg.Margin
		}
		for k, v := range cfg.Multipliers {
			u := task.Urgency(k)
			if !u.Valid() {
				return nil, fmt.Errorf("unknown urgency %q in multipliers", k)
			}
			r.Multipliers[u] = v
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown pricing rule %q", cfg.Name)
	}
}
