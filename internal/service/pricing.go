package service

import (
	"github.com/Strob0t/omnitask/internal/domain/pricing"
	"github.com/Strob0t/omnitask/internal/domain/task"
)

// PricingService quotes tasks before they are created.
type PricingService struct {
	engine   *pricing.Engine
	selector *Selector
}

// NewPricingService creates a PricingService.
func NewPricingService(engine *pricing.Engine, selector *Selector) *PricingService {
	return &PricingService{engine: engine, selector: selector}
}

// Estimate validates req and prices it. The quote depends only on the
// request and the configured rule; "auto" is priced at its own tier so the
// result does not change with which credentials happen to be configured.
func (s *PricingService) Estimate(req *task.CreateRequest) (*pricing.Quote, error) {
	if err := req.Validate(s.selector.IsKnown); err != nil {
		return nil, err
	}
	q := s.engine.Estimate(req.Description, req.Urgency, req.Provider)
	return &q, nil
}
