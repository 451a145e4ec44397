package task

import "fmt"

// PlanStep is one ordered action of an execution plan.
type PlanStep struct {
	StepNumber      int    `json:"step_number"`
	Action          string `json:"action"`
	Details         string `json:"details"`
	EstimatedTokens int    `json:"estimated_tokens"`
}

// Plan is the structured output of the Planning phase.
type Plan struct {
	Steps                []PlanStep `json:"steps"`
	TotalEstimatedTokens int        `json:"total_estimated_tokens"`
	ExpectedOutput       string     `json:"expected_output"`
	ToolsNeeded          []string   `json:"tools_needed"`
}

// ParsePlan reads a Plan from raw model output. Step numbers are normalized
// to 1..n and the token total is recomputed when the model omitted it.
func ParsePlan(raw string) (*Plan, error) {
	var p Plan
	if err := decodeObject(raw, &p); err != nil {
		return nil, err
	}
	steps := p.Steps[:0]
	for _, s := range p.Steps {
		if s.Action == "" {
			continue
		}
		steps = append(steps, s)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: plan has no steps", ErrParse)
	}
	sum := 0
	for i := range steps {
		steps[i].StepNumber = i + 1
		if steps[i].EstimatedTokens < 0 {
			steps[i].EstimatedTokens = 0
		}
		sum += steps[i].EstimatedTokens
	}
	p.Steps = steps
	if p.TotalEstimatedTokens <= 0 {
		p.TotalEstimatedTokens = sum
	}
	p.ToolsNeeded = nonEmpty(p.ToolsNeeded)
	return &p, nil
}

// DefaultPlan is used only when ParsePlan fails.
func DefaultPlan(description string, a *AnalysisResult) *Plan {
	expected := "text"
	if a != nil && a.OutputType != "" {
		expected = a.OutputType
	}
	return &Plan{
		Steps: []PlanStep{
			{StepNumber: 1, Action: "Analyze requirements", Details: description, EstimatedTokens: 500},
			{StepNumber: 2, Action: "Generate solution", Details: "Create the requested output", EstimatedTokens: 1500},
		},
		TotalEstimatedTokens: 2000,
		ExpectedOutput:       expected,
		ToolsNeeded:          []string{"ai_generation"},
	}
}
