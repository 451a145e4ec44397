package pricing

// Rate is the USD price per 1K input and output tokens of one model.
type Rate struct {
	Model       string  `yaml:"model"`
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
}

// CostTable maps a provider identifier to the rate of its default model.
type CostTable map[string]Rate

// fallbackProvider prices identifiers missing from the table.
const fallbackProvider = "auto"

// Rate returns the provider's rate, or the "auto" tier for unknown providers.
func (t CostTable) Rate(providerID string) Rate {
	if r, ok := t[providerID]; ok {
		return r
	}
	return t[fallbackProvider]
}

// DefaultCostTable returns list prices for each provider's default model.
func DefaultCostTable() CostTable {
	return CostTable{
		"openai": {Model: "gpt-4o-mini", InputPer1K: 0.00015, OutputPer1K: 0.0006},
		"claude": {Model: "claude-3-opus", InputPer1K: 0.015, OutputPer1K: 0.075},
		"gemini": {Model: "gemini-1.5-flash", InputPer1K: 0.00010, OutputPer1K: 0.0004},
		"ollama": {Model: "default"},
		"auto":   {Model: "gpt-4o-mini", InputPer1K: 0.00015, OutputPer1K: 0.0006},
	}
}
