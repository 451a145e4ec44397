package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kaptinlin/jsonrepair"
)

// ErrParse indicates AI output could not be read as the expected structure.
var ErrParse = errors.New("parse ai output")

// AnalysisResult is the structured output of the Analysis phase.
type AnalysisResult struct {
	Intent             string   `json:"intent"`
	Category           string   `json:"category"`
	Complexity         string   `json:"complexity"`
	OutputType         string   `json:"output_type"`
	NeedsClarification bool     `json:"needs_clarification"`
	Questions          []string `json:"questions"`
	EstimatedSteps     int      `json:"estimated_steps"`
	KeyRequirements    []string `json:"key_requirements"`
}

// ParseAnalysis reads an AnalysisResult from raw model output. The text is
// treated as untrusted: the JSON object is located, repaired when slightly
// malformed, then decoded and checked.
func ParseAnalysis(raw string) (*AnalysisResult, error) {
	var a AnalysisResult
	if err := decodeObject(raw, &a); err != nil {
		return nil, err
	}
	if strings.TrimSpace(a.Intent) == "" {
		return nil, fmt.Errorf("%w: analysis has no intent", ErrParse)
	}
	a.Questions = nonEmpty(a.Questions)
	a.KeyRequirements = nonEmpty(a.KeyRequirements)
	if a.NeedsClarification && len(a.Questions) == 0 {
		// A clarification request without questions cannot be answered.
		a.NeedsClarification = false
	}
	if a.EstimatedSteps < 1 {
		a.EstimatedSteps = 1
	}
	return &a, nil
}

const defaultIntentRunes = 100

// truncateRunes cuts s to at most n characters without splitting a rune.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// DefaultAnalysis is used only when ParseAnalysis fails.
func DefaultAnalysis(description string) *AnalysisResult {
	return &AnalysisResult{
		Intent:         truncateRunes(description, defaultIntentRunes),
		Category:       "other",
		Complexity:     "medium",
		OutputType:     "text",
		EstimatedSteps: 3,
	}
}

// decodeObject extracts the outermost JSON object from s and decodes it into v.
func decodeObject(s string, v any) error {
	obj := extractJSON(s)
	if obj == "" {
		return fmt.Errorf("%w: no JSON object found", ErrParse)
	}
	if err := json.Unmarshal([]byte(obj), v); err == nil {
		return nil
	}
	repaired, err := jsonrepair.JSONRepair(obj)
	if err != nil {
		return fmt.Errorf("%w: repair: %w", ErrParse, err)
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return fmt.Errorf("%w: %w", ErrParse, err)
	}
	return nil
}

// extractJSON returns the JSON object embedded in model output that may carry
// markdown fences or surrounding prose. Returns "" when there is none.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func nonEmpty(items []string) []string {
	out := items[:0]
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
