// Package task defines the Task domain entity and its phase state machine.
package task

import (
	"fmt"
	"slices"
	"time"
	"unicode/utf8"

	"github.com/Strob0t/omnitask/internal/domain"
)

// Status represents the current phase of a task.
type Status string

const (
	StatusAwaitingPayment Status = "awaiting_payment"
	StatusPending         Status = "pending"
	StatusAnalyzing       Status = "analyzing"
	StatusClarifying      Status = "clarifying"
	StatusPlanning        Status = "planning"
	StatusExecuting       Status = "executing"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// IsTerminal reports whether no further phase can follow s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// RunningStatuses are the phases a worker may currently be driving.
func RunningStatuses() []Status {
	return []Status{StatusAnalyzing, StatusPlanning, StatusExecuting}
}

// IsRunning reports whether s is one of RunningStatuses.
func (s Status) IsRunning() bool {
	return slices.Contains(RunningStatuses(), s)
}

// Urgency is the delivery class a user picks when submitting a task.
type Urgency string

const (
	UrgencyFlexible Urgency = "flexible"
	UrgencyToday    Urgency = "today"
	UrgencyASAP     Urgency = "asap"
)

// Valid reports whether u is a known urgency class.
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyFlexible, UrgencyToday, UrgencyASAP:
		return true
	}
	return false
}

// transitions lists the allowed successor statuses for each status.
// executing -> pending is the retry-with-fallback edge.
var transitions = map[Status][]Status{
	StatusAwaitingPayment: {StatusPending, StatusCancelled},
	StatusPending:         {StatusAnalyzing, StatusFailed, StatusCancelled},
	StatusAnalyzing:       {StatusClarifying, StatusPlanning, StatusFailed, StatusCancelled},
	StatusClarifying:      {StatusClarifying, StatusPlanning, StatusFailed, StatusCancelled},
	StatusPlanning:        {StatusExecuting, StatusFailed, StatusCancelled},
	StatusExecuting:       {StatusCompleted, StatusPending, StatusFailed, StatusCancelled},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Task is the unit of work a user pays for.
type Task struct {
	ID                     string          `json:"id"`
	UserID                 string          `json:"user_id"`
	Description            string          `json:"description"`
	Urgency                Urgency         `json:"urgency"`
	Provider               string          `json:"provider"`
	Status                 Status          `json:"status"`
	Analysis               *AnalysisResult `json:"analysis,omitempty"`
	Plan                   *Plan           `json:"plan,omitempty"`
	ClarificationQuestions []string        `json:"clarification_questions,omitempty"`
	ClarificationAnswers   []string        `json:"clarification_answers,omitempty"`
	ResultText             string          `json:"result_text,omitempty"`
	ResultFiles            []string        `json:"result_files,omitempty"`
	EstimatedCost          float64         `json:"estimated_cost"`
	FinalCost              float64         `json:"final_cost"`
	TokensUsed             int             `json:"tokens_used"`
	RetryCount             int             `json:"retry_count"`
	ErrorMessage           string          `json:"error_message,omitempty"`
	Version                int             `json:"version"`
	PaidAt                 *time.Time      `json:"paid_at,omitempty"`
	StartedAt              *time.Time      `json:"started_at,omitempty"`
	CompletedAt            *time.Time      `json:"completed_at,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

// Paid reports whether the estimated cost has been debited as a hold.
func (t *Task) Paid() bool {
	return t.PaidAt != nil
}

// Clone returns a deep copy so a proposed next state can be built without
// touching the persisted snapshot.
func (t *Task) Clone() *Task {
	c := *t
	if t.Analysis != nil {
		a := *t.Analysis
		a.Questions = append([]string(nil), t.Analysis.Questions...)
		a.KeyRequirements = append([]string(nil), t.Analysis.KeyRequirements...)
		c.Analysis = &a
	}
	if t.Plan != nil {
		p := *t.Plan
		p.Steps = append([]PlanStep(nil), t.Plan.Steps...)
		p.ToolsNeeded = append([]string(nil), t.Plan.ToolsNeeded...)
		c.Plan = &p
	}
	c.ClarificationQuestions = append([]string(nil), t.ClarificationQuestions...)
	c.ClarificationAnswers = append([]string(nil), t.ClarificationAnswers...)
	c.ResultFiles = append([]string(nil), t.ResultFiles...)
	return &c
}

// CreateRequest holds the fields needed to create a new task.
type CreateRequest struct {
	Description string  `json:"description"`
	Urgency     Urgency `json:"urgency"`
	Provider    string  `json:"provider"`
}

// MaxDescriptionLength bounds the free-text request size.
const MaxDescriptionLength = 20000

// Validate checks the request fields. knownProvider reports whether an
// identifier (other than "auto") is a provider the platform offers.
func (r *CreateRequest) Validate(knownProvider func(string) bool) error {
	if r.Description == "" {
		return fmt.Errorf("%w: description is required", domain.ErrValidation)
	}
	if utf8.RuneCountInString(r.Description) > MaxDescriptionLength {
		return fmt.Errorf("%w: description exceeds %d characters", domain.ErrValidation, MaxDescriptionLength)
	}
	if r.Urgency == "" {
		r.Urgency = UrgencyFlexible
	}
	if !r.Urgency.Valid() {
		return fmt.Errorf("%w: unknown urgency %q", domain.ErrValidation, r.Urgency)
	}
	if r.Provider == "" {
		r.Provider = ProviderAuto
	}
	if r.Provider != ProviderAuto && !knownProvider(r.Provider) {
		return fmt.Errorf("%w: unknown provider %q", domain.ErrValidation, r.Provider)
	}
	return nil
}

// ProviderAuto asks the platform to pick a provider.
const ProviderAuto = "auto"
