package service

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/Strob0t/omnitask/internal/domain/task"
	"github.com/Strob0t/omnitask/internal/port/aiprovider"
)

//go:embed templates/analysis.tmpl
var analysisTmplText string

//go:embed templates/planning.tmpl
var planningTmplText string

//go:embed templates/execution.tmpl
var executionTmplText string

//go:embed templates/chat_system.tmpl
var chatSystemTmplText string

var (
	analysisTmpl   = template.Must(template.New("analysis").Parse(analysisTmplText))
	planningTmpl   = template.Must(template.New("planning").Parse(planningTmplText))
	executionTmpl  = template.Must(template.New("execution").Parse(executionTmplText))
	chatSystemTmpl = template.Must(template.New("chat_system").Parse(chatSystemTmplText))
)

// Sampling parameters per phase. Structured phases run cold.
const (
	analysisTemperature  = 0.3
	analysisMaxTokens    = 500
	planningTemperature  = 0.4
	planningMaxTokens    = 1000
	executionTemperature = 0.7
	chatTemperature      = 0.7
	chatMaxTokens        = 1000
)

func render(tmpl *template.Template, data any) (string, error) {
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", tmpl.Name(), err)
	}
	return b.String(), nil
}

func analysisMessages(t *task.Task) ([]aiprovider.Message, error) {
	prompt, err := render(analysisTmpl, struct{ Description string }{t.Description})
	if err != nil {
		return nil, err
	}
	return []aiprovider.Message{
		{Role: aiprovider.RoleSystem, Content: "You are a task analysis expert."},
		{Role: aiprovider.RoleUser, Content: prompt},
	}, nil
}

func planningMessages(t *task.Task) ([]aiprovider.Message, error) {
	analysisJSON, err := json.MarshalIndent(t.Analysis, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal analysis: %w", err)
	}
	// Answers are matched to questions by position; extra answers are dropped.
	questions := t.ClarificationQuestions
	answers := t.ClarificationAnswers
	if len(answers) > len(questions) {
		answers = answers[:len(questions)]
	}
	questions = questions[:len(answers)]

	prompt, err := render(planningTmpl, struct {
		Description  string
		AnalysisJSON string
		Questions    []string
		Answers      []string
	}{t.Description, string(analysisJSON), questions, answers})
	if err != nil {
		return nil, err
	}
	return []aiprovider.Message{
		{Role: aiprovider.RoleSystem, Content: "You are an expert planner."},
		{Role: aiprovider.RoleUser, Content: prompt},
	}, nil
}

func executionMessages(t *task.Task) ([]aiprovider.Message, error) {
	planJSON, err := json.MarshalIndent(t.Plan, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal plan: %w", err)
	}
	expected := "text"
	if t.Plan != nil && t.Plan.ExpectedOutput != "" {
		expected = t.Plan.ExpectedOutput
	}
	prompt, err := render(executionTmpl, struct {
		Description    string
		PlanJSON       string
		ExpectedOutput string
		Answers        []string
	}{t.Description, string(planJSON), expected, t.ClarificationAnswers})
	if err != nil {
		return nil, err
	}
	return []aiprovider.Message{
		{Role: aiprovider.RoleSystem, Content: "You are an expert executor."},
		{Role: aiprovider.RoleUser, Content: prompt},
	}, nil
}

// chatMessages builds the chat context: a system prompt describing the task,
// the prior conversation, then the new user turn.
func chatMessages(t *task.Task, history []task.Message, userTurn string) ([]aiprovider.Message, error) {
	var questions []string
	if t.Status == task.StatusClarifying {
		questions = t.ClarificationQuestions
	}
	system, err := render(chatSystemTmpl, struct {
		Description string
		Status      task.Status
		Questions   []string
		Result      string
	}{t.Description, t.Status, questions, t.ResultText})
	if err != nil {
		return nil, err
	}

	msgs := make([]aiprovider.Message, 0, len(history)+2)
	msgs = append(msgs, aiprovider.Message{Role: aiprovider.RoleSystem, Content: system})
	for _, m := range history {
		if m.Role == task.RoleSystem {
			continue
		}
		msgs = append(msgs, aiprovider.Message{Role: string(m.Role), Content: m.Content})
	}
	msgs = append(msgs, aiprovider.Message{Role: aiprovider.RoleUser, Content: userTurn})
	return msgs, nil
}

// clarificationText renders questions as one assistant message.
func clarificationText(questions []string) string {
	var b strings.Builder
	b.WriteString("Before I continue, please answer:")
	for i, q := range questions {
		fmt.Fprintf(&b, "\n%d. %s", i+1, q)
	}
	return b.String()
}

// answersText pairs the user's answers with the questions for the transcript.
func answersText(questions, answers []string) string {
	var b strings.Builder
	for i, a := range answers {
		if i > 0 {
			b.WriteString("\n")
		}
		if i < len(questions) {
			fmt.Fprintf(&b, "Q: %s\nA: %s", questions[i], a)
			continue
		}
		b.WriteString(a)
	}
	return b.String()
}
