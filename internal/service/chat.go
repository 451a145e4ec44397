package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	omniotel "github.com/Strob0t/omnitask/internal/adapter/otel"
	"github.com/Strob0t/omnitask/internal/domain"
	"github.com/Strob0t/omnitask/internal/domain/task"
	"github.com/Strob0t/omnitask/internal/port/aiprovider"
	"github.com/Strob0t/omnitask/internal/port/broadcast"
	"github.com/Strob0t/omnitask/internal/port/database"
)

// ChatService answers follow-up questions about a task with the task's
// provider. Chat usage is added to the task's cost but never changes its
// status.
type ChatService struct {
	tasks    *TaskService
	store    database.Store
	selector *Selector
	events   broadcast.Broadcaster
	metrics  *omniotel.Metrics
	timeout  time.Duration
}

// NewChatService creates a ChatService. events and metrics may be nil.
func NewChatService(tasks *TaskService, store database.Store, selector *Selector,
	events broadcast.Broadcaster, metrics *omniotel.Metrics, timeout time.Duration) *ChatService {
	if events == nil {
		events = broadcast.Nop{}
	}
	return &ChatService{
		tasks:    tasks,
		store:    store,
		selector: selector,
		events:   events,
		metrics:  metrics,
		timeout:  timeout,
	}
}

// PostMessage stores the user's turn together with the assistant's reply and
// returns the reply. Nothing is stored when the provider call fails.
func (s *ChatService) PostMessage(ctx context.Context, userID, taskID string, req task.PostMessageRequest) (*task.Message, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, fmt.Errorf("%w: message content is required", domain.ErrValidation)
	}
	t, err := s.tasks.Get(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}
	if !t.Paid() {
		return nil, fmt.Errorf("%w: task %s has not been paid", domain.ErrValidation, taskID)
	}

	p, err := s.selector.Resolve(t.Provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", aiprovider.ErrUnavailable, err)
	}
	history, err := s.store.ListMessages(ctx, taskID)
	if err != nil {
		return nil, err
	}
	msgs, err := chatMessages(t, history, content)
	if err != nil {
		return nil, err
	}

	c, err := complete(ctx, s.metrics, p, aiprovider.Request{
		Messages: msgs, Temperature: chatTemperature, MaxTokens: chatMaxTokens,
	}, s.timeout)
	if err != nil {
		slog.WarnContext(ctx, "chat provider call failed", "task_id", taskID, "provider", p.Name(), "error", err)
		return nil, err
	}

	turns := []task.Message{
		{
			Role:     task.RoleUser,
			Content:  content,
			FileURL:  req.FileURL,
			FileName: req.FileName,
			FileType: req.FileType,
		},
		{
			Role:         task.RoleAssistant,
			Content:      c.Text,
			TokensUsed:   c.TokensUsed,
			Cost:         c.CostUSD,
			ProviderUsed: p.Name(),
		},
	}
	if err := s.store.RecordUsage(ctx, taskID, turns, c.CostUSD, c.TokensUsed); err != nil {
		return nil, err
	}
	publishMessages(ctx, s.events, userID, turns)
	slog.InfoContext(ctx, "chat message answered", "task_id", taskID, "provider", p.Name(), "tokens", c.TokensUsed)

	reply := turns[1]
	return &reply, nil
}
