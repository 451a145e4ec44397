package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	omniotel "github.com/Strob0t/omnitask/internal/adapter/otel"
	"github.com/Strob0t/omnitask/internal/domain"
	"github.com/Strob0t/omnitask/internal/domain/ledger"
	"github.com/Strob0t/omnitask/internal/domain/pricing"
	"github.com/Strob0t/omnitask/internal/domain/task"
	"github.com/Strob0t/omnitask/internal/port/broadcast"
	"github.com/Strob0t/omnitask/internal/port/database"
	ledgerport "github.com/Strob0t/omnitask/internal/port/ledger"
	"github.com/Strob0t/omnitask/internal/port/messagequeue"
)

// Paging bounds for ListTasks.
const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// cancelAttempts bounds re-reads when a worker commits between our read and
// the cancel commit.
const cancelAttempts = 3

// TaskService implements the user-facing task operations. It never calls an
// AI provider; the Orchestrator does that from the queue.
type TaskService struct {
	store   database.Store
	ledger  ledgerport.Ledger
	queue   messagequeue.Queue
	pricing *PricingService
	events  broadcast.Broadcaster
	metrics *omniotel.Metrics
	now     func() time.Time
}

// NewTaskService creates a TaskService. events and metrics may be nil.
func NewTaskService(store database.Store, ledger ledgerport.Ledger, queue messagequeue.Queue,
	pricingSvc *PricingService, events broadcast.Broadcaster, metrics *omniotel.Metrics) *TaskService {
	if events == nil {
		events = broadcast.Nop{}
	}
	return &TaskService{
		store:   store,
		ledger:  ledger,
		queue:   queue,
		pricing: pricingSvc,
		events:  events,
		metrics: metrics,
		now:     time.Now,
	}
}

// EstimatePrice quotes a task without creating it.
func (s *TaskService) EstimatePrice(req task.CreateRequest) (*pricing.Quote, error) {
	return s.pricing.Estimate(&req)
}

// Create stores a task awaiting payment. Nothing is debited or enqueued yet,
// but the user must be able to afford the quote and, on the free plan, stay
// within the monthly limit.
func (s *TaskService) Create(ctx context.Context, userID string, req task.CreateRequest) (*task.Task, error) {
	quote, err := s.pricing.Estimate(&req)
	if err != nil {
		return nil, err
	}

	acct, err := s.ledger.Account(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if acct.Balance < quote.TotalPrice {
		return nil, fmt.Errorf("balance %.2f below estimated price %.2f: %w",
			acct.Balance, quote.TotalPrice, domain.ErrInsufficientFunds)
	}
	if !acct.WithinMonthlyLimit(quote.TotalPrice) {
		return nil, fmt.Errorf("%w: monthly limit of %.2f %s reached", domain.ErrValidation, acct.MonthlyLimit, quote.Currency)
	}

	t := &task.Task{
		UserID:        userID,
		Description:   req.Description,
		Urgency:       req.Urgency,
		Provider:      req.Provider,
		Status:        task.StatusAwaitingPayment,
		EstimatedCost: quote.TotalPrice,
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.TasksCreated.Add(ctx, 1)
	}
	slog.InfoContext(ctx, "task created", "task_id", t.ID, "user_id", userID,
		"estimated_cost", t.EstimatedCost, "provider", t.Provider)
	return t, nil
}

// ConfirmPayment debits the estimate as a hold, moves the task to pending
// and enqueues it. The debit and the status change commit together.
func (s *TaskService) ConfirmPayment(ctx context.Context, userID, id string) (*task.Task, error) {
	t, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusAwaitingPayment {
		return nil, fmt.Errorf("%w: task is %s, not awaiting payment", domain.ErrValidation, t.Status)
	}

	now := s.now()
	next := t.Clone()
	next.Status = task.StatusPending
	next.PaidAt = &now
	tr := &task.Transition{Task: next, From: t.Status}
	if t.EstimatedCost > 0 {
		tr.Entries = []ledger.Entry{{Kind: ledger.KindHold, Amount: -t.EstimatedCost}}
	}
	if err := s.store.CommitTransition(ctx, tr); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "payment confirmed", "task_id", id, "hold", t.EstimatedCost)
	publishStatus(ctx, s.events, next)

	// A publish failure leaves the task pending; recovery re-enqueues it.
	if err := enqueueTask(ctx, s.queue, id, messagequeue.ReasonConfirmed); err != nil {
		slog.ErrorContext(ctx, "failed to enqueue confirmed task", "task_id", id, "error", err)
	}
	return next, nil
}

// Cancel moves a non-terminal task to cancelled and refunds the share of the
// hold its phase allows. Cancelling a terminal task is a validation error,
// so a refund is never paid twice.
func (s *TaskService) Cancel(ctx context.Context, userID, id string) (*task.Task, error) {
	for attempt := 1; ; attempt++ {
		t, err := s.Get(ctx, userID, id)
		if err != nil {
			return nil, err
		}
		if t.Status.IsTerminal() {
			return nil, fmt.Errorf("%w: task is already %s", domain.ErrValidation, t.Status)
		}

		now := s.now()
		next := t.Clone()
		next.Status = task.StatusCancelled
		next.CompletedAt = &now
		tr := &task.Transition{Task: next, From: t.Status}

		refund := pricing.CancelRefund(t)
		if refund > 0 {
			tr.Entries = []ledger.Entry{{Kind: ledger.KindRefund, Amount: refund}}
		}

		err = s.store.CommitTransition(ctx, tr)
		if errors.Is(err, domain.ErrConflict) && attempt < cancelAttempts {
			continue
		}
		if err != nil {
			return nil, err
		}

		slog.InfoContext(ctx, "task cancelled", "task_id", id, "from", t.Status, "refund", refund)
		if s.metrics != nil {
			s.metrics.RecordFinished(ctx, string(next.Status), next.FinalCost)
		}
		publishStatus(ctx, s.events, next)
		return next, nil
	}
}

// Delete removes a task that no worker is driving. The store re-checks the
// status so a task that starts running after the read is not deleted.
func (s *TaskService) Delete(ctx context.Context, userID, id string) error {
	t, err := s.Get(ctx, userID, id)
	if err != nil {
		return err
	}
	running := fmt.Errorf("%w: task %s is running, cancel it first", domain.ErrValidation, id)
	if t.Status.IsRunning() {
		return running
	}
	err = s.store.DeleteTask(ctx, id, task.RunningStatuses())
	if errors.Is(err, domain.ErrConflict) {
		return running
	}
	return err
}

// Get returns the task if userID owns it. Other users' tasks are reported
// as not found.
func (s *TaskService) Get(ctx context.Context, userID, id string) (*task.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, fmt.Errorf("get task %s: %w", id, domain.ErrNotFound)
	}
	return t, nil
}

// List returns the user's tasks, newest first.
func (s *TaskService) List(ctx context.Context, userID string, limit, offset int) ([]task.Task, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)
	offset = max(offset, 0)
	return s.store.ListTasks(ctx, userID, limit, offset)
}

// ListMessages returns the task's conversation in creation order.
func (s *TaskService) ListMessages(ctx context.Context, userID, id string) ([]task.Message, error) {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, id)
}

// AnswerClarification records the user's answers to a clarifying task and
// re-enqueues it. The worker continues with planning.
func (s *TaskService) AnswerClarification(ctx context.Context, userID, id string, answers []string) (*task.Task, error) {
	answers = nonBlank(answers)
	if len(answers) == 0 {
		return nil, fmt.Errorf("%w: at least one answer is required", domain.ErrValidation)
	}
	t, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusClarifying {
		return nil, fmt.Errorf("%w: task is %s, not waiting for clarification", domain.ErrValidation, t.Status)
	}

	next := t.Clone()
	next.ClarificationAnswers = answers
	tr := &task.Transition{
		Task:     next,
		From:     t.Status,
		Messages: []task.Message{{Role: task.RoleUser, Content: answersText(t.ClarificationQuestions, answers)}},
	}
	if err := s.store.CommitTransition(ctx, tr); err != nil {
		return nil, err
	}
	publishMessages(ctx, s.events, userID, tr.Messages)

	if err := enqueueTask(ctx, s.queue, id, messagequeue.ReasonClarified); err != nil {
		slog.ErrorContext(ctx, "failed to enqueue clarified task", "task_id", id, "error", err)
	}
	return next, nil
}

// Account returns the user's balance and monthly usage.
func (s *TaskService) Account(ctx context.Context, userID string) (*ledger.Account, error) {
	return s.ledger.Account(ctx, userID)
}

func nonBlank(items []string) []string {
	out := make([]string, 0, len(items))
	for _, s := range items {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
