package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	omniotel "github.com/Strob0t/omnitask/internal/adapter/otel"
	"github.com/Strob0t/omnitask/internal/config"
	"github.com/Strob0t/omnitask/internal/domain"
	"github.com/Strob0t/omnitask/internal/domain/task"
	"github.com/Strob0t/omnitask/internal/logger"
	"github.com/Strob0t/omnitask/internal/port/aiprovider"
	"github.com/Strob0t/omnitask/internal/port/broadcast"
	"github.com/Strob0t/omnitask/internal/port/database"
	"github.com/Strob0t/omnitask/internal/port/lease"
)

// Orchestrator drives a paid task through analysis, optional clarification,
// planning and execution. Every phase change is committed before the next
// provider call; a commit that loses the optimistic-lock race (for example
// against a cancellation) stops the pipeline.
type Orchestrator struct {
	store    database.Store
	selector *Selector
	locker   lease.Locker
	events   broadcast.Broadcaster
	metrics  *omniotel.Metrics
	cfg      config.Orchestrator
	owner    string
	now      func() time.Time
}

// NewOrchestrator creates an Orchestrator. events and metrics may be nil.
func NewOrchestrator(store database.Store, selector *Selector, locker lease.Locker,
	events broadcast.Broadcaster, metrics *omniotel.Metrics, cfg config.Orchestrator) *Orchestrator {
	if events == nil {
		events = broadcast.Nop{}
	}
	host, _ := os.Hostname()
	return &Orchestrator{
		store:    store,
		selector: selector,
		locker:   locker,
		events:   events,
		metrics:  metrics,
		cfg:      cfg,
		owner:    host + "/" + uuid.NewString()[:8],
		now:      time.Now,
	}
}

func leaseKey(taskID string) string { return "task." + taskID }

// Process takes the task's lease and advances the task as far as it can go.
// A task leased by another worker is skipped. A returned error means the
// delivery should be retried.
func (o *Orchestrator) Process(ctx context.Context, taskID, reason string) error {
	ctx = logger.WithTaskID(ctx, taskID)
	ctx, span := omniotel.StartTaskSpan(ctx, taskID, reason)

	l, err := o.locker.Acquire(ctx, leaseKey(taskID), o.owner)
	if errors.Is(err, lease.ErrHeld) {
		slog.InfoContext(ctx, "task leased by another worker, skipping", "task_id", taskID)
		omniotel.EndSpan(span, nil)
		return nil
	}
	if err != nil {
		err = fmt.Errorf("acquire lease %s: %w", taskID, err)
		omniotel.EndSpan(span, err)
		return err
	}

	workCtx, cancel := context.WithCancel(ctx)
	refreshDone := make(chan struct{})
	go o.keepLease(workCtx, l, cancel, refreshDone)

	err = o.run(workCtx, taskID)

	cancel()
	<-refreshDone
	if rerr := l.Release(context.WithoutCancel(ctx)); rerr != nil {
		slog.WarnContext(ctx, "release task lease", "task_id", taskID, "error", rerr)
	}
	omniotel.EndSpan(span, err)
	return err
}

// keepLease refreshes l until ctx ends. Losing the lease cancels the work.
func (o *Orchestrator) keepLease(ctx context.Context, l lease.Lease, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	interval := o.cfg.LeaseTTL / 3
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Refresh(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.WarnContext(ctx, "task lease lost, stopping", "error", err)
				cancel()
				return
			}
		}
	}
}

func (o *Orchestrator) run(ctx context.Context, taskID string) error {
	t, err := o.store.GetTask(ctx, taskID)
	if errors.Is(err, domain.ErrNotFound) {
		slog.InfoContext(ctx, "task no longer exists", "task_id", taskID)
		return nil
	}
	if err != nil {
		return err
	}

	// Providers that failed execution during this invocation.
	tried := make(map[string]bool)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		next, err := o.step(ctx, t, tried)
		if errors.Is(err, domain.ErrConflict) {
			slog.InfoContext(ctx, "task changed concurrently, stopping", "task_id", t.ID, "status", t.Status)
			return nil
		}
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		t = next
	}
}

// step runs the phase t is in and returns the committed next state, or nil
// when there is nothing to do.
func (o *Orchestrator) step(ctx context.Context, t *task.Task, tried map[string]bool) (*task.Task, error) {
	switch t.Status {
	case task.StatusPending:
		return o.begin(ctx, t)
	case task.StatusAnalyzing:
		return o.phase(ctx, t, "analyzing", o.analyze)
	case task.StatusClarifying:
		if len(t.ClarificationAnswers) == 0 {
			return nil, nil // suspended until the user answers
		}
		return o.resume(ctx, t)
	case task.StatusPlanning:
		return o.phase(ctx, t, "planning", o.plan)
	case task.StatusExecuting:
		return o.phase(ctx, t, "executing", func(ctx context.Context, t *task.Task) (*task.Task, error) {
			return o.execute(ctx, t, tried)
		})
	default:
		return nil, nil
	}
}

func (o *Orchestrator) phase(ctx context.Context, t *task.Task, name string,
	fn func(context.Context, *task.Task) (*task.Task, error)) (*task.Task, error) {
	ctx, span := omniotel.StartPhaseSpan(ctx, t.ID, name, t.Provider)
	start := o.now()
	next, err := fn(ctx, t)
	o.metrics.RecordPhase(ctx, name, o.now().Sub(start).Seconds())
	omniotel.EndSpan(span, err)
	return next, err
}

// begin resolves the provider and enters analysis.
func (o *Orchestrator) begin(ctx context.Context, t *task.Task) (*task.Task, error) {
	p, err := o.selector.Resolve(t.Provider)
	if err != nil {
		return o.fail(ctx, t, fmt.Sprintf("provider error: %v", err), nil)
	}
	next := t.Clone()
	next.Status = task.StatusAnalyzing
	next.Provider = p.Name()
	if next.StartedAt == nil {
		now := o.now()
		next.StartedAt = &now
	}
	return next, o.commit(ctx, &task.Transition{Task: next, From: t.Status})
}

func (o *Orchestrator) analyze(ctx context.Context, t *task.Task) (*task.Task, error) {
	p, err := o.selector.Resolve(t.Provider)
	if err != nil {
		return o.fail(ctx, t, fmt.Sprintf("provider error: %v", err), nil)
	}
	msgs, err := analysisMessages(t)
	if err != nil {
		return o.fail(ctx, t, fmt.Sprintf("analysis failed: %v", err), nil)
	}
	c, err := o.call(ctx, t, "analyzing", p, aiprovider.Request{
		Messages: msgs, Temperature: analysisTemperature, MaxTokens: analysisMaxTokens,
	}, o.cfg.AnalysisTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return o.fail(ctx, t, fmt.Sprintf("analysis failed: %v", err), nil)
	}

	tr := &task.Transition{From: t.Status}
	tr.AddUsage(c.CostUSD, c.TokensUsed)

	analysis, perr := task.ParseAnalysis(c.Text)
	if perr != nil {
		slog.WarnContext(ctx, "analysis output unreadable, using default", "task_id", t.ID, "provider", p.Name(), "error", perr)
		analysis = task.DefaultAnalysis(t.Description)
	}

	next := t.Clone()
	next.Analysis = analysis
	if analysis.NeedsClarification {
		next.Status = task.StatusClarifying
		next.ClarificationQuestions = analysis.Questions
		next.ClarificationAnswers = nil
		tr.Messages = []task.Message{{
			Role:         task.RoleAssistant,
			Content:      clarificationText(analysis.Questions),
			TokensUsed:   c.TokensUsed,
			Cost:         c.CostUSD,
			ProviderUsed: p.Name(),
		}}
	} else {
		next.Status = task.StatusPlanning
	}
	tr.Task = next
	return next, o.commit(ctx, tr)
}

// resume moves an answered clarification on to planning. Analysis is not
// repeated.
func (o *Orchestrator) resume(ctx context.Context, t *task.Task) (*task.Task, error) {
	next := t.Clone()
	next.Status = task.StatusPlanning
	return next, o.commit(ctx, &task.Transition{Task: next, From: t.Status})
}

func (o *Orchestrator) plan(ctx context.Context, t *task.Task) (*task.Task, error) {
	p, err := o.selector.Resolve(t.Provider)
	if err != nil {
		return o.fail(ctx, t, fmt.Sprintf("provider error: %v", err), nil)
	}
	msgs, err := planningMessages(t)
	if err != nil {
		return o.fail(ctx, t, fmt.Sprintf("planning failed: %v", err), nil)
	}
	c, err := o.call(ctx, t, "planning", p, aiprovider.Request{
		Messages: msgs, Temperature: planningTemperature, MaxTokens: planningMaxTokens,
	}, o.cfg.PlanningTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return o.fail(ctx, t, fmt.Sprintf("planning failed: %v", err), nil)
	}

	tr := &task.Transition{From: t.Status}
	tr.AddUsage(c.CostUSD, c.TokensUsed)

	pl, perr := task.ParsePlan(c.Text)
	if perr != nil {
		slog.WarnContext(ctx, "plan output unreadable, using default", "task_id", t.ID, "provider", p.Name(), "error", perr)
		pl = task.DefaultPlan(t.Description, t.Analysis)
	}

	next := t.Clone()
	next.Plan = pl
	next.Status = task.StatusExecuting
	tr.Task = next
	return next, o.commit(ctx, tr)
}

// execOutcome tags the result of the execution call.
type execOutcome int

const (
	execOK    execOutcome = iota
	execRetry             // provider failed; another provider may succeed
	execFatal             // failure no provider change can fix
)

type execResult struct {
	outcome    execOutcome
	completion *aiprovider.Completion
	err        error
}

// runExecution performs the single execution call and classifies its result.
func (o *Orchestrator) runExecution(ctx context.Context, t *task.Task, p aiprovider.Provider) execResult {
	msgs, err := executionMessages(t)
	if err != nil {
		return execResult{outcome: execFatal, err: err}
	}
	c, err := o.call(ctx, t, "executing", p, aiprovider.Request{
		Messages: msgs, Temperature: executionTemperature, MaxTokens: o.cfg.MaxTokens,
	}, o.executionTimeout(p))
	if err != nil {
		if !aiprovider.Retryable(err) {
			return execResult{outcome: execFatal, err: err}
		}
		return execResult{outcome: execRetry, err: err}
	}
	if c.Text == "" {
		return execResult{outcome: execRetry, completion: c,
			err: fmt.Errorf("%s: %w: empty result", p.Name(), aiprovider.ErrMalformedResponse)}
	}
	return execResult{outcome: execOK, completion: c}
}

func (o *Orchestrator) executionTimeout(p aiprovider.Provider) time.Duration {
	if p.Name() == ProviderOllama && o.cfg.LocalExecutionTimeout > 0 {
		return o.cfg.LocalExecutionTimeout
	}
	return o.cfg.ExecutionTimeout
}

func (o *Orchestrator) execute(ctx context.Context, t *task.Task, tried map[string]bool) (*task.Task, error) {
	p, err := o.selector.Resolve(t.Provider)
	if err != nil {
		return o.fail(ctx, t, fmt.Sprintf("provider error: %v", err), nil)
	}

	res := o.runExecution(ctx, t, p)
	if res.err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	tr := &task.Transition{From: t.Status}
	if res.completion != nil {
		tr.AddUsage(res.completion.CostUSD, res.completion.TokensUsed)
	}

	switch res.outcome {
	case execOK:
		c := res.completion
		now := o.now()
		next := t.Clone()
		next.Status = task.StatusCompleted
		next.ResultText = c.Text
		next.ErrorMessage = ""
		next.CompletedAt = &now
		tr.Task = next
		tr.Messages = []task.Message{{
			Role:         task.RoleAssistant,
			Content:      c.Text,
			TokensUsed:   c.TokensUsed,
			Cost:         c.CostUSD,
			ProviderUsed: p.Name(),
		}}
		if err := o.commit(ctx, tr); err != nil {
			return nil, err
		}
		o.metrics.RecordFinished(ctx, string(next.Status), next.FinalCost)
		return next, nil

	case execRetry:
		return o.retry(ctx, t, p.Name(), tried, tr, res.err)

	default:
		return o.fail(ctx, t, fmt.Sprintf("execution failed: %v", res.err), tr)
	}
}

// retry restarts the pipeline from analysis on a fallback provider, or fails
// the task when the retry bound is reached or no healthy provider is left.
func (o *Orchestrator) retry(ctx context.Context, t *task.Task, failed string, tried map[string]bool,
	tr *task.Transition, cause error) (*task.Task, error) {
	tried[failed] = true
	if t.RetryCount >= o.cfg.MaxRetries {
		return o.fail(ctx, t, fmt.Sprintf("execution failed after %d retries: %v", t.RetryCount, cause), tr)
	}
	fb := o.selector.NextFallback(ctx, failed, tried)
	if fb == nil {
		return o.fail(ctx, t, fmt.Sprintf("execution failed, no fallback provider: %v", cause), tr)
	}

	next := t.Clone()
	next.Status = task.StatusPending
	next.Provider = fb.Name()
	next.RetryCount++
	next.Analysis = nil
	next.Plan = nil
	tr.Task = next
	if err := o.commit(ctx, tr); err != nil {
		return nil, err
	}
	slog.WarnContext(ctx, "execution failed, retrying on fallback provider",
		"task_id", t.ID, "failed", failed, "fallback", fb.Name(), "retry", next.RetryCount, "error", cause)
	if o.metrics != nil {
		o.metrics.TaskRetries.Add(ctx, 1)
	}
	return next, nil
}

// fail moves t to failed with reason. tr carries usage accrued by the failing
// phase and may be nil.
func (o *Orchestrator) fail(ctx context.Context, t *task.Task, reason string, tr *task.Transition) (*task.Task, error) {
	if tr == nil {
		tr = &task.Transition{From: t.Status}
	}
	now := o.now()
	next := t.Clone()
	next.Status = task.StatusFailed
	next.ErrorMessage = reason
	next.CompletedAt = &now
	tr.Task = next
	if err := o.commit(ctx, tr); err != nil {
		return nil, err
	}
	slog.WarnContext(ctx, "task failed", "task_id", t.ID, "provider", t.Provider, "reason", reason)
	o.metrics.RecordFinished(ctx, string(next.Status), next.FinalCost)
	return next, nil
}

// commit persists tr and notifies the owner.
func (o *Orchestrator) commit(ctx context.Context, tr *task.Transition) error {
	next := tr.Task
	if !task.CanTransition(tr.From, next.Status) {
		return fmt.Errorf("%w: illegal transition %s -> %s", domain.ErrValidation, tr.From, next.Status)
	}
	if err := o.store.CommitTransition(ctx, tr); err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			slog.ErrorContext(ctx, "persist task transition", "task_id", next.ID, "from", tr.From, "to", next.Status, "error", err)
		}
		return err
	}
	slog.InfoContext(ctx, "task transition", "task_id", next.ID, "from", tr.From, "to", next.Status, "provider", next.Provider)
	publishStatus(ctx, o.events, next)
	publishMessages(ctx, o.events, next.UserID, tr.Messages)
	return nil
}

// call performs one bounded provider call for a task phase.
func (o *Orchestrator) call(ctx context.Context, t *task.Task, phase string, p aiprovider.Provider,
	req aiprovider.Request, timeout time.Duration) (*aiprovider.Completion, error) {
	c, err := complete(ctx, o.metrics, p, req, timeout)
	if err != nil {
		slog.WarnContext(ctx, "provider call failed", "task_id", t.ID, "phase", phase, "provider", p.Name(), "error", err)
		return nil, err
	}
	return c, nil
}

// complete calls p under timeout. A call cut off by its own deadline is
// reported as a provider timeout.
func complete(ctx context.Context, metrics *omniotel.Metrics, p aiprovider.Provider,
	req aiprovider.Request, timeout time.Duration) (*aiprovider.Completion, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cctx, span := omniotel.StartProviderSpan(cctx, p.Name(), req.Model)

	c, err := p.Complete(cctx, req)
	if err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && !errors.Is(err, aiprovider.ErrTimeout) {
		err = fmt.Errorf("%s: %w: %w", p.Name(), aiprovider.ErrTimeout, err)
	}
	if c != nil {
		omniotel.RecordUsage(span, c.Model, c.TokensUsed, c.CostUSD)
	}
	omniotel.EndSpan(span, err)
	metrics.RecordProviderCall(ctx, p.Name(), err)
	return c, err
}
