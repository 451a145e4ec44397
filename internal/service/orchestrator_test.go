package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/Strob0t/omnitask/internal/adapter/ws"
	"github.com/Strob0t/omnitask/internal/domain/ledger"
	"github.com/Strob0t/omnitask/internal/domain/task"
	"github.com/Strob0t/omnitask/internal/port/aiprovider"
	"github.com/Strob0t/omnitask/internal/port/messagequeue"
)

func TestOrchestratorCompletesTask(t *testing.T) {
	p := &fakeProvider{name: ProviderOllama, healthy: true, reply: workingReply}
	env := newTestEnv(p)
	env.paidTask("t1", ProviderOllama, task.StatusPending, 1.5)

	if err := env.orch.Process(context.Background(), "t1", messagequeue.ReasonConfirmed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := env.store.get("t1")
	if got.Status != task.StatusCompleted {
		t.Fatalf("expected completed, got %q (%s)", got.Status, got.ErrorMessage)
	}
	if got.ResultText != executionResponse {
		t.Fatalf("unexpected result %q", got.ResultText)
	}
	if got.Analysis == nil || got.Analysis.Intent != "write a haiku" {
		t.Fatalf("expected parsed analysis, got %+v", got.Analysis)
	}
	if got.Plan == nil || len(got.Plan.Steps) != 1 {
		t.Fatalf("expected parsed plan, got %+v", got.Plan)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatal("expected start and completion times")
	}
	if got.TokensUsed != 500 {
		t.Fatalf("expected 500 tokens, got %d", got.TokensUsed)
	}
	if got.FinalCost < 0.0499 || got.FinalCost > 0.0501 {
		t.Fatalf("expected final cost 0.05, got %f", got.FinalCost)
	}
	// Cost stayed within the hold: nothing beyond it is debited.
	if n := len(env.store.entriesOf(ledger.KindUsage)); n != 0 {
		t.Fatalf("expected no usage entries, got %d", n)
	}

	msgs, _ := env.store.ListMessages(context.Background(), "t1")
	if len(msgs) != 1 || msgs[0].Role != task.RoleAssistant || msgs[0].ProviderUsed != ProviderOllama {
		t.Fatalf("expected one assistant result message, got %+v", msgs)
	}
	// pending -> analyzing -> planning -> executing -> completed
	if n := env.events.count(ws.EventTaskStatus); n != 4 {
		t.Fatalf("expected 4 status events, got %d", n)
	}
	if len(env.locker.held) != 0 {
		t.Fatal("lease must be released")
	}
}

func TestOrchestratorAutoResolvesProvider(t *testing.T) {
	p := &fakeProvider{name: ProviderOllama, healthy: true, reply: workingReply}
	env := newTestEnv(p)
	env.paidTask("t1", task.ProviderAuto, task.StatusPending, 1.5)

	if err := env.orch.Process(context.Background(), "t1", messagequeue.ReasonConfirmed); err != nil {
		t.Fatal(err)
	}
	if got := env.store.get("t1"); got.Provider != ProviderOllama {
		t.Fatalf("expected auto to resolve to the local provider, got %q", got.Provider)
	}
}

func TestOrchestratorUsageBeyondHold(t *testing.T) {
	p := &fakeProvider{name: ProviderOllama, healthy: true, reply: workingReply}
	env := newTestEnv(p)
	env.store.fund("u1", 1)
	env.paidTask("t1", ProviderOllama, task.StatusPending, 0.02)

	if err := env.orch.Process(context.Background(), "t1", messagequeue.ReasonConfirmed); err != nil {
		t.Fatal(err)
	}
	// Accrued 0.05 against a 0.02 hold: 0.03 more is charged.
	if b := env.store.balance("u1"); b != 0.97 {
		t.Fatalf("expected balance 0.97, got %f", b)
	}
}

func TestOrchestratorClarification(t *testing.T) {
	analysisCalls := 0
	p := &fakeProvider{name: ProviderOllama, healthy: true}
	p.reply = func(phase string, req aiprovider.Request) (*aiprovider.Completion, error) {
		if phase == "analysis" {
			analysisCalls++
			return &aiprovider.Completion{Text: clarifyJSON, TokensUsed: 10, CostUSD: 0.001}, nil
		}
		if phase == "planning" && !strings.Contains(req.Messages[1].Content, "A: autumn") {
			t.Errorf("planning prompt is missing the answer: %s", req.Messages[1].Content)
		}
		return workingReply(phase, req)
	}
	env := newTestEnv(p)
	env.paidTask("t1", ProviderOllama, task.StatusPending, 1.5)
	ctx := context.Background()

	if err := env.orch.Process(ctx, "t1", messagequeue.ReasonConfirmed); err != nil {
		t.Fatal(err)
	}
	got := env.store.get("t1")
	if got.Status != task.StatusClarifying {
		t.Fatalf("expected clarifying, got %q", got.Status)
	}
	if len(got.ClarificationQuestions) != 1 || got.ClarificationQuestions[0] != "Which topic?" {
		t.Fatalf("unexpected questions %v", got.ClarificationQuestions)
	}
	msgs, _ := env.store.ListMessages(ctx, "t1")
	if len(msgs) != 1 || !strings.Contains(msgs[0].Content, "Which topic?") {
		t.Fatalf("expected the questions as an assistant message, got %+v", msgs)
	}
	if ev, ok := env.events.lastStatus(); !ok || len(ev.Questions) != 1 || ev.Status != string(task.StatusClarifying) {
		t.Fatalf("expected a clarifying status event with the questions, got %+v", ev)
	}

	// A redelivery while waiting for the user does nothing.
	if err := env.orch.Process(ctx, "t1", messagequeue.ReasonRecovered); err != nil {
		t.Fatal(err)
	}
	if analysisCalls != 1 {
		t.Fatalf("expected 1 analysis call, got %d", analysisCalls)
	}

	if _, err := env.tasks.AnswerClarification(ctx, "u1", "t1", []string{"autumn"}); err != nil {
		t.Fatal(err)
	}
	if err := env.orch.Process(ctx, "t1", messagequeue.ReasonClarified); err != nil {
		t.Fatal(err)
	}
	got = env.store.get("t1")
	if got.Status != task.StatusCompleted {
		t.Fatalf("expected completed, got %q (%s)", got.Status, got.ErrorMessage)
	}
	if analysisCalls != 1 {
		t.Fatalf("analysis must not run again after answers, got %d calls", analysisCalls)
	}
}

func TestOrchestratorMalformedOutputUsesDefaults(t *testing.T) {
	p := &fakeProvider{name: ProviderOllama, healthy: true}
	p.reply = func(phase string, req aiprovider.Request) (*aiprovider.Completion, error) {
		if phase == "execution" {
			return workingReply(phase, req)
		}
		return &aiprovider.Completion{Text: "I am not JSON at all"}, nil
	}
	env := newTestEnv(p)
	env.paidTask("t1", ProviderOllama, task.StatusPending, 1.5)

	if err := env.orch.Process(context.Background(), "t1", messagequeue.ReasonConfirmed); err != nil {
		t.Fatal(err)
	}
	got := env.store.get("t1")
	if got.Status != task.StatusCompleted {
		t.Fatalf("expected completed, got %q", got.Status)
	}
	if got.Analysis.Category != "other" || len(got.Plan.Steps) != 2 {
		t.Fatalf("expected default analysis and plan, got %+v %+v", got.Analysis, got.Plan)
	}
}

func TestOrchestratorAnalysisFailure(t *testing.T) {
	p := &fakeProvider{name: ProviderOllama, healthy: true} // every call fails
	env := newTestEnv(p)
	env.paidTask("t1", ProviderOllama, task.StatusPending, 1.5)

	if err := env.orch.Process(context.Background(), "t1", messagequeue.ReasonConfirmed); err != nil {
		t.Fatal(err)
	}
	got := env.store.get("t1")
	if got.Status != task.StatusFailed || !strings.HasPrefix(got.ErrorMessage, "analysis failed") {
		t.Fatalf("expected analysis failure, got %q %q", got.Status, got.ErrorMessage)
	}
}

func TestOrchestratorPlanningFailure(t *testing.T) {
	ollama := &fakeProvider{name: ProviderOllama, healthy: true}
	ollama.reply = func(phase string, req aiprovider.Request) (*aiprovider.Completion, error) {
		if phase == "planning" {
			return nil, fmt.Errorf("%s: %w", ProviderOllama, aiprovider.ErrUnavailable)
		}
		return workingReply(phase, req)
	}
	openai := &fakeProvider{name: ProviderOpenAI, healthy: true, reply: workingReply}
	env := newTestEnv(ollama, openai)
	env.paidTask("t1", ProviderOllama, task.StatusPending, 1.5)

	if err := env.orch.Process(context.Background(), "t1", messagequeue.ReasonConfirmed); err != nil {
		t.Fatal(err)
	}
	got := env.store.get("t1")
	if got.Status != task.StatusFailed || !strings.HasPrefix(got.ErrorMessage, "planning failed") {
		t.Fatalf("expected planning failure, got %q %q", got.Status, got.ErrorMessage)
	}
	// Only execution falls back to another provider.
	if got.RetryCount != 0 || got.Provider != ProviderOllama || len(openai.calls) != 0 {
		t.Fatalf("planning failure must not fall back: provider=%q retry=%d openai calls=%d",
			got.Provider, got.RetryCount, len(openai.calls))
	}
	if ollama.callCount("execution") != 0 {
		t.Fatal("execution must not run after a planning failure")
	}
}

func TestOrchestratorPersistenceErrorStops(t *testing.T) {
	p := &fakeProvider{name: ProviderOllama, healthy: true, reply: workingReply}
	env := newTestEnv(p)
	env.paidTask("t1", ProviderOllama, task.StatusPending, 1.5)
	diskFull := errors.New("disk full")
	env.store.beforeCommit = func(tr *task.Transition) {
		if tr.Task.Status == task.StatusPlanning {
			env.store.commitErr = diskFull
		}
	}

	err := env.orch.Process(context.Background(), "t1", messagequeue.ReasonConfirmed)
	if !errors.Is(err, diskFull) {
		t.Fatalf("expected the store error, got %v", err)
	}
	if got := env.store.get("t1"); got.Status != task.StatusAnalyzing {
		t.Fatalf("status must stay at the last committed phase, got %q", got.Status)
	}
	if n := p.callCount("planning"); n != 0 {
		t.Fatalf("no provider call may follow a failed commit, got %d planning calls", n)
	}
	if len(env.locker.held) != 0 {
		t.Fatal("lease must be released")
	}
}

func TestOrchestratorNonProviderErrorIsFatal(t *testing.T) {
	openai := &fakeProvider{name: ProviderOpenAI, healthy: true}
	openai.reply = func(phase string, req aiprovider.Request) (*aiprovider.Completion, error) {
		if phase == "execution" {
			return nil, errors.New("marshal chat request: unsupported value")
		}
		return workingReply(phase, req)
	}
	ollama := &fakeProvider{name: ProviderOllama, healthy: true, reply: workingReply}
	env := newTestEnv(openai, ollama)
	env.paidTask("t1", ProviderOpenAI, task.StatusPending, 1.5)

	if err := env.orch.Process(context.Background(), "t1", messagequeue.ReasonConfirmed); err != nil {
		t.Fatal(err)
	}
	got := env.store.get("t1")
	if got.Status != task.StatusFailed || !strings.HasPrefix(got.ErrorMessage, "execution failed") {
		t.Fatalf("expected execution failure, got %q %q", got.Status, got.ErrorMessage)
	}
	if got.RetryCount != 0 || len(ollama.calls) != 0 {
		t.Fatalf("a non-provider error must not fall back: retry=%d ollama calls=%d", got.RetryCount, len(ollama.calls))
	}
}

func TestOrchestratorLocalExecutionTimeout(t *testing.T) {
	p := &fakeProvider{name: ProviderOllama, healthy: true}
	p.reply = func(phase string, req aiprovider.Request) (*aiprovider.Completion, error) {
		if phase == "execution" {
			time.Sleep(50 * time.Millisecond)
		}
		return workingReply(phase, req)
	}
	cfg := testOrchestratorConfig()
	cfg.ExecutionTimeout = 20 * time.Millisecond
	cfg.LocalExecutionTimeout = time.Second
	env := newTestEnvWithConfig(cfg, p)
	env.paidTask("t1", ProviderOllama, task.StatusPending, 1.5)

	if err := env.orch.Process(context.Background(), "t1", messagequeue.ReasonConfirmed); err != nil {
		t.Fatal(err)
	}
	if got := env.store.get("t1"); got.Status != task.StatusCompleted {
		t.Fatalf("local execution should get the longer timeout, got %q (%s)", got.Status, got.ErrorMessage)
	}
}

func TestOrchestratorFallbackOnExecutionFailure(t *testing.T) {
	openai := &fakeProvider{name: ProviderOpenAI, healthy: true, reply: failingExecution}
	ollama := &fakeProvider{name: ProviderOllama, healthy: true, reply: workingReply}
	env := newTestEnv(openai, ollama)
	env.paidTask("t1", ProviderOpenAI, task.StatusPending, 1.5)

	if err := env.orch.Process(context.Background(), "t1", messagequeue.ReasonConfirmed); err != nil {
		t.Fatal(err)
	}
	got := env.store.get("t1")
	if got.Status != task.StatusCompleted {
		t.Fatalf("expected completed, got %q (%s)", got.Status, got.ErrorMessage)
	}
	if got.Provider != ProviderOllama || got.RetryCount != 1 {
		t.Fatalf("expected completion on ollama after 1 retry, got %q retry=%d", got.Provider, got.RetryCount)
	}
	// The retry restarts the pipeline from analysis on the new provider.
	if ollama.callCount("analysis") != 1 {
		t.Fatalf("expected the fallback to re-run analysis, got %d", ollama.callCount("analysis"))
	}
}

func TestOrchestratorSkipsUnhealthyFallback(t *testing.T) {
	openai := &fakeProvider{name: ProviderOpenAI, healthy: true, reply: failingExecution}
	ollama := &fakeProvider{name: ProviderOllama, healthy: false, reply: workingReply}
	claude := &fakeProvider{name: ProviderClaude, healthy: true, reply: workingReply}
	env := newTestEnv(openai, ollama, claude)
	env.paidTask("t1", ProviderOpenAI, task.StatusPending, 1.5)

	if err := env.orch.Process(context.Background(), "t1", messagequeue.ReasonConfirmed); err != nil {
		t.Fatal(err)
	}
	if got := env.store.get("t1"); got.Provider != ProviderClaude || got.Status != task.StatusCompleted {
		t.Fatalf("expected completion on claude, got %q %q", got.Provider, got.Status)
	}
}

func TestOrchestratorRetriesExhausted(t *testing.T) {
	openai := &fakeProvider{name: ProviderOpenAI, healthy: true, reply: failingExecution}
	ollama := &fakeProvider{name: ProviderOllama, healthy: true, reply: failingExecution}
	claude := &fakeProvider{name: ProviderClaude, healthy: true, reply: failingExecution}
	gemini := &fakeProvider{name: ProviderGemini, healthy: true, reply: workingReply}
	env := newTestEnv(openai, ollama, claude, gemini)
	env.paidTask("t1", ProviderOpenAI, task.StatusPending, 1.5)

	if err := env.orch.Process(context.Background(), "t1", messagequeue.ReasonConfirmed); err != nil {
		t.Fatal(err)
	}
	got := env.store.get("t1")
	if got.Status != task.StatusFailed {
		t.Fatalf("expected failed, got %q", got.Status)
	}
	if got.RetryCount != 2 {
		t.Fatalf("expected retry count 2, got %d", got.RetryCount)
	}
	if !strings.Contains(got.ErrorMessage, "after 2 retries") {
		t.Fatalf("unexpected error message %q", got.ErrorMessage)
	}
	if gemini.callCount("execution") != 0 {
		t.Fatal("no provider may be tried after the retry bound")
	}
	total := openai.callCount("execution") + ollama.callCount("execution") + claude.callCount("execution")
	if total != 3 {
		t.Fatalf("expected 3 execution attempts, got %d", total)
	}
}

func TestOrchestratorNoFallbackLeft(t *testing.T) {
	ollama := &fakeProvider{name: ProviderOllama, healthy: true, reply: failingExecution}
	env := newTestEnv(ollama)
	env.paidTask("t1", ProviderOllama, task.StatusPending, 1.5)

	if err := env.orch.Process(context.Background(), "t1", messagequeue.ReasonConfirmed); err != nil {
		t.Fatal(err)
	}
	got := env.store.get("t1")
	if got.Status != task.StatusFailed || !strings.Contains(got.ErrorMessage, "no fallback") {
		t.Fatalf("expected failure without fallback, got %q %q", got.Status, got.ErrorMessage)
	}
	// Usage of the failed attempt is still recorded.
	if got.TokensUsed != 200 {
		t.Fatalf("expected 200 tokens from analysis and planning, got %d", got.TokensUsed)
	}
}

func TestOrchestratorExecutionTimeout(t *testing.T) {
	p := &fakeProvider{name: ProviderOllama, healthy: true}
	cfg := testOrchestratorConfig()
	cfg.ExecutionTimeout = 20 * time.Millisecond
	env := newTestEnvWithConfig(cfg, p)
	p.reply = func(phase string, req aiprovider.Request) (*aiprovider.Completion, error) {
		if phase != "execution" {
			return workingReply(phase, req)
		}
		time.Sleep(50 * time.Millisecond)
		return nil, context.DeadlineExceeded
	}
	env.paidTask("t1", ProviderOllama, task.StatusPending, 1.5)

	if err := env.orch.Process(context.Background(), "t1", messagequeue.ReasonConfirmed); err != nil {
		t.Fatal(err)
	}
	got := env.store.get("t1")
	if got.Status != task.StatusFailed || !strings.Contains(got.ErrorMessage, aiprovider.ErrTimeout.Error()) {
		t.Fatalf("expected timeout failure, got %q %q", got.Status, got.ErrorMessage)
	}
}

func TestOrchestratorEmptyResultRetries(t *testing.T) {
	openai := &fakeProvider{name: ProviderOpenAI, healthy: true}
	openai.reply = func(phase string, req aiprovider.Request) (*aiprovider.Completion, error) {
		if phase == "execution" {
			return &aiprovider.Completion{Text: ""}, nil
		}
		return workingReply(phase, req)
	}
	ollama := &fakeProvider{name: ProviderOllama, healthy: true, reply: workingReply}
	env := newTestEnv(openai, ollama)
	env.paidTask("t1", ProviderOpenAI, task.StatusPending, 1.5)

	if err := env.orch.Process(context.Background(), "t1", messagequeue.ReasonConfirmed); err != nil {
		t.Fatal(err)
	}
	if got := env.store.get("t1"); got.Status != task.StatusCompleted || got.Provider != ProviderOllama {
		t.Fatalf("expected empty output to fall back, got %q on %q", got.Status, got.Provider)
	}
}

func TestOrchestratorStopsWhenCancelled(t *testing.T) {
	p := &fakeProvider{name: ProviderOllama, healthy: true, reply: workingReply}
	env := newTestEnv(p)
	env.paidTask("t1", ProviderOllama, task.StatusPending, 1.5)

	// The user cancels while planning is in flight.
	env.store.beforeCommit = func(tr *task.Transition) {
		if tr.Task.Status != task.StatusExecuting {
			return
		}
		cur := env.store.get("t1")
		cur.Status = task.StatusCancelled
		cur.Version++
		env.store.put(cur)
	}

	if err := env.orch.Process(context.Background(), "t1", messagequeue.ReasonConfirmed); err != nil {
		t.Fatalf("a lost race is not an error: %v", err)
	}
	if got := env.store.get("t1"); got.Status != task.StatusCancelled {
		t.Fatalf("cancellation must win, got %q", got.Status)
	}
	if p.callCount("execution") != 0 {
		t.Fatal("execution must not start after cancellation")
	}
}

func TestOrchestratorSkipsLeasedTask(t *testing.T) {
	p := &fakeProvider{name: ProviderOllama, healthy: true, reply: workingReply}
	env := newTestEnv(p)
	env.paidTask("t1", ProviderOllama, task.StatusPending, 1.5)
	if _, err := env.locker.Acquire(context.Background(), leaseKey("t1"), "other-worker"); err != nil {
		t.Fatal(err)
	}

	if err := env.orch.Process(context.Background(), "t1", messagequeue.ReasonRecovered); err != nil {
		t.Fatal(err)
	}
	if got := env.store.get("t1"); got.Status != task.StatusPending {
		t.Fatalf("leased task must be left alone, got %q", got.Status)
	}
}

func TestOrchestratorIgnoresFinishedAndUnpaid(t *testing.T) {
	p := &fakeProvider{name: ProviderOllama, healthy: true, reply: workingReply}
	env := newTestEnv(p)
	env.paidTask("done", ProviderOllama, task.StatusCompleted, 1.5)
	env.paidTask("unpaid", ProviderOllama, task.StatusAwaitingPayment, 1.5)
	ctx := context.Background()

	for _, id := range []string{"done", "unpaid", "missing"} {
		if err := env.orch.Process(ctx, id, messagequeue.ReasonRecovered); err != nil {
			t.Fatalf("%s: unexpected error: %v", id, err)
		}
	}
	if len(p.calls) != 0 {
		t.Fatalf("expected no provider calls, got %v", p.calls)
	}
}

func TestOrchestratorResumesMidPipeline(t *testing.T) {
	p := &fakeProvider{name: ProviderOllama, healthy: true, reply: workingReply}
	env := newTestEnv(p)
	tk := env.paidTask("t1", ProviderOllama, task.StatusExecuting, 1.5)
	tk.Plan = task.DefaultPlan(tk.Description, nil)
	env.store.put(tk)

	if err := env.orch.Process(context.Background(), "t1", messagequeue.ReasonRecovered); err != nil {
		t.Fatal(err)
	}
	if got := env.store.get("t1"); got.Status != task.StatusCompleted {
		t.Fatalf("expected completed, got %q", got.Status)
	}
	if p.callCount("analysis") != 0 || p.callCount("planning") != 0 {
		t.Fatal("only the interrupted phase is re-run")
	}
}

func TestOrchestratorContextCancelled(t *testing.T) {
	p := &fakeProvider{name: ProviderOllama, healthy: true, reply: workingReply}
	env := newTestEnv(p)
	env.paidTask("t1", ProviderOllama, task.StatusPending, 1.5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := env.orch.Process(ctx, "t1", messagequeue.ReasonConfirmed)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation to request redelivery, got %v", err)
	}
	if got := env.store.get("t1"); got.Status.IsTerminal() {
		t.Fatalf("shutdown must not fail the task, got %q", got.Status)
	}
}
