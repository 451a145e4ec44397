package service

import (
	"context"
	"errors"
	"testing"

	"github.com/Strob0t/omnitask/internal/adapter/ws"
	"github.com/Strob0t/omnitask/internal/domain"
	"github.com/Strob0t/omnitask/internal/domain/task"
	"github.com/Strob0t/omnitask/internal/port/aiprovider"
)

func TestChatPostMessage(t *testing.T) {
	var seen aiprovider.Request
	p := &fakeProvider{name: ProviderOllama, healthy: true}
	p.reply = func(phase string, req aiprovider.Request) (*aiprovider.Completion, error) {
		seen = req
		return workingReply(phase, req)
	}
	env := newTestEnv(p)
	tk := env.paidTask("t1", ProviderOllama, task.StatusCompleted, 1.5)
	tk.ResultText = executionResponse
	env.store.put(tk)
	ctx := context.Background()

	reply, err := env.chat.PostMessage(ctx, "u1", "t1", task.PostMessageRequest{Content: "What is it about?"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Role != task.RoleAssistant || reply.Content != "It is about autumn." || reply.ProviderUsed != ProviderOllama {
		t.Fatalf("unexpected reply %+v", reply)
	}

	// system prompt + the new user turn
	if len(seen.Messages) != 2 || seen.Messages[1].Content != "What is it about?" {
		t.Fatalf("unexpected provider conversation %+v", seen.Messages)
	}

	msgs, _ := env.store.ListMessages(ctx, "t1")
	if len(msgs) != 2 || msgs[0].Role != task.RoleUser || msgs[1].Role != task.RoleAssistant {
		t.Fatalf("expected user and assistant turns, got %+v", msgs)
	}

	got := env.store.get("t1")
	if got.Status != task.StatusCompleted || got.Version != tk.Version {
		t.Fatalf("chat must not change status or version, got %q v%d", got.Status, got.Version)
	}
	if got.TokensUsed != 50 {
		t.Fatalf("expected chat tokens on the task, got %d", got.TokensUsed)
	}
	if env.events.count(ws.EventTaskMessage) != 2 {
		t.Fatalf("expected 2 message events, got %d", env.events.count(ws.EventTaskMessage))
	}

	// The second turn sees the first exchange.
	if _, err := env.chat.PostMessage(ctx, "u1", "t1", task.PostMessageRequest{Content: "Thanks"}); err != nil {
		t.Fatal(err)
	}
	if len(seen.Messages) != 4 {
		t.Fatalf("expected history in the second call, got %d messages", len(seen.Messages))
	}
}

func TestChatPostMessageRejected(t *testing.T) {
	p := &fakeProvider{name: ProviderOllama, healthy: true, reply: workingReply}
	env := newTestEnv(p)
	env.paidTask("t1", ProviderOllama, task.StatusPlanning, 1.5)
	unpaid := env.paidTask("t2", ProviderOllama, task.StatusAwaitingPayment, 1.5)
	unpaid.PaidAt = nil
	env.store.put(unpaid)
	ctx := context.Background()

	if _, err := env.chat.PostMessage(ctx, "u1", "t1", task.PostMessageRequest{Content: "  "}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for empty content, got %v", err)
	}
	if _, err := env.chat.PostMessage(ctx, "u1", "t2", task.PostMessageRequest{Content: "hi"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for unpaid task, got %v", err)
	}
	if _, err := env.chat.PostMessage(ctx, "u2", "t1", task.PostMessageRequest{Content: "hi"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for other user, got %v", err)
	}
	if len(p.calls) != 0 {
		t.Fatal("rejected messages must not reach the provider")
	}
}

func TestChatPostMessageProviderFailure(t *testing.T) {
	p := &fakeProvider{name: ProviderOllama, healthy: true} // every call fails
	env := newTestEnv(p)
	env.paidTask("t1", ProviderOllama, task.StatusCompleted, 1.5)
	ctx := context.Background()

	_, err := env.chat.PostMessage(ctx, "u1", "t1", task.PostMessageRequest{Content: "hi"})
	if !errors.Is(err, aiprovider.ErrUnavailable) {
		t.Fatalf("expected provider unavailable, got %v", err)
	}
	if msgs, _ := env.store.ListMessages(ctx, "t1"); len(msgs) != 0 {
		t.Fatalf("nothing is stored when the provider fails, got %d messages", len(msgs))
	}
}
