package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Strob0t/omnitask/internal/domain/task"
	"github.com/Strob0t/omnitask/internal/port/messagequeue"
)

func TestRecoverySweep(t *testing.T) {
	env := newTestEnv(&fakeProvider{name: ProviderOllama, healthy: true})
	old := time.Now().Add(-time.Hour)
	stale := func(id string, status task.Status) *task.Task {
		tk := env.paidTask(id, ProviderOllama, status, 1.5)
		tk.UpdatedAt = old
		env.store.put(tk)
		return tk
	}

	stale("executing", task.StatusExecuting)
	stale("pending", task.StatusPending)
	stale("waiting", task.StatusClarifying) // no answers yet
	answered := stale("answered", task.StatusClarifying)
	answered.ClarificationAnswers = []string{"yes"}
	env.store.put(answered)
	stale("done", task.StatusCompleted)
	env.paidTask("fresh", ProviderOllama, task.StatusExecuting, 1.5)

	r := NewRecovery(env.store, env.queue, nil, 10*time.Minute, time.Minute)
	if n := r.Sweep(context.Background()); n != 3 {
		t.Fatalf("expected 3 re-enqueued tasks, got %d", n)
	}

	got := map[string]string{}
	for _, m := range env.queue.published {
		var p messagequeue.TaskExecutePayload
		if err := json.Unmarshal(m.data, &p); err != nil {
			t.Fatal(err)
		}
		got[p.TaskID] = p.Reason
	}
	for _, id := range []string{"executing", "pending", "answered"} {
		if got[id] != messagequeue.ReasonRecovered {
			t.Errorf("expected %s to be recovered, got %q", id, got[id])
		}
	}
	for _, id := range []string{"waiting", "done", "fresh"} {
		if _, ok := got[id]; ok {
			t.Errorf("%s must not be re-enqueued", id)
		}
	}
}

func TestRecoveryRunStopsWithContext(t *testing.T) {
	env := newTestEnv(&fakeProvider{name: ProviderOllama, healthy: true})
	r := NewRecovery(env.store, env.queue, nil, time.Minute, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
