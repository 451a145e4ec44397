package service

import (
	"context"
	"log/slog"
	"time"

	omniotel "github.com/Strob0t/omnitask/internal/adapter/otel"
	"github.com/Strob0t/omnitask/internal/domain/task"
	"github.com/Strob0t/omnitask/internal/port/database"
	"github.com/Strob0t/omnitask/internal/port/messagequeue"
)

// recoveryBatch bounds the tasks re-enqueued per sweep.
const recoveryBatch = 100

// recoverableStatuses are the paid, unfinished phases a crashed worker can
// leave behind.
var recoverableStatuses = []task.Status{
	task.StatusPending,
	task.StatusAnalyzing,
	task.StatusClarifying,
	task.StatusPlanning,
	task.StatusExecuting,
}

// Recovery re-enqueues tasks that stopped making progress, for example after
// a worker crash or a lost publish. The per-task lease keeps a re-enqueued
// task from running twice.
type Recovery struct {
	store    database.Store
	queue    messagequeue.Queue
	metrics  *omniotel.Metrics
	staleFor time.Duration
	interval time.Duration
	now      func() time.Time
}

// NewRecovery creates a Recovery that treats tasks untouched for staleFor
// as abandoned and sweeps every interval.
func NewRecovery(store database.Store, queue messagequeue.Queue, metrics *omniotel.Metrics, staleFor, interval time.Duration) *Recovery {
	return &Recovery{
		store:    store,
		queue:    queue,
		metrics:  metrics,
		staleFor: staleFor,
		interval: interval,
		now:      time.Now,
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (r *Recovery) Run(ctx context.Context) {
	r.Sweep(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep enqueues every stale task and returns how many were enqueued.
// Clarifying tasks without answers are waiting on the user and are left
// alone.
func (r *Recovery) Sweep(ctx context.Context) int {
	stale, err := r.store.ListStaleTasks(ctx, recoverableStatuses, r.now().Add(-r.staleFor), recoveryBatch)
	if err != nil {
		slog.ErrorContext(ctx, "list stale tasks", "error", err)
		return 0
	}
	n := 0
	for i := range stale {
		t := &stale[i]
		if t.Status == task.StatusClarifying && len(t.ClarificationAnswers) == 0 {
			continue
		}
		if !t.Paid() {
			continue
		}
		if err := enqueueTask(ctx, r.queue, t.ID, messagequeue.ReasonRecovered); err != nil {
			slog.ErrorContext(ctx, "re-enqueue stale task", "task_id", t.ID, "error", err)
			continue
		}
		n++
		slog.InfoContext(ctx, "stale task re-enqueued", "task_id", t.ID, "status", t.Status, "updated_at", t.UpdatedAt)
	}
	if n > 0 && r.metrics != nil {
		r.metrics.RecoveredTasks.Add(ctx, int64(n))
	}
	return n
}
