package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Strob0t/omnitask/internal/port/messagequeue"
)

// Worker consumes execute messages and hands them to the Orchestrator.
type Worker struct {
	queue messagequeue.Queue
	orch  *Orchestrator
}

// NewWorker creates a Worker.
func NewWorker(queue messagequeue.Queue, orch *Orchestrator) *Worker {
	return &Worker{queue: queue, orch: orch}
}

// Start subscribes to the execute subject. The returned function stops the
// subscription.
func (w *Worker) Start(ctx context.Context) (func(), error) {
	cancel, err := w.queue.Subscribe(ctx, messagequeue.SubjectTaskExecute, w.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", messagequeue.SubjectTaskExecute, err)
	}
	slog.Info("task worker started", "subject", messagequeue.SubjectTaskExecute)
	return cancel, nil
}

func (w *Worker) handle(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.TaskExecutePayload
	if err := json.Unmarshal(data, &p); err != nil {
		// Undecodable payloads cannot succeed on redelivery.
		slog.ErrorContext(ctx, "discarding execute message", "error", err)
		return nil
	}
	return w.orch.Process(ctx, p.TaskID, p.Reason)
}
