package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Strob0t/omnitask/internal/adapter/ws"
	"github.com/Strob0t/omnitask/internal/domain/task"
	"github.com/Strob0t/omnitask/internal/port/broadcast"
	"github.com/Strob0t/omnitask/internal/port/messagequeue"
)

// publishStatus tells the task owner about the task's current status.
func publishStatus(ctx context.Context, events broadcast.Broadcaster, t *task.Task) {
	ev := ws.TaskStatusEvent{
		TaskID:    t.ID,
		Status:    string(t.Status),
		Version:   t.Version,
		Provider:  t.Provider,
		FinalCost: t.FinalCost,
		Error:     t.ErrorMessage,
	}
	if t.Status == task.StatusClarifying && len(t.ClarificationAnswers) == 0 {
		ev.Questions = t.ClarificationQuestions
	}
	events.BroadcastEvent(ctx, t.UserID, ws.EventTaskStatus, ev)
}

// publishMessages forwards new conversation turns to the task owner.
func publishMessages(ctx context.Context, events broadcast.Broadcaster, userID string, msgs []task.Message) {
	for i := range msgs {
		events.BroadcastEvent(ctx, userID, ws.EventTaskMessage, ws.TaskMessageEvent{
			TaskID:    msgs[i].TaskID,
			MessageID: msgs[i].ID,
			Role:      string(msgs[i].Role),
			Content:   msgs[i].Content,
			Provider:  msgs[i].ProviderUsed,
		})
	}
}

// enqueueTask puts taskID on the execute subject.
func enqueueTask(ctx context.Context, queue messagequeue.Queue, taskID, reason string) error {
	data, err := json.Marshal(messagequeue.TaskExecutePayload{TaskID: taskID, Reason: reason})
	if err != nil {
		return fmt.Errorf("marshal execute payload: %w", err)
	}
	if err := queue.Publish(ctx, messagequeue.SubjectTaskExecute, data); err != nil {
		return fmt.Errorf("enqueue task %s: %w", taskID, err)
	}
	return nil
}
