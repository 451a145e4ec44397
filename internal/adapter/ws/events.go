package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event types pushed to a task owner's connections.
const (
	EventTaskStatus  = "task.status"
	EventTaskMessage = "task.message"
)

// TaskStatusEvent announces a committed status change. Clients that miss
// events reconcile with GET /api/v1/tasks/{id}; Version orders events for
// one task.
type TaskStatusEvent struct {
	TaskID    string   `json:"task_id"`
	Status    string   `json:"status"`
	Version   int      `json:"version"`
	Provider  string   `json:"provider,omitempty"`
	FinalCost float64  `json:"final_cost"`
	Questions []string `json:"questions,omitempty"` // set while clarifying
	Error     string   `json:"error,omitempty"`
}

// TaskMessageEvent carries one new conversation turn.
type TaskMessageEvent struct {
	TaskID    string `json:"task_id"`
	MessageID string `json:"message_id,omitempty"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Provider  string `json:"provider,omitempty"`
}

// BroadcastEvent sends payload as a typed message to userID's connections.
// Delivery is best effort: a user with no open connection loses the event.
func (h *Hub) BroadcastEvent(ctx context.Context, userID, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.ErrorContext(ctx, "marshal ws event payload", "type", eventType, "error", err)
		return
	}
	h.SendToUser(ctx, userID, Message{Type: eventType, Payload: data})
}
