// Package database defines the database store port (interface).
package database

import (
	"context"
	"time"

	"github.com/Strob0t/omnitask/internal/domain/task"
)

// Store is the port interface for task persistence.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	ListTasks(ctx context.Context, userID string, limit, offset int) ([]task.Task, error)
	// DeleteTask removes a task and its messages unless the task is in one of
	// the blocked statuses, in which case it returns domain.ErrConflict.
	DeleteTask(ctx context.Context, id string, blocked []task.Status) error

	// CommitTransition atomically persists tr: the task row (guarded by status
	// and version), its messages, its ledger entries, and accrued usage.
	// Returns domain.ErrConflict if the task moved on concurrently and
	// domain.ErrInsufficientFunds if a debit would overdraw the account.
	CommitTransition(ctx context.Context, tr *task.Transition) error

	// RecordUsage appends messages and accrued usage to a task without
	// changing its status or version.
	RecordUsage(ctx context.Context, taskID string, msgs []task.Message, costUSD float64, tokens int) error

	// Messages
	ListMessages(ctx context.Context, taskID string) ([]task.Message, error)

	// ListStaleTasks returns tasks in one of statuses not updated since before.
	ListStaleTasks(ctx context.Context, statuses []task.Status, before time.Time, limit int) ([]task.Task, error)

	Ping(ctx context.Context) error
}
