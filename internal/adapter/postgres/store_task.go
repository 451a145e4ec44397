package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Strob0t/omnitask/internal/domain"
	"github.com/Strob0t/omnitask/internal/domain/task"
)

const taskColumns = `id, user_id, description, urgency, provider, status, analysis, plan,
	clarification_questions, clarification_answers, result_text, result_files,
	estimated_cost, final_cost, tokens_used, retry_count, error_message, version,
	paid_at, started_at, completed_at, created_at, updated_at`

func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	if t.ID == "" {
		t.ID = newID()
	}
	analysisJSON, err := jsonOrNull(t.Analysis)
	if err != nil {
		return fmt.Errorf("marshal analysis: %w", err)
	}
	planJSON, err := jsonOrNull(t.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO tasks (id, user_id, description, urgency, provider, status, analysis, plan,
		                    clarification_questions, clarification_answers, result_text, result_files,
		                    estimated_cost, paid_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 RETURNING version, created_at, updated_at`,
		t.ID, t.UserID, t.Description, string(t.Urgency), t.Provider, string(t.Status), analysisJSON, planJSON,
		pgTextArray(t.ClarificationQuestions), pgTextArray(t.ClarificationAnswers), t.ResultText, pgTextArray(t.ResultFiles),
		t.EstimatedCost, t.PaidAt)

	if err := row.Scan(&t.Version, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, notFoundWrap(err, "get task %s", id)
	}
	return &t, nil
}

func (s *Store) ListTasks(ctx context.Context, userID string, limit, offset int) ([]task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE user_id = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// DeleteTask removes the task and, by cascade, its messages. Ledger entries
// referencing the task are kept.
func (s *Store) DeleteTask(ctx context.Context, id string, blocked []task.Status) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM tasks WHERE id = $1 AND NOT (status = ANY($2::text[]))`, id, statusStrings(blocked))
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("delete task %s: %w", id, domain.ErrNotFound)
	}
	return fmt.Errorf("delete task %s: %w", id, domain.ErrConflict)
}

// ListStaleTasks returns tasks in one of statuses not updated since before,
// oldest first.
func (s *Store) ListStaleTasks(ctx context.Context, statuses []task.Status, before time.Time, limit int) ([]task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = ANY($1::text[]) AND updated_at < $2
		 ORDER BY updated_at LIMIT $3`, statusStrings(statuses), before, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale tasks: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(row scannable) (task.Task, error) {
	var (
		t                      task.Task
		urgency, status        string
		analysisJSON, planJSON []byte
	)
	err := row.Scan(&t.ID, &t.UserID, &t.Description, &urgency, &t.Provider, &status, &analysisJSON, &planJSON,
		&t.ClarificationQuestions, &t.ClarificationAnswers, &t.ResultText, &t.ResultFiles,
		&t.EstimatedCost, &t.FinalCost, &t.TokensUsed, &t.RetryCount, &t.ErrorMessage, &t.Version,
		&t.PaidAt, &t.StartedAt, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	t.Urgency = task.Urgency(urgency)
	t.Status = task.Status(status)

	if t.Analysis, err = decodeJSON[task.AnalysisResult](analysisJSON); err != nil {
		return t, fmt.Errorf("unmarshal analysis: %w", err)
	}
	if t.Plan, err = decodeJSON[task.Plan](planJSON); err != nil {
		return t, fmt.Errorf("unmarshal plan: %w", err)
	}
	return t, nil
}

func statusStrings(statuses []task.Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}
