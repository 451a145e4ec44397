package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/omnitask/internal/domain"
	"github.com/Strob0t/omnitask/internal/domain/ledger"
	"github.com/Strob0t/omnitask/internal/domain/task"
)

// CommitTransition persists the next state of a task together with its
// messages and balance movements in one transaction. The update only applies
// while the stored task is still in tr.From at tr.Task.Version; otherwise
// nothing is written and domain.ErrConflict is returned.
func (s *Store) CommitTransition(ctx context.Context, tr *task.Transition) error {
	t := tr.Task
	analysisJSON, err := jsonOrNull(t.Analysis)
	if err != nil {
		return fmt.Errorf("marshal analysis: %w", err)
	}
	planJSON, err := jsonOrNull(t.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var hold, before float64
	if err := tx.QueryRow(ctx,
		`SELECT estimated_cost, final_cost FROM tasks WHERE id = $1 FOR UPDATE`, t.ID).Scan(&hold, &before); err != nil {
		return notFoundWrap(err, "commit transition %s", t.ID)
	}

	var (
		after     float64
		tokens    int
		version   int
		updatedAt time.Time
	)
	err = tx.QueryRow(ctx,
		`UPDATE tasks SET status = $4, provider = $5, analysis = $6, plan = $7,
		        clarification_questions = $8, clarification_answers = $9,
		        result_text = $10, result_files = $11, retry_count = $12, error_message = $13,
		        paid_at = $14, started_at = $15, completed_at = $16,
		        final_cost = final_cost + $17, tokens_used = tokens_used + $18,
		        version = version + 1, updated_at = now()
		 WHERE id = $1 AND status = $2 AND version = $3
		 RETURNING final_cost, tokens_used, version, updated_at`,
		t.ID, string(tr.From), t.Version, string(t.Status), t.Provider, analysisJSON, planJSON,
		pgTextArray(t.ClarificationQuestions), pgTextArray(t.ClarificationAnswers),
		t.ResultText, pgTextArray(t.ResultFiles), t.RetryCount, t.ErrorMessage,
		t.PaidAt, t.StartedAt, t.CompletedAt, tr.Cost, tr.Tokens,
	).Scan(&after, &tokens, &version, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("commit transition %s %s->%s: %w", t.ID, tr.From, t.Status, domain.ErrConflict)
		}
		return fmt.Errorf("commit transition %s: %w", t.ID, err)
	}

	if err := insertMessages(ctx, tx, t.ID, tr.Messages); err != nil {
		return err
	}

	for i := range tr.Entries {
		e := &tr.Entries[i]
		if e.UserID == "" {
			e.UserID = t.UserID
		}
		if e.TaskID == "" {
			e.TaskID = t.ID
		}
		if _, err := applyEntry(ctx, tx, e); err != nil {
			return fmt.Errorf("commit transition %s: %w", t.ID, err)
		}
	}

	if t.Paid() {
		if err := debitUsage(ctx, tx, t.UserID, t.ID, hold, before, after); err != nil {
			return fmt.Errorf("commit transition %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	t.FinalCost = after
	t.TokensUsed = tokens
	t.Version = version
	t.UpdatedAt = updatedAt
	return nil
}

// RecordUsage adds the cost of an AI call made outside the phase pipeline,
// together with the messages it produced. The task's status and version are
// left untouched so a concurrently running pipeline does not conflict.
func (s *Store) RecordUsage(ctx context.Context, taskID string, msgs []task.Message, costUSD float64, tokens int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		userID       string
		hold, before float64
		paid         bool
	)
	if err := tx.QueryRow(ctx,
		`SELECT user_id, estimated_cost, final_cost, paid_at IS NOT NULL FROM tasks WHERE id = $1 FOR UPDATE`,
		taskID).Scan(&userID, &hold, &before, &paid); err != nil {
		return notFoundWrap(err, "record usage %s", taskID)
	}

	var after float64
	if err := tx.QueryRow(ctx,
		`UPDATE tasks SET final_cost = final_cost + $2, tokens_used = tokens_used + $3
		 WHERE id = $1 RETURNING final_cost`,
		taskID, max(costUSD, 0), max(tokens, 0)).Scan(&after); err != nil {
		return fmt.Errorf("record usage %s: %w", taskID, err)
	}

	if err := insertMessages(ctx, tx, taskID, msgs); err != nil {
		return err
	}
	if paid {
		if err := debitUsage(ctx, tx, userID, taskID, hold, before, after); err != nil {
			return fmt.Errorf("record usage %s: %w", taskID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, taskID string) ([]task.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, role, content, file_url, file_name, file_type, tokens_used, cost, provider_used, created_at
		 FROM messages WHERE task_id = $1 ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []task.Message
	for rows.Next() {
		var (
			m    task.Message
			role string
		)
		if err := rows.Scan(&m.ID, &m.TaskID, &role, &m.Content, &m.FileURL, &m.FileName, &m.FileType,
			&m.TokensUsed, &m.Cost, &m.ProviderUsed, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = task.Role(role)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// insertMessages writes msgs for taskID, filling in their IDs and timestamps.
func insertMessages(ctx context.Context, tx pgx.Tx, taskID string, msgs []task.Message) error {
	for i := range msgs {
		m := &msgs[i]
		if m.ID == "" {
			m.ID = newID()
		}
		m.TaskID = taskID
		if err := tx.QueryRow(ctx,
			`INSERT INTO messages (id, task_id, role, content, file_url, file_name, file_type, tokens_used, cost, provider_used)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 RETURNING created_at`,
			m.ID, taskID, string(m.Role), m.Content, m.FileURL, m.FileName, m.FileType,
			m.TokensUsed, m.Cost, m.ProviderUsed).Scan(&m.CreatedAt); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return nil
}

// debitUsage charges the part of the accrued cost that moved past the hold.
// Work already performed is billed even if it overdraws the balance.
func debitUsage(ctx context.Context, tx pgx.Tx, userID, taskID string, hold, before, after float64) error {
	delta := ledger.UsageDelta(hold, before, after)
	if delta <= 0 {
		return nil
	}
	_, err := applyEntry(ctx, tx, &ledger.Entry{
		UserID:         userID,
		TaskID:         taskID,
		Kind:           ledger.KindUsage,
		Amount:         -delta,
		AllowOverdraft: true,
	})
	return err
}
