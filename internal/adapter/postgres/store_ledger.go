package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Strob0t/omnitask/internal/domain"
	"github.com/Strob0t/omnitask/internal/domain/ledger"
)

// balanceEpsilon absorbs float drift when comparing a debit to the balance.
const balanceEpsilon = 1e-9

// Account returns the user's account, creating it with the schema defaults
// on first access. MonthlyUsage is the net of holds, usage and refunds booked
// since the start of the current month.
func (s *Store) Account(ctx context.Context, userID string) (*ledger.Account, error) {
	if err := ensureAccount(ctx, s.pool, userID); err != nil {
		return nil, err
	}
	return readAccount(ctx, s.pool, userID)
}

// Debit lowers the balance by amount. It fails with domain.ErrInsufficientFunds
// if the balance does not cover it.
func (s *Store) Debit(ctx context.Context, userID string, amount float64, kind ledger.Kind) (*ledger.Account, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: debit amount must be positive", domain.ErrValidation)
	}
	return s.book(ctx, &ledger.Entry{UserID: userID, Kind: kind, Amount: -amount})
}

// Credit raises the balance by amount.
func (s *Store) Credit(ctx context.Context, userID string, amount float64, kind ledger.Kind) (*ledger.Account, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: credit amount must be positive", domain.ErrValidation)
	}
	return s.book(ctx, &ledger.Entry{UserID: userID, Kind: kind, Amount: amount})
}

func (s *Store) Entries(ctx context.Context, userID string, limit int) ([]ledger.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, COALESCE(task_id::text, ''), kind, amount, created_at
		 FROM ledger_entries WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var (
			e    ledger.Entry
			kind string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.TaskID, &kind, &e.Amount, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Kind = ledger.Kind(kind)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) book(ctx context.Context, e *ledger.Entry) (*ledger.Account, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := applyEntry(ctx, tx, e); err != nil {
		return nil, err
	}
	acct, err := readAccount(ctx, tx, e.UserID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return acct, nil
}

// querier is the subset of pgxpool.Pool and pgx.Tx used by account helpers.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func ensureAccount(ctx context.Context, q querier, userID string) error {
	if _, err := q.Exec(ctx,
		`INSERT INTO accounts (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return fmt.Errorf("ensure account %s: %w", userID, err)
	}
	return nil
}

func readAccount(ctx context.Context, q querier, userID string) (*ledger.Account, error) {
	a := ledger.Account{UserID: userID}
	err := q.QueryRow(ctx,
		`SELECT a.plan, a.balance, a.monthly_limit,
		        COALESCE((SELECT -SUM(e.amount) FROM ledger_entries e
		                  WHERE e.user_id = a.user_id
		                    AND e.kind IN ('hold', 'usage', 'refund')
		                    AND e.created_at >= date_trunc('month', now())), 0)
		 FROM accounts a WHERE a.user_id = $1`, userID).
		Scan(&a.Plan, &a.Balance, &a.MonthlyLimit, &a.MonthlyUsage)
	if err != nil {
		return nil, notFoundWrap(err, "get account %s", userID)
	}
	a.MonthlyUsage = ledger.Round(max(a.MonthlyUsage, 0), 6)
	return &a, nil
}

// applyEntry books e against the user's balance inside tx and returns the new
// balance. The account row is locked for the rest of the transaction.
func applyEntry(ctx context.Context, tx pgx.Tx, e *ledger.Entry) (float64, error) {
	if err := ensureAccount(ctx, tx, e.UserID); err != nil {
		return 0, err
	}

	var balance float64
	if err := tx.QueryRow(ctx,
		`SELECT balance FROM accounts WHERE user_id = $1 FOR UPDATE`, e.UserID).Scan(&balance); err != nil {
		return 0, notFoundWrap(err, "lock account %s", e.UserID)
	}
	if e.IsDebit() && !e.AllowOverdraft && balance+e.Amount < -balanceEpsilon {
		return 0, fmt.Errorf("%s of %.2f with balance %.2f: %w", e.Kind, -e.Amount, balance, domain.ErrInsufficientFunds)
	}

	if err := tx.QueryRow(ctx,
		`UPDATE accounts SET balance = balance + $2, updated_at = now() WHERE user_id = $1 RETURNING balance`,
		e.UserID, e.Amount).Scan(&balance); err != nil {
		return 0, fmt.Errorf("update balance %s: %w", e.UserID, err)
	}

	if e.ID == "" {
		e.ID = newID()
	}
	if err := tx.QueryRow(ctx,
		`INSERT INTO ledger_entries (id, user_id, task_id, kind, amount)
		 VALUES ($1, $2, $3, $4, $5) RETURNING created_at`,
		e.ID, e.UserID, nullIfEmpty(e.TaskID), string(e.Kind), e.Amount).Scan(&e.CreatedAt); err != nil {
		return 0, fmt.Errorf("insert ledger entry: %w", err)
	}
	return balance, nil
}
