// Package ledger defines the port for user balances.
package ledger

import (
	"context"

	"github.com/Strob0t/omnitask/internal/domain/ledger"
)

// Ledger records balance movements against user accounts.
type Ledger interface {
	// Account returns the user's account, creating it with the default plan
	// on first access.
	Account(ctx context.Context, userID string) (*ledger.Account, error)

	// Debit lowers the balance by amount (> 0). Returns
	// domain.ErrInsufficientFunds if the balance would go negative.
	Debit(ctx context.Context, userID string, amount float64, kind ledger.Kind) (*ledger.Account, error)

	// Credit raises the balance by amount (> 0).
	Credit(ctx context.Context, userID string, amount float64, kind ledger.Kind) (*ledger.Account, error)

	// Entries lists the most recent movements, newest first.
	Entries(ctx context.Context, userID string, limit int) ([]ledger.Entry, error)
}
