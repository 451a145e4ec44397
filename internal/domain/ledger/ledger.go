// Package ledger defines balance movements recorded against a user account.
package ledger

import (
	"math"
	"time"
)

// Kind classifies a balance movement.
type Kind string

const (
	KindHold   Kind = "hold"   // estimated price debited at payment confirmation
	KindUsage  Kind = "usage"  // actual cost beyond the hold
	KindRefund Kind = "refund" // credit on cancellation
	KindTopUp  Kind = "topup"  // credit purchased by the user
)

// Entry is one balance movement. Amount is positive for credits and negative
// for debits. A debit that would overdraw the account is rejected unless
// AllowOverdraft is set (usage accrued for work already performed).
type Entry struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	TaskID         string    `json:"task_id,omitempty"`
	Kind           Kind      `json:"kind"`
	Amount         float64   `json:"amount"`
	AllowOverdraft bool      `json:"allow_overdraft,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// IsDebit reports whether the entry lowers the balance.
func (e Entry) IsDebit() bool { return e.Amount < 0 }

// Account is the prepaid balance of a user.
type Account struct {
	UserID       string  `json:"user_id"`
	Plan         string  `json:"plan"`
	Balance      float64 `json:"balance"`
	MonthlyUsage float64 `json:"monthly_usage"`
	MonthlyLimit float64 `json:"monthly_limit"`
}

// PlanFree is the plan that is subject to the monthly usage limit.
const PlanFree = "free"

// WithinMonthlyLimit reports whether spending amount keeps a free-plan account
// under its monthly limit. Paid plans are not limited.
func (a *Account) WithinMonthlyLimit(amount float64) bool {
	if a.Plan != PlanFree {
		return true
	}
	return a.MonthlyUsage+amount <= a.MonthlyLimit
}

// Charged is what the user pays for a task given its prepaid hold and the
// actual cost accrued so far: the hold is the floor.
func Charged(hold, accrued float64) float64 {
	return math.Max(hold, accrued)
}

// UsageDelta is the additional amount to debit when accrued cost on a task
// moves from before to after. It is zero while accrued cost stays within the
// hold.
func UsageDelta(hold, before, after float64) float64 {
	d := Charged(hold, after) - Charged(hold, before)
	if d < 0 {
		return 0
	}
	return Round(d, 6)
}

// Round rounds v to the given number of decimal places.
func Round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
