// Package lease defines the port for per-task mutual exclusion across workers.
package lease

import (
	"context"
	"errors"
)

// ErrHeld is returned by Acquire when another holder owns the lease.
var ErrHeld = errors.New("lease held by another worker")

// Lease is an acquired lock. It expires on its own if not refreshed.
type Lease interface {
	// Refresh extends the lease. It fails if the lease was lost.
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
}

// Locker hands out leases keyed by an arbitrary id.
type Locker interface {
	Acquire(ctx context.Context, key, owner string) (Lease, error)
}
