package natskv

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/omnitask/internal/port/lease"
)

// Locker hands out per-key leases backed by a KV bucket. The bucket TTL is
// the lease duration: an entry that is not refreshed expires and the key
// becomes acquirable again.
type Locker struct {
	kv jetstream.KeyValue
}

// NewLocker creates a Locker on kv.
func NewLocker(kv jetstream.KeyValue) *Locker {
	return &Locker{kv: kv}
}

// Acquire creates the key if absent. It returns lease.ErrHeld when another
// owner holds it.
func (l *Locker) Acquire(ctx context.Context, key, owner string) (lease.Lease, error) {
	rev, err := l.kv.Create(ctx, key, []byte(owner))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return nil, lease.ErrHeld
		}
		return nil, fmt.Errorf("natskv acquire %s: %w", key, err)
	}
	return &kvLease{kv: l.kv, key: key, owner: owner, rev: rev}, nil
}

type kvLease struct {
	kv    jetstream.KeyValue
	key   string
	owner string
	rev   uint64
}

// Refresh rewrites the entry at the revision we last wrote, which resets its
// age. A revision mismatch means the lease expired and was taken over.
func (l *kvLease) Refresh(ctx context.Context) error {
	rev, err := l.kv.Update(ctx, l.key, []byte(l.owner), l.rev)
	if err != nil {
		return fmt.Errorf("natskv refresh %s: %w", l.key, err)
	}
	l.rev = rev
	return nil
}

// Release deletes the entry only if we still own it.
func (l *kvLease) Release(ctx context.Context) error {
	err := l.kv.Delete(ctx, l.key, jetstream.LastRevision(l.rev))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("natskv release %s: %w", l.key, err)
	}
	return nil
}
