// Package natskv implements the cache and lease ports on NATS JetStream
// key-value buckets.
package natskv

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// expiryLen is the size of the deadline header stored in front of each value.
const expiryLen = 8

// Cache is the shared L2 cache. The bucket's TTL bounds every entry; a
// shorter per-entry ttl is enforced on read from a deadline stored with the
// value, so a 30s health check result does not outlive its ttl in a bucket
// configured for ten minutes.
type Cache struct {
	kv  jetstream.KeyValue
	now func() time.Time
}

// New creates a cache on kv.
func New(kv jetstream.KeyValue) *Cache {
	return &Cache{kv: kv, now: time.Now}
}

func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	entry, err := c.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("natskv get %s: %w", key, err)
	}
	value, expired, err := decodeEntry(entry.Value(), c.now())
	if err != nil {
		return nil, false, fmt.Errorf("natskv get %s: %w", key, err)
	}
	if expired {
		return nil, false, nil
	}
	return value, true, nil
}

// Set stores value until ttl elapses or the bucket TTL purges it, whichever
// comes first. ttl <= 0 leaves expiry to the bucket.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var deadline time.Time
	if ttl > 0 {
		deadline = c.now().Add(ttl)
	}
	if _, err := c.kv.Put(ctx, key, encodeEntry(value, deadline)); err != nil {
		return fmt.Errorf("natskv put %s: %w", key, err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	err := c.kv.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("natskv delete %s: %w", key, err)
	}
	return nil
}

// encodeEntry prefixes value with its deadline in unix nanoseconds, zero
// meaning none.
func encodeEntry(value []byte, deadline time.Time) []byte {
	buf := make([]byte, expiryLen+len(value))
	if !deadline.IsZero() {
		binary.BigEndian.PutUint64(buf, uint64(deadline.UnixNano())) //nolint:gosec // deadlines are after 1970
	}
	copy(buf[expiryLen:], value)
	return buf
}

func decodeEntry(raw []byte, now time.Time) (value []byte, expired bool, err error) {
	if len(raw) < expiryLen {
		return nil, false, fmt.Errorf("entry too short (%d bytes)", len(raw))
	}
	if d := binary.BigEndian.Uint64(raw); d != 0 && now.UnixNano() >= int64(d) { //nolint:gosec // written by encodeEntry
		return nil, true, nil
	}
	return raw[expiryLen:], false, nil
}
