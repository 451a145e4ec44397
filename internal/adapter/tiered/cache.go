// Package tiered combines an in-process L1 with a shared L2 cache.
package tiered

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Strob0t/omnitask/internal/port/cache"
)

// Cache reads L1 first and falls back to L2, backfilling L1 on an L2 hit.
// Writes and deletes go to both. Concurrent L1 misses for one key share a
// single L2 round trip, so a burst of requests checking the same provider's
// health costs one NATS call.
//
// L2 failures are logged and the cache degrades to L1 only.
type Cache struct {
	l1       cache.Cache
	l2       cache.Cache
	l1Expire time.Duration
	group    singleflight.Group
}

// New creates a tiered cache. l1Expire caps how long any entry lives in L1,
// which bounds how far processes sharing the L2 can disagree.
func New(l1, l2 cache.Cache, l1Expire time.Duration) *Cache {
	return &Cache{l1: l1, l2: l2, l1Expire: l1Expire}
}

type l2Result struct {
	val   []byte
	found bool
}

func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	val, found, err := c.l1.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if found {
		return val, true, nil
	}

	v, _, _ := c.group.Do(key, func() (any, error) {
		val, found, err := c.l2.Get(ctx, key)
		if err != nil {
			slog.WarnContext(ctx, "l2 cache get failed", "key", key, "error", err)
			return l2Result{}, nil
		}
		if found {
			_ = c.l1.Set(ctx, key, val, c.l1Expire)
		}
		return l2Result{val: val, found: found}, nil
	})
	res := v.(l2Result)
	return res.val, res.found, nil
}

// Set writes both levels. The L1 copy lives for the shorter of ttl and the
// L1 expiry.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	l1TTL := ttl
	if c.l1Expire > 0 && (l1TTL <= 0 || c.l1Expire < l1TTL) {
		l1TTL = c.l1Expire
	}
	if err := c.l1.Set(ctx, key, value, l1TTL); err != nil {
		return err
	}
	if err := c.l2.Set(ctx, key, value, ttl); err != nil {
		slog.WarnContext(ctx, "l2 cache set failed", "key", key, "error", err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.l1.Delete(ctx, key); err != nil {
		return err
	}
	if err := c.l2.Delete(ctx, key); err != nil {
		slog.WarnContext(ctx, "l2 cache delete failed", "key", key, "error", err)
	}
	return nil
}
