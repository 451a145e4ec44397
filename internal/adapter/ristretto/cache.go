// Package ristretto implements the cache port in process with
// dgraph-io/ristretto. It is the L1 in front of the shared NATS KV cache.
package ristretto

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Cache is a size-bounded in-process cache. Values are copied on Set so a
// caller reusing its buffer cannot change a cached entry.
type Cache struct {
	c *ristretto.Cache[string, []byte]
}

type Stats struct {
	Hits     uint64  `json:"hits"`
	Misses   uint64  `json:"misses"`
	Ratio    float64 `json:"ratio"`
	Evicted  uint64  `json:"evicted"`
	Rejected uint64  `json:"rejected"` // refused by the admission policy
}

// New creates a cache holding at most maxSizeMB megabytes of values.
func New(maxSizeMB int64) (*Cache, error) {
	maxCost := maxSizeMB << 20
	if maxCost <= 0 {
		return nil, fmt.Errorf("ristretto: max size must be positive, got %d MB", maxSizeMB)
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: max(maxCost/100*10, 1000),
		MaxCost:     maxCost,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("ristretto: %w", err)
	}
	return &Cache{c: c}, nil
}

func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	val, found := c.c.Get(key)
	return val, found, nil
}

// Set stores a copy of value for ttl; ttl <= 0 keeps it until evicted. The
// write is visible to Get once Set returns, unless admission rejected it.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	v := bytes.Clone(value)
	if v == nil {
		v = []byte{}
	}
	c.c.SetWithTTL(key, v, int64(len(v))+int64(len(key)), max(ttl, 0))
	c.c.Wait()
	return nil
}

func (c *Cache) Delete(_ context.Context, key string) error {
	c.c.Del(key)
	return nil
}

// Stats returns counters accumulated since creation.
func (c *Cache) Stats() Stats {
	m := c.c.Metrics
	return Stats{
		Hits:     m.Hits(),
		Misses:   m.Misses(),
		Ratio:    m.Ratio(),
		Evicted:  m.KeysEvicted(),
		Rejected: m.SetsRejected(),
	}
}

// Close stops the cache's background goroutines.
func (c *Cache) Close() {
	c.c.Close()
}
