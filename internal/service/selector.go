package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/omnitask/internal/domain/task"
	"github.com/Strob0t/omnitask/internal/port/aiprovider"
	"github.com/Strob0t/omnitask/internal/port/cache"
)

// Provider identifiers offered by the platform.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderClaude = "claude"
	ProviderGemini = "gemini"
)

// fallbackOrder is the order in which replacement providers are tried.
var fallbackOrder = []string{ProviderOllama, ProviderOpenAI, ProviderClaude, ProviderGemini}

const healthKeyPrefix = "provider.health."

// Selector resolves provider identifiers to instances and picks fallbacks.
// Instances come from the injected registry, which memoizes them.
type Selector struct {
	registry      *aiprovider.Registry
	health        cache.Cache
	healthTTL     time.Duration
	healthTimeout time.Duration
}

// NewSelector creates a Selector. health caches check results for healthTTL;
// each check is bounded by healthTimeout.
func NewSelector(registry *aiprovider.Registry, health cache.Cache, healthTTL, healthTimeout time.Duration) *Selector {
	return &Selector{
		registry:      registry,
		health:        health,
		healthTTL:     healthTTL,
		healthTimeout: healthTimeout,
	}
}

// IsKnown reports whether id names a registered provider.
func (s *Selector) IsKnown(id string) bool {
	return s.registry.Has(id)
}

// Resolve returns the provider for id. "auto" picks the hosted provider when
// its credentials are configured, else the local one. An identifier that
// cannot be constructed also falls back to the local provider, so Resolve
// only fails when the local provider itself is unavailable.
func (s *Selector) Resolve(id string) (aiprovider.Provider, error) {
	if id == task.ProviderAuto || id == "" {
		if p, err := s.registry.Get(ProviderOpenAI); err == nil {
			return p, nil
		}
		return s.local()
	}
	p, err := s.registry.Get(id)
	if err == nil {
		return p, nil
	}
	slog.Warn("provider unavailable, using local provider", "provider", id, "error", err)
	return s.local()
}

func (s *Selector) local() (aiprovider.Provider, error) {
	p, err := s.registry.Get(ProviderOllama)
	if err != nil {
		return nil, fmt.Errorf("resolve local provider: %w", err)
	}
	return p, nil
}

// NextFallback returns the first healthy provider in fallback order that is
// neither failed nor in tried, or nil if none is left. tried belongs to the
// caller's invocation.
func (s *Selector) NextFallback(ctx context.Context, failed string, tried map[string]bool) aiprovider.Provider {
	for _, id := range fallbackOrder {
		if id == failed || tried[id] || !s.registry.Has(id) {
			continue
		}
		if !s.Healthy(ctx, id) {
			continue
		}
		p, err := s.registry.Get(id)
		if err != nil {
			continue
		}
		return p
	}
	return nil
}

// Healthy reports the provider's health, probing it when the cached status
// has expired.
func (s *Selector) Healthy(ctx context.Context, id string) bool {
	key := healthKeyPrefix + id
	if s.health != nil {
		if v, ok, err := s.health.Get(ctx, key); err == nil && ok {
			return string(v) == "1"
		}
	}
	return s.checkHealth(ctx, id)
}

// checkHealth runs a bounded health check and caches the result.
func (s *Selector) checkHealth(ctx context.Context, id string) bool {
	healthy := false
	if p, err := s.registry.Get(id); err == nil {
		hctx, cancel := context.WithTimeout(ctx, s.healthTimeout)
		healthy = p.HealthCheck(hctx)
		cancel()
	}
	if s.health != nil {
		v := []byte("0")
		if healthy {
			v = []byte("1")
		}
		if err := s.health.Set(ctx, healthKeyPrefix+id, v, s.healthTTL); err != nil {
			slog.Debug("cache provider health", "provider", id, "error", err)
		}
	}
	return healthy
}

// HealthCheckAll checks every registered provider concurrently, bypassing
// the cache, and returns the status per identifier.
func (s *Selector) HealthCheckAll(ctx context.Context) map[string]bool {
	ids := s.registry.Available()
	out := make(map[string]bool, len(ids))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			ok := s.checkHealth(gctx, id)
			mu.Lock()
			out[id] = ok
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}
