package main

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/Strob0t/omnitask/internal/adapter/litellm"
	"github.com/Strob0t/omnitask/internal/adapter/ollama"
	"github.com/Strob0t/omnitask/internal/adapter/openai"
	"github.com/Strob0t/omnitask/internal/config"
	"github.com/Strob0t/omnitask/internal/port/aiprovider"
	"github.com/Strob0t/omnitask/internal/resilience"
	"github.com/Strob0t/omnitask/internal/service"
)

var errNoProxy = errors.New("litellm proxy url not configured")

// newProviderRegistry registers every provider the platform offers. Each
// provider gets its own breaker; claude and gemini share the proxy client and
// therefore its breaker. Unconfigured providers stay registered so that
// requests naming them fall back to the local provider.
func newProviderRegistry(cfg *config.Config) *aiprovider.Registry {
	reg := aiprovider.NewRegistry()
	newBreaker := func(name string) *resilience.Breaker {
		b := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
		b.OnStateChange(func(from, to string) {
			slog.Warn("circuit breaker state changed", "breaker", name, "from", from, "to", to)
		})
		return b
	}

	reg.Register(service.ProviderOllama, func() (aiprovider.Provider, error) {
		p := ollama.New(cfg.Providers.Ollama.URL, cfg.Providers.Ollama.Model)
		p.SetBreaker(newBreaker(service.ProviderOllama))
		return p, nil
	})

	reg.Register(service.ProviderOpenAI, func() (aiprovider.Provider, error) {
		oc := cfg.Providers.OpenAI
		p, err := openai.New(oc.APIKey, oc.BaseURL, oc.Model)
		if err != nil {
			return nil, err
		}
		p.SetBreaker(newBreaker(service.ProviderOpenAI))
		return p, nil
	})

	lc := cfg.Providers.LiteLLM
	var proxy *litellm.Client
	if lc.URL != "" {
		proxy = litellm.NewClient(lc.URL, lc.MasterKey)
		proxy.SetBreaker(newBreaker("litellm"))
	}
	viaProxy := func(name, model string, prices litellm.PriceTable) aiprovider.Factory {
		return func() (aiprovider.Provider, error) {
			if proxy == nil {
				return nil, errNoProxy
			}
			return litellm.NewProvider(name, model, proxy, prices), nil
		}
	}
	reg.Register(service.ProviderClaude, viaProxy(service.ProviderClaude, lc.ClaudeModel, litellm.ClaudePrices))
	reg.Register(service.ProviderGemini, viaProxy(service.ProviderGemini, lc.GeminiModel, litellm.GeminiPrices))

	return reg
}

// healthChecker is satisfied by *service.Selector.
type healthChecker interface {
	HealthCheckAll(ctx context.Context) map[string]bool
}

// logProviderHealth checks every provider once and logs the result. It is
// informational: unhealthy providers are still served and rechecked later.
func logProviderHealth(ctx context.Context, hc healthChecker, timeout time.Duration) map[string]bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	status := hc.HealthCheckAll(ctx)

	var down []string
	for id, ok := range status {
		if !ok {
			down = append(down, id)
		}
	}
	sort.Strings(down)
	if len(down) > 0 {
		slog.Warn("provider health at startup", "status", status, "unhealthy", down)
	} else {
		slog.Info("provider health at startup", "status", status)
	}
	return status
}
