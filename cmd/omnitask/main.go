package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	omnihttp "github.com/Strob0t/omnitask/internal/adapter/http"
	omninats "github.com/Strob0t/omnitask/internal/adapter/nats"
	"github.com/Strob0t/omnitask/internal/adapter/natskv"
	omniotel "github.com/Strob0t/omnitask/internal/adapter/otel"
	"github.com/Strob0t/omnitask/internal/adapter/postgres"
	"github.com/Strob0t/omnitask/internal/adapter/ristretto"
	"github.com/Strob0t/omnitask/internal/adapter/tiered"
	"github.com/Strob0t/omnitask/internal/adapter/ws"
	"github.com/Strob0t/omnitask/internal/config"
	"github.com/Strob0t/omnitask/internal/domain/pricing"
	"github.com/Strob0t/omnitask/internal/logger"
	"github.com/Strob0t/omnitask/internal/middleware"
	"github.com/Strob0t/omnitask/internal/service"
)

const idempotencyBucket = "OMNITASK_IDEMPOTENCY"

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	var err error
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		err = runAdmin(os.Args[2:])
	} else {
		err = run()
	}
	if err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"pg_max_conns", cfg.Postgres.MaxConns,
		"worker_enabled", cfg.Worker.Enabled,
		"pricing_rule", cfg.Pricing.Rule,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Observability ---

	shutdownOTEL, err := omniotel.Setup(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTEL(sctx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()

	metrics, err := omniotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	queue, err := omninats.Connect(ctx, cfg.NATS.URL, omninats.Options{Concurrency: cfg.Worker.Concurrency})
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()
	slog.Info("nats connected", "url", cfg.NATS.URL)

	leaseKV, err := queue.KeyValue(ctx, cfg.NATS.LeaseBucket, cfg.Orchestrator.LeaseTTL)
	if err != nil {
		return fmt.Errorf("lease bucket: %w", err)
	}
	cacheKV, err := queue.KeyValue(ctx, cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
	if err != nil {
		return fmt.Errorf("cache bucket: %w", err)
	}
	idemKV, err := queue.KeyValue(ctx, idempotencyBucket, cfg.Server.IdempotencyTTL)
	if err != nil {
		return fmt.Errorf("idempotency bucket: %w", err)
	}

	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB)
	if err != nil {
		return fmt.Errorf("l1 cache: %w", err)
	}
	defer func() {
		slog.Info("l1 cache stats", "stats", l1.Stats())
		l1.Close()
	}()
	healthCache := tiered.New(l1, natskv.New(cacheKV), cfg.Cache.HealthTTL)

	// --- Pricing and providers ---

	rule, err := pricing.NewRule(pricing.RuleConfig{
		Name:        cfg.Pricing.Rule,
		Threshold:   cfg.Pricing.Threshold,
		FixedPrice:  cfg.Pricing.FixedPrice,
		Multiplier:  cfg.Pricing.Multiplier,
		Margin:      cfg.Pricing.Margin,
		Multipliers: cfg.Pricing.Multipliers,
	})
	if err != nil {
		return fmt.Errorf("pricing: %w", err)
	}
	engine := pricing.NewEngine(rule, cfg.Pricing.Currency, nil)

	registry := newProviderRegistry(cfg)
	slog.Info("providers registered", "providers", registry.Available())

	// --- Services ---

	hub := ws.NewHub(ws.Options{AllowedOrigins: strings.Split(cfg.Server.CORSOrigin, ",")})
	store := postgres.NewStore(pool)
	selector := service.NewSelector(registry, healthCache, cfg.Cache.HealthTTL, cfg.Orchestrator.HealthTimeout)
	taskSvc := service.NewTaskService(store, store, queue, service.NewPricingService(engine, selector), hub, metrics)
	chatSvc := service.NewChatService(taskSvc, store, selector, hub, metrics, cfg.Orchestrator.ChatTimeout)
	logProviderHealth(ctx, selector, 2*cfg.Orchestrator.HealthTimeout)

	if cfg.Worker.Enabled {
		orch := service.NewOrchestrator(store, selector, natskv.NewLocker(leaseKV), hub, metrics, cfg.Orchestrator)
		cancelWorker, err := service.NewWorker(queue, orch).Start(ctx)
		if err != nil {
			return fmt.Errorf("worker: %w", err)
		}
		defer cancelWorker()
		slog.Info("worker started", "concurrency", cfg.Worker.Concurrency)

		recovery := service.NewRecovery(store, queue, metrics, cfg.Orchestrator.LeaseTTL, cfg.Orchestrator.RecoveryInterval)
		go recovery.Run(ctx)
	}

	// --- HTTP ---

	handlers := &omnihttp.Handlers{
		Tasks:     taskSvc,
		Chat:      chatSvc,
		Selector:  selector,
		Store:     store,
		Connected: queue.IsConnected,
	}

	var userMW []func(http.Handler) http.Handler
	if cfg.Server.RateLimit > 0 {
		limiter := middleware.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
		limiter.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
		userMW = append(userMW, limiter.Handler)
	}
	userMW = append(userMW, middleware.Idempotency(natskv.New(idemKV), cfg.Server.IdempotencyTTL))

	r := chi.NewRouter()
	r.Use(omniotel.HTTPMiddleware("omnitask"))
	r.Use(middleware.RequestID)
	r.Use(omnihttp.CORS(cfg.Server.CORSOrigin))
	r.Use(omnihttp.SecurityHeaders)
	r.Use(omnihttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	// Provider calls in chat can outlast the default request timeout.
	r.Use(chimw.Timeout(cfg.Orchestrator.ChatTimeout + 30*time.Second))

	omnihttp.MountRoutes(r, handlers, hub.HandleWS, userMW...)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Orchestrator.ChatTimeout + time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}

	// In-flight tasks finish their current phase; the rest stay queued.
	if err := queue.Drain(); err != nil {
		slog.Error("nats drain", "error", err)
	}
	return nil
}
