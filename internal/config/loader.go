package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "omnitask.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	if err := loadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config env: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML decodes the YAML file over cfg. A missing or empty file is not
// an error; unknown keys are, so typos do not silently fall back to defaults.
func loadYAML(cfg *Config, path string) error {
	f, err := os.Open(path) //nolint:gosec // G304: operator-supplied config path
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// loadEnv overlays environment variables onto cfg. Empty variables are
// ignored; unparsable ones are reported together.
func loadEnv(cfg *Config) error {
	var l envLoader
	l.str(&cfg.Server.Port, "OMNITASK_PORT")
	l.str(&cfg.Server.CORSOrigin, "OMNITASK_CORS_ORIGIN")
	envParse(&l, &cfg.Server.RateLimit, "OMNITASK_RATE_LIMIT", parseFloat)
	envParse(&l, &cfg.Server.RateBurst, "OMNITASK_RATE_BURST", strconv.Atoi)
	envParse(&l, &cfg.Server.IdempotencyTTL, "OMNITASK_IDEMPOTENCY_TTL", time.ParseDuration)
	l.str(&cfg.Postgres.DSN, "DATABASE_URL")
	envParse(&l, &cfg.Postgres.MaxConns, "OMNITASK_PG_MAX_CONNS", parseInt32)
	envParse(&l, &cfg.Postgres.MinConns, "OMNITASK_PG_MIN_CONNS", parseInt32)
	envParse(&l, &cfg.Postgres.MaxConnLifetime, "OMNITASK_PG_MAX_CONN_LIFETIME", time.ParseDuration)
	envParse(&l, &cfg.Postgres.MaxConnIdleTime, "OMNITASK_PG_MAX_CONN_IDLE_TIME", time.ParseDuration)
	envParse(&l, &cfg.Postgres.HealthCheck, "OMNITASK_PG_HEALTH_CHECK", time.ParseDuration)
	envParse(&l, &cfg.Postgres.SlowQuery, "OMNITASK_PG_SLOW_QUERY", time.ParseDuration)
	l.str(&cfg.NATS.URL, "NATS_URL")
	l.str(&cfg.NATS.LeaseBucket, "OMNITASK_LEASE_BUCKET")
	envParse(&l, &cfg.Worker.Concurrency, "OMNITASK_WORKER_CONCURRENCY", strconv.Atoi)
	envParse(&l, &cfg.Worker.Enabled, "OMNITASK_WORKER_ENABLED", strconv.ParseBool)

	// Providers
	l.str(&cfg.Providers.Ollama.URL, "OLLAMA_URL")
	l.str(&cfg.Providers.Ollama.Model, "OLLAMA_MODEL")
	l.str(&cfg.Providers.OpenAI.APIKey, "OPENAI_API_KEY")
	l.str(&cfg.Providers.OpenAI.BaseURL, "OPENAI_BASE_URL")
	l.str(&cfg.Providers.OpenAI.Model, "OPENAI_MODEL")
	l.str(&cfg.Providers.LiteLLM.URL, "LITELLM_URL")
	l.str(&cfg.Providers.LiteLLM.MasterKey, "LITELLM_MASTER_KEY")

	envParse(&l, &cfg.Breaker.MaxFailures, "OMNITASK_BREAKER_MAX_FAILURES", strconv.Atoi)
	envParse(&l, &cfg.Breaker.Timeout, "OMNITASK_BREAKER_TIMEOUT", time.ParseDuration)

	// Pricing
	l.str(&cfg.Pricing.Rule, "OMNITASK_PRICING_RULE")
	l.str(&cfg.Pricing.Currency, "OMNITASK_PRICING_CURRENCY")
	envParse(&l, &cfg.Pricing.Margin, "OMNITASK_PRICING_MARGIN", parseFloat)

	// Orchestrator
	envParse(&l, &cfg.Orchestrator.MaxRetries, "OMNITASK_MAX_RETRIES", strconv.Atoi)
	envParse(&l, &cfg.Orchestrator.AnalysisTimeout, "OMNITASK_ANALYSIS_TIMEOUT", time.ParseDuration)
	envParse(&l, &cfg.Orchestrator.PlanningTimeout, "OMNITASK_PLANNING_TIMEOUT", time.ParseDuration)
	envParse(&l, &cfg.Orchestrator.ExecutionTimeout, "OMNITASK_EXECUTION_TIMEOUT", time.ParseDuration)
	envParse(&l, &cfg.Orchestrator.LocalExecutionTimeout, "OMNITASK_LOCAL_EXECUTION_TIMEOUT", time.ParseDuration)
	envParse(&l, &cfg.Orchestrator.ChatTimeout, "OMNITASK_CHAT_TIMEOUT", time.ParseDuration)
	envParse(&l, &cfg.Orchestrator.LeaseTTL, "OMNITASK_LEASE_TTL", time.ParseDuration)
	envParse(&l, &cfg.Orchestrator.RecoveryInterval, "OMNITASK_RECOVERY_INTERVAL", time.ParseDuration)

	// Cache
	envParse(&l, &cfg.Cache.L1MaxSizeMB, "OMNITASK_CACHE_L1_SIZE_MB", parseInt64)
	l.str(&cfg.Cache.L2Bucket, "OMNITASK_CACHE_L2_BUCKET")
	envParse(&l, &cfg.Cache.L2TTL, "OMNITASK_CACHE_L2_TTL", time.ParseDuration)
	envParse(&l, &cfg.Cache.HealthTTL, "OMNITASK_CACHE_HEALTH_TTL", time.ParseDuration)

	l.str(&cfg.Logging.Level, "OMNITASK_LOG_LEVEL")
	l.str(&cfg.Logging.Format, "OMNITASK_LOG_FORMAT")
	l.str(&cfg.Logging.Service, "OMNITASK_LOG_SERVICE")
	envParse(&l, &cfg.Logging.Async, "OMNITASK_LOG_ASYNC", strconv.ParseBool)

	envParse(&l, &cfg.OTEL.Enabled, "OMNITASK_OTEL_ENABLED", strconv.ParseBool)
	l.str(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	l.str(&cfg.OTEL.ServiceName, "OTEL_SERVICE_NAME")
	envParse(&l, &cfg.OTEL.SampleRate, "OMNITASK_OTEL_SAMPLE_RATE", parseFloat)

	return errors.Join(l.errs...)
}

// validate reports every invalid field at once.
func validate(cfg *Config) error {
	var errs []error
	if cfg.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if cfg.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is required"))
	}
	if cfg.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required"))
	}
	if cfg.Postgres.MaxConns < 1 {
		errs = append(errs, errors.New("postgres.max_conns must be >= 1"))
	}
	if cfg.Breaker.MaxFailures < 1 {
		errs = append(errs, errors.New("breaker.max_failures must be >= 1"))
	}
	if cfg.Worker.Concurrency < 1 {
		errs = append(errs, errors.New("worker.concurrency must be >= 1"))
	}
	if cfg.Orchestrator.MaxRetries < 0 {
		errs = append(errs, errors.New("orchestrator.max_retries must be >= 0"))
	}
	if cfg.Orchestrator.LeaseTTL <= 0 {
		errs = append(errs, errors.New("orchestrator.lease_ttl must be > 0"))
	}
	switch cfg.Pricing.Rule {
	case "threshold", "margin":
	default:
		errs = append(errs, fmt.Errorf("pricing.rule %q must be threshold or margin", cfg.Pricing.Rule))
	}
	switch cfg.Logging.Format {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be json or text", cfg.Logging.Format))
	}
	if cfg.Pricing.Currency == "" {
		errs = append(errs, errors.New("pricing.currency is required"))
	}
	return errors.Join(errs...)
}

type envLoader struct {
	errs []error
}

func (l *envLoader) str(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envParse[T any](l *envLoader, dst *T, key string, parse func(string) (T, error)) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parsed, err := parse(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s=%q: %w", key, v, err))
		return
	}
	*dst = parsed
}

func parseInt32(s string) (int32, error) {
	n, err := strconv.ParseInt(s, 10, 32)
	return int32(n), err
}

func parseInt64(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) }

func parseFloat(s string) (float64, error) { return strconv.ParseFloat(s, 64) }
