// Package config implements the kernel's three-layer configuration:
// defaults, then environment variables, then functional options, in that
// priority order, the same shape the ambient framework config uses.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/kernelerrors"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/logging"
)

// Config holds every tunable of a running kernel instance.
type Config struct {
	RunBase string `env:"FLOWKERNEL_RUN_BASE"`

	BudgetUSDCap float64 `env:"FLOWKERNEL_BUDGET_USD"`

	Timeouts TimeoutConfig

	Retry RetryConfig

	CircuitBreaker CircuitBreakerConfig

	HTTP HTTPConfig

	Redis RedisConfig

	Telemetry TelemetryConfig

	Logging LoggingConfig

	logger logging.Logger
}

// TimeoutConfig mirrors the hierarchy in the reliability design: flow caps
// step caps call, each with a soft and a hard bound.
type TimeoutConfig struct {
	FlowSoft time.Duration `env:"FLOWKERNEL_TIMEOUT_FLOW_SOFT" default:"30m"`
	FlowHard time.Duration `env:"FLOWKERNEL_TIMEOUT_FLOW_HARD" default:"45m"`
	StepSoft time.Duration `env:"FLOWKERNEL_TIMEOUT_STEP_SOFT" default:"10m"`
	StepHard time.Duration `env:"FLOWKERNEL_TIMEOUT_STEP_HARD" default:"15m"`
	CallSoft time.Duration `env:"FLOWKERNEL_TIMEOUT_CALL_SOFT" default:"2m"`
	CallHard time.Duration `env:"FLOWKERNEL_TIMEOUT_CALL_HARD" default:"3m"`
	ToolSoft time.Duration `env:"FLOWKERNEL_TIMEOUT_TOOL_SOFT" default:"5m"`
	ToolHard time.Duration `env:"FLOWKERNEL_TIMEOUT_TOOL_HARD" default:"10m"`
}

// RetryConfig configures the reliability engine's backoff behavior.
type RetryConfig struct {
	TransientMaxAttempts int           `env:"FLOWKERNEL_RETRY_TRANSIENT_MAX" default:"5"`
	RetriableMaxAttempts int           `env:"FLOWKERNEL_RETRY_RETRIABLE_MAX" default:"3"`
	BackoffCap           time.Duration `env:"FLOWKERNEL_RETRY_BACKOFF_CAP" default:"60s"`
	RetryAfterCap        time.Duration `env:"FLOWKERNEL_RETRY_AFTER_CAP" default:"300s"`
}

// CircuitBreakerConfig configures the per-target breaker.
type CircuitBreakerConfig struct {
	ConsecutiveFailureThreshold int           `env:"FLOWKERNEL_CB_FAILURE_THRESHOLD" default:"3"`
	EscalateThreshold           int           `env:"FLOWKERNEL_CB_ESCALATE_THRESHOLD" default:"5"`
	SleepWindow                 time.Duration `env:"FLOWKERNEL_CB_SLEEP_WINDOW" default:"30s"`
	WindowSize                  time.Duration `env:"FLOWKERNEL_CB_WINDOW_SIZE" default:"60s"`
	BucketCount                 int           `env:"FLOWKERNEL_CB_BUCKET_COUNT" default:"10"`
}

// HTTPConfig configures the read-only status + control API.
type HTTPConfig struct {
	Address      string        `env:"FLOWKERNEL_HTTP_ADDRESS" default:":8090"`
	ReadTimeout  time.Duration `env:"FLOWKERNEL_HTTP_READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `env:"FLOWKERNEL_HTTP_WRITE_TIMEOUT" default:"30s"`
}

// RedisConfig configures the optional ledger mirror / shared breaker store.
// Both default to disabled; the kernel runs disk-only with no Redis reachable.
type RedisConfig struct {
	Enabled    bool   `env:"FLOWKERNEL_REDIS_ENABLED" default:"false"`
	URL        string `env:"FLOWKERNEL_REDIS_URL,REDIS_URL"`
	KeyPrefix  string `env:"FLOWKERNEL_REDIS_KEY_PREFIX" default:"flowkernel"`
	DB         int    `env:"FLOWKERNEL_REDIS_DB" default:"7"`
}

// TelemetryConfig configures the optional OpenTelemetry meter.
type TelemetryConfig struct {
	Enabled        bool   `env:"FLOWKERNEL_TELEMETRY_ENABLED" default:"false"`
	ServiceName    string `env:"FLOWKERNEL_TELEMETRY_SERVICE_NAME" default:"flowkernel"`
	OTLPEndpoint   string `env:"FLOWKERNEL_OTEL_ENDPOINT"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `env:"FLOWKERNEL_LOG_LEVEL" default:"info"`
	Format string `env:"FLOWKERNEL_LOG_FORMAT"`
}

// Option mutates a Config during construction; NewConfig applies options
// last, so they take priority over environment variables and defaults.
type Option func(*Config) error

// DefaultConfig returns a Config with every default value applied, before
// environment variables or options are layered on.
func DefaultConfig() *Config {
	return &Config{
		RunBase:      "./runs",
		BudgetUSDCap: 30.0,
		Timeouts: TimeoutConfig{
			FlowSoft: 30 * time.Minute, FlowHard: 45 * time.Minute,
			StepSoft: 10 * time.Minute, StepHard: 15 * time.Minute,
			CallSoft: 2 * time.Minute, CallHard: 3 * time.Minute,
			ToolSoft: 5 * time.Minute, ToolHard: 10 * time.Minute,
		},
		Retry: RetryConfig{
			TransientMaxAttempts: 5,
			RetriableMaxAttempts: 3,
			BackoffCap:           60 * time.Second,
			RetryAfterCap:        300 * time.Second,
		},
		CircuitBreaker: CircuitBreakerConfig{
			ConsecutiveFailureThreshold: 3,
			EscalateThreshold:           5,
			SleepWindow:                 30 * time.Second,
			WindowSize:                  60 * time.Second,
			BucketCount:                 10,
		},
		HTTP: HTTPConfig{
			Address:      ":8090",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{KeyPrefix: "flowkernel", DB: 7},
		Telemetry: TelemetryConfig{ServiceName: "flowkernel"},
		Logging:   LoggingConfig{Level: "info"},
	}
}

// loadFromEnv overlays environment variables onto cfg. Only the handful of
// scalars operators actually tune day-to-day are read; structural
// configuration (flow graphs) is never sourced from the environment.
func loadFromEnv(cfg *Config) {
	if v := firstEnv("FLOWKERNEL_RUN_BASE"); v != "" {
		cfg.RunBase = v
	}
	if v := firstEnv("FLOWKERNEL_BUDGET_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.BudgetUSDCap = f
		}
	}
	if v := firstEnv("FLOWKERNEL_REDIS_URL", "REDIS_URL"); v != "" {
		cfg.Redis.URL = v
		cfg.Redis.Enabled = true
	}
	if v := firstEnv("FLOWKERNEL_REDIS_ENABLED"); v != "" {
		cfg.Redis.Enabled = parseBool(v, cfg.Redis.Enabled)
	}
	if v := firstEnv("FLOWKERNEL_TELEMETRY_ENABLED"); v != "" {
		cfg.Telemetry.Enabled = parseBool(v, cfg.Telemetry.Enabled)
	}
	if v := firstEnv("FLOWKERNEL_OTEL_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
		cfg.Telemetry.Enabled = true
	}
	if v := firstEnv("FLOWKERNEL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := firstEnv("FLOWKERNEL_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := firstEnv("FLOWKERNEL_HTTP_ADDRESS"); v != "" {
		cfg.HTTP.Address = v
	}
}

func firstEnv(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// WithRunBase overrides the ledger's on-disk root.
func WithRunBase(path string) Option {
	return func(c *Config) error {
		c.RunBase = path
		return nil
	}
}

// WithBudgetUSDCap overrides the run-level budget cap.
func WithBudgetUSDCap(cap float64) Option {
	return func(c *Config) error {
		if cap < 0 {
			return kernelerrors.Newf("config.WithBudgetUSDCap", kernelerrors.CategoryPermanent, "", "budget cap must be >= 0, got %f", cap)
		}
		c.BudgetUSDCap = cap
		return nil
	}
}

// WithLogger overrides the logger used by configuration operations and
// becomes the root logger for subsystems that derive theirs via
// ComponentAwareLogger.WithComponent.
func WithLogger(l logging.Logger) Option {
	return func(c *Config) error {
		c.logger = l
		return nil
	}
}

// WithRedis enables the optional Redis ledger mirror / shared breaker store.
func WithRedis(url string) Option {
	return func(c *Config) error {
		c.Redis.Enabled = true
		c.Redis.URL = url
		return nil
	}
}

// WithTelemetry enables the optional OpenTelemetry meter.
func WithTelemetry(serviceName, otlpEndpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = true
		if serviceName != "" {
			c.Telemetry.ServiceName = serviceName
		}
		c.Telemetry.OTLPEndpoint = otlpEndpoint
		return nil
	}
}

// NewConfig assembles a Config: defaults, then environment, then options,
// then validates the result.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	loadFromEnv(cfg)
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, kernelerrors.New("config.NewConfig", kernelerrors.CategoryPermanent, "", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.logger == nil {
		cfg.logger = logging.NewFromEnvironment()
	}
	return cfg, nil
}

// Logger returns the logger attached to this configuration.
func (c *Config) Logger() logging.Logger {
	if c.logger == nil {
		return logging.NoOpLogger{}
	}
	return c.logger
}

// Validate enforces the invariants NewConfig depends on.
func (c *Config) Validate() error {
	if c.BudgetUSDCap < 0 {
		return kernelerrors.Newf("config.Validate", kernelerrors.CategoryPermanent, "", "budget_usd_cap must be >= 0")
	}
	if c.RunBase == "" {
		return kernelerrors.Newf("config.Validate", kernelerrors.CategoryPermanent, "", "run base path must not be empty")
	}
	if c.Timeouts.StepSoft > c.Timeouts.FlowSoft {
		return kernelerrors.Newf("config.Validate", kernelerrors.CategoryPermanent, "", "step soft timeout must not exceed flow soft timeout")
	}
	return nil
}
