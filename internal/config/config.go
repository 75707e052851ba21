// Package config loads the subsync service configuration from the
// environment, optionally seeded from .env files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Storage backends accepted in STORAGE_BACKEND.
const (
	BackendPostgres  = "postgres"
	BackendSQLite    = "sqlite"
	BackendRedis     = "redis"
	BackendFirestore = "firestore"
	BackendMemory    = "memory"
)

var (
	// ErrParsingConfig is returned when environment variables cannot be parsed into the config struct
	ErrParsingConfig = errors.New("failed to parse environment variables into config")

	// ErrInvalidConfig is returned by Validate
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config is the full service configuration.
type Config struct {
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	MetricsAddr     string        `env:"METRICS_ADDR" envDefault:":9090"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Storage  StorageConfig
	Stripe   StripeConfig
	Kafka    KafkaConfig
	Identity IdentityConfig
}

// StorageConfig selects and configures the datastore.
type StorageConfig struct {
	Backend string `env:"STORAGE_BACKEND" envDefault:"postgres"`

	DatabaseURL      string `env:"DATABASE_URL"`
	AdminDatabaseURL string `env:"ADMIN_DATABASE_URL"`
	AutoMigrate      bool   `env:"AUTO_MIGRATE" envDefault:"false"`

	SQLitePath string `env:"SQLITE_PATH" envDefault:"subsync.db"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	// RedisCache puts Redis in front of a durable backend instead of using it as one.
	RedisCache    bool          `env:"REDIS_CACHE" envDefault:"false"`
	RedisCacheTTL time.Duration `env:"REDIS_CACHE_TTL" envDefault:"1h"`

	FirestoreProjectID string `env:"FIRESTORE_PROJECT_ID"`

	AsyncAudit bool `env:"ASYNC_AUDIT" envDefault:"false"`
}

// StripeConfig configures the billing provider.
type StripeConfig struct {
	SecretKey     string        `env:"STRIPE_SECRET_KEY"`
	WebhookSecret string        `env:"STRIPE_WEBHOOK_SECRET"`
	Timeout       time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"10s"`
	PlanCatalog   string        `env:"PLAN_CATALOG"`

	RateLimitRequests int           `env:"WEBHOOK_RATE_LIMIT" envDefault:"100"`
	RateLimitWindow   time.Duration `env:"WEBHOOK_RATE_WINDOW" envDefault:"1m"`

	BreakerThreshold int           `env:"CIRCUIT_BREAKER_THRESHOLD" envDefault:"5"`
	BreakerReset     time.Duration `env:"CIRCUIT_BREAKER_RESET" envDefault:"30s"`
}

// KafkaConfig enables change notifications when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	Topic   string   `env:"KAFKA_TOPIC" envDefault:"subscription_changes"`
}

// IdentityConfig names the headers a trusted upstream proxy sets.
type IdentityConfig struct {
	UserHeader string `env:"USER_ID_HEADER" envDefault:"X-User-ID"`
	RoleHeader string `env:"USER_ROLE_HEADER" envDefault:"X-User-Role"`
}

// Load reads .env files (the default ".env" when none are given; a missing
// default file is ignored) and parses the environment into a Config.
// Variables already set in the process environment take precedence.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	} else if err := godotenv.Load(envFiles...); err != nil {
		return nil, fmt.Errorf("failed to load env files: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, errors.Join(ErrParsingConfig, err)
	}
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	return &cfg, nil
}

// Validate checks the settings needed to serve traffic.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case BackendPostgres:
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	case BackendRedis:
		if c.Storage.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis backend"))
		}
	case BackendFirestore:
		if c.Storage.FirestoreProjectID == "" {
			errs = append(errs, errors.New("FIRESTORE_PROJECT_ID is required for the firestore backend"))
		}
	case BackendSQLite, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_BACKEND %q", c.Storage.Backend))
	}
	if c.Storage.RedisCache {
		if c.Storage.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required when REDIS_CACHE is set"))
		}
		if c.Storage.Backend == BackendRedis {
			errs = append(errs, errors.New("REDIS_CACHE cannot front the redis backend"))
		}
	}
	if c.Stripe.SecretKey == "" {
		errs = append(errs, errors.New("STRIPE_SECRET_KEY is required"))
	}
	if c.Stripe.WebhookSecret == "" {
		errs = append(errs, errors.New("STRIPE_WEBHOOK_SECRET is required"))
	}
	if c.Stripe.Timeout <= 0 {
		errs = append(errs, errors.New("PROVIDER_TIMEOUT must be positive"))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown LOG_FORMAT %q", c.LogFormat))
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return nil
}
