package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
)

// DefaultPath is the config file read when no explicit path is given.
const DefaultPath = "config.yaml"

// Config holds all configuration for ekaya-knowledge.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1" validate:"required"`
	Port     string `yaml:"port" env:"PORT" env-default:"3480" validate:"required,numeric"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local" validate:"oneof=local dev test staging production"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info" validate:"oneof=debug info warn error"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // Auto-derived from Port if empty
	Version  string `yaml:"-"`                                      // Set at load time, not from config

	// Database configuration (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// Redis backs the node cache. Empty host falls back to the in-memory cache.
	Redis RedisConfig `yaml:"redis"`

	// NATS carries node events. Empty URL falls back to logging events.
	NATS NATSConfig `yaml:"nats"`

	Search  SearchConfig  `yaml:"search"`
	Cache   CacheConfig   `yaml:"cache"`
	Tracing TracingConfig `yaml:"tracing"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost" validate:"required"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432" validate:"min=1,max=65535"`
	User           string `yaml:"user" env:"PGUSER" env-default:"ekaya" validate:"required"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"ekaya_knowledge" validate:"required"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25" validate:"min=1"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable" validate:"oneof=disable allow prefer require verify-ca verify-full"`
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379" validate:"min=1,max=65535"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0" validate:"min=0"`
	// KeyPrefix namespaces every cache key so several deployments can share one Redis.
	KeyPrefix string `yaml:"key_prefix" env:"REDIS_KEY_PREFIX" env-default:"ekaya-knowledge:"`
}

// NATSConfig holds event bus configuration.
type NATSConfig struct {
	URL           string `yaml:"url" env:"NATS_URL" env-default:""`
	SubjectPrefix string `yaml:"subject_prefix" env:"NATS_SUBJECT_PREFIX" env-default:"knowledge" validate:"required"`
}

// SearchConfig controls the Postgres full-text index and its circuit breaker.
type SearchConfig struct {
	Enabled   bool   `yaml:"enabled" env:"SEARCH_ENABLED" env-default:"true"`
	IndexName string `yaml:"index_name" env:"SEARCH_INDEX_NAME" env-default:"knowledge_nodes" validate:"required"`
	// Breaker trips once MinRequests have been seen and the failure ratio reaches FailureThreshold.
	BreakerMaxRequests uint32        `yaml:"breaker_max_requests" env:"SEARCH_BREAKER_MAX_REQUESTS" env-default:"5"`
	BreakerInterval    time.Duration `yaml:"breaker_interval" env:"SEARCH_BREAKER_INTERVAL" env-default:"30s"`
	BreakerTimeout     time.Duration `yaml:"breaker_timeout" env:"SEARCH_BREAKER_TIMEOUT" env-default:"60s"`
	FailureThreshold   float64       `yaml:"failure_threshold" env:"SEARCH_FAILURE_THRESHOLD" env-default:"0.8" validate:"gt=0,lte=1"`
	MinRequests        uint32        `yaml:"min_requests" env:"SEARCH_MIN_REQUESTS" env-default:"5"`
}

// CacheConfig holds node cache settings.
type CacheConfig struct {
	NodeTTL        time.Duration `yaml:"node_ttl" env:"CACHE_NODE_TTL" env-default:"5m" validate:"gt=0"`
	ListTTL        time.Duration `yaml:"list_ttl" env:"CACHE_LIST_TTL" env-default:"60s" validate:"gt=0"`
	MemoryMaxItems int           `yaml:"memory_max_items" env:"CACHE_MEMORY_MAX_ITEMS" env-default:"10000" validate:"min=1"`
}

// TracingConfig controls OpenTelemetry export. Disabled tracing still creates no-op spans.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" env:"OTEL_ENABLED" env-default:"false"`
	Endpoint    string  `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT" env-default:"localhost:4318"`
	Insecure    bool    `yaml:"insecure" env:"OTEL_EXPORTER_OTLP_INSECURE" env-default:"true"`
	SampleRatio float64 `yaml:"sample_ratio" env:"OTEL_SAMPLER_RATIO" env-default:"0.1" validate:"gte=0,lte=1"`
}

// Load reads configuration from path (config.yaml when empty) with environment
// variable overrides. A missing file is not an error: environment variables and
// defaults are used instead. The version parameter is injected at build time.
func Load(path, version string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	cfg := &Config{
		Version: version,
	}

	_, statErr := os.Stat(path)
	switch {
	case statErr == nil:
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	case errors.Is(statErr, fs.ErrNotExist):
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	default:
		return nil, fmt.Errorf("failed to stat %s: %w", path, statErr)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg.Database.Host = ResolveHostForDocker(cfg.Database.Host)
	cfg.Redis.Host = ResolveHostForDocker(cfg.Redis.Host)
	cfg.NATS.URL = ResolveURLForDocker(cfg.NATS.URL)
	cfg.Tracing.Endpoint = ResolveEndpointForDocker(cfg.Tracing.Endpoint)

	// Auto-derive BaseURL from Port if not explicitly set
	if cfg.BaseURL == "" {
		cfg.BaseURL = (&url.URL{
			Scheme: "http",
			Host:   "localhost:" + cfg.Port,
		}).String()
	}

	return cfg, nil
}

// Validate checks struct-tag constraints on the whole configuration tree.
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return c.BindAddr + ":" + c.Port
}

// ConnectionString returns a PostgreSQL connection URL.
func (c *DatabaseConfig) ConnectionString() string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	q := u.Query()
	q.Set("sslmode", c.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
