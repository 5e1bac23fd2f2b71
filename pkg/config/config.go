// Package config loads soar-core's configuration from a YAML file plus
// environment variable overrides: defaults from New(), optionally replaced
// by a config file, then replaced again by the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the minimal HTTP surface (/healthz, /metrics, live channel).
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT"`
	Base string `json:"base" env:"SERVER_BASE_PATH"`
}

// DatabaseConfig controls the Postgres-backed relational store, durable
// event stream, and job queue — all three live in the same database.
type DatabaseConfig struct {
	Driver          string `json:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" env:"DATABASE_DSN"`
	Host            string `json:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" env:"DATABASE_PORT"`
	User            string `json:"user" env:"DATABASE_USER"`
	Password        string `json:"password" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `json:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level  string `json:"level" env:"LOG_LEVEL"`
	Format string `json:"format" env:"LOG_FORMAT"`
	Output string `json:"output" env:"LOG_OUTPUT"`
}

// AuthConfig controls the live progress channel's token authentication.
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" env:"AUTH_JWT_SECRET"`
}

// RuntimeConfig holds the execution-core tunables from the configuration
// table: trigger/executor concurrency, job retry policy, step timeout and
// retry-backoff caps, checkpoint retention, and live channel keepalive timing.
type RuntimeConfig struct {
	EventStreamAddress   string `json:"event_stream_address" env:"EVENT_STREAM_ADDRESS"`
	JobQueueAddress      string `json:"job_queue_address" env:"JOB_QUEUE_ADDRESS"`
	TriggerConcurrency   int    `json:"trigger_concurrency" env:"TRIGGER_CONCURRENCY"`
	ExecutorConcurrency  int    `json:"executor_concurrency" env:"EXECUTOR_CONCURRENCY"`
	JobAttempts          int    `json:"job_attempts" env:"JOB_ATTEMPTS"`
	JobBackoffInitialMs  int    `json:"job_backoff_initial_ms" env:"JOB_BACKOFF_INITIAL_MS"`
	StepTimeoutDefaultMs int    `json:"step_timeout_default_ms" env:"STEP_TIMEOUT_DEFAULT_MS"`
	StepRetryCapMs       int    `json:"step_retry_cap_ms" env:"STEP_RETRY_CAP_MS"`
	CheckpointRetention  int    `json:"checkpoint_retention" env:"CHECKPOINT_RETENTION"`
	LiveChannelPingMs    int    `json:"live_channel_ping_ms" env:"LIVE_CHANNEL_PING_MS"`
	LiveChannelTimeoutMs int    `json:"live_channel_timeout_ms" env:"LIVE_CHANNEL_TIMEOUT_MS"`
}

// StepTimeoutDefault returns the configured default step timeout.
func (r RuntimeConfig) StepTimeoutDefault() time.Duration {
	return time.Duration(r.StepTimeoutDefaultMs) * time.Millisecond
}

// StepRetryCap returns the configured step retry backoff ceiling.
func (r RuntimeConfig) StepRetryCap() time.Duration {
	return time.Duration(r.StepRetryCapMs) * time.Millisecond
}

// JobBackoffInitial returns the configured initial job retry delay.
func (r RuntimeConfig) JobBackoffInitial() time.Duration {
	return time.Duration(r.JobBackoffInitialMs) * time.Millisecond
}

// LiveChannelPing returns the websocket keepalive ping interval.
func (r RuntimeConfig) LiveChannelPing() time.Duration {
	return time.Duration(r.LiveChannelPingMs) * time.Millisecond
}

// LiveChannelTimeout returns the websocket read/pong deadline.
func (r RuntimeConfig) LiveChannelTimeout() time.Duration {
	return time.Duration(r.LiveChannelTimeoutMs) * time.Millisecond
}

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Logging  LoggingConfig  `json:"logging"`
	Runtime  RuntimeConfig  `json:"runtime"`
	Auth     AuthConfig     `json:"auth"`
}

// New returns a configuration populated with defaults matching the
// configuration table.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Base: "/api",
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Runtime: RuntimeConfig{
			TriggerConcurrency:   5,
			ExecutorConcurrency:  5,
			JobAttempts:          3,
			JobBackoffInitialMs:  2000,
			StepTimeoutDefaultMs: 30_000,
			StepRetryCapMs:       10_000,
			CheckpointRetention:  100,
			LiveChannelPingMs:    25_000,
			LiveChannelTimeoutMs: 60_000,
		},
		Auth: AuthConfig{},
	}
}

// ConnectionString builds a PostgreSQL connection string from host
// parameters. Prefers DSN directly when set.
func (c DatabaseConfig) ConnectionString() string {
	if strings.TrimSpace(c.DSN) != "" {
		return c.DSN
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)

	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyDatabaseURLOverride lets DATABASE_URL override a file-based DSN, the
// convention most container schedulers use to inject connection strings.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}
