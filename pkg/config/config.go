// Package config loads control-plane configuration from a YAML file layered
// with environment variable overrides, in that order.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT"`
	// EdgeRateLimitPerSec and EdgeRateLimitBurst bound the generic per-caller
	// request rate at the router, ahead of and independent from the
	// tenant/IP/EUI-keyed domain limits internal/ratelimit enforces on
	// specific ingest/reservation/downlink paths.
	EdgeRateLimitPerSec int `json:"edge_rate_limit_per_sec" env:"SERVER_EDGE_RATE_LIMIT_PER_SEC"`
	EdgeRateLimitBurst  int `json:"edge_rate_limit_burst" env:"SERVER_EDGE_RATE_LIMIT_BURST"`
}

// DatabaseConfig controls persistence against the relational store.
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

// RedisConfig controls the coordination store.
type RedisConfig struct {
	Addr     string `json:"addr" env:"REDIS_ADDR"`
	Password string `json:"password" env:"REDIS_PASSWORD"`
	DB       int    `json:"db" env:"REDIS_DB"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// SecurityConfig controls encryption and credential parameters.
type SecurityConfig struct {
	// SecretEncryptionKey is the 32-byte (base64 or raw) master key used to
	// envelope-encrypt tenant webhook secrets and LNS bearer tokens at rest.
	SecretEncryptionKey string `json:"secret_encryption_key" env:"SECRET_ENCRYPTION_KEY"`
	// RequireWebhookSignature fails closed when a tenant has no webhook
	// secret configured. Staging deployments may flip this off to log-only.
	RequireWebhookSignature bool `json:"require_webhook_signature" env:"REQUIRE_WEBHOOK_SIGNATURE"`
}

// AuthConfig controls HTTP API authentication.
type AuthConfig struct {
	JWTSecret          string        `json:"jwt_secret" env:"AUTH_JWT_SECRET"`
	AccessTokenTTL     time.Duration `json:"access_token_ttl" env:"AUTH_ACCESS_TOKEN_TTL"`
	RefreshTokenTTLDays int          `json:"refresh_token_ttl_days" env:"AUTH_REFRESH_TOKEN_TTL_DAYS"`
	// RefreshReuseWindow is how long a just-rotated refresh token is
	// remembered so presenting it again triggers family revocation.
	RefreshReuseWindow time.Duration `json:"refresh_reuse_window" env:"AUTH_REFRESH_REUSE_WINDOW"`
}

// IngestConfig controls webhook ingest behavior.
type IngestConfig struct {
	ReplayWindowSec  int    `json:"webhook_replay_window_sec" env:"INGEST_REPLAY_WINDOW_SEC"`
	SpoolDir         string `json:"spool_dir" env:"INGEST_SPOOL_DIR"`
	MaxSpoolAttempts int    `json:"max_spool_attempts" env:"INGEST_MAX_SPOOL_ATTEMPTS"`
	OrphanRatePerMin int    `json:"orphan_rate_per_min" env:"INGEST_ORPHAN_RATE_PER_MIN"`
}

// DisplayConfig controls the state machine's timing thresholds.
type DisplayConfig struct {
	ReservedSoonSec   int `json:"reserved_soon_sec" env:"DISPLAY_RESERVED_SOON_SEC"`
	UnknownTimeoutSec int `json:"unknown_timeout_sec" env:"DISPLAY_UNKNOWN_TIMEOUT_SEC"`
	DebounceWindowSec int `json:"debounce_window_sec" env:"DISPLAY_DEBOUNCE_WINDOW_SEC"`
}

// DownlinkConfig controls the dispatcher and queue.
type DownlinkConfig struct {
	MonitorTimeoutSec int   `json:"downlink_monitor_timeout_sec" env:"DOWNLINK_MONITOR_TIMEOUT_SEC"`
	RetryBackoffSec   []int `json:"downlink_retry_backoff_sec" yaml:"downlink_retry_backoff_sec"`
	MaxAttempts       int   `json:"downlink_max_attempts" env:"DOWNLINK_MAX_ATTEMPTS"`
	PerGatewayPerSec  int   `json:"per_gateway_per_sec" env:"DOWNLINK_PER_GATEWAY_PER_SEC"`
	PerTenantPerSec   int   `json:"per_tenant_per_sec" env:"DOWNLINK_PER_TENANT_PER_SEC"`
	// GatewayOfflineMinutes and QueueCleanupOlderThanMinutes are the queue
	// cleanup job's thresholds (spec.md §4.4 "Queue cleanup"): a gateway
	// offline at least this long has its devices' stale pending envelopes
	// flushed, where "stale" means older than the same window.
	GatewayOfflineMinutes        int `json:"gateway_offline_minutes" env:"DOWNLINK_GATEWAY_OFFLINE_MINUTES"`
	QueueCleanupOlderThanMinutes int `json:"queue_cleanup_older_than_minutes" env:"DOWNLINK_QUEUE_CLEANUP_OLDER_THAN_MINUTES"`
}

// RetentionConfig controls background purge windows.
type RetentionConfig struct {
	SensorReadingDays  int `json:"sensor_reading_days" env:"RETENTION_SENSOR_READING_DAYS"`
	StateChangeDays    int `json:"state_change_days" env:"RETENTION_STATE_CHANGE_DAYS"`
	OrphanInactiveDays int `json:"orphan_inactive_days" env:"RETENTION_ORPHAN_INACTIVE_DAYS"`
}

// LNSConfig configures the outbound LoRaWAN network server client.
type LNSConfig struct {
	BaseURL string `json:"base_url" env:"LNS_BASE_URL"`
	Token   string `json:"token" env:"LNS_TOKEN"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Redis     RedisConfig     `json:"redis"`
	Logging   LoggingConfig   `json:"logging"`
	Security  SecurityConfig  `json:"security"`
	Auth      AuthConfig      `json:"auth"`
	Ingest    IngestConfig    `json:"ingest"`
	Display   DisplayConfig   `json:"display"`
	Downlink  DownlinkConfig  `json:"downlink"`
	Retention RetentionConfig `json:"retention"`
	LNS       LNSConfig       `json:"lns"`
}

// New returns a configuration populated with defaults matching spec.md §6.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                8080,
			EdgeRateLimitPerSec: 50,
			EdgeRateLimitBurst:  100,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePrefix: "control-plane",
		},
		Security: SecurityConfig{
			RequireWebhookSignature: true,
		},
		Auth: AuthConfig{
			AccessTokenTTL:      15 * time.Minute,
			RefreshTokenTTLDays: 30,
			RefreshReuseWindow:  5 * time.Minute,
		},
		Ingest: IngestConfig{
			ReplayWindowSec:  300,
			SpoolDir:         "data/spool",
			MaxSpoolAttempts: 5,
			OrphanRatePerMin: 10,
		},
		Display: DisplayConfig{
			ReservedSoonSec:   900,
			UnknownTimeoutSec: 60,
			DebounceWindowSec: 10,
		},
		Downlink: DownlinkConfig{
			MonitorTimeoutSec:            15,
			RetryBackoffSec:              []int{30, 60, 120},
			MaxAttempts:                  5,
			PerGatewayPerSec:             30,
			PerTenantPerSec:              100,
			GatewayOfflineMinutes:        10,
			QueueCleanupOlderThanMinutes: 10,
		},
		Retention: RetentionConfig{
			SensorReadingDays:  30,
			StateChangeDays:    90,
			OrphanInactiveDays: 30,
		},
	}
}

// ConnectionString builds a PostgreSQL connection string using host parameters.
func (c DatabaseConfig) ConnectionString() string {
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
	cfg.normalize()

	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	cfg.normalize()
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
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return nil
}

// LoadConfig is a helper used by tests to load JSON config snippets.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	cfg.normalize()
	return cfg, nil
}

// applyDatabaseURLOverride lets DATABASE_URL override any file-based DSN,
// matching how cmd/appserver resolves its connection string.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	if len(c.Downlink.RetryBackoffSec) == 0 {
		c.Downlink.RetryBackoffSec = []int{30, 60, 120}
	}
	if c.Ingest.SpoolDir == "" {
		c.Ingest.SpoolDir = "data/spool"
	}
}
