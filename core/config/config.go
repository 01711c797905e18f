package config

import (
	"time"
)

// Config holds all application configuration in a structured way. Every
// policy knob is injected at startup; there is no runtime reconfiguration
// except admin overrides (window extension).
type Config struct {
	App        AppConfig
	Database   DatabaseConfig
	Valkey     ValkeyConfig
	Window     WindowConfig
	RateLimit  RateLimitConfig
	Retry      RetryConfig
	Watchdog   WatchdogConfig
	WorkerPool WorkerPoolConfig
	Security   SecurityConfig
}

type AppConfig struct {
	Version        string
	Port           string
	Debug          bool
	Environment    string
	BasePath       string
	TrustedProxies []string
}

type DatabaseConfig struct {
	Driver   string // "postgres" or "sqlite"
	Host     string
	Port     int
	User     string
	Password string
	Name     string // file path for SQLite, database name for Postgres
}

type ValkeyConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// WindowConfig governs the 24-hour conversation window.
type WindowConfig struct {
	Duration time.Duration
}

// RateLimitConfig carries the default per-number ceilings. Numbers may
// override the official ceilings individually.
type RateLimitConfig struct {
	OfficialPerMinute int
	OfficialPerHour   int
	OfficialPerDay    int
	QRCodePerHour     int
	QRCodeMinDelay    time.Duration
	// InlineWaitMax is the longest wait the dispatcher absorbs in-process;
	// anything longer defers the message to its retry queue.
	InlineWaitMax time.Duration
}

// RetryConfig is the dispatcher's exponential backoff policy.
type RetryConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

type WatchdogConfig struct {
	Interval                 time.Duration
	DefaultInactivityMinutes int
	// DefaultDepartmentID receives handoffs when a flow fails without a
	// fallback flow configured.
	DefaultDepartmentID string
}

type WorkerPoolConfig struct {
	Size      int
	QueueSize int
}

type SecurityConfig struct {
	// JWTSecret verifies the auth collaborator's tokens on admin routes.
	JWTSecret string
	// WebhookVerifyToken answers Meta's webhook subscription handshake.
	WebhookVerifyToken string
	// CredentialsKey encrypts provider credentials at rest. Leave empty to
	// store them unencrypted (local development only).
	CredentialsKey string
}

// Global provides access to the loaded configuration (wiring helper for the
// cmd layer; components receive their sub-config explicitly).
var Global *Config

// LoadConfig loads configuration from environment variables with documented
// defaults. Rate ceilings default below WhatsApp's hard limits so the known
// non-atomic check/record over-send is absorbed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		App: AppConfig{
			Version:     "v1.0.0",
			Port:        getEnv("APP_PORT", "3000"),
			Debug:       getEnvBool("APP_DEBUG", false),
			Environment: getEnv("APP_ENV", "development"),
			BasePath:    getEnv("APP_BASE_PATH", ""),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "sqlite"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Name:     getEnv("DB_NAME", "storages/pytake.db"),
		},
		Valkey: ValkeyConfig{
			Address:   getEnv("VALKEY_ADDRESS", "localhost:6379"),
			Password:  getEnv("VALKEY_PASSWORD", ""),
			DB:        getEnvInt("VALKEY_DB", 0),
			KeyPrefix: getEnv("VALKEY_KEY_PREFIX", ""),
		},
		Window: WindowConfig{
			Duration: getEnvDuration("WINDOW_DURATION", 24*time.Hour),
		},
		RateLimit: RateLimitConfig{
			OfficialPerMinute: getEnvInt("RATELIMIT_OFFICIAL_PER_MINUTE", 20),
			OfficialPerHour:   getEnvInt("RATELIMIT_OFFICIAL_PER_HOUR", 100),
			OfficialPerDay:    getEnvInt("RATELIMIT_OFFICIAL_PER_DAY", 500),
			QRCodePerHour:     getEnvInt("RATELIMIT_QRCODE_PER_HOUR", 1000),
			QRCodeMinDelay:    getEnvDuration("RATELIMIT_QRCODE_MIN_DELAY", 500*time.Millisecond),
			InlineWaitMax:     getEnvDuration("RATELIMIT_INLINE_WAIT_MAX", 5*time.Minute),
		},
		Retry: RetryConfig{
			BaseDelay:   getEnvDuration("RETRY_BASE_DELAY", 60*time.Second),
			MaxDelay:    getEnvDuration("RETRY_MAX_DELAY", 3600*time.Second),
			MaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 3),
		},
		Watchdog: WatchdogConfig{
			Interval:                 getEnvDuration("WATCHDOG_INTERVAL", 5*time.Minute),
			DefaultInactivityMinutes: getEnvInt("WATCHDOG_DEFAULT_INACTIVITY_MINUTES", 60),
			DefaultDepartmentID:      getEnv("WATCHDOG_DEFAULT_DEPARTMENT_ID", ""),
		},
		WorkerPool: WorkerPoolConfig{
			Size:      getEnvInt("MESSAGE_WORKER_POOL_SIZE", 20),
			QueueSize: getEnvInt("MESSAGE_WORKER_QUEUE_SIZE", 1000),
		},
		Security: SecurityConfig{
			JWTSecret:          getEnv("APP_JWT_SECRET", "changeme_please_change_me_in_prod_12345"),
			WebhookVerifyToken: getEnv("WEBHOOK_VERIFY_TOKEN", ""),
			CredentialsKey:     getEnv("CREDENTIALS_ENCRYPTION_KEY", ""),
		},
	}

	Global = cfg
	return cfg, nil
}
