// Package config loads the import pipeline's settings from environment
// variables, applies defaults, and validates everything on startup so a bad
// deployment fails before it accepts an upload.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Pipeline PipelineConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`
	Port int    `env:"SERVER_PORT" default:"8080"`

	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout stays 0 so SSE streams are not cut off.
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout bounds non-streaming API requests.
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`

	// TrustedProxies lists proxy CIDRs whose X-Real-IP/X-Forwarded-For is honored.
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// AllowedOrigins lists extra WebSocket origins. Empty allows same-origin only.
	AllowedOrigins []string `env:"SERVER_ALLOWED_ORIGINS"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string. Empty selects the in-memory store.
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	MaxConns        int           `env:"DB_MAX_CONNS" default:"20"`
	MinConns        int           `env:"DB_MIN_CONNS" default:"4"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// Migrate creates the pipeline tables on startup.
	Migrate bool `env:"DB_MIGRATE" default:"true"`
}

// PipelineConfig holds parsing, workflow, and batch execution settings.
type PipelineConfig struct {
	// BatchSize is the number of records per batch (default: 100)
	BatchSize int `env:"IMPORT_BATCH_SIZE" default:"100"`

	// MaxConcurrency is the number of batches in flight per processor (default: 5)
	MaxConcurrency int `env:"IMPORT_MAX_CONCURRENCY" default:"5"`

	// RetryAttempts is the per-session retry budget (default: 3)
	RetryAttempts int `env:"IMPORT_RETRY_ATTEMPTS" default:"3"`

	// ConfidenceThreshold gates automatic preview, 0-1 (default: 0.70)
	ConfidenceThreshold float64 `env:"IMPORT_CONFIDENCE_THRESHOLD" default:"0.70"`

	BatchTimeout time.Duration `env:"IMPORT_BATCH_TIMEOUT" default:"60s"`

	// MaxFileSize is the upload limit in bytes (default: 100MB)
	MaxFileSize int64 `env:"IMPORT_MAX_FILE_SIZE" default:"104857600"`

	// MaxWait is how long an upload waits for a free batch slot before it is refused
	MaxWait time.Duration `env:"IMPORT_MAX_WAIT" default:"30s"`

	PreviewDelay     time.Duration `env:"IMPORT_PREVIEW_DELAY" default:"500ms"`
	SessionRetention time.Duration `env:"IMPORT_SESSION_RETENTION" default:"30m"`
	CleanupInterval  time.Duration `env:"IMPORT_CLEANUP_INTERVAL" default:"5m"`

	// EventQueueSize buffers events per session before they are dropped
	EventQueueSize int `env:"IMPORT_EVENT_QUEUE_SIZE" default:"256"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// UsesPostgres reports whether a database URL was configured.
func (c *DatabaseConfig) UsesPostgres() bool {
	return c.URL != ""
}
