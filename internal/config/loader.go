package config

import (
	"fmt"
	"os"
	"reflect"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Load reads configuration from environment variables.
// It applies defaults for unset values and validates the result.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom is Load with a custom variable lookup, used by the CLI to layer
// flags over the environment and by tests.
func LoadFrom(getenv func(string) string) (*Config, error) {
	cfg := &Config{}

	if err := loadStruct(reflect.ValueOf(cfg).Elem(), getenv); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration and panics on error.
// Use this only in main() where early termination is desired.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// loadStruct walks the config sections and fills tagged fields.
func loadStruct(v reflect.Value, getenv func(string) string) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		if !fieldVal.CanSet() {
			continue
		}

		if field.Type.Kind() == reflect.Struct {
			if err := loadStruct(fieldVal, getenv); err != nil {
				return err
			}
			continue
		}

		envName := field.Tag.Get("env")
		if envName == "" {
			continue
		}

		value := getenv(envName)
		if alt := field.Tag.Get("envAlt"); value == "" && alt != "" {
			value = getenv(alt)
		}
		if value == "" {
			if field.Tag.Get("required") == "true" {
				return fmt.Errorf("required environment variable %s is not set", envName)
			}
			value = field.Tag.Get("default")
		}
		if value == "" {
			continue
		}

		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", envName, value, err)
		}
	}

	return nil
}

// setField sets a reflect.Value from a string based on its type.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		// Handle time.Duration specially
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.Set(reflect.ValueOf(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid number: %w", err)
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			// Split comma-separated values, trim whitespace
			parts := strings.Split(value, ",")
			result := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					result = append(result, p)
				}
			}
			field.Set(reflect.ValueOf(result))
		} else {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// problems collects validation failures so every bad variable is reported at once.
type problems []string

func (p *problems) require(ok bool, format string, args ...any) {
	if !ok {
		*p = append(*p, fmt.Sprintf(format, args...))
	}
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs problems

	if db := c.Database; db.UsesPostgres() {
		errs.require(db.MaxConns >= db.MinConns, "DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)", db.MaxConns, db.MinConns)
		errs.require(db.MaxConns > 0, "DB_MAX_CONNS must be positive")
		errs.require(db.MinConns >= 0, "DB_MIN_CONNS must be non-negative")
	}

	srv := c.Server
	errs.require(srv.Port > 0 && srv.Port <= 65535, "SERVER_PORT (%d) must be 1-65535", srv.Port)
	errs.require(srv.ReadTimeout >= 0, "SERVER_READ_TIMEOUT must be non-negative")
	errs.require(srv.ShutdownTimeout > 0, "SERVER_SHUTDOWN_TIMEOUT must be positive")

	p := c.Pipeline
	errs.require(p.BatchSize > 0, "IMPORT_BATCH_SIZE must be positive")
	errs.require(p.MaxConcurrency > 0, "IMPORT_MAX_CONCURRENCY must be positive")
	errs.require(p.RetryAttempts >= 0, "IMPORT_RETRY_ATTEMPTS must be non-negative")
	errs.require(p.ConfidenceThreshold > 0 && p.ConfidenceThreshold <= 1,
		"IMPORT_CONFIDENCE_THRESHOLD (%g) must be in (0, 1]", p.ConfidenceThreshold)
	for name, d := range map[string]time.Duration{
		"IMPORT_BATCH_TIMEOUT":     p.BatchTimeout,
		"IMPORT_MAX_WAIT":          p.MaxWait,
		"IMPORT_SESSION_RETENTION": p.SessionRetention,
		"IMPORT_CLEANUP_INTERVAL":  p.CleanupInterval,
	} {
		errs.require(d > 0, "%s must be positive", name)
	}
	errs.require(p.MaxFileSize > 0, "IMPORT_MAX_FILE_SIZE must be positive")
	errs.require(p.PreviewDelay >= 0, "IMPORT_PREVIEW_DELAY must be non-negative")
	errs.require(p.EventQueueSize > 0, "IMPORT_EVENT_QUEUE_SIZE must be positive")

	level, format := strings.ToLower(c.Logging.Level), strings.ToLower(c.Logging.Format)
	errs.require(slices.Contains([]string{"debug", "info", "warn", "error"}, level),
		"LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level)
	errs.require(format == "text" || format == "json",
		"LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format)

	if len(errs) == 0 {
		return nil
	}
	sort.Strings(errs)
	return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
}

// String renders the config for the startup log with the database URL masked.
func (c *Config) String() string {
	dbURL := "memory"
	if c.Database.UsesPostgres() {
		dbURL = "[MASKED]"
	}
	return fmt.Sprintf("Config{Server: {Addr: %q}, Database: {URL: %s, MaxConns: %d, MinConns: %d}, "+
		"Pipeline: {BatchSize: %d, MaxConcurrency: %d, RetryAttempts: %d, ConfidenceThreshold: %.2f}, "+
		"Logging: {Level: %q, Format: %q}}",
		c.Server.Addr(),
		dbURL, c.Database.MaxConns, c.Database.MinConns,
		c.Pipeline.BatchSize, c.Pipeline.MaxConcurrency, c.Pipeline.RetryAttempts, c.Pipeline.ConfidenceThreshold,
		c.Logging.Level, c.Logging.Format)
}
