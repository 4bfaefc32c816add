package config

import (
	"net/http"
	"net/url"
	"slices"

	"github.com/JonMunkholm/importpipe/internal/batch"
	"github.com/JonMunkholm/importpipe/internal/core"
	"github.com/JonMunkholm/importpipe/internal/events"
	"github.com/JonMunkholm/importpipe/internal/store"
	"github.com/JonMunkholm/importpipe/internal/workflow"
)

// BatchOptions converts the pipeline section into processor options.
func (p PipelineConfig) BatchOptions() batch.Options {
	return batch.Options{
		BatchSize:      p.BatchSize,
		MaxConcurrency: p.MaxConcurrency,
		RetryAttempts:  p.RetryAttempts,
		BatchTimeout:   p.BatchTimeout,
		MaxWait:        p.MaxWait,
	}
}

// WorkflowOptions converts the pipeline section into orchestrator options.
func (p PipelineConfig) WorkflowOptions() workflow.Options {
	return workflow.Options{
		ConfidenceThreshold: p.ConfidenceThreshold,
		PreviewDelay:        p.PreviewDelay,
	}
}

// PoolOptions converts the database section into pgx pool sizing.
func (d DatabaseConfig) PoolOptions() store.PoolOptions {
	return store.PoolOptions{
		MaxConns:        int32(d.MaxConns),
		MinConns:        int32(d.MinConns),
		MaxConnLifetime: d.MaxConnLifetime,
		MaxConnIdleTime: d.MaxConnIdleTime,
	}
}

// ServiceOptions assembles the full service configuration.
func (c *Config) ServiceOptions() core.Options {
	return core.Options{
		Batch:          c.Pipeline.BatchOptions(),
		Workflow:       c.Pipeline.WorkflowOptions(),
		EventQueueSize: c.Pipeline.EventQueueSize,
		MaxFileSize:    c.Pipeline.MaxFileSize,
		Cleanup: core.CleanupConfig{
			Retention:     c.Pipeline.SessionRetention,
			CheckInterval: c.Pipeline.CleanupInterval,
		},
		Hub: events.HubOptions{CheckOrigin: c.Server.checkOrigin()},
	}
}

// checkOrigin returns nil (same-origin only) unless extra origins are listed.
func (c ServerConfig) checkOrigin() func(*http.Request) bool {
	if len(c.AllowedOrigins) == 0 {
		return nil
	}
	allowed := slices.Clone(c.AllowedOrigins)
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if u.Host == r.Host {
			return true
		}
		return slices.Contains(allowed, origin) || slices.Contains(allowed, "*")
	}
}
