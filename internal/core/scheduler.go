package core

// scheduler.go runs background maintenance for the import pipeline.
//
// The cleanup job evicts the in-memory workflow state of sessions that
// finished (or went idle) longer than the retention window ago and closes
// their SSE subscriber channels. Persisted session, batch, and history rows
// are never touched; they stay authoritative for status queries.

import (
	"context"
	"log/slog"
	"time"
)

const (
	DefaultSessionRetention = 30 * time.Minute
	DefaultCleanupInterval  = 5 * time.Minute
)

// CleanupConfig holds configuration for the cleanup scheduler.
// Zero values fall back to the defaults.
type CleanupConfig struct {
	Retention     time.Duration // How long finished sessions stay in memory
	CheckInterval time.Duration // How often to run
}

func (c CleanupConfig) withDefaults() CleanupConfig {
	if c.Retention <= 0 {
		c.Retention = DefaultSessionRetention
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCleanupInterval
	}
	return c
}

// StartCleanupScheduler evicts stale sessions every CheckInterval until ctx
// is cancelled. It blocks; run it in a goroutine.
func (s *Service) StartCleanupScheduler(ctx context.Context, cfg CleanupConfig) {
	cfg = cfg.withDefaults()
	slog.Info("cleanup scheduler started",
		"retention", cfg.Retention,
		"interval", cfg.CheckInterval,
	)

	ticker := time.NewTicker(cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup scheduler stopped")
			return
		case <-ticker.C:
			s.runCleanup(cfg.Retention)
		}
	}
}

// runCleanup performs one eviction pass and returns the evicted session IDs.
func (s *Service) runCleanup(retention time.Duration) []string {
	start := time.Now()
	evicted := s.orchestrator.Evict(retention)
	for _, id := range evicted {
		s.broadcaster.Close(id)
	}
	if len(evicted) > 0 {
		slog.Info("evicted import sessions",
			"sessions", len(evicted),
			"remaining", s.orchestrator.Sessions(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return evicted
}
