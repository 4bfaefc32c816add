// Package store persists import sessions, batches, history, and the imported
// entity records. Memory keeps everything in process; Postgres writes to a
// database through pgx.
package store

import (
	"context"

	"github.com/JonMunkholm/importpipe/internal/domain"
	"github.com/JonMunkholm/importpipe/internal/mapping"
)

// Store is the persistence surface the pipeline depends on. The session
// and batch tables are authoritative; events are only notifications.
type Store interface {
	mapping.History

	CreateSession(ctx context.Context, s *domain.ImportSession) error
	GetSession(ctx context.Context, id string) (*domain.ImportSession, error)
	// UpdateSessionStatus refuses to move a session out of a terminal status
	// and returns domain.ErrTerminalState instead.
	UpdateSessionStatus(ctx context.Context, id string, status domain.SessionStatus, errMsg string) error
	UpdateSessionProgress(ctx context.Context, id string, p domain.Progress) error
	SetFallback(ctx context.Context, id string, f *domain.Fallback) error
	IncrementRetry(ctx context.Context, id string) (int, error)
	SaveMappings(ctx context.Context, id string, mappings []domain.FieldMapping, confidence float64) error
	LoadMappings(ctx context.Context, id string) ([]domain.FieldMapping, error)

	CreateBatches(ctx context.Context, batches []domain.ImportBatch) error
	UpdateBatchStatus(ctx context.Context, sessionID string, batchNumber int, status domain.BatchStatus, m *domain.BatchMetrics) error
	ListBatches(ctx context.Context, sessionID string) ([]domain.ImportBatch, error)

	Insert(ctx context.Context, rec domain.Record) (string, error)
	RecordExists(ctx context.Context, entity domain.EntityType, key string) (bool, error)

	AppendHistory(ctx context.Context, h domain.HistoryRecord) error
	ListHistory(ctx context.Context, sessionID string) ([]domain.HistoryRecord, error)

	Ping(ctx context.Context) error
	Close()
}
