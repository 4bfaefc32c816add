package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/importpipe/internal/domain"
	"github.com/JonMunkholm/importpipe/internal/mapping"
)

type storedRecord struct {
	id     string
	record domain.Record
}

// Memory is an in-process Store. It is used when no database is configured
// and as the test double for the pipeline.
type Memory struct {
	*mapping.MemoryHistory

	mu       sync.RWMutex
	sessions map[string]*domain.ImportSession
	batches  map[string][]domain.ImportBatch
	history  map[string][]domain.HistoryRecord
	records  map[domain.EntityType]map[string]storedRecord
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		MemoryHistory: mapping.NewMemoryHistory(),
		sessions:      make(map[string]*domain.ImportSession),
		batches:       make(map[string][]domain.ImportBatch),
		history:       make(map[string][]domain.HistoryRecord),
		records:       make(map[domain.EntityType]map[string]storedRecord),
	}
}

func copySession(s *domain.ImportSession) *domain.ImportSession {
	out := *s
	out.FieldMappings = append([]domain.FieldMapping(nil), s.FieldMappings...)
	if s.Fallback != nil {
		fb := *s.Fallback
		out.Fallback = &fb
	}
	return &out
}

func (m *Memory) CreateSession(_ context.Context, s *domain.ImportSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.ID]; exists {
		return fmt.Errorf("create session %s: already exists", s.ID)
	}
	now := time.Now()
	stored := copySession(s)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	m.sessions[s.ID] = stored
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (*domain.ImportSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("get session %s: %w", id, domain.ErrSessionNotFound)
	}
	return copySession(s), nil
}

// update applies fn to the stored session under the write lock.
func (m *Memory) update(id string, fn func(s *domain.ImportSession) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, domain.ErrSessionNotFound)
	}
	if err := fn(s); err != nil {
		return err
	}
	s.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) UpdateSessionStatus(_ context.Context, id string, status domain.SessionStatus, errMsg string) error {
	return m.update(id, func(s *domain.ImportSession) error {
		if !s.Status.CanMoveTo(status) {
			return fmt.Errorf("session %s %s -> %s: %w", id, s.Status, status, domain.ErrTerminalState)
		}
		s.Status = status
		s.ErrorMessage = errMsg
		return nil
	})
}

func (m *Memory) UpdateSessionProgress(_ context.Context, id string, p domain.Progress) error {
	return m.update(id, func(s *domain.ImportSession) error {
		s.TotalRecords = p.TotalRecords
		s.ProcessedRecords = p.ProcessedRecords
		s.SuccessfulRecords = p.SuccessfulRecords
		s.FailedRecords = p.FailedRecords
		s.ProcessingRate = p.ProcessingRate
		s.EstimatedTimeRemaining = p.EstimatedTimeRemaining
		return nil
	})
}

func (m *Memory) SetFallback(_ context.Context, id string, f *domain.Fallback) error {
	return m.update(id, func(s *domain.ImportSession) error {
		if f == nil {
			s.Fallback = nil
			return nil
		}
		fb := *f
		s.Fallback = &fb
		return nil
	})
}

func (m *Memory) IncrementRetry(_ context.Context, id string) (int, error) {
	var n int
	err := m.update(id, func(s *domain.ImportSession) error {
		s.RetryCount++
		n = s.RetryCount
		return nil
	})
	return n, err
}

func (m *Memory) SaveMappings(_ context.Context, id string, mappings []domain.FieldMapping, confidence float64) error {
	return m.update(id, func(s *domain.ImportSession) error {
		s.FieldMappings = append([]domain.FieldMapping(nil), mappings...)
		s.Confidence = confidence
		return nil
	})
}

func (m *Memory) LoadMappings(ctx context.Context, id string) ([]domain.FieldMapping, error) {
	s, err := m.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.FieldMappings, nil
}

func (m *Memory) CreateBatches(_ context.Context, batches []domain.ImportBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, b := range batches {
		m.batches[b.SessionID] = append(m.batches[b.SessionID], b)
	}
	return nil
}

func (m *Memory) UpdateBatchStatus(_ context.Context, sessionID string, batchNumber int, status domain.BatchStatus, metrics *domain.BatchMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	batches := m.batches[sessionID]
	for i := range batches {
		if batches[i].BatchNumber != batchNumber {
			continue
		}
		batches[i].Status = status
		if metrics != nil {
			batches[i].SuccessCount = metrics.SuccessCount
			batches[i].FailureCount = metrics.FailureCount
			batches[i].ProcessingTime = metrics.ProcessingTime
			batches[i].Error = metrics.Error
		}
		return nil
	}
	return fmt.Errorf("batch %d of session %s not found", batchNumber, sessionID)
}

func (m *Memory) ListBatches(_ context.Context, sessionID string) ([]domain.ImportBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := append([]domain.ImportBatch(nil), m.batches[sessionID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].BatchNumber < out[j].BatchNumber })
	return out, nil
}

func (m *Memory) Insert(_ context.Context, rec domain.Record) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byKey := m.records[rec.EntityType()]
	if byKey == nil {
		byKey = make(map[string]storedRecord)
		m.records[rec.EntityType()] = byKey
	}
	key := rec.NaturalKey()
	if _, exists := byKey[key]; exists {
		return "", fmt.Errorf("insert %s %q: duplicate key", rec.EntityType(), key)
	}
	id := uuid.NewString()
	byKey[key] = storedRecord{id: id, record: rec}
	return id, nil
}

func (m *Memory) RecordExists(_ context.Context, entity domain.EntityType, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.records[entity][key]
	return ok, nil
}

// Records returns the stored records of one entity type, keyed by natural key.
func (m *Memory) Records(entity domain.EntityType) map[string]domain.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]domain.Record, len(m.records[entity]))
	for k, r := range m.records[entity] {
		out[k] = r.record
	}
	return out
}

func (m *Memory) AppendHistory(_ context.Context, h domain.HistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now()
	}
	h.RecordData = h.RecordData.Clone()
	h.ValidationErrors = append([]string(nil), h.ValidationErrors...)
	m.history[h.SessionID] = append(m.history[h.SessionID], h)
	return nil
}

func (m *Memory) ListHistory(_ context.Context, sessionID string) ([]domain.HistoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]domain.HistoryRecord(nil), m.history[sessionID]...), nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() {}
