package mapping

import (
	"context"
	"sync"

	"github.com/JonMunkholm/importpipe/internal/domain"
)

// MemoryHistory is an in-process History.
type MemoryHistory struct {
	mu      sync.RWMutex
	targets map[domain.EntityType]map[string]string
}

// NewMemoryHistory returns an empty MemoryHistory.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{targets: make(map[domain.EntityType]map[string]string)}
}

// LookupMapping returns the target last approved for sourceField.
func (h *MemoryHistory) LookupMapping(_ context.Context, entity domain.EntityType, sourceField string) (string, bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	target, ok := h.targets[entity][normalize(sourceField)]
	return target, ok, nil
}

// RememberMappings stores approved mappings; unapproved ones are ignored.
func (h *MemoryHistory) RememberMappings(_ context.Context, entity domain.EntityType, mappings []domain.FieldMapping) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	byField := h.targets[entity]
	if byField == nil {
		byField = make(map[string]string)
		h.targets[entity] = byField
	}
	for _, m := range mappings {
		if m.Approved {
			byField[normalize(m.SourceField)] = m.TargetField
		}
	}
	return nil
}

// NormalizeField is the key under which a source column is remembered:
// lowercase letters and digits only.
func NormalizeField(s string) string { return normalize(s) }
