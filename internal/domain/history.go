package domain

import "time"

// HistoryStatus is the outcome recorded for one source row.
type HistoryStatus string

const (
	HistorySuccess HistoryStatus = "success"
	HistoryFailed  HistoryStatus = "failed"
	HistorySkipped HistoryStatus = "skipped" // Record already existed
)

// HistoryRecord is the append-only audit entry for one source row.
// RecordData holds the original (unmapped) row so failed rows can be retried.
type HistoryRecord struct {
	SessionID        string        `json:"sessionId"`
	RecordIndex      int           `json:"recordIndex"`
	RecordData       Row           `json:"recordData"`
	ImportStatus     HistoryStatus `json:"importStatus"`
	EntityID         string        `json:"entityId,omitempty"`
	ValidationErrors []string      `json:"validationErrors,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
}

// LatestByIndex reduces an append-only history to the most recent entry per
// record index. Later entries in the slice win.
func LatestByIndex(history []HistoryRecord) map[int]HistoryRecord {
	latest := make(map[int]HistoryRecord, len(history))
	for _, h := range history {
		latest[h.RecordIndex] = h
	}
	return latest
}
