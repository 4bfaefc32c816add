// Package domain holds the types shared by every stage of the import pipeline.
// It has no dependencies on storage, transport, or parsing code.
package domain

import (
	"time"
)

// SessionStatus is the workflow state of an import session.
type SessionStatus string

const (
	StatusInitiated           SessionStatus = "initiated"
	StatusAnalyzing           SessionStatus = "analyzing"
	StatusMappingComplete     SessionStatus = "mapping_complete"
	StatusGeneratingPreview   SessionStatus = "generating_preview"
	StatusPreviewReady        SessionStatus = "preview_ready"
	StatusAwaitingApproval    SessionStatus = "awaiting_approval"
	StatusExecuting           SessionStatus = "executing"
	StatusCompleted           SessionStatus = "completed"
	StatusCompletedWithErrors SessionStatus = "completed_with_errors"
	StatusFailed              SessionStatus = "failed"
	StatusCancelled           SessionStatus = "cancelled"
)

// Terminal reports whether no further automatic transitions leave this status.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithErrors, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanMoveTo reports whether a status change from s to next is permitted.
//
// Non-terminal statuses may move anywhere. Terminal statuses are absorbing,
// with one exception: a completed_with_errors session may be settled again by
// a retry run (to completed, completed_with_errors, or failed once the retry
// budget is exhausted).
func (s SessionStatus) CanMoveTo(next SessionStatus) bool {
	if !s.Terminal() {
		return true
	}
	if s == StatusCompletedWithErrors {
		switch next {
		case StatusCompleted, StatusCompletedWithErrors, StatusFailed:
			return true
		}
	}
	return false
}

// EntityType identifies the kind of record a session imports.
type EntityType string

const (
	EntityProduct   EntityType = "product"
	EntityBrand     EntityType = "brand"
	EntityAttribute EntityType = "attribute"
)

// EntityTypes lists every supported entity type in display order.
var EntityTypes = []EntityType{EntityProduct, EntityBrand, EntityAttribute}

// ParseEntityType converts user input into an EntityType.
func ParseEntityType(s string) (EntityType, error) {
	for _, et := range EntityTypes {
		if string(et) == s {
			return et, nil
		}
	}
	return "", ErrUnknownEntityType
}

// ImportSession is the aggregate root for one uploaded file.
type ImportSession struct {
	ID         string        `json:"sessionId"`
	EntityType EntityType    `json:"entityType"`
	FileName   string        `json:"fileName"`
	Status     SessionStatus `json:"status"`

	TotalRecords      int `json:"totalRecords"`
	ProcessedRecords  int `json:"processedRecords"`
	SuccessfulRecords int `json:"successfulRecords"`
	FailedRecords     int `json:"failedRecords"`

	FieldMappings []FieldMapping `json:"fieldMappings,omitempty"`
	Confidence    float64        `json:"confidence"` // Aggregate mapping confidence, 0-100

	ProcessingRate         float64       `json:"processingRate"` // Records per second
	EstimatedTimeRemaining time.Duration `json:"estimatedTimeRemaining"`

	RetryCount   int       `json:"retryCount"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Fallback     *Fallback `json:"fallback,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Progress is the counter snapshot pushed to the session record after each record.
type Progress struct {
	TotalRecords           int           `json:"totalRecords"`
	ProcessedRecords       int           `json:"processedRecords"`
	SuccessfulRecords      int           `json:"successfulRecords"`
	FailedRecords          int           `json:"failedRecords"`
	ProcessingRate         float64       `json:"processingRate"`
	EstimatedTimeRemaining time.Duration `json:"estimatedTimeRemaining"`
}

// Percent returns processed/total as a percentage (0-100).
func (p Progress) Percent() int {
	if p.TotalRecords <= 0 {
		return 0
	}
	return (p.ProcessedRecords * 100) / p.TotalRecords
}

// Row is one parsed source row keyed by column name.
// Values are string, float64, bool, or nil.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
