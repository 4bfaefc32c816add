// Package events carries typed pipeline notifications from the batch
// processor and workflow orchestrator to transports (SSE, WebSocket, logs).
//
// Delivery is at-most-once. Nothing in the pipeline depends on an event
// arriving; the persisted session, batch, and history state is authoritative.
package events

import (
	"context"
	"time"

	"github.com/JonMunkholm/importpipe/internal/domain"
)

// Type identifies an event.
type Type string

const (
	TypeProgress                 Type = "progress"
	TypeBatchCompleted           Type = "batch_completed"
	TypeBatchFailed              Type = "batch_failed"
	TypeCompleted                Type = "completed"
	TypeError                    Type = "error"
	TypeAnalysisComplete         Type = "analysis_complete"
	TypePreviewGenerationStarted Type = "preview_generation_started"
	TypePreviewReady             Type = "preview_ready"
	TypeApprovalRequired         Type = "approval_required"
	TypeWorkflowError            Type = "workflow_error"
	TypeMappingSuggestions       Type = "mapping_suggestions"
)

// Metadata describes how the workflow intends to proceed after an event.
type Metadata struct {
	Confidence       *float64              `json:"confidence,omitempty"`
	AutoAdvance      bool                  `json:"autoAdvance"`
	ExpectedNextStep string                `json:"expectedNextStep,omitempty"`
	FallbackAction   domain.FallbackAction `json:"fallbackAction,omitempty"`
	Instruction      string                `json:"instruction,omitempty"`
}

// WithFallback copies the fallback action and instruction into the metadata.
func (m Metadata) WithFallback(f *domain.Fallback) Metadata {
	if f != nil {
		m.FallbackAction = f.Action
		m.Instruction = f.Instruction
	}
	return m
}

// Confidence returns a pointer suitable for Metadata.Confidence.
func Confidence(c float64) *float64 {
	c = domain.ClampConfidence(c)
	return &c
}

// Event is a single notification about one session.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"sessionId"`
	Payload   any       `json:"payload,omitempty"`
	Metadata  Metadata  `json:"metadata"`
	Timestamp time.Time `json:"timestamp"`
}

// New builds an event stamped with the current time.
func New(t Type, sessionID string, payload any, md Metadata) Event {
	return Event{Type: t, SessionID: sessionID, Payload: payload, Metadata: md, Timestamp: time.Now()}
}

// Sink receives events. Emit must not block for long; the bus calls sinks
// from a single dispatch goroutine.
type Sink interface {
	Emit(ctx context.Context, sessionID string, e Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, sessionID string, e Event) error

func (f SinkFunc) Emit(ctx context.Context, sessionID string, e Event) error {
	return f(ctx, sessionID, e)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, string, Event) error { return nil })

// Payloads.

// ProgressPayload accompanies TypeProgress.
type ProgressPayload struct {
	TotalRecords           int           `json:"totalRecords"`
	ProcessedRecords       int           `json:"processedRecords"`
	SuccessfulRecords      int           `json:"successfulRecords"`
	FailedRecords          int           `json:"failedRecords"`
	Percent                int           `json:"percent"`
	ProcessingRate         float64       `json:"processingRate"`
	EstimatedTimeRemaining time.Duration `json:"estimatedTimeRemaining"`
}

// NewProgressPayload converts a domain progress snapshot.
func NewProgressPayload(p domain.Progress) ProgressPayload {
	return ProgressPayload{
		TotalRecords:           p.TotalRecords,
		ProcessedRecords:       p.ProcessedRecords,
		SuccessfulRecords:      p.SuccessfulRecords,
		FailedRecords:          p.FailedRecords,
		Percent:                p.Percent(),
		ProcessingRate:         p.ProcessingRate,
		EstimatedTimeRemaining: p.EstimatedTimeRemaining,
	}
}

// CompletedPayload accompanies TypeCompleted.
type CompletedPayload struct {
	Status            domain.SessionStatus `json:"status"`
	TotalRecords      int                  `json:"totalRecords"`
	SuccessfulRecords int                  `json:"successfulRecords"`
	FailedRecords     int                  `json:"failedRecords"`
	Duration          time.Duration        `json:"duration"`
}

// ErrorPayload accompanies TypeError and TypeWorkflowError.
type ErrorPayload struct {
	Error string               `json:"error"`
	State domain.SessionStatus `json:"state,omitempty"`
	Code  string               `json:"code,omitempty"`
}

// MappingSuggestionsPayload accompanies TypeMappingSuggestions.
type MappingSuggestionsPayload struct {
	Mappings           []domain.FieldMapping `json:"mappings"`
	Confidence         float64               `json:"confidence"`
	Threshold          float64               `json:"threshold"`
	RequiresUserReview bool                  `json:"requiresUserReview"`
}
