package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/JonMunkholm/importpipe/internal/domain"
	"github.com/JonMunkholm/importpipe/internal/events"
	"github.com/JonMunkholm/importpipe/internal/mapping"
	"github.com/JonMunkholm/importpipe/internal/parse"
)

// Input carries caller-supplied context for a manual transition.
type Input struct {
	// Mappings are human edits applied when moving back to mapping_complete.
	Mappings []domain.FieldMapping `json:"mappings,omitempty"`
}

// transition is one edge of the workflow graph. Guards decide whether the
// edge may be taken; actions do the work. A failed guard halts
// auto-advance, a failed action fails the session.
type transition struct {
	from, to domain.SessionStatus

	// auto edges are followed without a caller while auto-advance is on.
	auto bool
	// delayed auto edges wait Options.PreviewDelay before firing.
	delayed bool
	// persistFirst writes the new status before the action runs.
	persistFirst bool

	guard  func(o *Orchestrator, st *sessionState) error
	action func(ctx context.Context, o *Orchestrator, st *sessionState, in *Input) error
	// announce emits the event for entering the target state.
	announce func(ctx context.Context, o *Orchestrator, st *sessionState)

	fallback domain.FallbackAction
}

// TransitionError is returned when a transition action fails. The session
// has already been marked failed when it is returned.
type TransitionError struct {
	From, To domain.SessionStatus
	Fallback *domain.Fallback
	Err      error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("transition %s -> %s: %v", e.From, e.To, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

var remapSources = []domain.SessionStatus{
	domain.StatusMappingComplete,
	domain.StatusPreviewReady,
	domain.StatusAwaitingApproval,
}

// transitions is the workflow graph in the order edges are matched. It is
// filled in init because the announce hooks read it back through autoFrom.
var transitions []transition

func init() {
	transitions = buildTransitions()
}

func buildTransitions() []transition {
	table := []transition{
		{
			from: domain.StatusInitiated,
			to:   domain.StatusAnalyzing,
			auto: true,
		},
		{
			from:     domain.StatusAnalyzing,
			to:       domain.StatusMappingComplete,
			auto:     true,
			action:   analyze,
			announce: announceAnalysis,
			fallback: domain.FallbackManualMapping,
		},
		{
			from:     domain.StatusMappingComplete,
			to:       domain.StatusGeneratingPreview,
			auto:     true,
			guard:    confidenceGuard,
			announce: announcePreviewStarted,
		},
		{
			from:     domain.StatusGeneratingPreview,
			to:       domain.StatusPreviewReady,
			auto:     true,
			action:   generatePreview,
			announce: announcePreviewReady,
			fallback: domain.FallbackManualPreview,
		},
		{
			from:     domain.StatusPreviewReady,
			to:       domain.StatusAwaitingApproval,
			auto:     true,
			delayed:  true,
			announce: announceApproval,
		},
		{
			from:         domain.StatusAwaitingApproval,
			to:           domain.StatusExecuting,
			persistFirst: true,
			guard:        mappingsValid,
			action:       execute,
			fallback:     domain.FallbackManualControls,
		},
	}
	for _, from := range remapSources {
		table = append(table, transition{
			from:     from,
			to:       domain.StatusMappingComplete,
			action:   remap,
			fallback: domain.FallbackManualMapping,
		})
	}
	return table
}

func lookup(from, to domain.SessionStatus) (transition, bool) {
	for _, t := range transitions {
		if t.from == from && t.to == to {
			return t, true
		}
	}
	return transition{}, false
}

func autoFrom(from domain.SessionStatus) (transition, bool) {
	for _, t := range transitions {
		if t.from == from && t.auto {
			return t, true
		}
	}
	return transition{}, false
}

// NextStates lists the states reachable from s in one transition.
func NextStates(s domain.SessionStatus) []domain.SessionStatus {
	var out []domain.SessionStatus
	for _, t := range transitions {
		if t.from == s {
			out = append(out, t.to)
		}
	}
	return out
}

func expectedNext(s domain.SessionStatus, autoAdvance bool) string {
	switch s {
	case domain.StatusMappingComplete:
		if !autoAdvance {
			return "manual_mapping"
		}
		return string(domain.StatusGeneratingPreview)
	case domain.StatusAwaitingApproval:
		return "approve"
	}
	if t, ok := autoFrom(s); ok {
		return string(t.to)
	}
	return ""
}

// Actions.

func analyze(ctx context.Context, o *Orchestrator, st *sessionState, _ *Input) error {
	result, attempts, err := o.selector.Select(ctx, st.buf)
	st.attempts = attempts
	if err != nil {
		return err
	}
	suggested, err := o.suggester.Suggest(ctx, st.entity, result.Columns, result.Rows)
	if err != nil {
		return fmt.Errorf("suggest mappings: %w", err)
	}

	st.result = result
	st.mappings = mapping.NewSet(suggested)
	st.buf = parse.RawBuffer{}

	if err := o.store.SaveMappings(ctx, st.id, st.mappings.Mappings(), st.mappings.Aggregate()); err != nil {
		return fmt.Errorf("save mappings: %w", err)
	}
	return o.store.UpdateSessionProgress(ctx, st.id, domain.Progress{TotalRecords: len(result.Rows)})
}

func confidenceGuard(o *Orchestrator, st *sessionState) error {
	if st.mappings == nil {
		return fmt.Errorf("%w: no mappings", domain.ErrGuardRejected)
	}
	score := st.mappings.Aggregate()
	if score/100 < o.opts.ConfidenceThreshold {
		return fmt.Errorf("%w: mapping confidence %.1f below threshold %.0f",
			domain.ErrGuardRejected, score, o.opts.ConfidenceThreshold*100)
	}
	return mappingsValid(o, st)
}

func mappingsValid(_ *Orchestrator, st *sessionState) error {
	if st.mappings == nil {
		return fmt.Errorf("%w: no mappings", domain.ErrGuardRejected)
	}
	if err := st.mappings.Validate(st.entity); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrGuardRejected, err)
	}
	return nil
}

func generatePreview(ctx context.Context, o *Orchestrator, st *sessionState, _ *Input) error {
	if st.result == nil {
		return errors.New("no parsed rows to preview")
	}
	p, err := GeneratePreview(ctx, st.entity, st.result.Rows, st.mappings.Mappings(), o.store)
	if err != nil {
		return err
	}
	st.preview = p
	return nil
}

func execute(ctx context.Context, o *Orchestrator, st *sessionState, _ *Input) error {
	if st.result == nil {
		return errors.New("parsed rows are no longer available")
	}
	st.mappings.Approve()
	approved := st.mappings.Mappings()
	if err := o.store.SaveMappings(ctx, st.id, approved, st.mappings.Aggregate()); err != nil {
		return fmt.Errorf("save approved mappings: %w", err)
	}
	if err := o.suggester.Remember(ctx, st.entity, approved); err != nil {
		o.log(ctx).Warn("remember mappings failed", "error", err)
	}
	if err := o.exec.ProcessAsync(st.id, st.result.Rows, approved, st.entity); err != nil {
		return fmt.Errorf("start processing: %w", err)
	}
	return nil
}

func remap(ctx context.Context, o *Orchestrator, st *sessionState, in *Input) error {
	if st.mappings == nil {
		return errors.New("session has no mappings to edit")
	}
	if in != nil {
		for _, m := range in.Mappings {
			if err := st.mappings.Override(m); err != nil {
				return err
			}
		}
	}
	st.preview = nil
	if err := o.store.SaveMappings(ctx, st.id, st.mappings.Mappings(), st.mappings.Aggregate()); err != nil {
		return fmt.Errorf("save mappings: %w", err)
	}
	return o.store.SetFallback(ctx, st.id, nil)
}

// Announcements.

func announceAnalysis(ctx context.Context, o *Orchestrator, st *sessionState) {
	score := st.mappings.Aggregate()
	auto := score/100 >= o.opts.ConfidenceThreshold
	o.emit(ctx, st.id, events.TypeAnalysisComplete, AnalysisPayload{
		Strategy:          st.result.StrategyName,
		ParseConfidence:   st.result.Confidence,
		Columns:           st.result.Columns,
		TotalRows:         len(st.result.Rows),
		Metadata:          st.result.Metadata,
		Attempts:          st.attempts,
		Mappings:          st.mappings.Mappings(),
		MappingConfidence: score,
	}, events.Metadata{
		Confidence:       events.Confidence(score),
		AutoAdvance:      auto,
		ExpectedNextStep: expectedNext(domain.StatusMappingComplete, auto),
	})
}

func announcePreviewStarted(ctx context.Context, o *Orchestrator, st *sessionState) {
	o.emit(ctx, st.id, events.TypePreviewGenerationStarted, nil, events.Metadata{
		Confidence:       events.Confidence(st.mappings.Aggregate()),
		AutoAdvance:      true,
		ExpectedNextStep: string(domain.StatusPreviewReady),
	})
}

func announcePreviewReady(ctx context.Context, o *Orchestrator, st *sessionState) {
	o.emit(ctx, st.id, events.TypePreviewReady, st.preview, events.Metadata{
		Confidence:       events.Confidence(st.mappings.Aggregate()),
		AutoAdvance:      true,
		ExpectedNextStep: string(domain.StatusAwaitingApproval),
	})
}

func announceApproval(ctx context.Context, o *Orchestrator, st *sessionState) {
	var summary *PreviewSummary
	if st.preview != nil {
		summary = &st.preview.Summary
	}
	o.emit(ctx, st.id, events.TypeApprovalRequired, summary, events.Metadata{
		Confidence:       events.Confidence(st.mappings.Aggregate()),
		AutoAdvance:      false,
		ExpectedNextStep: expectedNext(domain.StatusAwaitingApproval, false),
	})
}

// AnalysisPayload accompanies analysis_complete.
type AnalysisPayload struct {
	Strategy          string                `json:"strategy"`
	ParseConfidence   float64               `json:"parseConfidence"`
	Columns           []string              `json:"columns"`
	TotalRows         int                   `json:"totalRows"`
	Metadata          parse.Metadata        `json:"metadata"`
	Attempts          []parse.Attempt       `json:"attempts"`
	Mappings          []domain.FieldMapping `json:"mappings"`
	MappingConfidence float64               `json:"mappingConfidence"`
}
