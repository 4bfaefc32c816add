// Package workflow drives an import session from upload to execution.
//
// The Orchestrator owns the session state machine. Each session has its own
// mutex so transitions for one session are serialized while different
// sessions advance independently. Transitions are table-driven (see
// transitions.go); automatic edges are followed until a guard rejects, a
// human decision is needed, or an action fails.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/importpipe/internal/domain"
	"github.com/JonMunkholm/importpipe/internal/events"
	"github.com/JonMunkholm/importpipe/internal/logging"
	"github.com/JonMunkholm/importpipe/internal/mapping"
	"github.com/JonMunkholm/importpipe/internal/metrics"
	"github.com/JonMunkholm/importpipe/internal/parse"
	"github.com/JonMunkholm/importpipe/internal/store"
)

const (
	// DefaultConfidenceThreshold is the aggregate mapping confidence (0-1)
	// required to generate a preview without human review.
	DefaultConfidenceThreshold = 0.70
	DefaultPreviewDelay        = 500 * time.Millisecond
)

// Options configures an Orchestrator.
type Options struct {
	ConfidenceThreshold float64
	PreviewDelay        time.Duration
	// Strategies overrides the default parsing strategies.
	Strategies []parse.Strategy
}

func (o Options) withDefaults() Options {
	if o.ConfidenceThreshold <= 0 || o.ConfidenceThreshold > 1 {
		o.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if o.PreviewDelay < 0 {
		o.PreviewDelay = 0
	}
	return o
}

// Executor runs approved imports.
type Executor interface {
	ProcessAsync(sessionID string, rows []domain.Row, mappings []domain.FieldMapping, entity domain.EntityType) error
	CancelProcessing(ctx context.Context, sessionID string) error
}

// Upload is a file submitted for import.
type Upload struct {
	EntityType domain.EntityType
	FileName   string
	Data       []byte
	MIME       string
}

type sessionState struct {
	mu sync.Mutex

	id     string
	entity domain.EntityType
	buf    parse.RawBuffer

	result   *parse.Result
	attempts []parse.Attempt
	mappings *mapping.Set
	preview  *Preview

	autoAdvance bool
	// generation invalidates pending delayed transitions.
	generation uint64

	// finishedAt is set once the session reaches a terminal state.
	finishedAt atomic.Int64
}

// Orchestrator advances import sessions through the workflow.
type Orchestrator struct {
	store     store.Store
	sink      events.Sink
	exec      Executor
	selector  *parse.Selector
	suggester *mapping.Suggester
	opts      Options

	mu       sync.Mutex
	sessions map[string]*sessionState

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewOrchestrator wires an orchestrator. Call Start before use.
func NewOrchestrator(st store.Store, sink events.Sink, exec Executor, opts Options) *Orchestrator {
	if sink == nil {
		sink = events.Discard
	}
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:     st,
		sink:      sink,
		exec:      exec,
		selector:  parse.NewSelector(opts.Strategies...),
		suggester: mapping.NewSuggester(st),
		opts:      opts,
		sessions:  make(map[string]*sessionState),
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// Options returns the effective options.
func (o *Orchestrator) Options() Options { return o.opts }

// Start logs the effective options.
func (o *Orchestrator) Start() {
	slog.Info("workflow orchestrator started",
		"confidence_threshold", o.opts.ConfidenceThreshold,
		"preview_delay", o.opts.PreviewDelay)
}

// Stop cancels pending delayed transitions and waits for them to exit.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("workflow orchestrator stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartSession creates a session for the upload and advances it as far as
// it can go automatically. Workflow failures are recorded on the returned
// session (status failed plus a fallback) rather than returned as errors.
func (o *Orchestrator) StartSession(ctx context.Context, up Upload) (*domain.ImportSession, error) {
	if _, ok := mapping.Get(up.EntityType); !ok {
		return nil, fmt.Errorf("start session: %w: %q", domain.ErrUnknownEntityType, up.EntityType)
	}

	id := uuid.NewString()
	if err := o.store.CreateSession(ctx, &domain.ImportSession{
		ID:         id,
		EntityType: up.EntityType,
		FileName:   up.FileName,
		Status:     domain.StatusInitiated,
	}); err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	st := &sessionState{
		id:          id,
		entity:      up.EntityType,
		buf:         parse.NewRawBuffer(up.FileName, up.Data, up.MIME),
		autoAdvance: true,
	}
	o.mu.Lock()
	o.sessions[id] = st
	o.mu.Unlock()

	ctx = logging.WithSession(ctx, id)
	o.log(ctx).Info("import session started", "entity", up.EntityType, "file", up.FileName, "bytes", len(up.Data))

	err := o.ExecuteWorkflow(ctx, id, domain.StatusAnalyzing, nil)
	var terr *TransitionError
	if err != nil && !errors.As(err, &terr) {
		return nil, err
	}
	return o.store.GetSession(ctx, id)
}

// ExecuteWorkflow requests the transition from the session's current state
// to target, then follows automatic transitions while auto-advance is on.
//
// It returns domain.ErrTerminalState for finished sessions,
// domain.ErrInvalidTransition when no edge leads to target, an error
// wrapping domain.ErrGuardRejected when the edge's guard refuses, and a
// *TransitionError when the action failed.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, sessionID string, target domain.SessionStatus, in *Input) error {
	st, err := o.state(sessionID)
	if err != nil {
		return err
	}
	ctx = logging.WithSession(ctx, sessionID)

	st.mu.Lock()
	defer st.mu.Unlock()

	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status.Terminal() {
		return fmt.Errorf("%s is %s: %w", sessionID, session.Status, domain.ErrTerminalState)
	}
	t, ok := lookup(session.Status, target)
	if !ok {
		return fmt.Errorf("%s -> %s: %w", session.Status, target, domain.ErrInvalidTransition)
	}

	// a caller-initiated edge re-enables automation
	st.autoAdvance = true
	st.generation++
	if err := o.step(ctx, st, t, in); err != nil {
		return err
	}
	return o.advance(ctx, st, t.to)
}

// UpdateMappings applies human mapping edits and re-runs the workflow from
// mapping_complete. Replaced mappings are kept as superseded.
func (o *Orchestrator) UpdateMappings(ctx context.Context, sessionID string, edits []domain.FieldMapping) error {
	return o.ExecuteWorkflow(ctx, sessionID, domain.StatusMappingComplete, &Input{Mappings: edits})
}

// Approve starts execution of a session awaiting approval.
func (o *Orchestrator) Approve(ctx context.Context, sessionID string) error {
	return o.ExecuteWorkflow(ctx, sessionID, domain.StatusExecuting, nil)
}

// Cancel stops a session. Executing sessions are handed to the executor so
// in-flight batches are discarded.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID string) error {
	ctx = logging.WithSession(ctx, sessionID)
	st, _ := o.state(sessionID)
	if st != nil {
		st.mu.Lock()
		defer st.mu.Unlock()
		st.autoAdvance = false
		st.generation++
	}
	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if session.Status == domain.StatusExecuting {
		if err := o.exec.CancelProcessing(ctx, sessionID); err != nil {
			return err
		}
	} else {
		if err := o.store.UpdateSessionStatus(ctx, sessionID, domain.StatusCancelled, "cancelled by user"); err != nil {
			return err
		}
		o.emit(ctx, sessionID, events.TypeCompleted, events.CompletedPayload{Status: domain.StatusCancelled}, events.Metadata{})
	}
	if st != nil {
		st.finishedAt.Store(time.Now().UnixNano())
	}
	o.log(ctx).Info("workflow cancelled", "from", session.Status)
	return nil
}

// step runs a single transition: guard, action, status write, event.
func (o *Orchestrator) step(ctx context.Context, st *sessionState, t transition, in *Input) error {
	if t.guard != nil {
		if err := t.guard(o, st); err != nil {
			metrics.Transition(string(t.to), "rejected")
			o.reject(ctx, st, t, err)
			return err
		}
	}

	if t.persistFirst {
		if err := o.store.UpdateSessionStatus(ctx, st.id, t.to, ""); err != nil {
			return err
		}
	}
	if t.action != nil {
		if err := t.action(ctx, o, st, in); err != nil {
			metrics.Transition(string(t.to), "failed")
			return o.fail(ctx, st, t, err)
		}
	}
	if !t.persistFirst {
		if err := o.store.UpdateSessionStatus(ctx, st.id, t.to, ""); err != nil {
			return err
		}
	}
	metrics.Transition(string(t.to), "ok")
	o.log(ctx).Debug("workflow transition", "from", t.from, "to", t.to)

	if t.announce != nil {
		t.announce(ctx, o, st)
	}
	return nil
}

// advance follows automatic edges out of current. Guard rejections halt
// quietly; they have already been announced.
func (o *Orchestrator) advance(ctx context.Context, st *sessionState, current domain.SessionStatus) error {
	for st.autoAdvance {
		t, ok := autoFrom(current)
		if !ok {
			return nil
		}
		if t.delayed {
			o.schedule(st, t)
			return nil
		}
		if err := o.step(ctx, st, t, nil); err != nil {
			if errors.Is(err, domain.ErrGuardRejected) {
				return nil
			}
			return err
		}
		current = t.to
	}
	return nil
}

// schedule fires a delayed transition unless the session moved on or was
// edited in the meantime.
func (o *Orchestrator) schedule(st *sessionState, t transition) {
	gen := st.generation
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		timer := time.NewTimer(o.opts.PreviewDelay)
		defer timer.Stop()
		select {
		case <-o.baseCtx.Done():
			return
		case <-timer.C:
		}

		ctx := logging.WithSession(o.baseCtx, st.id)
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.generation != gen || !st.autoAdvance {
			return
		}
		session, err := o.store.GetSession(ctx, st.id)
		if err != nil || session.Status != t.from {
			return
		}
		if err := o.step(ctx, st, t, nil); err == nil {
			err = o.advance(ctx, st, t.to)
		} else if !errors.Is(err, domain.ErrGuardRejected) {
			o.log(ctx).Error("delayed transition failed", "to", t.to, "error", err)
		}
	}()
}

func (o *Orchestrator) reject(ctx context.Context, st *sessionState, t transition, cause error) {
	st.autoAdvance = false
	fb := domain.NewFallback(domain.FallbackManualMapping)
	if err := o.store.SetFallback(ctx, st.id, fb); err != nil {
		o.log(ctx).Warn("set fallback failed", "error", err)
	}

	var (
		mappings []domain.FieldMapping
		score    float64
	)
	if st.mappings != nil {
		mappings = st.mappings.Mappings()
		score = st.mappings.Aggregate()
	}
	o.emit(ctx, st.id, events.TypeMappingSuggestions, events.MappingSuggestionsPayload{
		Mappings:           mappings,
		Confidence:         score,
		Threshold:          o.opts.ConfidenceThreshold * 100,
		RequiresUserReview: true,
	}, events.Metadata{
		Confidence:       events.Confidence(score),
		AutoAdvance:      false,
		ExpectedNextStep: expectedNext(t.from, false),
	}.WithFallback(fb))
	o.log(ctx).Info("auto-advance halted", "state", t.from, "reason", cause)
}

func (o *Orchestrator) fail(ctx context.Context, st *sessionState, t transition, cause error) error {
	st.autoAdvance = false
	action := t.fallback
	switch {
	case errors.Is(cause, domain.ErrNoRecoverableData):
		action = domain.FallbackUploadNewFile
	case action == "":
		action = domain.FallbackManualControls
	}
	fb := domain.NewFallback(action)

	if err := o.store.UpdateSessionStatus(ctx, st.id, domain.StatusFailed, cause.Error()); err != nil {
		o.log(ctx).Error("mark session failed", "error", err)
	}
	if err := o.store.SetFallback(ctx, st.id, fb); err != nil {
		o.log(ctx).Warn("set fallback failed", "error", err)
	}
	st.finishedAt.Store(time.Now().UnixNano())

	o.emit(ctx, st.id, events.TypeWorkflowError, events.ErrorPayload{
		Error: cause.Error(),
		State: t.from,
	}, events.Metadata{AutoAdvance: false}.WithFallback(fb))
	o.log(ctx).Error("workflow transition failed", "from", t.from, "to", t.to, "fallback", action, "error", cause)

	return &TransitionError{From: t.from, To: t.to, Fallback: fb, Err: cause}
}

// WorkflowStatus is the orchestrator's view of one session.
type WorkflowStatus struct {
	SessionID        string                 `json:"sessionId"`
	State            domain.SessionStatus   `json:"state"`
	AutoAdvance      bool                   `json:"autoAdvance"`
	Confidence       float64                `json:"confidence"`
	Threshold        float64                `json:"threshold"`
	ExpectedNextStep string                 `json:"expectedNextStep,omitempty"`
	NextStates       []domain.SessionStatus `json:"nextStates"`
	Fallback         *domain.Fallback       `json:"fallback,omitempty"`
	ErrorMessage     string                 `json:"errorMessage,omitempty"`
	Mappings         []domain.FieldMapping  `json:"mappings"`
	Superseded       []domain.FieldMapping  `json:"superseded,omitempty"`
	Parse            *ParseSummary          `json:"parse,omitempty"`
	Preview          *PreviewSummary        `json:"preview,omitempty"`
}

// ParseSummary describes the parse result the session is working from.
type ParseSummary struct {
	Strategy   string          `json:"strategy"`
	Confidence float64         `json:"confidence"`
	Columns    []string        `json:"columns"`
	Rows       int             `json:"rows"`
	Metadata   parse.Metadata  `json:"metadata"`
	Attempts   []parse.Attempt `json:"attempts,omitempty"`
}

// GetWorkflowStatus reports where a session is and what comes next. Sessions
// evicted from memory are described from the store alone.
func (o *Orchestrator) GetWorkflowStatus(ctx context.Context, sessionID string) (*WorkflowStatus, error) {
	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ws := &WorkflowStatus{
		SessionID:    session.ID,
		State:        session.Status,
		Confidence:   session.Confidence,
		Threshold:    o.opts.ConfidenceThreshold * 100,
		NextStates:   NextStates(session.Status),
		Fallback:     session.Fallback,
		ErrorMessage: session.ErrorMessage,
		Mappings:     session.FieldMappings,
	}

	st, _ := o.state(sessionID)
	if st == nil {
		ws.ExpectedNextStep = expectedNext(session.Status, false)
		return ws, nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	ws.AutoAdvance = st.autoAdvance && !session.Status.Terminal()
	ws.ExpectedNextStep = expectedNext(session.Status, ws.AutoAdvance)
	if st.mappings != nil {
		ws.Mappings = st.mappings.Mappings()
		ws.Superseded = st.mappings.Superseded()
		ws.Confidence = st.mappings.Aggregate()
	}
	if st.result != nil {
		ws.Parse = &ParseSummary{
			Strategy:   st.result.StrategyName,
			Confidence: st.result.Confidence,
			Columns:    st.result.Columns,
			Rows:       len(st.result.Rows),
			Metadata:   st.result.Metadata,
			Attempts:   st.attempts,
		}
	} else if len(st.attempts) > 0 {
		ws.Parse = &ParseSummary{Attempts: st.attempts}
	}
	if st.preview != nil {
		summary := st.preview.Summary
		ws.Preview = &summary
	}
	return ws, nil
}

// Preview returns the last generated preview for a session.
func (o *Orchestrator) Preview(sessionID string) (*Preview, error) {
	st, err := o.state(sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.preview == nil {
		return nil, fmt.Errorf("no preview for %s yet: %w", sessionID, domain.ErrInvalidTransition)
	}
	return st.preview, nil
}

// Emit observes pipeline events so finished sessions can be evicted. It
// never takes a session lock, so executors may call it synchronously.
func (o *Orchestrator) Emit(_ context.Context, sessionID string, e events.Event) error {
	if e.Type != events.TypeCompleted {
		return nil
	}
	o.mu.Lock()
	st := o.sessions[sessionID]
	o.mu.Unlock()
	if st != nil {
		st.finishedAt.Store(e.Timestamp.UnixNano())
	}
	return nil
}

// Evict drops in-memory state for sessions that reached a terminal state
// more than olderThan ago. Sessions waiting on a human are kept however long
// they sit idle. Persisted state is untouched. It returns the evicted
// session IDs.
func (o *Orchestrator) Evict(olderThan time.Duration) []string {
	cutoff := time.Now().Add(-olderThan).UnixNano()
	o.mu.Lock()
	defer o.mu.Unlock()

	var evicted []string
	for id, st := range o.sessions {
		finished := st.finishedAt.Load()
		if finished != 0 && finished < cutoff {
			delete(o.sessions, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// Sessions returns the number of sessions held in memory.
func (o *Orchestrator) Sessions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

func (o *Orchestrator) state(sessionID string) (*sessionState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", sessionID, domain.ErrSessionNotFound)
	}
	return st, nil
}

func (o *Orchestrator) emit(ctx context.Context, sessionID string, t events.Type, payload any, md events.Metadata) {
	if err := o.sink.Emit(ctx, sessionID, events.New(t, sessionID, payload, md)); err != nil {
		o.log(ctx).Debug("emit failed", "type", t, "error", err)
	}
}

func (o *Orchestrator) log(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx)
}
