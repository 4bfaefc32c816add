// Package batch executes an approved import: it slices rows into batches,
// drains them through a bounded worker pool, validates and persists each
// record, and keeps the session counters and audit history current.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/importpipe/internal/domain"
	"github.com/JonMunkholm/importpipe/internal/events"
	"github.com/JonMunkholm/importpipe/internal/logging"
	"github.com/JonMunkholm/importpipe/internal/mapping"
	"github.com/JonMunkholm/importpipe/internal/metrics"
	"github.com/JonMunkholm/importpipe/internal/store"
)

// DefaultRetryAttempts is the number of retry runs allowed per session.
const DefaultRetryAttempts = 3

// DefaultBatchTimeout bounds a single batch.
const DefaultBatchTimeout = 60 * time.Second

// Options configures a Processor. Zero values select the defaults.
type Options struct {
	BatchSize      int
	MaxConcurrency int
	RetryAttempts  int
	BatchTimeout   time.Duration
	// MaxWait bounds Admit. Batches themselves wait for a slot indefinitely.
	MaxWait time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = DefaultMaxConcurrency
	}
	if o.RetryAttempts < 0 {
		o.RetryAttempts = 0
	} else if o.RetryAttempts == 0 {
		o.RetryAttempts = DefaultRetryAttempts
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = DefaultBatchTimeout
	}
	if o.MaxWait <= 0 {
		o.MaxWait = DefaultMaxWait
	}
	return o
}

// Summary describes one finished run of the processor over a session.
type Summary struct {
	SessionID  string               `json:"sessionId"`
	Status     domain.SessionStatus `json:"status"`
	Batches    int                  `json:"batches"`
	Attempted  int                  `json:"attempted"`
	Successful int                  `json:"successful"`
	Failed     int                  `json:"failed"`
	Skipped    int                  `json:"skipped"`
	Duration   time.Duration        `json:"duration"`
}

// Status is the answer to GetProcessingStatus.
type Status struct {
	SessionID  string               `json:"sessionId"`
	Status     domain.SessionStatus `json:"status"`
	Active     bool                 `json:"active"`
	Percent    int                  `json:"percent"`
	RetryCount int                  `json:"retryCount"`
	domain.Progress
	Batches  []domain.ImportBatch `json:"batches"`
	Fallback *domain.Fallback     `json:"fallback,omitempty"`
}

// item is one row scheduled for processing, with its position in the
// original file and the outcome of any earlier attempt.
type item struct {
	index int
	row   domain.Row
	prior domain.HistoryStatus
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeSkipped
	outcomeFailed
)

// run is the in-memory state of one session while it is being processed.
type run struct {
	sessionID string
	entity    domain.EntityType
	mappings  []domain.FieldMapping
	started   time.Time
	planned   int

	mu        sync.Mutex
	progress  domain.Progress
	handled   int
	skipped   int
	cancelled bool
}

func (r *run) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// apply folds one record outcome into the counters and returns a snapshot.
// Records seen for the first time move processed; a retried record that
// previously failed only moves between failed and successful.
func (r *run) apply(prior domain.HistoryStatus, o outcome) domain.Progress {
	ok := o != outcomeFailed
	switch prior {
	case "":
		r.progress.ProcessedRecords++
		if ok {
			r.progress.SuccessfulRecords++
		} else {
			r.progress.FailedRecords++
		}
	case domain.HistoryFailed:
		if ok {
			r.progress.FailedRecords--
			r.progress.SuccessfulRecords++
		}
	}
	if o == outcomeSkipped {
		r.skipped++
	}

	r.handled++
	elapsed := time.Since(r.started).Seconds()
	if elapsed > 0 {
		r.progress.ProcessingRate = float64(r.handled) / elapsed
	}
	if remaining := r.planned - r.handled; remaining > 0 && r.progress.ProcessingRate > 0 {
		r.progress.EstimatedTimeRemaining = time.Duration(float64(remaining) / r.progress.ProcessingRate * float64(time.Second))
	} else {
		r.progress.EstimatedTimeRemaining = 0
	}
	return r.progress
}

// Processor runs batch imports. Create one per process with NewProcessor,
// call Start before submitting work, and Stop on shutdown.
type Processor struct {
	store   store.Store
	sink    events.Sink
	opts    Options
	limiter *Limiter

	mu      sync.Mutex
	runs    map[string]*run
	baseCtx context.Context
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

// NewProcessor creates a Processor persisting through st and reporting to sink.
func NewProcessor(st store.Store, sink events.Sink, opts Options) *Processor {
	opts = opts.withDefaults()
	if sink == nil {
		sink = events.Discard
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		store:   st,
		sink:    sink,
		opts:    opts,
		limiter: NewLimiter(opts.MaxConcurrency, opts.MaxWait),
		runs:    make(map[string]*run),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Options returns the effective options.
func (p *Processor) Options() Options { return p.opts }

// Start readies the processor for background work.
func (p *Processor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = false
}

// Stop refuses new work and waits for in-flight runs to finish. When ctx
// expires first, remaining runs are cancelled and Stop returns ctx's error.
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("batch processor drain: %w", ctx.Err())
	}
	return p.limiter.WaitForDrain(ctx)
}

// LimiterStatus reports batch slot usage.
func (p *Processor) LimiterStatus() LimiterStatus { return p.limiter.Status() }

// Admit reports whether the worker pool frees a slot within MaxWait. Callers
// use it to refuse new uploads while the pool stays saturated.
func (p *Processor) Admit(ctx context.Context) error { return p.limiter.Admit(ctx) }

// ProcessAsync runs ProcessBulkImport in the background under the
// processor's lifetime. Errors are logged and reported as events.
func (p *Processor) ProcessAsync(sessionID string, rows []domain.Row, mappings []domain.FieldMapping, entity domain.EntityType) error {
	return p.background(sessionID, "bulk import failed", func(ctx context.Context) error {
		_, err := p.ProcessBulkImport(ctx, sessionID, rows, mappings, entity)
		return err
	})
}

// RetryAsync runs RetryFailedRecords in the background.
func (p *Processor) RetryAsync(sessionID string) error {
	return p.background(sessionID, "retry failed", func(ctx context.Context) error {
		_, err := p.RetryFailedRecords(ctx, sessionID)
		return err
	})
}

func (p *Processor) background(sessionID, failMsg string, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return domain.ErrProcessorStopped
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		ctx := logging.WithSession(p.baseCtx, sessionID)
		if err := fn(ctx); err != nil {
			logging.FromContext(ctx).Error(failMsg, "error", err)
			p.emit(ctx, sessionID, events.TypeError, events.ErrorPayload{Error: err.Error()}, events.Metadata{})
		}
	}()
	return nil
}

// ProcessBulkImport imports rows into entity using mappings and blocks until
// every batch has resolved.
//
// It is idempotent per session: rows whose latest history entry is success
// or skipped are never reprocessed, so calling it again only touches rows
// that previously failed or were never reached.
func (p *Processor) ProcessBulkImport(ctx context.Context, sessionID string, rows []domain.Row, mappings []domain.FieldMapping, entity domain.EntityType) (*Summary, error) {
	if _, ok := mapping.Get(entity); !ok {
		return nil, fmt.Errorf("process %s: %w: %q", sessionID, domain.ErrUnknownEntityType, entity)
	}

	session, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == domain.StatusCancelled {
		return nil, fmt.Errorf("process %s: %w", sessionID, domain.ErrSessionCancelled)
	}

	history, err := p.store.ListHistory(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("process %s: load history: %w", sessionID, err)
	}
	latest := domain.LatestByIndex(history)

	items := make([]item, 0, len(rows))
	for i, row := range rows {
		h, seen := latest[i]
		switch {
		case !seen:
			items = append(items, item{index: i, row: row})
		case h.ImportStatus == domain.HistoryFailed:
			items = append(items, item{index: i, row: row, prior: domain.HistoryFailed})
		}
	}

	if session.Status == domain.StatusFailed || (session.Status.Terminal() && len(items) == 0) {
		return &Summary{SessionID: sessionID, Status: session.Status}, nil
	}

	if !session.Status.Terminal() && session.Status != domain.StatusExecuting {
		if err := p.store.UpdateSessionStatus(ctx, sessionID, domain.StatusExecuting, ""); err != nil {
			return nil, err
		}
	}

	progress := domain.Progress{
		TotalRecords:      len(rows),
		ProcessedRecords:  session.SuccessfulRecords + session.FailedRecords,
		SuccessfulRecords: session.SuccessfulRecords,
		FailedRecords:     session.FailedRecords,
	}
	return p.execute(ctx, session, entity, mappings, items, progress)
}

// RetryFailedRecords re-runs every record whose latest history entry is
// failed, using the session's stored mappings and the original row data.
// With nothing to retry it is a no-op and creates no batches.
func (p *Processor) RetryFailedRecords(ctx context.Context, sessionID string) (*Summary, error) {
	session, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	switch session.Status {
	case domain.StatusCancelled:
		return nil, fmt.Errorf("retry %s: %w", sessionID, domain.ErrSessionCancelled)
	case domain.StatusFailed:
		return nil, fmt.Errorf("retry %s: %w", sessionID, domain.ErrTerminalState)
	}

	if p.active(sessionID) {
		return nil, fmt.Errorf("retry %s: %w", sessionID, domain.ErrAlreadyProcessing)
	}

	history, err := p.store.ListHistory(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("retry %s: load history: %w", sessionID, err)
	}
	var items []item
	for _, h := range domain.LatestByIndex(history) {
		if h.ImportStatus == domain.HistoryFailed {
			items = append(items, item{index: h.RecordIndex, row: h.RecordData, prior: domain.HistoryFailed})
		}
	}
	if len(items) == 0 {
		return &Summary{SessionID: sessionID, Status: session.Status}, nil
	}
	sort.Slice(items, func(i, j int) bool { return items[i].index < items[j].index })

	attempts, err := p.store.IncrementRetry(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if attempts > p.opts.RetryAttempts {
		return nil, p.exhaust(ctx, session, attempts)
	}

	mappings, err := p.store.LoadMappings(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	progress := domain.Progress{
		TotalRecords:      session.TotalRecords,
		ProcessedRecords:  session.ProcessedRecords,
		SuccessfulRecords: session.SuccessfulRecords,
		FailedRecords:     session.FailedRecords,
	}
	logging.FromContext(ctx).Info("retrying failed records",
		"session_id", sessionID, "records", len(items), "attempt", attempts)
	return p.execute(ctx, session, session.EntityType, mappings, items, progress)
}

func (p *Processor) exhaust(ctx context.Context, session *domain.ImportSession, attempts int) error {
	fb := domain.NewFallback(domain.FallbackManualReview)
	msg := fmt.Sprintf("retry budget of %d attempts exhausted", p.opts.RetryAttempts)
	if err := p.store.UpdateSessionStatus(ctx, session.ID, domain.StatusFailed, msg); err != nil {
		return err
	}
	if err := p.store.SetFallback(ctx, session.ID, fb); err != nil {
		logging.FromContext(ctx).Warn("set fallback failed", "session_id", session.ID, "error", err)
	}
	p.emit(ctx, session.ID, events.TypeError,
		events.ErrorPayload{Error: msg, State: domain.StatusFailed},
		events.Metadata{}.WithFallback(fb))
	logging.FromContext(ctx).Warn("retry budget exhausted", "session_id", session.ID, "attempts", attempts)
	return fmt.Errorf("retry %s: %w", session.ID, domain.ErrRetryBudgetExhausted)
}

// execute plans, persists, and drains the batches for items.
func (p *Processor) execute(ctx context.Context, session *domain.ImportSession, entity domain.EntityType, mappings []domain.FieldMapping, items []item, progress domain.Progress) (*Summary, error) {
	r := &run{
		sessionID: session.ID,
		entity:    entity,
		mappings:  mappings,
		started:   time.Now(),
		planned:   len(items),
		progress:  progress,
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, domain.ErrProcessorStopped
	}
	if _, busy := p.runs[session.ID]; busy {
		p.mu.Unlock()
		return nil, fmt.Errorf("process %s: %w", session.ID, domain.ErrAlreadyProcessing)
	}
	p.runs[session.ID] = r
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		if p.runs[session.ID] == r {
			delete(p.runs, session.ID)
		}
		p.mu.Unlock()
	}()

	metrics.SessionStarted()
	defer metrics.SessionFinished()

	existing, err := p.store.ListBatches(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("process %s: list batches: %w", session.ID, err)
	}
	next := 1
	for _, b := range existing {
		next = max(next, b.BatchNumber+1)
	}

	batches := PlanBatches(session.ID, len(items), p.opts.BatchSize, next)
	for i := range batches {
		batches[i].FirstRecord = items[batches[i].StartIndex].index
		batches[i].LastRecord = items[batches[i].EndIndex-1].index
	}
	if err := p.store.CreateBatches(ctx, batches); err != nil {
		return nil, fmt.Errorf("process %s: create batches: %w", session.ID, err)
	}
	if err := p.store.UpdateSessionProgress(ctx, session.ID, progress); err != nil {
		return nil, fmt.Errorf("process %s: %w", session.ID, err)
	}

	logger := logging.FromContext(ctx)
	logger.Info("bulk import started",
		"session_id", session.ID, "entity", entity, "records", len(items), "batches", len(batches))

	var g errgroup.Group
	g.SetLimit(p.opts.MaxConcurrency)
	for _, b := range batches {
		b := b
		g.Go(func() error {
			p.runBatch(ctx, r, b, items[b.StartIndex:b.EndIndex])
			return nil
		})
	}
	_ = g.Wait()

	summary := &Summary{
		SessionID: session.ID,
		Batches:   len(batches),
		Attempted: len(items),
		Duration:  time.Since(r.started),
	}

	r.mu.Lock()
	cancelled := r.cancelled
	final := r.progress
	summary.Skipped = r.skipped
	r.mu.Unlock()
	summary.Successful, summary.Failed = final.SuccessfulRecords, final.FailedRecords

	if cancelled {
		summary.Status = domain.StatusCancelled
		logger.Info("bulk import cancelled; results discarded", "session_id", session.ID)
		return summary, nil
	}

	status := domain.StatusCompleted
	if final.FailedRecords > 0 {
		status = domain.StatusCompletedWithErrors
	}
	summary.Status = status

	if err := p.store.UpdateSessionStatus(ctx, session.ID, status, ""); err != nil {
		if errors.Is(err, domain.ErrTerminalState) {
			// cancelled between the last batch and here
			summary.Status = domain.StatusCancelled
			return summary, nil
		}
		return summary, fmt.Errorf("process %s: finalize: %w", session.ID, err)
	}

	p.emit(ctx, session.ID, events.TypeCompleted, events.CompletedPayload{
		Status:            status,
		TotalRecords:      final.TotalRecords,
		SuccessfulRecords: final.SuccessfulRecords,
		FailedRecords:     final.FailedRecords,
		Duration:          summary.Duration,
	}, events.Metadata{AutoAdvance: false})

	logger.Info("bulk import finished",
		"session_id", session.ID,
		"status", status,
		"successful", final.SuccessfulRecords,
		"failed", final.FailedRecords,
		"skipped", summary.Skipped,
		"duration", summary.Duration,
	)
	return summary, nil
}

// runBatch owns one batch end to end. Record problems are counted and never
// escape; anything else fails only this batch.
func (p *Processor) runBatch(ctx context.Context, r *run, b domain.ImportBatch, items []item) {
	logger := logging.FromContext(ctx).With("session_id", r.sessionID, "batch", b.BatchNumber)
	started := time.Now()
	result := domain.BatchResult{BatchNumber: b.BatchNumber}

	if r.isCancelled() {
		return
	}

	done := 0
	err := func() (err error) {
		if err := p.limiter.Acquire(ctx); err != nil {
			return err
		}
		defer p.limiter.Release()

		batchCtx, cancel := context.WithTimeout(ctx, p.opts.BatchTimeout)
		defer cancel()

		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("batch %d panicked: %v", b.BatchNumber, rec)
			}
		}()

		if err := p.store.UpdateBatchStatus(batchCtx, r.sessionID, b.BatchNumber, domain.BatchProcessing, nil); err != nil {
			return err
		}
		for _, it := range items {
			if err := batchCtx.Err(); err != nil {
				return fmt.Errorf("batch %d: %w", b.BatchNumber, err)
			}
			o, errs, err := p.processRecord(batchCtx, r, it)
			if err != nil {
				return err
			}
			done++
			result.Errors = append(result.Errors, errs...)
			if o == outcomeFailed {
				result.FailureCount++
			} else {
				result.SuccessCount++
			}
			p.publishProgress(ctx, r, it.prior, o)
		}
		return nil
	}()

	status := domain.BatchCompleted
	var batchErr string
	if err != nil {
		status = domain.BatchFailed
		batchErr = err.Error()
		logger.Warn("batch failed", "error", err, "processed", done)
		result.FailureCount += p.failRemaining(ctx, r, items[done:], err)
	}
	result.ProcessingTime = time.Since(started)
	metrics.Batch(string(status), result.ProcessingTime)

	if uerr := p.store.UpdateBatchStatus(ctx, r.sessionID, b.BatchNumber, status, &domain.BatchMetrics{
		SuccessCount:   result.SuccessCount,
		FailureCount:   result.FailureCount,
		ProcessingTime: result.ProcessingTime,
		Error:          batchErr,
	}); uerr != nil {
		logger.Warn("update batch status failed", "error", uerr)
	}

	if r.isCancelled() {
		return
	}
	if err != nil {
		p.emit(ctx, r.sessionID, events.TypeBatchFailed, result, events.Metadata{})
		return
	}
	p.emit(ctx, r.sessionID, events.TypeBatchCompleted, result, events.Metadata{})
}

// processRecord maps, validates, and persists one record. A non-nil error is
// batch-level (storage unavailable, timeout); record problems are returned as
// outcomeFailed with their BatchErrors.
func (p *Processor) processRecord(ctx context.Context, r *run, it item) (outcome, []domain.BatchError, error) {
	mapped := mapping.Apply(it.row, r.mappings)
	rec, errs := Validate(r.entity, it.index, mapped)

	h := domain.HistoryRecord{
		SessionID:   r.sessionID,
		RecordIndex: it.index,
		RecordData:  it.row,
	}
	o := outcomeFailed

	if rec != nil {
		exists, err := p.store.RecordExists(ctx, r.entity, rec.NaturalKey())
		switch {
		case batchLevel(ctx, err):
			return outcomeFailed, nil, err
		case err != nil:
			errs = append(errs, recordError(it.index, err))
		case exists:
			o = outcomeSkipped
		default:
			id, err := p.store.Insert(ctx, rec)
			if batchLevel(ctx, err) {
				return outcomeFailed, nil, err
			}
			if err != nil {
				errs = append(errs, recordError(it.index, err))
			} else {
				o = outcomeSuccess
				h.EntityID = id
			}
		}
	}

	switch o {
	case outcomeSuccess:
		h.ImportStatus = domain.HistorySuccess
	case outcomeSkipped:
		h.ImportStatus = domain.HistorySkipped
	default:
		h.ImportStatus = domain.HistoryFailed
		logging.FromContext(ctx).Debug("record failed",
			"session_id", r.sessionID, "record", it.index, "errors", len(errs))
	}
	h.ValidationErrors = messages(errs)

	if err := p.store.AppendHistory(ctx, h); err != nil {
		if batchLevel(ctx, err) {
			return outcomeFailed, nil, err
		}
		logging.FromContext(ctx).Warn("append history failed",
			"session_id", r.sessionID, "record", it.index, "error", err)
	}

	metrics.Record(string(r.entity), string(h.ImportStatus))
	return o, errs, nil
}

// failRemaining records every unprocessed item of a failed batch as failed so
// the counters stay whole and a retry can pick the rows up again.
func (p *Processor) failRemaining(ctx context.Context, r *run, items []item, cause error) int {
	for _, it := range items {
		h := domain.HistoryRecord{
			SessionID:        r.sessionID,
			RecordIndex:      it.index,
			RecordData:       it.row,
			ImportStatus:     domain.HistoryFailed,
			ValidationErrors: []string{"batch failed: " + cause.Error()},
		}
		if err := p.store.AppendHistory(ctx, h); err != nil {
			logging.FromContext(ctx).Debug("append history failed",
				"session_id", r.sessionID, "record", it.index, "error", err)
		}
		metrics.Record(string(r.entity), string(domain.HistoryFailed))
		p.publishProgress(ctx, r, it.prior, outcomeFailed)
	}
	return len(items)
}

// publishProgress updates the counters, persists them, and emits progress.
// The run lock is held across the write so snapshots reach the store in order.
func (p *Processor) publishProgress(ctx context.Context, r *run, prior domain.HistoryStatus, o outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return
	}
	snapshot := r.apply(prior, o)

	if err := p.store.UpdateSessionProgress(ctx, r.sessionID, snapshot); err != nil {
		logging.FromContext(ctx).Warn("update progress failed", "session_id", r.sessionID, "error", err)
	}
	p.emit(ctx, r.sessionID, events.TypeProgress, events.NewProgressPayload(snapshot), events.Metadata{AutoAdvance: true})
}

// CancelProcessing marks the session cancelled. Batches already dispatched
// run to completion but their results are discarded; batches not yet started
// are skipped.
func (p *Processor) CancelProcessing(ctx context.Context, sessionID string) error {
	if err := p.store.UpdateSessionStatus(ctx, sessionID, domain.StatusCancelled, "cancelled by user"); err != nil {
		return err
	}

	p.mu.Lock()
	if r, ok := p.runs[sessionID]; ok {
		r.mu.Lock()
		r.cancelled = true
		r.mu.Unlock()
		delete(p.runs, sessionID)
	}
	p.mu.Unlock()

	p.emit(ctx, sessionID, events.TypeCompleted, events.CompletedPayload{Status: domain.StatusCancelled}, events.Metadata{})
	logging.FromContext(ctx).Info("import cancelled", "session_id", sessionID)
	return nil
}

// GetProcessingStatus returns live counters for an active run, or the
// persisted state otherwise.
func (p *Processor) GetProcessingStatus(ctx context.Context, sessionID string) (*Status, error) {
	session, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	batches, err := p.store.ListBatches(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	st := &Status{
		SessionID:  sessionID,
		Status:     session.Status,
		RetryCount: session.RetryCount,
		Batches:    batches,
		Fallback:   session.Fallback,
		Progress: domain.Progress{
			TotalRecords:           session.TotalRecords,
			ProcessedRecords:       session.ProcessedRecords,
			SuccessfulRecords:      session.SuccessfulRecords,
			FailedRecords:          session.FailedRecords,
			ProcessingRate:         session.ProcessingRate,
			EstimatedTimeRemaining: session.EstimatedTimeRemaining,
		},
	}

	p.mu.Lock()
	r, active := p.runs[sessionID]
	p.mu.Unlock()
	if active {
		r.mu.Lock()
		st.Progress = r.progress
		r.mu.Unlock()
		st.Active = true
	}
	st.Percent = st.Progress.Percent()
	return st, nil
}

func (p *Processor) active(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.runs[sessionID]
	return ok
}

func (p *Processor) emit(ctx context.Context, sessionID string, t events.Type, payload any, md events.Metadata) {
	if err := p.sink.Emit(ctx, sessionID, events.New(t, sessionID, payload, md)); err != nil {
		logging.FromContext(ctx).Debug("emit failed", "session_id", sessionID, "type", t, "error", err)
	}
}

// batchLevel reports whether err should fail the whole batch.
func batchLevel(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, domain.ErrStorageUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		ctx.Err() != nil
}

func recordError(index int, err error) domain.BatchError {
	return domain.BatchError{
		RecordIndex: index,
		Error:       err.Error(),
		Severity:    domain.SeverityError,
	}
}

func messages(errs []domain.BatchError) []string {
	if len(errs) == 0 {
		return nil
	}
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		msg := e.Error
		if e.Field != "" {
			msg = e.Field + ": " + msg
		}
		if e.Severity == domain.SeverityWarning {
			msg = "fixed: " + msg
		}
		out = append(out, strings.TrimSpace(msg))
	}
	return out
}
