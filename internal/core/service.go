package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/JonMunkholm/importpipe/internal/batch"
	"github.com/JonMunkholm/importpipe/internal/domain"
	"github.com/JonMunkholm/importpipe/internal/events"
	"github.com/JonMunkholm/importpipe/internal/logging"
	"github.com/JonMunkholm/importpipe/internal/store"
	"github.com/JonMunkholm/importpipe/internal/workflow"
)

// DefaultMaxFileSize bounds a single upload.
const DefaultMaxFileSize = 100 << 20

// ErrNoFile is returned for empty uploads.
var ErrNoFile = errors.New("no file provided")

// Options configures a Service.
type Options struct {
	Batch          batch.Options
	Workflow       workflow.Options
	EventQueueSize int
	MaxFileSize    int64
	Cleanup        CleanupConfig
	Hub            events.HubOptions
}

// Service wires the import pipeline together: parsing and workflow in the
// orchestrator, execution in the batch processor, and event delivery through
// one bus feeding the log, the SSE broadcaster, and the WebSocket hub.
type Service struct {
	store        store.Store
	bus          *events.Bus
	broadcaster  *events.Broadcaster
	hub          *events.Hub
	processor    *batch.Processor
	orchestrator *workflow.Orchestrator
	opts         Options

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewService builds a Service over st. Call Start before serving requests.
func NewService(st store.Store, opts Options) *Service {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	opts.Cleanup = opts.Cleanup.withDefaults()

	broadcaster := events.NewBroadcaster()
	hub := events.NewHub(opts.Hub)
	bus := events.NewBus(opts.EventQueueSize, events.LogSink{}, broadcaster, hub)
	processor := batch.NewProcessor(st, bus, opts.Batch)
	orchestrator := workflow.NewOrchestrator(st, bus, processor, opts.Workflow)
	bus.Subscribe(orchestrator)

	return &Service{
		store:        st,
		bus:          bus,
		broadcaster:  broadcaster,
		hub:          hub,
		processor:    processor,
		orchestrator: orchestrator,
		opts:         opts,
	}
}

// Start launches the event bus, the processor, the orchestrator, and the
// cleanup scheduler.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	s.bus.Start()
	s.processor.Start()
	s.orchestrator.Start()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stopped = make(chan struct{})
	go func() {
		defer close(s.stopped)
		s.StartCleanupScheduler(ctx, s.opts.Cleanup)
	}()
}

// Stop shuts components down in dependency order: no new workflow steps,
// in-flight batches drained, then the remaining events flushed.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-stopped

	var errs []error
	if err := s.orchestrator.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop orchestrator: %w", err))
	}
	if err := s.processor.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop processor: %w", err))
	}
	if err := s.bus.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop event bus: %w", err))
	}
	return errors.Join(errs...)
}

// Upload checks the file and starts a workflow session for it.
func (s *Service) Upload(ctx context.Context, entity domain.EntityType, fileName string, data []byte, declaredMIME string) (*domain.ImportSession, error) {
	if len(data) == 0 {
		return nil, ErrNoFile
	}
	if int64(len(data)) > s.opts.MaxFileSize {
		return nil, fmt.Errorf("file too large: %d bytes exceeds limit of %d", len(data), s.opts.MaxFileSize)
	}
	if m := mimetype.Detect(data); containerFormat(m) {
		return nil, fmt.Errorf("upload rejected: binary content (%s)", m.String())
	}
	if err := s.processor.Admit(ctx); err != nil {
		return nil, err
	}

	session, err := s.orchestrator.StartSession(ctx, workflow.Upload{
		EntityType: entity,
		FileName:   fileName,
		Data:       data,
		MIME:       declaredMIME,
	})
	if err != nil {
		return nil, err
	}
	ip, ua := ClientFromContext(ctx)
	logging.FromContext(ctx).Info("import uploaded",
		"session_id", session.ID,
		"status", session.Status,
		"client_ip", ip,
		"user_agent", ua)
	return session, nil
}

// containerFormat reports archive, document, and image formats that are
// never delimited text.
func containerFormat(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		switch {
		case m.Is("application/zip"), m.Is("application/gzip"), m.Is("application/pdf"),
			m.Is("application/x-ole-storage"), m.Is("application/x-7z-compressed"):
			return true
		case strings.HasPrefix(m.String(), "image/"):
			return true
		}
	}
	return false
}

// ImportStatus combines the processor's counters with the workflow view.
type ImportStatus struct {
	Processing *batch.Status            `json:"processing"`
	Workflow   *workflow.WorkflowStatus `json:"workflow"`
}

// Status reports a session's processing and workflow status.
func (s *Service) Status(ctx context.Context, sessionID string) (*ImportStatus, error) {
	processing, err := s.processor.GetProcessingStatus(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	wf, err := s.orchestrator.GetWorkflowStatus(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &ImportStatus{Processing: processing, Workflow: wf}, nil
}

// Preview returns the generated preview for a session.
func (s *Service) Preview(sessionID string) (*workflow.Preview, error) {
	return s.orchestrator.Preview(sessionID)
}

// UpdateMappings applies human mapping edits and re-runs the workflow.
func (s *Service) UpdateMappings(ctx context.Context, sessionID string, edits []domain.FieldMapping) error {
	return s.orchestrator.UpdateMappings(ctx, sessionID, edits)
}

// Advance requests an explicit workflow transition.
func (s *Service) Advance(ctx context.Context, sessionID string, target domain.SessionStatus, in *workflow.Input) error {
	return s.orchestrator.ExecuteWorkflow(ctx, sessionID, target, in)
}

// Approve starts executing a session that is awaiting approval.
func (s *Service) Approve(ctx context.Context, sessionID string) error {
	return s.orchestrator.Approve(ctx, sessionID)
}

// Retry re-runs the failed records of a finished session in the background.
func (s *Service) Retry(ctx context.Context, sessionID string) error {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	switch session.Status {
	case domain.StatusCancelled:
		return fmt.Errorf("retry %s: %w", sessionID, domain.ErrSessionCancelled)
	case domain.StatusCompleted, domain.StatusCompletedWithErrors:
	default:
		return fmt.Errorf("retry %s in %s: %w", sessionID, session.Status, domain.ErrInvalidTransition)
	}

	return s.processor.RetryAsync(sessionID)
}

// RetrySync re-runs failed records and waits for the result.
func (s *Service) RetrySync(ctx context.Context, sessionID string) (*batch.Summary, error) {
	return s.processor.RetryFailedRecords(ctx, sessionID)
}

// Cancel stops a session at any non-terminal state.
func (s *Service) Cancel(ctx context.Context, sessionID string) error {
	return s.orchestrator.Cancel(ctx, sessionID)
}

// Subscribe returns a channel of events for one session and a cancel func.
func (s *Service) Subscribe(sessionID string) (<-chan events.Event, func()) {
	return s.broadcaster.Subscribe(sessionID)
}

// Hub returns the WebSocket hub for the transport layer.
func (s *Service) Hub() *events.Hub { return s.hub }

// LimiterStatus reports batch slot usage.
func (s *Service) LimiterStatus() batch.LimiterStatus { return s.processor.LimiterStatus() }

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		slog.Warn("store ping failed", "error", err)
		return err
	}
	return nil
}
