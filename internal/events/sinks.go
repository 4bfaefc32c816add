package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/JonMunkholm/importpipe/internal/logging"
)

// LogSink writes every event to the structured log. Progress events are
// logged at debug level, errors at warn.
type LogSink struct{}

func (LogSink) Emit(ctx context.Context, sessionID string, e Event) error {
	level := slog.LevelInfo
	switch e.Type {
	case TypeProgress:
		level = slog.LevelDebug
	case TypeError, TypeWorkflowError, TypeBatchFailed:
		level = slog.LevelWarn
	}
	logging.FromContext(ctx).Log(ctx, level, "import event",
		"session_id", sessionID,
		"type", e.Type,
		"auto_advance", e.Metadata.AutoAdvance,
		"next_step", e.Metadata.ExpectedNextStep,
	)
	return nil
}

// Recorder keeps every event it receives. Used by the CLI and in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

func (r *Recorder) Emit(_ context.Context, sessionID string, e Event) error {
	if e.SessionID == "" {
		e.SessionID = sessionID
	}
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of type t, in order.
func (r *Recorder) OfType(t Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// WaitFor blocks until an event of type t for sessionID has been recorded or
// ctx is done.
func (r *Recorder) WaitFor(ctx context.Context, sessionID string, t Type) (Event, bool) {
	for {
		r.mu.Lock()
		for _, e := range r.events {
			if e.Type == t && e.SessionID == sessionID {
				r.mu.Unlock()
				return e, true
			}
		}
		r.mu.Unlock()

		select {
		case <-r.notify:
		case <-ctx.Done():
			return Event{}, false
		}
	}
}
