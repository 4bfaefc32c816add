package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/JonMunkholm/importpipe/internal/logging"
	"github.com/JonMunkholm/importpipe/internal/metrics"
)

// DefaultQueueSize is the bus buffer used when NewBus is given zero.
const DefaultQueueSize = 1024

// Bus is an ordered, non-blocking event queue. Emit enqueues; a single
// dispatch goroutine forwards each event to every subscribed sink in the
// order it was emitted, so per-session order is preserved.
//
// When the queue is full the event is dropped, logged, and counted.
type Bus struct {
	queue chan Event

	mu      sync.RWMutex
	sinks   []Sink
	started bool
	closed  bool

	done chan struct{}
}

var _ Sink = (*Bus)(nil)

// NewBus creates a bus forwarding to sinks. Call Start before emitting.
func NewBus(size int, sinks ...Sink) *Bus {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Bus{
		queue: make(chan Event, size),
		sinks: sinks,
		done:  make(chan struct{}),
	}
}

// Subscribe adds a sink. Sinks added after Start see only later events.
func (b *Bus) Subscribe(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Start launches the dispatch goroutine. It is a no-op if already started.
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.closed {
		return
	}
	b.started = true
	go b.dispatch()
}

// Stop refuses new events, delivers what is already queued, and returns once
// the dispatcher exits or ctx is done.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	started := b.started
	close(b.queue)
	b.mu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event bus drain: %w", ctx.Err())
	}
}

// Emit enqueues e without blocking. It never returns an error; undelivered
// events are logged and counted instead.
func (b *Bus) Emit(ctx context.Context, sessionID string, e Event) error {
	if e.SessionID == "" {
		e.SessionID = sessionID
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.drop(ctx, e, "bus stopped")
		return nil
	}

	select {
	case b.queue <- e:
	default:
		b.drop(ctx, e, "queue full")
	}
	return nil
}

func (b *Bus) drop(ctx context.Context, e Event, reason string) {
	metrics.EventDropped(string(e.Type))
	logging.FromContext(ctx).Debug("event dropped",
		"session_id", e.SessionID,
		"type", e.Type,
		"reason", reason,
	)
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for e := range b.queue {
		b.mu.RLock()
		sinks := append([]Sink(nil), b.sinks...)
		b.mu.RUnlock()

		for _, s := range sinks {
			deliver(s, e)
		}
	}
}

// deliver calls one sink, logging failures and panics.
func deliver(s Sink, e Event) {
	ctx := logging.WithSession(context.Background(), e.SessionID)
	defer func() {
		if r := recover(); r != nil {
			logging.FromContext(ctx).Error("event sink panicked", "type", e.Type, "panic", r)
		}
	}()
	if err := s.Emit(ctx, e.SessionID, e); err != nil {
		logging.FromContext(ctx).Warn("event delivery failed", "type", e.Type, "error", err)
	}
}
