package events

import (
	"context"
	"sync"

	"github.com/JonMunkholm/importpipe/internal/metrics"
)

// subscriberBuffer is the per-listener channel capacity.
const subscriberBuffer = 32

// Broadcaster fans events out to per-session listener channels. It backs the
// SSE endpoint. Slow listeners miss events rather than stall the bus.
type Broadcaster struct {
	mu        sync.Mutex
	listeners map[string][]chan Event
}

var _ Sink = (*Broadcaster)(nil)

// NewBroadcaster returns an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{listeners: make(map[string][]chan Event)}
}

// Subscribe registers a listener for sessionID. The returned cancel func
// removes and closes the channel; it is safe to call more than once.
func (b *Broadcaster) Subscribe(sessionID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.listeners[sessionID] = append(b.listeners[sessionID], ch)
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.remove(sessionID, ch) })
	}
}

func (b *Broadcaster) remove(sessionID string, target chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	chans := b.listeners[sessionID]
	for i, ch := range chans {
		if ch == target {
			b.listeners[sessionID] = append(chans[:i], chans[i+1:]...)
			close(ch)
			break
		}
	}
	if len(b.listeners[sessionID]) == 0 {
		delete(b.listeners, sessionID)
	}
}

// Emit sends e to every listener of sessionID, skipping full ones.
func (b *Broadcaster) Emit(_ context.Context, sessionID string, e Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.listeners[sessionID] {
		select {
		case ch <- e:
		default:
			metrics.EventDropped(string(e.Type))
		}
	}
	return nil
}

// Close closes all listeners of sessionID. Used when a session is evicted.
func (b *Broadcaster) Close(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.listeners[sessionID] {
		close(ch)
	}
	delete(b.listeners, sessionID)
}

// Listeners returns the number of listeners for sessionID.
func (b *Broadcaster) Listeners(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[sessionID])
}
