package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/JonMunkholm/importpipe/internal/logging"
	"github.com/JonMunkholm/importpipe/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

// HubOptions configures a Hub.
type HubOptions struct {
	// CheckOrigin is passed to the upgrader. Nil allows same-origin only.
	CheckOrigin func(r *http.Request) bool
}

// Hub pushes session events to WebSocket clients. Each session is a channel;
// a connection joins the channel of the session it was opened for.
type Hub struct {
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	channels map[string]map[*conn]struct{}
}

var _ Sink = (*Hub)(nil)

type conn struct {
	ws      *websocket.Conn
	send    chan []byte
	session string
	once    sync.Once
}

func (c *conn) close() {
	c.once.Do(func() { close(c.send) })
}

// NewHub creates a Hub.
func NewHub(opts HubOptions) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
		channels: make(map[string]map[*conn]struct{}),
	}
}

// Serve upgrades the request and streams events for sessionID until the
// client disconnects.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, sessionID string) error {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade: %w", err)
	}

	c := &conn{ws: ws, send: make(chan []byte, sendBuffer), session: sessionID}
	h.join(c)

	logger := logging.WithFields(r.Context(), "session_id", sessionID)
	logger.Debug("websocket connected")

	go h.writePump(c, logger)
	h.readPump(c)

	logger.Debug("websocket disconnected")
	return nil
}

func (h *Hub) join(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.channels[c.session]
	if members == nil {
		members = make(map[*conn]struct{})
		h.channels[c.session] = members
	}
	members[c] = struct{}{}
}

func (h *Hub) leave(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.channels[c.session]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.channels, c.session)
		}
	}
	c.close()
}

// readPump discards client messages; it exists to notice disconnects and
// answer pings.
func (h *Hub) readPump(c *conn) {
	defer func() {
		h.leave(c)
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(512)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *conn, logger *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Emit queues e for every connection joined to sessionID.
func (h *Hub) Emit(_ context.Context, sessionID string, e Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members := h.channels[sessionID]
	if len(members) == 0 {
		return nil
	}
	msg, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", e.Type, err)
	}
	for c := range members {
		select {
		case c.send <- msg:
		default:
			metrics.EventDropped(string(e.Type))
		}
	}
	return nil
}

// Connections returns the number of clients watching sessionID.
func (h *Hub) Connections(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[sessionID])
}
