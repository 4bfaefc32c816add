package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JonMunkholm/importpipe/internal/events"
	"github.com/JonMunkholm/importpipe/internal/logging"
)

// formOverhead leaves room for multipart headers and the entity field.
const formOverhead = 1 << 20

// sseHeartbeat keeps idle streams open through proxies.
const sseHeartbeat = 15 * time.Second

// handleUpload accepts a multipart file and starts a workflow session.
// The response carries the session as it stands after analysis.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxSize+formOverhead)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			respondError(w, r, fmt.Errorf("file too large: limit is %d bytes", s.maxSize))
			return
		}
		respondError(w, r, badRequest("parse form: %v", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, r, fmt.Errorf("no file provided: %w", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, s.maxSize+1))
	if err != nil {
		respondError(w, r, fmt.Errorf("read upload: %w", err))
		return
	}
	if int64(len(data)) > s.maxSize {
		respondError(w, r, fmt.Errorf("file too large: limit is %d bytes", s.maxSize))
		return
	}

	session, err := s.service.Upload(r.Context(), entityParam(r), header.Filename, data, header.Header.Get("Content-Type"))
	if err != nil {
		respondError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/imports/"+session.ID)
	writeJSONStatus(w, http.StatusCreated, session)
}

// handleEvents streams a session's events as Server-Sent Events. The first
// event is a status snapshot so reconnecting clients need no history; the
// stream ends after the completed event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx, sessionID := sessionContext(r)

	status, err := s.service.Status(ctx, sessionID)
	if err != nil {
		respondError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, r, errors.New("streaming not supported"))
		return
	}

	ch, unsubscribe := s.service.Subscribe(sessionID)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	seq := 0
	send := func(name string, v any) bool {
		data, err := json.Marshal(v)
		if err != nil {
			logging.FromContext(ctx).Warn("sse encode failed", "event", name, "error", err)
			return true
		}
		seq++
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, name, data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !send("status", status) {
		return
	}
	if status.Processing.Status.Terminal() && !status.Processing.Active {
		return
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				// session evicted
				return
			}
			if !send(string(e.Type), e) || e.Type == events.TypeCompleted {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// handleWebSocket attaches a WebSocket client to a session's event channel.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ctx, sessionID := sessionContext(r)

	if _, err := s.service.Status(ctx, sessionID); err != nil {
		respondError(w, r, err)
		return
	}
	// The upgrader has already answered the client on failure.
	if err := s.service.Hub().Serve(w, r.WithContext(ctx), sessionID); err != nil {
		logging.FromContext(ctx).Warn("websocket failed", "error", err)
	}
}
