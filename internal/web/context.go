package web

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/importpipe/internal/logging"
)

// sessionContext tags the request context with the session in the URL so
// every log line from the handler carries session_id.
func sessionContext(r *http.Request) (context.Context, string) {
	id := chi.URLParam(r, "sessionID")
	return logging.WithSession(r.Context(), id), id
}
