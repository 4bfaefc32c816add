package web

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/JonMunkholm/importpipe/internal/domain"
)

// maxJSONBody bounds control request bodies (mapping edits and the like).
const maxJSONBody = 1 << 20

// badRequest wraps a client input problem so it maps to 400 and IMP005.
func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v as is.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return nil
		}
		return badRequest("decode body: %v", err)
	}
	return nil
}

// entityParam reads the entity type from the form, falling back to the query.
func entityParam(r *http.Request) domain.EntityType {
	v := r.FormValue("entity")
	if v == "" {
		v = r.URL.Query().Get("entity")
	}
	return domain.EntityType(strings.ToLower(strings.TrimSpace(v)))
}

// statusResponse is the body of simple control endpoints.
type statusResponse struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}
