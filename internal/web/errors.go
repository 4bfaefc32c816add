package web

// errors.go turns pipeline errors into JSON responses.
//
// The technical error is logged with the request id; the client gets the
// user message and support code from core.MapError. The HTTP status is
// derived from the same sentinel errors so handlers never pick one by hand.

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/importpipe/internal/core"
	"github.com/JonMunkholm/importpipe/internal/domain"
	"github.com/JonMunkholm/importpipe/internal/logging"
)

// ErrorResponse is the JSON body of every API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

// errBadRequest marks malformed client input.
var errBadRequest = errors.New("invalid request")

// statusFor maps an error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, domain.ErrUnknownEntityType),
		errors.Is(err, core.ErrNoFile):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrTerminalState),
		errors.Is(err, domain.ErrSessionCancelled),
		errors.Is(err, domain.ErrAlreadyProcessing),
		errors.Is(err, domain.ErrRetryBudgetExhausted):
		return http.StatusConflict
	case errors.Is(err, domain.ErrGuardRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrTooManyImports):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrStorageUnavailable),
		errors.Is(err, domain.ErrProcessorStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}

	switch core.MapError(err).Code {
	case "PARSE002":
		return http.StatusUnsupportedMediaType
	case "PARSE003":
		return http.StatusRequestEntityTooLarge
	case "PARSE004":
		return http.StatusBadRequest
	case "PARSE001", "VAL004":
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// respondError logs err and writes its user-facing form.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	userMsg := core.MapError(err)

	logger := logging.FromContext(r.Context())
	attrs := []any{
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"code", userMsg.Code,
		"request_id", middleware.GetReqID(r.Context()),
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request error", attrs...)
	} else {
		logger.Info("request rejected", attrs...)
	}

	writeJSONStatus(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: userMsg.Message,
		Action:  userMsg.Action,
		Code:    userMsg.Code,
	})
}
