package core

// error_messages.go maps pipeline errors to user-facing messages with codes
// for support reference. Users quote the code; support looks it up here.
//
// # Format Recovery (PARSE001-PARSE099)
//
//	PARSE001 - No strategy could read the file
//	           Action: Re-export the file as a UTF-8 CSV and upload it again
//	           Match: domain.ErrNoRecoverableData, "no-recoverable-data"
//
//	PARSE002 - The file looks binary
//	           Action: Upload a delimited text file (CSV, TSV)
//	           Match: "binary content"
//
//	PARSE003 - File exceeds the size limit
//	           Action: Split the file into smaller files
//	           Match: "file too large"
//
//	PARSE004 - No file was provided
//	           Action: Select a file to upload
//	           Match: "no file provided"
//
// # Record Validation (VAL001-VAL099)
//
//	VAL001 - Required field is empty
//	VAL002 - Invalid number
//	VAL003 - Value not in the allowed list
//	VAL004 - Required fields are not mapped
//
// # Batch Execution (BATCH001-BATCH099)
//
//	BATCH001 - Too many imports are running
//	BATCH002 - Retry budget exhausted
//	BATCH003 - Import is already running
//	BATCH004 - Batch timed out
//	BATCH005 - Processor is shutting down
//
// # Workflow (WF001-WF099)
//
//	WF001 - Mapping confidence too low for automatic preview
//	WF002 - Requested step is not available from the current state
//	WF003 - Import already finished
//
// # Persistence (DB001-DB099)
//
//	DB001 - Record already exists
//	DB002 - Database unavailable
//	DB003 - Database busy
//
// # Session Control (IMP001-IMP099)
//
//	IMP001 - Import session not found
//	IMP002 - Import was cancelled
//	IMP003 - Unknown entity type
//	IMP004 - Request cancelled
//	IMP005 - Malformed request
//
// # Default (ERR000)
//
// Returned when nothing matches. Check the logs for the technical error.
//
// Sentinel errors are matched first with errors.Is; the remaining patterns
// are matched case-insensitively with strings.Contains, first match wins.

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/importpipe/internal/domain"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string `json:"message"` // What happened (user-friendly)
	Action  string `json:"action"`  // What to do about it
	Code    string `json:"code"`    // Error code for support reference
}

var (
	msgNoRecoverable = UserMessage{
		Message: "The file could not be read by any parser",
		Action:  "Re-export the file as a UTF-8 CSV and upload it again",
		Code:    "PARSE001",
	}
	msgGuard = UserMessage{
		Message: "Field mappings need review before the import can continue",
		Action:  "Check the suggested mappings and map the remaining columns",
		Code:    "WF001",
	}
	msgInvalidTransition = UserMessage{
		Message: "That step is not available for this import right now",
		Action:  "Refresh the import status and follow the suggested next step",
		Code:    "WF002",
	}
	msgTerminal = UserMessage{
		Message: "This import has already finished",
		Action:  "Start a new import to load more data",
		Code:    "WF003",
	}
	msgTooMany = UserMessage{
		Message: "Too many imports are running",
		Action:  "Please wait a moment and try again",
		Code:    "BATCH001",
	}
	msgRetryExhausted = UserMessage{
		Message: "Failed rows were retried too many times",
		Action:  "Review the failed rows and fix the source file",
		Code:    "BATCH002",
	}
	msgAlreadyProcessing = UserMessage{
		Message: "This import is already running",
		Action:  "Wait for the current run to finish",
		Code:    "BATCH003",
	}
	msgStopped = UserMessage{
		Message: "The importer is shutting down",
		Action:  "Please try again in a few moments",
		Code:    "BATCH005",
	}
	msgUnavailable = UserMessage{
		Message: "Unable to reach the database",
		Action:  "Please try again in a few moments",
		Code:    "DB002",
	}
	msgNotFound = UserMessage{
		Message: "Import session not found",
		Action:  "The session may have expired. Please upload the file again",
		Code:    "IMP001",
	}
	msgCancelled = UserMessage{
		Message: "This import was cancelled",
		Action:  "Start a new import when ready",
		Code:    "IMP002",
	}
	msgUnknownEntity = UserMessage{
		Message: "Unknown import type",
		Action:  "Choose product, brand, or attribute",
		Code:    "IMP003",
	}
	msgRequestCancelled = UserMessage{
		Message: "Request was cancelled",
		Action:  "Please try again",
		Code:    "IMP004",
	}
	msgTimeout = UserMessage{
		Message: "A batch took too long to import",
		Action:  "Retry the failed rows or try again later",
		Code:    "BATCH004",
	}
)

// sentinelMessages is checked before the string patterns.
var sentinelMessages = []struct {
	err error
	msg UserMessage
}{
	{domain.ErrNoRecoverableData, msgNoRecoverable},
	{domain.ErrGuardRejected, msgGuard},
	{domain.ErrInvalidTransition, msgInvalidTransition},
	{domain.ErrTerminalState, msgTerminal},
	{domain.ErrTooManyImports, msgTooMany},
	{domain.ErrRetryBudgetExhausted, msgRetryExhausted},
	{domain.ErrAlreadyProcessing, msgAlreadyProcessing},
	{domain.ErrProcessorStopped, msgStopped},
	{domain.ErrStorageUnavailable, msgUnavailable},
	{domain.ErrSessionNotFound, msgNotFound},
	{domain.ErrSessionCancelled, msgCancelled},
	{domain.ErrUnknownEntityType, msgUnknownEntity},
	{context.DeadlineExceeded, msgTimeout},
	{context.Canceled, msgRequestCancelled},
}

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns maps technical error text (case-insensitive) to user messages.
// Specific patterns come before general ones.
var errorPatterns = []errorPattern{
	// Format recovery
	{pattern: "no-recoverable-data", msg: msgNoRecoverable},
	{pattern: "binary content", msg: UserMessage{
		Message: "The file looks like a binary file, not text",
		Action:  "Upload a delimited text file (CSV, TSV)",
		Code:    "PARSE002",
	}},
	{pattern: "file too large", msg: UserMessage{
		Message: "File exceeds the maximum size limit",
		Action:  "Split the file into smaller files",
		Code:    "PARSE003",
	}},
	{pattern: "no file provided", msg: UserMessage{
		Message: "No file was provided",
		Action:  "Select a file to upload",
		Code:    "PARSE004",
	}},

	// Record validation
	{pattern: "required field is empty", msg: UserMessage{
		Message: "Required field is empty",
		Action:  "Ensure every required column has a value",
		Code:    "VAL001",
	}},
	{pattern: "invalid number", msg: UserMessage{
		Message: "Invalid number format detected",
		Action:  "Remove currency symbols and use a standard decimal format",
		Code:    "VAL002",
	}},
	{pattern: "must be one of", msg: UserMessage{
		Message: "Value is not in the allowed list",
		Action:  "Check the allowed values for this field",
		Code:    "VAL003",
	}},
	{pattern: "required fields not mapped", msg: UserMessage{
		Message: "Required fields are not mapped",
		Action:  "Map a source column to every required field",
		Code:    "VAL004",
	}},

	// Persistence
	{pattern: "duplicate key", msg: UserMessage{
		Message: "A record with this key already exists",
		Action:  "Remove the duplicate rows or retry after fixing them",
		Code:    "DB001",
	}},
	{pattern: "connection refused", msg: msgUnavailable},
	{pattern: "connection reset", msg: msgUnavailable},
	{pattern: "deadlock", msg: UserMessage{
		Message: "The database was busy with conflicting work",
		Action:  "Please try again",
		Code:    "DB003",
	}},

	// Session control
	{pattern: "too many concurrent imports", msg: msgTooMany},
	{pattern: "session not found", msg: msgNotFound},
	{pattern: "invalid request", msg: UserMessage{
		Message: "The request could not be understood",
		Action:  "Check the request body and parameters",
		Code:    "IMP005",
	}},
}

// defaultMessage is returned when no pattern matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
// Known sentinel errors win; otherwise the first matching text pattern is
// used, falling back to ERR000.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}
	for _, s := range sentinelMessages {
		if errors.Is(err, s.err) {
			return s.msg
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}
	return defaultMessage
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to something more specific than ERR000.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

// UserError pairs a technical error with its user-facing message.
type UserError struct {
	Technical error       // Original technical error for logging
	User      UserMessage // User-friendly message for display
}

func (e *UserError) Error() string {
	return e.User.Message
}

func (e *UserError) Unwrap() error {
	return e.Technical
}

// NewUserError maps err. It returns nil if err is nil.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{
		Technical: err,
		User:      MapError(err),
	}
}
