package domain

import "errors"

var (
	// ErrNoRecoverableData means no parsing strategy produced usable rows.
	ErrNoRecoverableData = errors.New("no-recoverable-data: no strategy could parse the file")

	// ErrSessionNotFound is returned for unknown or evicted session IDs.
	ErrSessionNotFound = errors.New("import session not found")

	// ErrTerminalState is returned when a transition is requested for a finished session.
	ErrTerminalState = errors.New("import session is in a terminal state")

	// ErrInvalidTransition is returned when no transition exists between two states.
	ErrInvalidTransition = errors.New("invalid workflow transition")

	// ErrGuardRejected is returned when a transition guard refuses to advance.
	ErrGuardRejected = errors.New("workflow guard rejected transition")

	// ErrSessionCancelled is returned for operations on a cancelled session.
	ErrSessionCancelled = errors.New("import session cancelled")

	// ErrAlreadyProcessing is returned when a session already has an active run.
	ErrAlreadyProcessing = errors.New("import session is already processing")

	// ErrUnknownEntityType is returned for entity types with no target schema.
	ErrUnknownEntityType = errors.New("unknown entity type")

	// ErrRetryBudgetExhausted is returned once retries exceed the configured attempts.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

	// ErrProcessorStopped is returned for work submitted after shutdown began.
	ErrProcessorStopped = errors.New("batch processor is stopped")

	// ErrTooManyImports is returned when no processing slot frees up in time.
	ErrTooManyImports = errors.New("too many concurrent imports, please try again later")

	// ErrStorageUnavailable marks persistence failures that should fail a whole
	// batch rather than a single record.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
