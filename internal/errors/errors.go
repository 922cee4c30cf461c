// Package errors defines the sentinel errors shared across the analysis backend.
//
// Callers match them with errors.Is. This package imports only the standard
// library so every other internal package can depend on it.
package errors

import "errors"

var (
	// ErrEmptyValue indicates that a required value was empty.
	ErrEmptyValue = errors.New("value cannot be empty")

	// ErrTaskNotFound indicates that no task exists for the requested id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskNotCompleted indicates that a result was requested for a task
	// that has not reached the completed state.
	ErrTaskNotCompleted = errors.New("task not completed")

	// ErrResultMissing indicates a completed task whose result file is gone.
	ErrResultMissing = errors.New("result file not found")

	// ErrInvalidStatus indicates an unrecognized task status value.
	ErrInvalidStatus = errors.New("invalid task status")

	// ErrInvalidTransition indicates an update that would move a task
	// backwards, out of a terminal state, or break the result invariant.
	ErrInvalidTransition = errors.New("invalid task transition")

	// ErrNoInputs indicates that input acquisition produced no images.
	ErrNoInputs = errors.New("no input images found")

	// ErrTooManyInputs indicates that the input count exceeded the ceiling.
	ErrTooManyInputs = errors.New("input limit exceeded")

	// ErrNoArtifacts indicates that every per-image analysis failed.
	ErrNoArtifacts = errors.New("no analysis results produced")

	// ErrSchemaViolation indicates model output that does not match the score schema.
	ErrSchemaViolation = errors.New("analysis result does not match schema")

	// ErrInvalidSourceRef indicates a source reference that does not name a directory below the cache root.
	ErrInvalidSourceRef = errors.New("invalid source reference")

	// ErrUnknownBackend indicates an analysis backend name with no registered factory.
	ErrUnknownBackend = errors.New("unknown analysis backend")

	// ErrStorageNotConfigured indicates that object storage credentials or bucket are missing.
	ErrStorageNotConfigured = errors.New("object storage not configured")

	// ErrConfigInvalid indicates a configuration value that failed validation.
	ErrConfigInvalid = errors.New("invalid configuration")
)
