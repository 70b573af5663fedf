package runtime

import (
	"errors"
)

var (
	// ErrLoopLimitExceeded is returned when the model keeps requesting tools
	// past the configured iteration cap.
	ErrLoopLimitExceeded = errors.New("tool loop limit exceeded")

	// ErrToolNotFound is returned by Catalog.Resolve for unknown names.
	ErrToolNotFound = errors.New("tool not found")

	// ErrUnknownTask is returned when no task profile has the requested name.
	ErrUnknownTask = errors.New("unknown task")
)

// ModelError wraps a failure of the model capability. It is fatal to the turn.
type ModelError struct {
	Err error
}

func (e *ModelError) Error() string {
	return "model invocation failed: " + e.Err.Error()
}

func (e *ModelError) Unwrap() error {
	return e.Err
}
