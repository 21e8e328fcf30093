package task

import (
	"errors"
	"fmt"
)

var (
	// ErrIdentityGeneration means the entropy source failed. Fatal.
	ErrIdentityGeneration = errors.New("task identity generation failed")

	// ErrBackendUnavailable means a start or cancel request could not be
	// delivered to the execution backend.
	ErrBackendUnavailable = errors.New("execution backend unavailable")

	// ErrRemoteExecution means the backend reported the task as failed.
	ErrRemoteExecution = errors.New("remote execution failed")

	// ErrCancelled marks a task that ended because of a cancel request.
	ErrCancelled = errors.New("task cancelled")

	// ErrTimedOut marks a task torn down by its deadline.
	ErrTimedOut = errors.New("task timed out")

	// ErrNotFound is returned by the Manager for unknown task ids.
	ErrNotFound = errors.New("task not found")

	// ErrConcurrencyLimit is returned by Submit when max_concurrent tasks
	// are already running.
	ErrConcurrencyLimit = errors.New("concurrency limit reached")

	// ErrInvalidRequest is returned by Submit for incomplete requests.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrTaskFinished is returned when input is sent to a task that has
	// already ended.
	ErrTaskFinished = errors.New("task already finished")

	// ErrInputUnsupported means the backend cannot forward input to tasks.
	ErrInputUnsupported = errors.New("backend does not accept task input")
)

// BackendError describes a request the backend did not accept.
type BackendError struct {
	TaskID string
	Op     string // "start" or "cancel"
	Err    error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s task %s: %v", e.Op, e.TaskID, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Is reports every BackendError as ErrBackendUnavailable.
func (e *BackendError) Is(target error) bool {
	return target == ErrBackendUnavailable
}
