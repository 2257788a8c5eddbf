package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned by Start when the scheduler is already live.
	ErrAlreadyRunning = errors.New("scheduler already running")
	// ErrNotRunning is returned by operations that require a started scheduler.
	ErrNotRunning = errors.New("scheduler is not running")
	// ErrInvalidState is returned when a task cannot make the requested transition.
	ErrInvalidState = errors.New("task is not pending")
)

// NotFoundError reports an unknown task id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.ID)
}
