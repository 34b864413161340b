package downloader

import (
	"errors"
	"fmt"
)

var (
	// ErrPaused is the cancellation cause used to pause a running task.
	ErrPaused = errors.New("download paused")
	// ErrCancelled is the cancellation cause used to cancel a running task.
	ErrCancelled = errors.New("download cancelled")
	// ErrInvalidTransition is returned for a state change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// WriteError is a local storage failure. It is never retried.
type WriteError struct {
	Op   string
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

func writeErr(op, path string, err error) error {
	return &WriteError{Op: op, Path: path, Err: err}
}
