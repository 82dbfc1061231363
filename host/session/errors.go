package session

import (
	"errors"
	"fmt"
)

// Call-order errors. Operations returning them leave the session unchanged.
var (
	ErrNotConnected  = errors.New("link is not open")
	ErrBusy          = errors.New("a sequence is already being streamed")
	ErrStreaming     = errors.New("cannot change the link while streaming")
	ErrIdle          = errors.New("no stream to stop")
	ErrNotStreamMode = errors.New("not in stream mode")
	ErrAlreadyPaused = errors.New("stream already paused")
	ErrNotPaused     = errors.New("stream is not paused")
	ErrStopping      = errors.New("stop in progress")
	ErrEmptySequence = errors.New("sequence has no points")
	ErrDimension     = errors.New("sequence dimension not supported by the controller")

	// ErrStopTimeout is reported when the controller never acknowledges a stop
	ErrStopTimeout = errors.New("controller did not acknowledge stop")

	// ErrLoopStopped is returned by Call once the loop has exited
	ErrLoopStopped = errors.New("session loop stopped")
)

// LinkError wraps a failure of the serial link
type LinkError struct {
	Op  string // open, write, read, close or stop
	Err error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("link %s: %v", e.Op, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}
