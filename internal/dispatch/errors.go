package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrIterationsExceeded is the failure recorded when a task spends its
	// iteration budget without a completion marker
	ErrIterationsExceeded = errors.New("exceeded iterations")
	// ErrDriverTimeout marks a driver call that ran past its deadline
	ErrDriverTimeout = errors.New("driver call timed out")
)

// Failure tags carried in DispatcherError.Reason
const (
	ReasonDriver  = "driver"
	ReasonTimeout = "timeout"
)

// DispatcherError reports a failed attempt at one task
type DispatcherError struct {
	Reason string
	TaskID string
	Err    error
}

func (e *DispatcherError) Error() string {
	msg := fmt.Sprintf("dispatch %s: %s", e.TaskID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DispatcherError) Unwrap() error { return e.Err }
