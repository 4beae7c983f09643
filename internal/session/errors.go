package session

import "fmt"

// SessionError reports a failure to load, save, or transition a task's
// session state.
type SessionError struct {
	Reason string
	TaskID string
	Err    error
}

func (e *SessionError) Error() string {
	msg := fmt.Sprintf("session %s: %s", e.TaskID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SessionError) Unwrap() error { return e.Err }
