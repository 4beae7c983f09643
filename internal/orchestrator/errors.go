package orchestrator

import "fmt"

// OrchestratorError reports a failure at the orchestrator's surface: bad
// input, unknown tasks, or the queue rejecting an operation.
type OrchestratorError struct {
	Reason string
	TaskID string
	Err    error
}

func (e *OrchestratorError) Error() string {
	msg := "orchestrator: " + e.Reason
	if e.TaskID != "" {
		msg = fmt.Sprintf("%s (task %s)", msg, e.TaskID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OrchestratorError) Unwrap() error { return e.Err }
