package browser

import (
	"fmt"
	"strings"
)

// PoolError reports a pool invariant violation: unknown instance, double
// release, or instances that could not be created.
type PoolError struct {
	Reason     string
	InstanceID string
	// Failed lists instance ids whose creation failed
	Failed []string
	Err    error
}

func (e *PoolError) Error() string {
	var b strings.Builder
	b.WriteString("pool: ")
	b.WriteString(e.Reason)
	if e.InstanceID != "" {
		fmt.Fprintf(&b, " (instance %s)", e.InstanceID)
	}
	if len(e.Failed) > 0 {
		fmt.Fprintf(&b, " (%d failed: %s)", len(e.Failed), strings.Join(e.Failed, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *PoolError) Unwrap() error { return e.Err }

// PoolExhaustedError means no instance was available. It is always
// recoverable: the task stays queued for a later tick.
type PoolExhaustedError struct {
	Requested int
	Available int
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("pool exhausted: requested %d, available %d", e.Requested, e.Available)
}
