package router

import "fmt"

// RemoteExecutionError indicates the forwarded write failed on or en route to
// the primary. The remote cause is preserved unchanged; no retry and no local
// fallback happen inside the router, since locally executing a write on a
// replica would violate single-primary semantics.
type RemoteExecutionError struct {
	Region    string
	Operation string
	Cause     error
}

func (e *RemoteExecutionError) Error() string {
	return fmt.Sprintf("remote execution of %q against region %s failed: %v",
		e.Operation, e.Region, e.Cause)
}

func (e *RemoteExecutionError) Unwrap() error {
	return e.Cause
}
