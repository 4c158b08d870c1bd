package replication

import (
	"errors"
	"fmt"
	"time"
)

// WaitTimedOutError indicates the target position was not observed on the
// local replica within the caller's deadline. The write itself succeeded;
// only the local-visibility guarantee is forfeited, and the caller decides
// how to handle a possibly-stale read.
type WaitTimedOutError struct {
	Target   Position
	Observed Position
	Timeout  time.Duration
}

func (e *WaitTimedOutError) Error() string {
	return fmt.Sprintf("replica did not reach position %d within %s (last observed %d)",
		e.Target, e.Timeout, e.Observed)
}

// IsWaitTimedOut reports whether err is a catch-up wait timeout
func IsWaitTimedOut(err error) bool {
	var t *WaitTimedOutError
	return errors.As(err, &t)
}

// PositionQueryError wraps a position source failure. Recovered internally by
// the poller via retry; surfaced only through logs and metrics.
type PositionQueryError struct {
	Cause error
}

func (e *PositionQueryError) Error() string {
	return fmt.Sprintf("position query failed: %v", e.Cause)
}

func (e *PositionQueryError) Unwrap() error {
	return e.Cause
}
