package taskqueue

import (
	"errors"
	"fmt"
)

// Error codes for BackendError.
const (
	BackendUnavailableError int = iota + 1
	BackendQueryError
	BackendCloseError
)

// BackendError reports a failed round trip to the task queue backend. The
// core never retries these; they propagate to the caller, which owns the
// backoff/alerting policy.
type BackendError struct {
	Code int
	Msg  string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend error (%d): %s", e.Code, e.Msg)
}

// Unavailable builds a BackendError for an unreachable broker.
func Unavailable(format string, args ...interface{}) *BackendError {
	return &BackendError{Code: BackendUnavailableError, Msg: fmt.Sprintf(format, args...)}
}

// IsUnavailable reports whether err is a BackendError with the
// BackendUnavailableError code.
func IsUnavailable(err error) bool {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Code == BackendUnavailableError
	}
	return false
}
