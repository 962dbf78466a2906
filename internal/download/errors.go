package download

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound indicates the referenced job does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotCancellable indicates a cancel request arrived for a job
	// which has already reached a terminal state.
	ErrJobNotCancellable = errors.New("job is already in a terminal state and cannot be cancelled")

	// ErrJobInProgress indicates a delete request arrived for a job which
	// is still pending or processing; jobs must be cancelled first.
	ErrJobInProgress = errors.New("job is still active and cannot be deleted")

	// ErrStaleTransition indicates a status update raced against another
	// writer (most commonly a cancellation landing mid-transfer) and was
	// dropped rather than applied over a terminal state.
	ErrStaleTransition = errors.New("job status changed concurrently; update abandoned")
)

// ValidationError describes a submission which was rejected before any job
// record was created. Rejections carry no persisted trace.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err (or anything it wraps) is a
// pre-creation validation failure.
func IsValidationError(err error) bool {
	var v ValidationError
	return errors.As(err, &v)
}
