package jobs

import (
	"errors"
	"fmt"
)

// ErrHandlerNotFound means a job's type has no registered handler. The
// execution engine treats it as an immediate terminal failure; retrying
// cannot fix a missing handler.
var ErrHandlerNotFound = errors.New("no handler registered for job type")

// ValidationError rejects a malformed enqueue spec synchronously; the job
// is never created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid job spec: %s %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
