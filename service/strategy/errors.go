package strategy

import (
	"errors"
	"fmt"
)

// ErrProtocolNotFound is returned when a protocol has no registered contract.
var ErrProtocolNotFound = errors.New("protocol not found")

// ValidationError reports an Operation or allocation entry that can never be
// executed. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid operation: %s %s", e.Field, e.Reason)
}

// IsValidationError reports whether err wraps a *ValidationError.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
