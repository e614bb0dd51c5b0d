package batch

import (
	"errors"
)

// ErrInvalidBatch is returned by Process when the batch cannot be processed at all.
var ErrInvalidBatch = errors.New("invalid batch")

// HandlingError is the typed failure a policy returns for a single message.
type HandlingError struct {
	Reason string
	Err    error
}

// NewHandlingError builds a HandlingError, err may be nil.
func NewHandlingError(reason string, err error) *HandlingError {
	return &HandlingError{Reason: reason, Err: err}
}

func (e *HandlingError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	if e.Reason == "" {
		return e.Err.Error()
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *HandlingError) Unwrap() error {
	return e.Err
}

// IsHandlingError reports whether err carries a HandlingError.
func IsHandlingError(err error) bool {
	var he *HandlingError
	return errors.As(err, &he)
}
