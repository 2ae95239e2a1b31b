package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed or incomplete input. No state is changed.
	ErrValidation = errors.New("realtime: validation failed")
	// ErrNotFound marks a reference to a record that does not exist.
	ErrNotFound = errors.New("realtime: not found")
	// ErrForbidden marks cross-owner or cross-project access.
	ErrForbidden = errors.New("realtime: forbidden")
	// ErrTransport marks a send or write failure on a single connection.
	ErrTransport = errors.New("realtime: transport failure")
	// ErrPersistence marks a store failure.
	ErrPersistence = errors.New("realtime: persistence failure")
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

// NewServiceError builds a ServiceError with the code "<operation>.<reason>".
func NewServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
