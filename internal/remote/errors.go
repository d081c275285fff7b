package remote

import (
	"errors"
	"fmt"
)

// ErrorCode classifies remote failures.
type ErrorCode string

const (
	// ErrCodeNetwork means the request failed before a response arrived.
	// Stale data is kept and the caller may retry.
	ErrCodeNetwork ErrorCode = "NETWORK"

	// ErrCodeServer means a non-2xx response. Message carries the body's
	// message for display.
	ErrCodeServer ErrorCode = "SERVER"

	// ErrCodeConflict means the server rejected a mutation because the row
	// changed or vanished. Optimistic values are rolled back, not retried.
	ErrCodeConflict ErrorCode = "CONFLICT"
)

// Error is a classified remote failure.
type Error struct {
	Code     ErrorCode
	Message  string
	Status   int
	Resource string
	ID       string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Status != 0 && e.ID != "":
		return fmt.Sprintf("%s: %s (resource=%s, id=%s, status=%d)", e.Code, e.Message, e.Resource, e.ID, e.Status)
	case e.Status != 0:
		return fmt.Sprintf("%s: %s (resource=%s, status=%d)", e.Code, e.Message, e.Resource, e.Status)
	case e.ID != "":
		return fmt.Sprintf("%s: %s (resource=%s, id=%s)", e.Code, e.Message, e.Resource, e.ID)
	default:
		return fmt.Sprintf("%s: %s (resource=%s)", e.Code, e.Message, e.Resource)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewNetworkError wraps a transport failure.
func NewNetworkError(resource string, err error) *Error {
	return &Error{Code: ErrCodeNetwork, Message: err.Error(), Resource: resource, Err: err}
}

// NewServerError reports a non-2xx response.
func NewServerError(resource string, status int, message string) *Error {
	return &Error{Code: ErrCodeServer, Message: message, Status: status, Resource: resource}
}

// NewConflictError reports a rejected mutation.
func NewConflictError(resource, id, message string) *Error {
	return &Error{Code: ErrCodeConflict, Message: message, Resource: resource, ID: id}
}

func hasCode(err error, code ErrorCode) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsNetworkError returns true if err is or wraps a network failure.
func IsNetworkError(err error) bool { return hasCode(err, ErrCodeNetwork) }

// IsServerError returns true if err is or wraps a server failure.
func IsServerError(err error) bool { return hasCode(err, ErrCodeServer) }

// IsConflictError returns true if err is or wraps a conflict.
func IsConflictError(err error) bool { return hasCode(err, ErrCodeConflict) }
