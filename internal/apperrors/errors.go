// Package apperrors defines the error taxonomy shared by the coordinator, the
// task writers and the HTTP service.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation           = errors.New("validation error")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrRemoteService        = errors.New("remote service error")
	ErrConfigurationMissing = errors.New("configuration missing")
	ErrProtocol             = errors.New("protocol misuse")
	ErrInternal             = errors.New("internal error")
)

// Error carries a sentinel kind plus the context needed to report it.
type Error struct {
	Sentinel error  // kind, matched with errors.Is
	Message  string // human-readable message
	Field    string // offending field for validation errors (e.g. "externalIdField")
	Resource string // resource for not found/conflict (e.g. "operation")
	Key      string // configuration key for missing configuration
	Op       string // remote or internal operation that failed (e.g. "bulkapi.createJob")
	Cause    error
}

func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the cause, so callers can match either.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  fmt.Sprintf("%s %s: %s", resource, id, reason),
		Resource: resource,
	}
}

// Remote wraps a failure talking to the remote bulk service. If cause is
// already a remote error it is returned as is so the op of the innermost call
// is kept.
func Remote(op string, cause error) error {
	if cause == nil {
		return nil
	}
	var appErr *Error
	if errors.As(cause, &appErr) && appErr.Sentinel == ErrRemoteService {
		return cause
	}
	return &Error{
		Sentinel: ErrRemoteService,
		Message:  fmt.Sprintf("%s: communicating with bulk service: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// ConfigurationMissing reports a shared configuration key that was never published.
func ConfigurationMissing(key string) error {
	return &Error{
		Sentinel: ErrConfigurationMissing,
		Message:  fmt.Sprintf("configuration key %q is not set", key),
		Key:      key,
	}
}

// Protocol reports a lifecycle call made out of order.
func Protocol(message string) error {
	return &Error{
		Sentinel: ErrProtocol,
		Message:  message,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}
