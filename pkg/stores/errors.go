package stores

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a store error for caller handling and reporting.
type ErrorClass string

const (
	// ErrorClassValidation indicates a malformed payload or constraint
	// violation. Rejected before any write, never retried automatically.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassReferential indicates a missing owning device, session,
	// or parent record. The caller must create the owner first.
	ErrorClassReferential ErrorClass = "referential"

	// ErrorClassConflict indicates a concurrent-modification race the
	// underlying store could not resolve atomically.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassAdapter indicates a failure raised by an external source
	// adapter. Captured as an issue, does not abort sibling work.
	ErrorClassAdapter ErrorClass = "adapter"

	// ErrorClassFatal indicates a process-level condition: store
	// unreachable, schema or integrity corruption.
	ErrorClassFatal ErrorClass = "fatal"
)

// StoreError is a classified error with entity context.
// nolint:revive // StoreError is intentionally named to distinguish from standard errors
type StoreError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Entity is the entity kind involved, if applicable.
	Entity string `json:"entity,omitempty"`

	// Key identifies the offending record or lookup key.
	Key string `json:"key,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Entity != "" && e.Key != "" {
		return fmt.Sprintf("[%s] %s (entity=%s, key=%s): %s",
			e.Class, e.Message, e.Entity, e.Key, e.unwrapMessage())
	}
	if e.Entity != "" {
		return fmt.Sprintf("[%s] %s (entity=%s): %s",
			e.Class, e.Message, e.Entity, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *StoreError {
	return &StoreError{Class: ErrorClassValidation, Code: ErrCodeValidation, Message: message, Err: err}
}

// NewReferentialError creates a new referential error.
func NewReferentialError(message string, err error) *StoreError {
	return &StoreError{Class: ErrorClassReferential, Code: ErrCodeReferential, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *StoreError {
	return &StoreError{Class: ErrorClassConflict, Code: ErrCodeConflict, Message: message, Err: err}
}

// NewAdapterError creates a new adapter error.
func NewAdapterError(message string, err error) *StoreError {
	return &StoreError{Class: ErrorClassAdapter, Code: ErrCodeAdapterFailed, Message: message, Err: err}
}

// NewFatalError creates a new fatal error.
func NewFatalError(message string, err error) *StoreError {
	return &StoreError{Class: ErrorClassFatal, Code: ErrCodeInternal, Message: message, Err: err}
}

// WithEntity adds entity context to an error.
func (e *StoreError) WithEntity(entity string) *StoreError {
	e.Entity = entity
	return e
}

// WithKey adds the offending key to an error.
func (e *StoreError) WithKey(key string) *StoreError {
	e.Key = key
	return e
}

// WithCode overrides the error code.
func (e *StoreError) WithCode(code string) *StoreError {
	e.Code = code
	return e
}

// IsValidation returns true if the error is classified as validation.
func IsValidation(err error) bool {
	var e *StoreError
	if errors.As(err, &e) {
		return e.Class == ErrorClassValidation
	}
	return false
}

// IsReferential returns true if the error is classified as referential.
func IsReferential(err error) bool {
	var e *StoreError
	if errors.As(err, &e) {
		return e.Class == ErrorClassReferential
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *StoreError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsAdapter returns true if the error is classified as an adapter failure.
func IsAdapter(err error) bool {
	var e *StoreError
	if errors.As(err, &e) {
		return e.Class == ErrorClassAdapter
	}
	return false
}

// IsFatal returns true if the error is classified as fatal.
func IsFatal(err error) bool {
	var e *StoreError
	if errors.As(err, &e) {
		return e.Class == ErrorClassFatal
	}
	return false
}

// IsNotFound returns true if the error carries the not-found code.
func IsNotFound(err error) bool {
	var e *StoreError
	if errors.As(err, &e) {
		return e.Code == ErrCodeNotFound
	}
	return false
}

// Common error codes.
const (
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeReferential   = "REFERENTIAL_ERROR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeAdapterFailed = "ADAPTER_FAILED"
	ErrCodeInternal      = "INTERNAL_ERROR"
	ErrCodeDeviceUnknown = "DEVICE_UNKNOWN"
	ErrCodeAlreadyClosed = "ALREADY_CLOSED"
	ErrCodeUnknownGraph  = "UNKNOWN_GRAPH"
)
