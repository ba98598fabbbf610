package common

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned across a component boundary matches
// exactly one of these with errors.Is.
var (
	// ErrValidation is bad input. Surfaced immediately, never retried.
	ErrValidation = errors.New("validation error")

	// ErrAdapter is a chain adapter failure. Recoverable up to the retry limit.
	ErrAdapter = errors.New("adapter error")

	// ErrDeadlineExceeded is an elapsed activation window or operation
	// timeout. Terminal: the caller has to start over.
	ErrDeadlineExceeded = errors.New("deadline exceeded")

	// ErrNotFound is an unknown or evicted id.
	ErrNotFound = errors.New("not found")

	// ErrConflict is a request that contradicts current state, such as a
	// backward step transition or a swap against an inactive container.
	ErrConflict = errors.New("conflict")

	// ErrUnauthorized is a missing or invalid caller identity.
	ErrUnauthorized = errors.New("unauthorized")
)

// Error codes carried by *Error.
const (
	CodeInvalidRequest     = "InvalidRequest"
	CodeUnknownAsset       = "UnknownAsset"
	CodeUnknownNetwork     = "UnknownNetwork"
	CodeBelowMinimum       = "BelowMinimum"
	CodeNoPendingContainer = "NoPendingContainer"
	CodeActivationExpired  = "ActivationExpired"
	CodeContainerRequired  = "ContainerRequired"
	CodeNotFound           = "NotFound"
	CodeInvalidTransition  = "InvalidTransition"
	CodeOperationTimeout   = "OperationTimeout"
	CodeAdapterFailure     = "AdapterFailure"
	CodeUnauthorized       = "Unauthorized"
)

// Error is a classified error with a stable code.
type Error struct {
	Kind    error  // One of the Err* kinds above
	Code    string // Stable machine-readable code
	Message string // Human-readable detail
	Err     error  // Underlying cause, may be nil
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// NewError builds a classified error.
func NewError(kind error, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// NewValidationError creates a validation error with the given code.
func NewValidationError(code, format string, args ...interface{}) error {
	return NewError(ErrValidation, code, fmt.Sprintf(format, args...))
}

// NewNotFoundError creates a NotFound error for the given entity and id.
func NewNotFoundError(entity, id string) error {
	return NewError(ErrNotFound, CodeNotFound, fmt.Sprintf("%s %q not found", entity, id))
}

// NewNotFoundErrorWithCode creates a NotFound error with a specific code.
func NewNotFoundErrorWithCode(code, format string, args ...interface{}) error {
	return NewError(ErrNotFound, code, fmt.Sprintf(format, args...))
}

// NewConflictError creates a conflict error with the given code.
func NewConflictError(code, format string, args ...interface{}) error {
	return NewError(ErrConflict, code, fmt.Sprintf(format, args...))
}

// NewDeadlineError creates a deadline-exceeded error with the given code.
func NewDeadlineError(code, format string, args ...interface{}) error {
	return NewError(ErrDeadlineExceeded, code, fmt.Sprintf(format, args...))
}

// NewAdapterError wraps a chain adapter failure.
func NewAdapterError(network, op string, err error) error {
	return &Error{
		Kind:    ErrAdapter,
		Code:    CodeAdapterFailure,
		Message: fmt.Sprintf("%s %s", network, op),
		Err:     err,
	}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return CodeOf(err) == code
}
