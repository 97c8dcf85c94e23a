package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies failures so callers can pick a user-facing message.
type Kind string

const (
	KindGenerationFailed     Kind = "GENERATION_FAILED"
	KindValidationRejected   Kind = "VALIDATION_REJECTED"
	KindQueryExecutionFailed Kind = "QUERY_EXECUTION_FAILED"
	KindStorageUnavailable   Kind = "STORAGE_UNAVAILABLE"
	KindInternal             Kind = "INTERNAL"
)

// Error is a classified application error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func GenerationFailed(message string, err error) *Error {
	return New(KindGenerationFailed, message, err)
}

// ValidationRejected carries the validator's reason as the message.
func ValidationRejected(reason string) *Error {
	return New(KindValidationRejected, reason, nil)
}

func QueryExecutionFailed(message string, err error) *Error {
	return New(KindQueryExecutionFailed, message, err)
}

func StorageUnavailable(message string, err error) *Error {
	return New(KindStorageUnavailable, message, err)
}

func Internal(message string, err error) *Error {
	return New(KindInternal, message, err)
}

// KindOf returns the kind of the first classified error in the chain, or KindInternal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}
