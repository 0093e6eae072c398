package utils

import (
	"errors"
	"fmt"
)

var ErrorRecordNotFound = errors.New("record not found")

// ErrorKind classifies operation failures for the transport layer.
type ErrorKind string

const (
	ErrorKindNotFound   ErrorKind = "NOT_FOUND"
	ErrorKindBadRequest ErrorKind = "BAD_REQUEST"
	ErrorKindConflict   ErrorKind = "CONFLICT"
	ErrorKindInternal   ErrorKind = "INTERNAL"
)

// OperationError carries a kind alongside the message so callers can map
// failures to a response status without string matching.
type OperationError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *OperationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

func NewNotFoundError(message string, err error) error {
	return &OperationError{Kind: ErrorKindNotFound, Message: message, Err: err}
}

func NewBadRequestError(message string) error {
	return &OperationError{Kind: ErrorKindBadRequest, Message: message}
}

func NewConflictError(message string) error {
	return &OperationError{Kind: ErrorKindConflict, Message: message}
}

func NewInternalError(message string, err error) error {
	return &OperationError{Kind: ErrorKindInternal, Message: message, Err: err}
}

// KindOf returns the kind of err, treating the record-not-found sentinel as
// NOT_FOUND and anything unclassified as INTERNAL.
func KindOf(err error) ErrorKind {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Kind
	}
	if errors.Is(err, ErrorRecordNotFound) {
		return ErrorKindNotFound
	}
	return ErrorKindInternal
}
