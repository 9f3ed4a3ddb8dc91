package jobs

import (
	"errors"
	"fmt"
	"strings"
)

type ErrorKind int

const (
	ErrInvalidInput ErrorKind = iota
	ErrNotFound
	ErrInvalidState
	ErrExecution
	ErrSystem
)

func (k ErrorKind) String() string {
	switch k {
	case ErrInvalidInput:
		return "InvalidInput"
	case ErrNotFound:
		return "NotFound"
	case ErrInvalidState:
		return "InvalidState"
	case ErrExecution:
		return "ExecutionFailure"
	case ErrSystem:
		return "SystemFailure"
	default:
		return "Unknown"
	}
}

// QueueError is the error type surfaced at queue operation boundaries.
// ConflictIDs carries the offending ids of a rejected batch operation.
type QueueError struct {
	Kind        ErrorKind
	Message     string
	ConflictIDs []string
	Cause       error
}

func NewError(kind ErrorKind, message string) *QueueError {
	return &QueueError{Kind: kind, Message: message}
}

func WrapError(kind ErrorKind, message string, cause error) *QueueError {
	return &QueueError{Kind: kind, Message: message, Cause: cause}
}

func (e *QueueError) Error() string {
	parts := []string{fmt.Sprintf("[%s] %s", e.Kind, e.Message)}
	if len(e.ConflictIDs) > 0 {
		parts = append(parts, fmt.Sprintf("ids: %s", strings.Join(e.ConflictIDs, ", ")))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}
	return strings.Join(parts, " | ")
}

func (e *QueueError) Unwrap() error {
	return e.Cause
}

func (e *QueueError) WithConflictIDs(ids ...string) *QueueError {
	e.ConflictIDs = append(e.ConflictIDs, ids...)
	return e
}

func IsErrorKind(err error, kind ErrorKind) bool {
	var qe *QueueError
	if errors.As(err, &qe) {
		return qe.Kind == kind
	}
	return false
}

// ConflictIDs extracts the offending ids from a batch rejection, if any.
func ConflictIDs(err error) []string {
	var qe *QueueError
	if errors.As(err, &qe) {
		return qe.ConflictIDs
	}
	return nil
}
