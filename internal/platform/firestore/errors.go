package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type errorKind int

const (
	kindOther errorKind = iota
	kindNotFound
	kindConflict
	kindUnavailable
)

var kindsByCode = map[codes.Code]errorKind{
	codes.NotFound:           kindNotFound,
	codes.AlreadyExists:      kindConflict,
	codes.FailedPrecondition: kindConflict,
	codes.Aborted:            kindConflict,
	codes.Unavailable:        kindUnavailable,
	codes.ResourceExhausted:  kindUnavailable,
	codes.Internal:           kindUnavailable,
}

// Error implements repositories.RepositoryError for Firestore failures.
type Error struct {
	op   string
	err  error
	kind errorKind
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.op == "" {
		return e.err.Error()
	}
	return fmt.Sprintf("%s: %v", e.op, e.err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.err }

// IsNotFound reports a missing document.
func (e *Error) IsNotFound() bool { return e != nil && e.kind == kindNotFound }

// IsConflict reports a create or transaction conflict.
func (e *Error) IsConflict() bool { return e != nil && e.kind == kindConflict }

// IsUnavailable reports a transient backend failure worth retrying.
func (e *Error) IsUnavailable() bool { return e != nil && e.kind == kindUnavailable }

// WrapError classifies err by gRPC status. Cancellation passes through unchanged so callers can
// tell an abandoned request from a backend failure.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	switch status.Code(err) {
	case codes.Canceled:
		return fmt.Errorf("%s: %w", op, context.Canceled)
	case codes.DeadlineExceeded:
		return fmt.Errorf("%s: %w", op, context.DeadlineExceeded)
	}

	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{op: op, err: err, kind: kindsByCode[status.Code(err)]}
}
