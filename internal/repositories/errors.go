package repositories

import (
	"errors"
	"fmt"
)

// ErrAlreadyProcessed is returned by ProcessedOrderRepository.Claim when the order is claimed or recorded.
var ErrAlreadyProcessed = errors.New("repositories: order already processed")

// AccountErrorCode enumerates repository error causes for account operations.
type AccountErrorCode string

const (
	AccountErrorNotFound     AccountErrorCode = "account_not_found"
	AccountErrorConflict     AccountErrorCode = "account_conflict"
	AccountErrorInvalidInput AccountErrorCode = "account_invalid_input"
)

// AccountError wraps account-specific failures with machine readable codes.
type AccountError struct {
	Op      string
	Code    AccountErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AccountError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *AccountError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *AccountError) IsNotFound() bool    { return e != nil && e.Code == AccountErrorNotFound }
func (e *AccountError) IsConflict() bool    { return e != nil && e.Code == AccountErrorConflict }
func (e *AccountError) IsUnavailable() bool { return false }

// NewAccountError constructs a typed account error.
func NewAccountError(op string, code AccountErrorCode, message string, err error) *AccountError {
	if message == "" {
		message = string(code)
	}
	return &AccountError{Op: op, Code: code, Message: message, Err: err}
}

// IsNotFound reports whether err carries a not-found classification.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err carries a conflict classification.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// IsUnavailable reports whether err carries a transient-unavailability classification.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}
