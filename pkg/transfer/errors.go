package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Domain-level error values returned by the transfer engine and its collaborators.
var (
	ErrUnauthorized            = errors.New("unauthorized")
	ErrLocked                  = errors.New("locked")
	ErrAccountNotFound         = errors.New("account not found")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrSelfTransfer            = errors.New("self transfer")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrTimeout                 = errors.New("timeout")
	ErrInternal                = errors.New("internal error")
	ErrIdempotencyMismatch     = errors.New("idempotency key reused with a different request")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrDuplicateAccount        = errors.New("account already exists")
	ErrTransactionNotFound     = errors.New("transaction not found")
	ErrInvalidAccountID        = errors.New("invalid account id")
	ErrInvalidTransactionID    = errors.New("invalid transaction id")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidDescription      = errors.New("invalid description")
	ErrInvalidBalance          = errors.New("invalid balance")
	ErrInvalidDirection        = errors.New("invalid direction")
	ErrInvalidQuery            = errors.New("invalid query")
	ErrInvalidMetadataJSON     = errors.New("invalid metadata json")
	ErrInvalidPin              = errors.New("invalid pin format")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
)

// Stable error kinds exposed to callers.
const (
	KindUnauthorized        = "unauthorized"
	KindLocked              = "locked"
	KindNotFound            = "not_found"
	KindInvalidAmount       = "invalid_amount"
	KindSelfTransfer        = "self_transfer"
	KindInsufficientFunds   = "insufficient_funds"
	KindTimeout             = "timeout"
	KindInternal            = "internal"
	KindIdempotencyMismatch = "idempotency_mismatch"
	KindInvalidRequest      = "invalid_request"
	KindCanceled            = "canceled"
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// PinError reports a rejected PIN verification together with the guard state.
type PinError struct {
	kind              error
	AttemptsRemaining int
	RetryAfter        time.Duration
}

// Error returns the formatted error message.
func (pinError *PinError) Error() string {
	if errors.Is(pinError.kind, ErrLocked) {
		return fmt.Sprintf("%v: retry after %s", pinError.kind, pinError.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("%v: %d attempts remaining", pinError.kind, pinError.AttemptsRemaining)
}

// Unwrap returns ErrLocked or ErrUnauthorized.
func (pinError *PinError) Unwrap() error {
	return pinError.kind
}

// ErrorKind maps an error to its stable kind. Unknown errors are internal.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrLocked):
		return KindLocked
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrInvalidPin):
		return KindUnauthorized
	case errors.Is(err, ErrAccountNotFound), errors.Is(err, ErrInvalidAccountID), errors.Is(err, ErrTransactionNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidAmount):
		return KindInvalidAmount
	case errors.Is(err, ErrSelfTransfer):
		return KindSelfTransfer
	case errors.Is(err, ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ErrIdempotencyMismatch):
		return KindIdempotencyMismatch
	case errors.Is(err, ErrInvalidDescription), errors.Is(err, ErrInvalidIdempotencyKey), errors.Is(err, ErrInvalidDirection), errors.Is(err, ErrInvalidQuery):
		return KindInvalidRequest
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindInternal
	}
}

// IsRetryable reports whether a failed transfer may be resubmitted unchanged.
func IsRetryable(err error) bool {
	switch ErrorKind(err) {
	case KindTimeout, KindInternal:
		return true
	default:
		return false
	}
}

// classifyUnitError maps a failure of the unit of work onto the error taxonomy.
func classifyUnitError(subject string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return WrapError(errorOperationTransfer, subject, "timeout", fmt.Errorf("%w: %w", ErrTimeout, err))
	case isDomainError(err):
		return err
	default:
		return WrapError(errorOperationTransfer, subject, "internal", fmt.Errorf("%w: %w", ErrInternal, err))
	}
}

func isDomainError(err error) bool {
	for _, known := range []error{
		ErrUnauthorized,
		ErrLocked,
		ErrAccountNotFound,
		ErrInvalidAmount,
		ErrSelfTransfer,
		ErrInsufficientFunds,
		ErrTimeout,
		ErrInternal,
		ErrIdempotencyMismatch,
		ErrDuplicateIdempotencyKey,
		ErrInvalidDescription,
		ErrInvalidAccountID,
	} {
		if errors.Is(err, known) {
			return true
		}
	}
	return false
}
