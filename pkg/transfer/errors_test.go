package transfer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

const (
	operationName    = "transfer"
	subjectName      = "amount"
	codeName         = "invalid"
	baseErrorMessage = "base error"
)

func TestOperationErrorFormatting(test *testing.T) {
	test.Parallel()
	baseError := errors.New(baseErrorMessage)
	wrappedError := WrapError(operationName, subjectName, codeName, baseError)
	if wrappedError == nil {
		test.Fatalf("expected wrapped error")
	}
	expected := operationName + "." + subjectName + "." + codeName + ": " + baseErrorMessage
	if wrappedError.Error() != expected {
		test.Fatalf("expected %q, got %q", expected, wrappedError.Error())
	}
	var operationError OperationError
	if !errors.As(wrappedError, &operationError) {
		test.Fatalf("expected OperationError")
	}
	if operationError.Operation() != operationName || operationError.Subject() != subjectName || operationError.Code() != codeName {
		test.Fatalf("unexpected segments: %+v", operationError)
	}
	if !errors.Is(wrappedError, baseError) {
		test.Fatalf("expected wrapped error to unwrap to base")
	}
}

func TestWrapErrorNil(test *testing.T) {
	test.Parallel()
	if WrapError(operationName, subjectName, codeName, nil) != nil {
		test.Fatalf("expected nil wrapped error")
	}
}

func TestErrorKindMapsTaxonomy(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		err       error
		kind      string
		retryable bool
	}{
		{err: nil, kind: ""},
		{err: &PinError{kind: ErrUnauthorized, AttemptsRemaining: 1}, kind: KindUnauthorized},
		{err: &PinError{kind: ErrLocked, RetryAfter: time.Minute}, kind: KindLocked},
		{err: WrapError("store", "account", "get", ErrAccountNotFound), kind: KindNotFound},
		{err: ErrInvalidAmount, kind: KindInvalidAmount},
		{err: ErrSelfTransfer, kind: KindSelfTransfer},
		{err: fmt.Errorf("wrapped: %w", ErrInsufficientFunds), kind: KindInsufficientFunds},
		{err: ErrIdempotencyMismatch, kind: KindIdempotencyMismatch},
		{err: ErrInvalidDescription, kind: KindInvalidRequest},
		{err: classifyUnitError("unit", context.DeadlineExceeded), kind: KindTimeout, retryable: true},
		{err: classifyUnitError("unit", errors.New("disk full")), kind: KindInternal, retryable: true},
		{err: context.Canceled, kind: KindCanceled},
	}
	for _, testCase := range testCases {
		if kind := ErrorKind(testCase.err); kind != testCase.kind {
			test.Fatalf("ErrorKind(%v) = %q, expected %q", testCase.err, kind, testCase.kind)
		}
		if retryable := IsRetryable(testCase.err); retryable != testCase.retryable {
			test.Fatalf("IsRetryable(%v) = %v, expected %v", testCase.err, retryable, testCase.retryable)
		}
	}
}

func TestClassifyUnitErrorKeepsDomainErrors(test *testing.T) {
	test.Parallel()
	domain := WrapError(errorOperationTransfer, "sender", "insufficient_funds", ErrInsufficientFunds)
	if classified := classifyUnitError("unit", domain); classified != domain {
		test.Fatalf("expected domain error unchanged, got %v", classified)
	}
	if classifyUnitError("unit", nil) != nil {
		test.Fatalf("expected nil for nil input")
	}
}

func TestPinErrorMessages(test *testing.T) {
	test.Parallel()
	locked := &PinError{kind: ErrLocked, RetryAfter: 90 * time.Second}
	if locked.Error() != "locked: retry after 1m30s" {
		test.Fatalf("unexpected locked message %q", locked.Error())
	}
	unauthorized := &PinError{kind: ErrUnauthorized, AttemptsRemaining: 2}
	if unauthorized.Error() != "unauthorized: 2 attempts remaining" {
		test.Fatalf("unexpected unauthorized message %q", unauthorized.Error())
	}
}
