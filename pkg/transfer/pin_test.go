package transfer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/transfers/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/transfers/pkg/transfer"
)

func mustPinGuard(test *testing.T, store *memstore.Store, clock *testClock, options ...transfer.PinGuardOption) *transfer.PinGuard {
	test.Helper()
	guard, err := transfer.NewPinGuard(store, clock.Now, options...)
	if err != nil {
		test.Fatalf("pin guard init failed: %v", err)
	}
	return guard
}

func mustPinState(test *testing.T, store *memstore.Store, accountID transfer.AccountID) transfer.PinState {
	test.Helper()
	state, err := store.LockPinState(context.Background(), accountID)
	if err != nil {
		test.Fatalf("pin state: %v", err)
	}
	return state
}

func TestPinGuardLocksAfterThreeFailures(test *testing.T) {
	test.Parallel()
	clock := newTestClock()
	store := memstore.New()
	accountID := mustCreateAccount(test, store, clock, "alice", 0)
	guard := mustPinGuard(test, store, clock)
	ctx := context.Background()

	err := guard.Verify(ctx, accountID, testWrongPin)
	var pinErr *transfer.PinError
	if !errors.As(err, &pinErr) || !errors.Is(err, transfer.ErrUnauthorized) || pinErr.AttemptsRemaining != 2 {
		test.Fatalf("expected unauthorized with 2 attempts remaining, got %v", err)
	}
	if err := guard.Verify(ctx, accountID, testWrongPin); !errors.Is(err, transfer.ErrUnauthorized) {
		test.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	err = guard.Verify(ctx, accountID, testWrongPin)
	if !errors.Is(err, transfer.ErrLocked) {
		test.Fatalf("expected third failure to lock, got %v", err)
	}
	if !errors.As(err, &pinErr) || pinErr.RetryAfter != transfer.DefaultPinLockout {
		test.Fatalf("expected retry after %s, got %v", transfer.DefaultPinLockout, err)
	}

	// A locked account rejects even the correct PIN without consuming attempts.
	if err := guard.Verify(ctx, accountID, testPin); !errors.Is(err, transfer.ErrLocked) {
		test.Fatalf("expected ErrLocked for correct pin during lockout, got %v", err)
	}
	state := mustPinState(test, store, accountID)
	if state.FailedAttempts != 3 {
		test.Fatalf("expected 3 failed attempts, got %d", state.FailedAttempts)
	}
	if !state.LockedUntil.Equal(clock.Now().Add(transfer.DefaultPinLockout)) {
		test.Fatalf("unexpected lock expiry %s", state.LockedUntil)
	}
}

func TestPinGuardExpiredLockStartsFreshBudget(test *testing.T) {
	test.Parallel()
	clock := newTestClock()
	store := memstore.New()
	accountID := mustCreateAccount(test, store, clock, "alice", 0)
	guard := mustPinGuard(test, store, clock, transfer.WithPinPolicy(3, time.Minute))
	ctx := context.Background()

	for attempt := 0; attempt < 3; attempt++ {
		_ = guard.Verify(ctx, accountID, testWrongPin)
	}
	clock.Advance(time.Minute)

	if err := guard.Verify(ctx, accountID, testPin); err != nil {
		test.Fatalf("expected correct pin after expiry to pass, got %v", err)
	}
	state := mustPinState(test, store, accountID)
	if state.FailedAttempts != 0 || !state.LockedUntil.IsZero() {
		test.Fatalf("expected expired lock to be cleared in the store, got %+v", state)
	}

	for attempt := 0; attempt < 3; attempt++ {
		_ = guard.Verify(ctx, accountID, testWrongPin)
	}
	clock.Advance(time.Minute)

	err := guard.Verify(ctx, accountID, testWrongPin)
	var pinErr *transfer.PinError
	if !errors.As(err, &pinErr) || !errors.Is(err, transfer.ErrUnauthorized) || pinErr.AttemptsRemaining != 2 {
		test.Fatalf("expected fresh budget after expiry, got %v", err)
	}
	if err := guard.Verify(ctx, accountID, testPin); err != nil {
		test.Fatalf("expected correct pin to pass, got %v", err)
	}
	state = mustPinState(test, store, accountID)
	if state.FailedAttempts != 0 || !state.LockedUntil.IsZero() {
		test.Fatalf("expected reset state, got %+v", state)
	}
}

func TestPinGuardSuccessResetsCounter(test *testing.T) {
	test.Parallel()
	clock := newTestClock()
	store := memstore.New()
	accountID := mustCreateAccount(test, store, clock, "alice", 0)
	guard := mustPinGuard(test, store, clock)
	ctx := context.Background()

	_ = guard.Verify(ctx, accountID, testWrongPin)
	_ = guard.Verify(ctx, accountID, testWrongPin)
	if err := guard.Verify(ctx, accountID, testPin); err != nil {
		test.Fatalf("verify: %v", err)
	}
	if err := guard.Verify(ctx, accountID, testWrongPin); errors.Is(err, transfer.ErrLocked) {
		test.Fatalf("counter was not reset by a successful verification")
	}
}

func TestPinGuardUnknownAccount(test *testing.T) {
	test.Parallel()
	clock := newTestClock()
	store := memstore.New()
	logger := &recorderLogger{}
	guard := mustPinGuard(test, store, clock, transfer.WithPinLogger(logger))

	err := guard.Verify(context.Background(), mustAccountID(test, "ghost"), testPin)
	if !errors.Is(err, transfer.ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	entries := logger.operations("verify_pin")
	if len(entries) != 1 || entries[0].Status != "error" {
		test.Fatalf("unexpected pin logs: %+v", entries)
	}
}

func TestHashPinValidatesFormat(test *testing.T) {
	test.Parallel()
	for _, pin := range []string{"", "123", "1234567", "12a4", " 1234"} {
		if _, err := transfer.HashPin(pin); !errors.Is(err, transfer.ErrInvalidPin) {
			test.Fatalf("expected ErrInvalidPin for %q, got %v", pin, err)
		}
	}
	for _, pin := range []string{"1234", "123456"} {
		if err := transfer.ValidatePinFormat(pin); err != nil {
			test.Fatalf("expected %q to be valid: %v", pin, err)
		}
	}
}
