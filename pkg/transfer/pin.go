package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// PinGuard verifies transaction PINs with progressive lockout.
//
// States are Unlocked(attempts 0..max-1) and Locked(until). Lock expiry is
// evaluated lazily on the next verification; an expired lock starts a fresh
// attempt budget.
type PinGuard struct {
	store       Store
	nowFn       func() time.Time
	logger      OperationLogger
	maxAttempts int
	lockout     time.Duration
}

// PinGuardOption configures a PinGuard.
type PinGuardOption func(*PinGuard)

// WithPinPolicy overrides the attempt budget and the lockout cooldown.
func WithPinPolicy(maxAttempts int, lockout time.Duration) PinGuardOption {
	return func(guard *PinGuard) {
		guard.maxAttempts = maxAttempts
		guard.lockout = lockout
	}
}

// WithPinLogger wires a logger that receives every verification outcome.
func WithPinLogger(logger OperationLogger) PinGuardOption {
	return func(guard *PinGuard) {
		guard.logger = logger
	}
}

// NewPinGuard wires a PinGuard over store.
func NewPinGuard(store Store, now func() time.Time, options ...PinGuardOption) (*PinGuard, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	guard := &PinGuard{
		store:       store,
		nowFn:       now,
		maxAttempts: DefaultMaxPinAttempts,
		lockout:     DefaultPinLockout,
	}
	for _, option := range options {
		if option != nil {
			option(guard)
		}
	}
	if guard.maxAttempts <= 0 || guard.lockout <= 0 {
		return nil, fmt.Errorf("%w: pin policy must be positive", ErrInvalidServiceConfig)
	}
	return guard, nil
}

// Verify checks secret against the stored PIN hash of accountID.
// A locked account fails with ErrLocked without consuming an attempt.
func (guard *PinGuard) Verify(ctx context.Context, accountID AccountID, secret string) error {
	var verifyErr error
	storeErr := guard.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		state, err := transactionStore.LockPinState(ctx, accountID)
		if err != nil {
			return err
		}
		now := guard.nowFn()
		dirty := state.FailedAttempts > 0 || !state.LockedUntil.IsZero()
		if !state.LockedUntil.IsZero() {
			if now.Before(state.LockedUntil) {
				verifyErr = &PinError{kind: ErrLocked, RetryAfter: state.LockedUntil.Sub(now)}
				return nil
			}
			state.FailedAttempts = 0
			state.LockedUntil = time.Time{}
		}
		if len(state.Hash) == 0 {
			verifyErr = WrapError(errorOperationPin, "hash", "missing", ErrUnauthorized)
			return nil
		}
		if bcrypt.CompareHashAndPassword(state.Hash, []byte(secret)) != nil {
			state.FailedAttempts++
			if state.FailedAttempts >= guard.maxAttempts {
				state.LockedUntil = now.Add(guard.lockout)
				verifyErr = &PinError{kind: ErrLocked, RetryAfter: guard.lockout}
			} else {
				verifyErr = &PinError{kind: ErrUnauthorized, AttemptsRemaining: guard.maxAttempts - state.FailedAttempts}
			}
			return transactionStore.SavePinState(ctx, accountID, state)
		}
		if !dirty {
			return nil
		}
		state.FailedAttempts = 0
		state.LockedUntil = time.Time{}
		return transactionStore.SavePinState(ctx, accountID, state)
	})
	err := verifyErr
	if storeErr != nil {
		if errors.Is(storeErr, ErrAccountNotFound) {
			err = storeErr
		} else {
			err = WrapError(errorOperationPin, "state", "store", fmt.Errorf("%w: %w", ErrInternal, storeErr))
		}
	}
	logOperation(ctx, guard.logger, OperationLog{
		Operation: operationVerifyPin,
		AccountID: accountID,
		Error:     err,
	})
	return err
}

// HashPin validates a 4-6 digit PIN and returns its bcrypt hash.
func HashPin(pin string) ([]byte, error) {
	return HashPinWithCost(pin, bcrypt.DefaultCost)
}

// HashPinWithCost is HashPin with an explicit bcrypt cost.
func HashPinWithCost(pin string, cost int) ([]byte, error) {
	if err := ValidatePinFormat(pin); err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), cost)
	if err != nil {
		return nil, WrapError(errorOperationPin, "hash", "generate", err)
	}
	return hash, nil
}

// ValidatePinFormat requires 4 to 6 decimal digits.
func ValidatePinFormat(pin string) error {
	if len(pin) < minPinLength || len(pin) > maxPinLength {
		return fmt.Errorf("%w: must be %d-%d digits", ErrInvalidPin, minPinLength, maxPinLength)
	}
	for _, character := range pin {
		if character < '0' || character > '9' {
			return fmt.Errorf("%w: must contain digits only", ErrInvalidPin)
		}
	}
	return nil
}
