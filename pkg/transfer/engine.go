package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"
)

// EngineOption configures an Engine instance.
type EngineOption func(*Engine)

// WithOperationLogger wires a logger that receives one callback per transfer.
func WithOperationLogger(logger OperationLogger) EngineOption {
	return func(engine *Engine) {
		engine.logger = logger
	}
}

// WithNotificationSink wires the sink that receives completion events.
func WithNotificationSink(sink NotificationSink) EngineOption {
	return func(engine *Engine) {
		engine.sink = sink
	}
}

// WithAuditRecorder wires the recorder that appends completed transfers to the audit trail.
func WithAuditRecorder(recorder AuditRecorder) EngineOption {
	return func(engine *Engine) {
		engine.audit = recorder
	}
}

// WithPinVerifier replaces the default store-backed PIN guard.
func WithPinVerifier(verifier PinVerifier) EngineOption {
	return func(engine *Engine) {
		engine.pins = verifier
	}
}

// WithUnitTimeout bounds the locked unit of work.
func WithUnitTimeout(timeout time.Duration) EngineOption {
	return func(engine *Engine) {
		engine.unitTimeout = timeout
	}
}

// WithIdempotencyTTL sets how long cached responses stay valid.
func WithIdempotencyTTL(ttl time.Duration) EngineOption {
	return func(engine *Engine) {
		engine.idempotencyTTL = ttl
	}
}

// WithStrictIdempotency rejects a replayed key whose request differs from the cached one
// with ErrIdempotencyMismatch instead of returning the cached response.
func WithStrictIdempotency() EngineOption {
	return func(engine *Engine) {
		engine.strictIdempotency = true
	}
}

// Engine turns transfer requests into atomically committed balance moves.
type Engine struct {
	store             Store
	idempotency       IdempotencyStore
	pins              PinVerifier
	sink              NotificationSink
	audit             AuditRecorder
	logger            OperationLogger
	nowFn             func() time.Time
	unitTimeout       time.Duration
	idempotencyTTL    time.Duration
	strictIdempotency bool

	inflight   singleflight.Group
	background sync.WaitGroup
}

// NewEngine wires an Engine.
func NewEngine(store Store, idempotency IdempotencyStore, now func() time.Time, options ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if idempotency == nil {
		return nil, fmt.Errorf("%w: idempotency store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	engine := &Engine{
		store:          store,
		idempotency:    idempotency,
		nowFn:          now,
		unitTimeout:    DefaultUnitTimeout,
		idempotencyTTL: DefaultIdempotencyTTL,
	}
	for _, option := range options {
		if option != nil {
			option(engine)
		}
	}
	if engine.unitTimeout <= 0 || engine.idempotencyTTL <= 0 {
		return nil, fmt.Errorf("%w: timeouts must be positive", ErrInvalidServiceConfig)
	}
	if engine.pins == nil {
		guard, err := NewPinGuard(store, now, WithPinLogger(engine.logger))
		if err != nil {
			return nil, err
		}
		engine.pins = guard
	}
	return engine, nil
}

// Flush waits for background audit appends started by completed transfers.
func (engine *Engine) Flush() {
	engine.background.Wait()
}

type transferOutcome struct {
	result      TransferResult
	fingerprint string
	replayed    bool
	warning     error
}

// ExecuteTransfer authorizes, deduplicates, validates, and commits one transfer.
func (engine *Engine) ExecuteTransfer(ctx context.Context, request TransferRequest) (TransferResult, error) {
	started := time.Now()
	outcome, err := engine.executeTransfer(ctx, request)
	entry := OperationLog{
		Operation: operationTransfer,
		Amount:    request.AmountCents,
		Duration:  time.Since(started),
		Error:     err,
		Warning:   outcome.warning,
	}
	entry.SenderID, _ = NewAccountID(request.SenderID)
	entry.ReceiverID, _ = NewAccountID(request.ReceiverID)
	entry.IdempotencyKey, _ = NewIdempotencyKey(request.IdempotencyKey)
	if err == nil {
		entry.TransactionID = outcome.result.Transaction.ID
		if outcome.replayed {
			entry.Status = operationStatusReplayed
		}
	}
	logOperation(ctx, engine.logger, entry)
	if err != nil {
		return TransferResult{}, err
	}
	return outcome.result, nil
}

func (engine *Engine) executeTransfer(ctx context.Context, request TransferRequest) (transferOutcome, error) {
	senderID, err := NewAccountID(request.SenderID)
	if err != nil {
		return transferOutcome{}, WrapError(errorOperationTransfer, "sender", "invalid", fmt.Errorf("%w: %w", ErrAccountNotFound, err))
	}
	if request.Pin == "" {
		return transferOutcome{}, WrapError(errorOperationTransfer, "pin", "missing", ErrUnauthorized)
	}
	if err := engine.pins.Verify(ctx, senderID, request.Pin); err != nil {
		return transferOutcome{}, err
	}

	if strings.TrimSpace(request.IdempotencyKey) == "" {
		return engine.execute(ctx, request, senderID, IdempotencyKey{}, "")
	}
	key, err := NewIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		return transferOutcome{}, WrapError(errorOperationTransfer, "idempotency", "invalid", err)
	}
	fingerprint := RequestFingerprint(request)
	var value any
	for {
		var shared bool
		value, err, shared = engine.inflight.Do(key.String(), func() (any, error) {
			return engine.executeOnce(ctx, request, senderID, key, fingerprint)
		})
		// A follower must not inherit the cancellation of the caller that led the shared call.
		if err != nil && shared && errors.Is(err, context.Canceled) && ctx.Err() == nil {
			continue
		}
		break
	}
	if err != nil {
		return transferOutcome{}, err
	}
	outcome := value.(transferOutcome)
	if outcome.fingerprint != fingerprint {
		// A concurrent or earlier caller used the same key for a different request.
		if engine.strictIdempotency {
			return transferOutcome{}, WrapError(errorOperationTransfer, "idempotency", "mismatch", ErrIdempotencyMismatch)
		}
		outcome.replayed = true
	}
	return outcome, nil
}

func (engine *Engine) executeOnce(ctx context.Context, request TransferRequest, senderID AccountID, key IdempotencyKey, fingerprint string) (transferOutcome, error) {
	record, found, lookupErr := engine.idempotency.Lookup(ctx, key, engine.nowFn())
	if lookupErr == nil && found {
		result, err := DecodeTransferResult(record.ResponseJSON)
		if err == nil {
			return transferOutcome{result: result, fingerprint: record.Fingerprint, replayed: true}, nil
		}
		lookupErr = err
	}
	outcome, err := engine.execute(ctx, request, senderID, key, fingerprint)
	if lookupErr != nil {
		outcome.warning = errors.Join(WrapError(errorOperationTransfer, "idempotency", "lookup", lookupErr), outcome.warning)
	}
	return outcome, err
}

func (engine *Engine) execute(ctx context.Context, request TransferRequest, senderID AccountID, key IdempotencyKey, fingerprint string) (transferOutcome, error) {
	receiverID, amount, description, err := engine.validate(ctx, request, senderID)
	if err != nil {
		return transferOutcome{}, err
	}
	if err := ctx.Err(); err != nil {
		return transferOutcome{}, WrapError(errorOperationTransfer, "unit", "canceled", err)
	}

	// The unit of work runs to completion or timeout once started.
	unitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), engine.unitTimeout)
	defer cancel()

	var result TransferResult
	unitErr := engine.store.WithTx(unitCtx, func(ctx context.Context, transactionStore Store) error {
		balances, err := lockInOrder(ctx, transactionStore, senderID, receiverID)
		if err != nil {
			return err
		}
		senderBalance := balances[senderID]
		receiverBalance := balances[receiverID]
		senderAfter, err := senderBalance.Amount.Debit(amount)
		if err != nil {
			return WrapError(errorOperationTransfer, "sender", "insufficient_funds", err)
		}
		receiverAfter, err := receiverBalance.Amount.Credit(amount)
		if err != nil {
			return WrapError(errorOperationTransfer, "receiver", "overflow", err)
		}
		now := engine.nowFn().UTC()
		transaction := Transaction{
			ID:             GenerateTransactionID(),
			SenderID:       senderID,
			ReceiverID:     receiverID,
			Amount:         amount,
			Description:    description,
			Status:         TransactionStatusCompleted,
			IdempotencyKey: key,
			CreatedAt:      now,
		}
		if err := transactionStore.InsertTransaction(ctx, transaction); err != nil {
			return err
		}
		if err := transactionStore.UpdateBalance(ctx, senderID, senderAfter, now); err != nil {
			return err
		}
		if err := transactionStore.UpdateBalance(ctx, receiverID, receiverAfter, now); err != nil {
			return err
		}
		if _, _, err := AppendPair(ctx, transactionStore, transaction.ID, senderID, receiverID, amount, senderBalance.Amount, receiverBalance.Amount, now); err != nil {
			return err
		}
		result = TransferResult{
			Transaction:     transaction,
			SenderBalance:   senderAfter,
			ReceiverBalance: receiverAfter,
		}
		return nil
	})
	if unitErr != nil {
		if !key.IsZero() && errors.Is(unitErr, ErrDuplicateIdempotencyKey) {
			// Another process committed this key between our lookup and our insert.
			committed, err := engine.committedResult(ctx, key)
			if err != nil {
				return transferOutcome{}, classifyUnitError("idempotency", err)
			}
			return transferOutcome{result: committed, fingerprint: transactionFingerprint(committed.Transaction), replayed: true}, nil
		}
		return transferOutcome{}, classifyUnitError("unit", unitErr)
	}

	outcome := transferOutcome{result: result, fingerprint: fingerprint}
	if !key.IsZero() {
		outcome.warning = engine.remember(ctx, key, fingerprint, result)
	}
	engine.emit(ctx, result)
	return outcome, nil
}

func (engine *Engine) validate(ctx context.Context, request TransferRequest, senderID AccountID) (AccountID, PositiveAmountCents, string, error) {
	receiverID, err := NewAccountID(request.ReceiverID)
	if err != nil {
		return AccountID{}, 0, "", WrapError(errorOperationTransfer, "receiver", "invalid", fmt.Errorf("%w: %w", ErrAccountNotFound, err))
	}
	amount, err := NewPositiveAmountCents(request.AmountCents)
	if err != nil {
		return AccountID{}, 0, "", WrapError(errorOperationTransfer, "amount", "invalid", err)
	}
	if senderID == receiverID {
		return AccountID{}, 0, "", WrapError(errorOperationTransfer, "receiver", "self", ErrSelfTransfer)
	}
	description := strings.TrimSpace(request.Description)
	if utf8.RuneCountInString(description) > maxDescriptionLength {
		return AccountID{}, 0, "", WrapError(errorOperationTransfer, "description", "too_long", fmt.Errorf("%w: must not exceed %d characters", ErrInvalidDescription, maxDescriptionLength))
	}
	if _, err := engine.store.GetAccount(ctx, senderID); err != nil {
		return AccountID{}, 0, "", classifyUnitError("sender", err)
	}
	if _, err := engine.store.GetAccount(ctx, receiverID); err != nil {
		return AccountID{}, 0, "", classifyUnitError("receiver", err)
	}
	return receiverID, amount, description, nil
}

// lockInOrder locks both balances in account-identifier order regardless of role.
func lockInOrder(ctx context.Context, transactionStore Store, first AccountID, second AccountID) (map[AccountID]Balance, error) {
	if second.String() < first.String() {
		first, second = second, first
	}
	balances := make(map[AccountID]Balance, 2)
	for _, accountID := range []AccountID{first, second} {
		balance, err := transactionStore.LockBalance(ctx, accountID)
		if err != nil {
			return nil, err
		}
		balances[accountID] = balance
	}
	return balances, nil
}

// committedResult rebuilds the response of a transfer committed under key from its ledger pair.
func (engine *Engine) committedResult(ctx context.Context, key IdempotencyKey) (TransferResult, error) {
	transaction, err := engine.store.FindTransactionByIdempotencyKey(ctx, key)
	if err != nil {
		return TransferResult{}, err
	}
	entries, err := engine.store.ListTransactionEntries(ctx, transaction.ID)
	if err != nil {
		return TransferResult{}, err
	}
	if err := VerifyPair(transaction, entries); err != nil {
		return TransferResult{}, err
	}
	result := TransferResult{Transaction: transaction}
	for _, entry := range entries {
		switch entry.Direction {
		case DirectionDebit:
			result.SenderBalance = entry.BalanceAfter
		case DirectionCredit:
			result.ReceiverBalance = entry.BalanceAfter
		}
	}
	return result, nil
}

// remember writes the committed response back to the idempotency cache. Failures are soft.
func (engine *Engine) remember(ctx context.Context, key IdempotencyKey, fingerprint string, result TransferResult) error {
	encoded, err := EncodeTransferResult(result)
	if err != nil {
		return err
	}
	now := engine.nowFn().UTC()
	err = engine.idempotency.Save(context.WithoutCancel(ctx), IdempotencyRecord{
		Key:          key,
		Fingerprint:  fingerprint,
		ResponseJSON: encoded,
		ExpiresAt:    now.Add(engine.idempotencyTTL),
		CreatedAt:    now,
	})
	if err != nil {
		return WrapError(errorOperationTransfer, "idempotency", "save", err)
	}
	return nil
}

// emit hands the completion event to the audit recorder and the notification sink
// without waiting on either.
func (engine *Engine) emit(ctx context.Context, result TransferResult) {
	event := TransferEvent{
		TransactionID:   result.Transaction.ID,
		SenderID:        result.Transaction.SenderID,
		ReceiverID:      result.Transaction.ReceiverID,
		Amount:          result.Transaction.Amount,
		SenderBalance:   result.SenderBalance,
		ReceiverBalance: result.ReceiverBalance,
		Timestamp:       engine.nowFn().UTC(),
	}
	if engine.audit != nil {
		engine.background.Add(1)
		go func() {
			defer engine.background.Done()
			defer func() { _ = recover() }()
			engine.audit.RecordTransfer(context.WithoutCancel(ctx), event)
		}()
	}
	if engine.sink != nil {
		func() {
			defer func() { _ = recover() }()
			engine.sink.Publish(event)
		}()
	}
}
