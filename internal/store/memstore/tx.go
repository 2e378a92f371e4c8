package memstore

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/transfers/pkg/transfer"
	"github.com/google/uuid"
)

type balanceWrite struct {
	amount    transfer.AmountCents
	updatedAt time.Time
}

// txStore stages writes and holds account locks until commit or rollback.
type txStore struct {
	root         *Store
	held         map[transfer.AccountID]chan struct{}
	balances     map[transfer.AccountID]balanceWrite
	pins         map[transfer.AccountID]transfer.PinState
	accounts     []transfer.AccountSpec
	transactions []transfer.Transaction
	entries      []transfer.LedgerEntry
}

func newTxStore(root *Store) *txStore {
	return &txStore{
		root:     root,
		held:     make(map[transfer.AccountID]chan struct{}),
		balances: make(map[transfer.AccountID]balanceWrite),
		pins:     make(map[transfer.AccountID]transfer.PinState),
	}
}

func (transaction *txStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore transfer.Store) error) error {
	return fn(ctx, transaction)
}

func (transaction *txStore) acquire(ctx context.Context, accountID transfer.AccountID) error {
	if _, ok := transaction.held[accountID]; ok {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeLock, err)
	}
	channel := transaction.root.lockChannel(accountID)
	select {
	case channel <- struct{}{}:
		transaction.held[accountID] = channel
		return nil
	case <-ctx.Done():
		return wrapStoreError(errorSubjectBalance, errorCodeLock, ctx.Err())
	}
}

func (transaction *txStore) release() {
	for accountID, channel := range transaction.held {
		<-channel
		delete(transaction.held, accountID)
	}
}

func (transaction *txStore) CreateAccount(ctx context.Context, spec transfer.AccountSpec) error {
	if spec.ID.IsZero() {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, transfer.ErrInvalidAccountID)
	}
	if err := transaction.acquire(ctx, spec.ID); err != nil {
		return err
	}
	transaction.root.mu.Lock()
	_, exists := transaction.root.accounts[spec.ID]
	transaction.root.mu.Unlock()
	if exists {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, transfer.ErrDuplicateAccount)
	}
	for _, staged := range transaction.accounts {
		if staged.ID == spec.ID {
			return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, transfer.ErrDuplicateAccount)
		}
	}
	spec.PinHash = append([]byte(nil), spec.PinHash...)
	transaction.accounts = append(transaction.accounts, spec)
	return nil
}

func (transaction *txStore) GetAccount(ctx context.Context, accountID transfer.AccountID) (transfer.Account, error) {
	for _, staged := range transaction.accounts {
		if staged.ID == accountID {
			return transfer.Account{
				ID:             staged.ID,
				Balance:        staged.OpeningBalance,
				OpeningBalance: staged.OpeningBalance,
				CreatedAt:      staged.CreatedAt,
				UpdatedAt:      staged.CreatedAt,
			}, nil
		}
	}
	account, err := transaction.root.GetAccount(ctx, accountID)
	if err != nil {
		return transfer.Account{}, err
	}
	if write, ok := transaction.balances[accountID]; ok {
		account.Balance = write.amount
		account.UpdatedAt = write.updatedAt
	}
	return account, nil
}

func (transaction *txStore) LockBalance(ctx context.Context, accountID transfer.AccountID) (transfer.Balance, error) {
	if err := transaction.acquire(ctx, accountID); err != nil {
		return transfer.Balance{}, err
	}
	account, err := transaction.GetAccount(ctx, accountID)
	if err != nil {
		return transfer.Balance{}, err
	}
	return transfer.Balance{AccountID: accountID, Amount: account.Balance, UpdatedAt: account.UpdatedAt}, nil
}

func (transaction *txStore) UpdateBalance(ctx context.Context, accountID transfer.AccountID, amount transfer.AmountCents, updatedAt time.Time) error {
	if _, ok := transaction.held[accountID]; !ok {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, fmt.Errorf("balance of %s is not locked", accountID))
	}
	if amount < 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, transfer.ErrInvalidBalance)
	}
	transaction.balances[accountID] = balanceWrite{amount: amount, updatedAt: updatedAt}
	return nil
}

func (transaction *txStore) LockPinState(ctx context.Context, accountID transfer.AccountID) (transfer.PinState, error) {
	if err := transaction.acquire(ctx, accountID); err != nil {
		return transfer.PinState{}, err
	}
	if state, ok := transaction.pins[accountID]; ok {
		return copyPinState(state), nil
	}
	return transaction.root.LockPinState(ctx, accountID)
}

func (transaction *txStore) SavePinState(ctx context.Context, accountID transfer.AccountID, state transfer.PinState) error {
	if _, ok := transaction.held[accountID]; !ok {
		return wrapStoreError(errorSubjectPin, errorCodeUpdate, fmt.Errorf("pin state of %s is not locked", accountID))
	}
	transaction.pins[accountID] = copyPinState(state)
	return nil
}

func (transaction *txStore) InsertTransaction(ctx context.Context, record transfer.Transaction) error {
	if !record.IdempotencyKey.IsZero() {
		if _, err := transaction.root.FindTransactionByIdempotencyKey(ctx, record.IdempotencyKey); err == nil {
			return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, transfer.ErrDuplicateIdempotencyKey)
		}
		for _, staged := range transaction.transactions {
			if staged.IdempotencyKey == record.IdempotencyKey {
				return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, transfer.ErrDuplicateIdempotencyKey)
			}
		}
	}
	transaction.transactions = append(transaction.transactions, record)
	return nil
}

func (transaction *txStore) InsertLedgerEntries(ctx context.Context, entries ...transfer.LedgerEntry) error {
	for _, entry := range entries {
		if entry.ID == "" {
			entry.ID = uuid.NewString()
		}
		transaction.entries = append(transaction.entries, entry)
	}
	return nil
}

func (transaction *txStore) FindTransactionByIdempotencyKey(ctx context.Context, key transfer.IdempotencyKey) (transfer.Transaction, error) {
	for _, staged := range transaction.transactions {
		if staged.IdempotencyKey == key {
			return staged, nil
		}
	}
	return transaction.root.FindTransactionByIdempotencyKey(ctx, key)
}

func (transaction *txStore) ListTransactions(ctx context.Context, accountID transfer.AccountID, query transfer.HistoryQuery) ([]transfer.Transaction, int64, error) {
	return transaction.root.ListTransactions(ctx, accountID, query)
}

func (transaction *txStore) ListLedgerEntries(ctx context.Context, accountID transfer.AccountID) ([]transfer.LedgerEntry, error) {
	entries, err := transaction.root.ListLedgerEntries(ctx, accountID)
	if err != nil {
		return nil, err
	}
	for _, staged := range transaction.entries {
		if staged.AccountID == accountID {
			entries = append(entries, staged)
		}
	}
	return entries, nil
}

func (transaction *txStore) ListTransactionEntries(ctx context.Context, transactionID transfer.TransactionID) ([]transfer.LedgerEntry, error) {
	entries, err := transaction.root.ListTransactionEntries(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	for _, staged := range transaction.entries {
		if staged.TransactionID == transactionID {
			entries = append(entries, staged)
		}
	}
	return entries, nil
}

// commit applies staged writes atomically with respect to readers.
func (transaction *txStore) commit() error {
	root := transaction.root
	root.mu.Lock()
	defer root.mu.Unlock()
	for _, staged := range transaction.accounts {
		if _, exists := root.accounts[staged.ID]; exists {
			return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, transfer.ErrDuplicateAccount)
		}
	}
	for _, staged := range transaction.transactions {
		if staged.IdempotencyKey.IsZero() {
			continue
		}
		if _, exists := root.byKey[staged.IdempotencyKey]; exists {
			return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, transfer.ErrDuplicateIdempotencyKey)
		}
	}
	for _, staged := range transaction.accounts {
		root.accounts[staged.ID] = &accountRecord{
			balance:   staged.OpeningBalance,
			opening:   staged.OpeningBalance,
			pin:       transfer.PinState{Hash: staged.PinHash},
			createdAt: staged.CreatedAt,
			updatedAt: staged.CreatedAt,
		}
	}
	for accountID, write := range transaction.balances {
		record, ok := root.accounts[accountID]
		if !ok {
			return wrapStoreError(errorSubjectBalance, errorCodeUpdate, transfer.ErrAccountNotFound)
		}
		record.balance = write.amount
		record.updatedAt = write.updatedAt
	}
	for accountID, state := range transaction.pins {
		if record, ok := root.accounts[accountID]; ok {
			record.pin = state
		}
	}
	for _, staged := range transaction.transactions {
		root.transactions = append(root.transactions, staged)
		if !staged.IdempotencyKey.IsZero() {
			root.byKey[staged.IdempotencyKey] = len(root.transactions) - 1
		}
	}
	for _, entry := range transaction.entries {
		root.nextEntry++
		entry.Sequence = root.nextEntry
		root.entries = append(root.entries, entry)
	}
	return nil
}
