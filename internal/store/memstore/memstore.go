// Package memstore keeps balances, ledger, idempotency records, and the audit chain in
// process memory. Each account has its own lock, so transfers over disjoint accounts
// never wait on each other; writes are staged per transaction and applied on commit.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/transfers/pkg/transfer"
)

const (
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectBalance     = "balance"
	errorSubjectPin         = "pin"
	errorSubjectTransaction = "transaction"
	errorSubjectEntry       = "entry"
	errorSubjectIdempotency = "idempotency"
	errorSubjectAudit       = "audit"
	errorCodeCommit         = "commit"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeLock           = "lock"
	errorCodeUpdate         = "update"
	errorCodeInsert         = "insert"
	errorCodeBuild          = "build"
)

type accountRecord struct {
	balance   transfer.AmountCents
	opening   transfer.AmountCents
	pin       transfer.PinState
	createdAt time.Time
	updatedAt time.Time
}

// Store implements transfer.Store, transfer.IdempotencyStore, and transfer.AuditStore in memory.
type Store struct {
	mu           sync.Mutex
	accounts     map[transfer.AccountID]*accountRecord
	locks        map[transfer.AccountID]chan struct{}
	transactions []transfer.Transaction
	byKey        map[transfer.IdempotencyKey]int
	entries      []transfer.LedgerEntry
	nextEntry    int64

	idempotencyMu sync.Mutex
	idempotency   map[transfer.IdempotencyKey]transfer.IdempotencyRecord

	auditMu sync.Mutex
	audit   []transfer.AuditEntry
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		accounts:    make(map[transfer.AccountID]*accountRecord),
		locks:       make(map[transfer.AccountID]chan struct{}),
		byKey:       make(map[transfer.IdempotencyKey]int),
		idempotency: make(map[transfer.IdempotencyKey]transfer.IdempotencyRecord),
	}
}

// WithTx runs fn against a transaction that holds account locks until it ends.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore transfer.Store) error) error {
	transaction := newTxStore(store)
	defer transaction.release()
	if err := fn(ctx, transaction); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return transaction.commit()
}

func (store *Store) autocommit(ctx context.Context, fn func(transaction *txStore) error) error {
	return store.WithTx(ctx, func(ctx context.Context, staged transfer.Store) error {
		return fn(staged.(*txStore))
	})
}

func (store *Store) CreateAccount(ctx context.Context, spec transfer.AccountSpec) error {
	return store.autocommit(ctx, func(transaction *txStore) error {
		return transaction.CreateAccount(ctx, spec)
	})
}

func (store *Store) GetAccount(ctx context.Context, accountID transfer.AccountID) (transfer.Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	record, ok := store.accounts[accountID]
	if !ok {
		return transfer.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, transfer.ErrAccountNotFound)
	}
	return toAccount(accountID, record), nil
}

func (store *Store) LockBalance(ctx context.Context, accountID transfer.AccountID) (transfer.Balance, error) {
	account, err := store.GetAccount(ctx, accountID)
	if err != nil {
		return transfer.Balance{}, err
	}
	return transfer.Balance{AccountID: accountID, Amount: account.Balance, UpdatedAt: account.UpdatedAt}, nil
}

func (store *Store) UpdateBalance(ctx context.Context, accountID transfer.AccountID, amount transfer.AmountCents, updatedAt time.Time) error {
	return store.autocommit(ctx, func(transaction *txStore) error {
		if _, err := transaction.LockBalance(ctx, accountID); err != nil {
			return err
		}
		return transaction.UpdateBalance(ctx, accountID, amount, updatedAt)
	})
}

func (store *Store) LockPinState(ctx context.Context, accountID transfer.AccountID) (transfer.PinState, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	record, ok := store.accounts[accountID]
	if !ok {
		return transfer.PinState{}, wrapStoreError(errorSubjectPin, errorCodeGet, transfer.ErrAccountNotFound)
	}
	return copyPinState(record.pin), nil
}

func (store *Store) SavePinState(ctx context.Context, accountID transfer.AccountID, state transfer.PinState) error {
	return store.autocommit(ctx, func(transaction *txStore) error {
		if _, err := transaction.LockPinState(ctx, accountID); err != nil {
			return err
		}
		return transaction.SavePinState(ctx, accountID, state)
	})
}

func (store *Store) InsertTransaction(ctx context.Context, record transfer.Transaction) error {
	return store.autocommit(ctx, func(transaction *txStore) error {
		return transaction.InsertTransaction(ctx, record)
	})
}

func (store *Store) InsertLedgerEntries(ctx context.Context, entries ...transfer.LedgerEntry) error {
	return store.autocommit(ctx, func(transaction *txStore) error {
		return transaction.InsertLedgerEntries(ctx, entries...)
	})
}

func (store *Store) FindTransactionByIdempotencyKey(ctx context.Context, key transfer.IdempotencyKey) (transfer.Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	index, ok := store.byKey[key]
	if !ok {
		return transfer.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, transfer.ErrTransactionNotFound)
	}
	return store.transactions[index], nil
}

func (store *Store) ListTransactions(ctx context.Context, accountID transfer.AccountID, query transfer.HistoryQuery) ([]transfer.Transaction, int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	matched := make([]transfer.Transaction, 0)
	for index := len(store.transactions) - 1; index >= 0; index-- {
		transaction := store.transactions[index]
		if matchesHistory(transaction, accountID, query) {
			matched = append(matched, transaction)
		}
	}
	sort.SliceStable(matched, func(left, right int) bool {
		return matched[left].CreatedAt.After(matched[right].CreatedAt)
	})
	total := int64(len(matched))
	offset := (query.Page - 1) * query.Limit
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return []transfer.Transaction{}, total, nil
	}
	end := len(matched)
	if query.Limit > 0 && offset+query.Limit < end {
		end = offset + query.Limit
	}
	return append([]transfer.Transaction(nil), matched[offset:end]...), total, nil
}

func (store *Store) ListLedgerEntries(ctx context.Context, accountID transfer.AccountID) ([]transfer.LedgerEntry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	entries := make([]transfer.LedgerEntry, 0)
	for _, entry := range store.entries {
		if entry.AccountID == accountID {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (store *Store) ListTransactionEntries(ctx context.Context, transactionID transfer.TransactionID) ([]transfer.LedgerEntry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	entries := make([]transfer.LedgerEntry, 0, 2)
	for _, entry := range store.entries {
		if entry.TransactionID == transactionID {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// Lookup implements transfer.IdempotencyStore.
func (store *Store) Lookup(ctx context.Context, key transfer.IdempotencyKey, now time.Time) (transfer.IdempotencyRecord, bool, error) {
	store.idempotencyMu.Lock()
	defer store.idempotencyMu.Unlock()
	record, ok := store.idempotency[key]
	if !ok || record.Expired(now) {
		return transfer.IdempotencyRecord{}, false, nil
	}
	return record, true, nil
}

// Save implements transfer.IdempotencyStore. An expired record under the same key is replaced.
func (store *Store) Save(ctx context.Context, record transfer.IdempotencyRecord) error {
	store.idempotencyMu.Lock()
	defer store.idempotencyMu.Unlock()
	if existing, exists := store.idempotency[record.Key]; exists && !existing.Expired(record.CreatedAt) {
		return wrapStoreError(errorSubjectIdempotency, errorCodeDuplicate, transfer.ErrDuplicateIdempotencyKey)
	}
	record.ResponseJSON = append([]byte(nil), record.ResponseJSON...)
	store.idempotency[record.Key] = record
	return nil
}

// AppendAuditEntry implements transfer.AuditStore.
func (store *Store) AppendAuditEntry(ctx context.Context, build func(prevHash string) (transfer.AuditEntry, error)) (transfer.AuditEntry, error) {
	store.auditMu.Lock()
	defer store.auditMu.Unlock()
	if err := ctx.Err(); err != nil {
		return transfer.AuditEntry{}, wrapStoreError(errorSubjectAudit, errorCodeInsert, err)
	}
	prevHash := ""
	if len(store.audit) > 0 {
		prevHash = store.audit[len(store.audit)-1].Hash
	}
	entry, err := build(prevHash)
	if err != nil {
		return transfer.AuditEntry{}, wrapStoreError(errorSubjectAudit, errorCodeBuild, err)
	}
	entry.Sequence = int64(len(store.audit) + 1)
	store.audit = append(store.audit, entry)
	return entry, nil
}

// ListAuditEntries implements transfer.AuditStore.
func (store *Store) ListAuditEntries(ctx context.Context, query transfer.AuditQuery) ([]transfer.AuditEntry, error) {
	store.auditMu.Lock()
	defer store.auditMu.Unlock()
	matched := make([]transfer.AuditEntry, 0)
	for _, entry := range store.audit {
		if query.UserID == "" || entry.UserID == query.UserID {
			matched = append(matched, entry)
		}
	}
	if query.Newest {
		for left, right := 0, len(matched)-1; left < right; left, right = left+1, right-1 {
			matched[left], matched[right] = matched[right], matched[left]
		}
	}
	if query.Offset >= len(matched) {
		return []transfer.AuditEntry{}, nil
	}
	matched = matched[query.Offset:]
	if query.Limit > 0 && query.Limit < len(matched) {
		matched = matched[:query.Limit]
	}
	return matched, nil
}

// CountAuditEntries implements transfer.AuditStore.
func (store *Store) CountAuditEntries(ctx context.Context, userID string) (int64, error) {
	store.auditMu.Lock()
	defer store.auditMu.Unlock()
	var count int64
	for _, entry := range store.audit {
		if userID == "" || entry.UserID == userID {
			count++
		}
	}
	return count, nil
}

// ReplaceAuditEntry overwrites a stored audit entry by sequence. It exists to exercise tamper detection.
func (store *Store) ReplaceAuditEntry(entry transfer.AuditEntry) bool {
	store.auditMu.Lock()
	defer store.auditMu.Unlock()
	for index := range store.audit {
		if store.audit[index].Sequence == entry.Sequence {
			store.audit[index] = entry
			return true
		}
	}
	return false
}

func (store *Store) lockChannel(accountID transfer.AccountID) chan struct{} {
	store.mu.Lock()
	defer store.mu.Unlock()
	channel, ok := store.locks[accountID]
	if !ok {
		channel = make(chan struct{}, 1)
		store.locks[accountID] = channel
	}
	return channel
}

func matchesHistory(transaction transfer.Transaction, accountID transfer.AccountID, query transfer.HistoryQuery) bool {
	switch query.Direction {
	case transfer.DirectionDebit:
		if transaction.SenderID != accountID {
			return false
		}
	case transfer.DirectionCredit:
		if transaction.ReceiverID != accountID {
			return false
		}
	default:
		if transaction.SenderID != accountID && transaction.ReceiverID != accountID {
			return false
		}
	}
	if !query.From.IsZero() && transaction.CreatedAt.Before(query.From) {
		return false
	}
	if !query.To.IsZero() && transaction.CreatedAt.After(query.To) {
		return false
	}
	return true
}

func toAccount(accountID transfer.AccountID, record *accountRecord) transfer.Account {
	return transfer.Account{
		ID:             accountID,
		Balance:        record.balance,
		OpeningBalance: record.opening,
		CreatedAt:      record.createdAt,
		UpdatedAt:      record.updatedAt,
	}
}

func copyPinState(state transfer.PinState) transfer.PinState {
	state.Hash = append([]byte(nil), state.Hash...)
	return state
}

func wrapStoreError(subject string, code string, err error) error {
	return transfer.WrapError(errorOperationStore, subject, code, err)
}
