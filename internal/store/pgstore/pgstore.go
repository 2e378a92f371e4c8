package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/transfers/pkg/transfer"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintAccountsPrimary       = "accounts_pkey"
	constraintTransactionIdempotent = "uniq_transactions_idempotency_key"
	constraintIdempotentPrimary     = "idempotent_requests_pkey"
	pgUniqueViolationCode           = "23505"
	errorOperationStore             = "store"
	errorSubjectAccount             = "account"
	errorSubjectBalance             = "balance"
	errorSubjectPin                 = "pin"
	errorSubjectEntry               = "entry"
	errorSubjectTransaction         = "transaction"
	errorSubjectIdempotency         = "idempotency"
	errorSubjectAudit               = "audit"
	errorCodeBegin                  = "begin"
	errorCodeCommit                 = "commit"
	errorCodeCreate                 = "create"
	errorCodeDuplicate              = "duplicate"
	errorCodeGet                    = "get"
	errorCodeInsert                 = "insert"
	errorCodeInvalid                = "invalid"
	errorCodeList                   = "list"
	errorCodeCount                  = "count"
	errorCodeLock                   = "lock"
	errorCodeUpdate                 = "update"
	errorCodeBuild                  = "build"

	sqlInsertAccount = `
		insert into accounts(account_id, balance_cents, opening_balance_cents, pin_hash, created_at, updated_at)
		values ($1, $2, $2, $3, $4, $4)
	`

	sqlSelectAccount = `
		select account_id, balance_cents, opening_balance_cents, created_at, updated_at
		from accounts
		where account_id = $1
	`

	sqlLockBalance = `
		select balance_cents, updated_at
		from accounts
		where account_id = $1
		for update
	`

	sqlUpdateBalance = `
		update accounts
		set balance_cents = $2, updated_at = $3
		where account_id = $1
	`

	sqlLockPinState = `
		select pin_hash, pin_failed_attempts, pin_locked_until
		from accounts
		where account_id = $1
		for update
	`

	sqlUpdatePinState = `
		update accounts
		set pin_failed_attempts = $2, pin_locked_until = $3
		where account_id = $1
	`

	sqlInsertTransaction = `
		insert into transactions(transaction_id, sender_id, receiver_id, amount_cents, description, status, idempotency_key, created_at)
		values ($1, $2, $3, $4, $5, $6, nullif($7, ''), $8)
	`

	sqlTransactionColumns = `
		select transaction_id, sender_id, receiver_id, amount_cents, description, status, coalesce(idempotency_key, ''), created_at
		from transactions
	`

	sqlSelectTransactionByKey = sqlTransactionColumns + `
		where idempotency_key = $1
	`

	sqlHistoryFilter = `
		where (case $2::text
			when 'DEBIT' then sender_id = $1
			when 'CREDIT' then receiver_id = $1
			else sender_id = $1 or receiver_id = $1
		end)
		and ($3::timestamptz is null or created_at >= $3)
		and ($4::timestamptz is null or created_at <= $4)
	`

	sqlCountHistory = `select count(*) from transactions ` + sqlHistoryFilter

	sqlListHistory = sqlTransactionColumns + sqlHistoryFilter + `
		order by created_at desc, transaction_id desc
		limit $5 offset $6
	`

	sqlInsertLedgerEntry = `
		insert into ledger_entries(entry_id, transaction_id, account_id, direction, amount_cents, balance_before_cents, balance_after_cents, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	sqlLedgerColumns = `
		select sequence, entry_id, transaction_id, account_id, direction, amount_cents, balance_before_cents, balance_after_cents, created_at
		from ledger_entries
	`

	sqlListAccountEntries = sqlLedgerColumns + `
		where account_id = $1
		order by sequence asc
	`

	sqlListTransactionEntries = sqlLedgerColumns + `
		where transaction_id = $1
		order by sequence asc
	`
)

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, batch *pgx.Batch) pgx.BatchResults
}

// operations implements the statements shared by the pool and transaction stores.
type operations struct {
	db querier
}

// Store implements transfer.Store, transfer.IdempotencyStore, and transfer.AuditStore
// using a pgx connection pool (autocommit).
type Store struct {
	operations
	pool *pgxpool.Pool
}

// TxStore implements transfer.Store for an active transaction.
type TxStore struct {
	operations
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{operations: operations{db: pool}, pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore transfer.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{operations: operations{db: tx}, tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore transfer.Store) error) error {
	return fn(ctx, store)
}

func (ops operations) CreateAccount(ctx context.Context, spec transfer.AccountSpec) error {
	createdAt := spec.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := ops.db.Exec(ctx, sqlInsertAccount, spec.ID.String(), spec.OpeningBalance.Int64(), spec.PinHash, createdAt)
	if isUniqueViolation(err, constraintAccountsPrimary) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, transfer.ErrDuplicateAccount)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (ops operations) GetAccount(ctx context.Context, accountID transfer.AccountID) (transfer.Account, error) {
	var (
		accountValue string
		balanceValue int64
		openingValue int64
		createdAt    time.Time
		updatedAt    time.Time
	)
	err := ops.db.QueryRow(ctx, sqlSelectAccount, accountID.String()).Scan(&accountValue, &balanceValue, &openingValue, &createdAt, &updatedAt)
	if err != nil {
		return transfer.Account{}, mapLookupError(errorSubjectAccount, errorCodeGet, err, transfer.ErrAccountNotFound)
	}
	balance, err := transfer.NewAmountCents(balanceValue)
	if err != nil {
		return transfer.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	opening, err := transfer.NewAmountCents(openingValue)
	if err != nil {
		return transfer.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return transfer.Account{
		ID:             accountID,
		Balance:        balance,
		OpeningBalance: opening,
		CreatedAt:      createdAt.UTC(),
		UpdatedAt:      updatedAt.UTC(),
	}, nil
}

func (ops operations) LockBalance(ctx context.Context, accountID transfer.AccountID) (transfer.Balance, error) {
	var (
		balanceValue int64
		updatedAt    time.Time
	)
	err := ops.db.QueryRow(ctx, sqlLockBalance, accountID.String()).Scan(&balanceValue, &updatedAt)
	if err != nil {
		return transfer.Balance{}, mapLookupError(errorSubjectBalance, errorCodeLock, err, transfer.ErrAccountNotFound)
	}
	amount, err := transfer.NewAmountCents(balanceValue)
	if err != nil {
		return transfer.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return transfer.Balance{AccountID: accountID, Amount: amount, UpdatedAt: updatedAt.UTC()}, nil
}

func (ops operations) UpdateBalance(ctx context.Context, accountID transfer.AccountID, amount transfer.AmountCents, updatedAt time.Time) error {
	tag, err := ops.db.Exec(ctx, sqlUpdateBalance, accountID.String(), amount.Int64(), updatedAt.UTC())
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, transfer.ErrAccountNotFound)
	}
	return nil
}

func (ops operations) LockPinState(ctx context.Context, accountID transfer.AccountID) (transfer.PinState, error) {
	var (
		hash        []byte
		attempts    int
		lockedUntil *time.Time
	)
	err := ops.db.QueryRow(ctx, sqlLockPinState, accountID.String()).Scan(&hash, &attempts, &lockedUntil)
	if err != nil {
		return transfer.PinState{}, mapLookupError(errorSubjectPin, errorCodeLock, err, transfer.ErrAccountNotFound)
	}
	state := transfer.PinState{Hash: hash, FailedAttempts: attempts}
	if lockedUntil != nil {
		state.LockedUntil = lockedUntil.UTC()
	}
	return state, nil
}

func (ops operations) SavePinState(ctx context.Context, accountID transfer.AccountID, state transfer.PinState) error {
	var lockedUntil *time.Time
	if !state.LockedUntil.IsZero() {
		value := state.LockedUntil.UTC()
		lockedUntil = &value
	}
	tag, err := ops.db.Exec(ctx, sqlUpdatePinState, accountID.String(), state.FailedAttempts, lockedUntil)
	if err != nil {
		return wrapStoreError(errorSubjectPin, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectPin, errorCodeUpdate, transfer.ErrAccountNotFound)
	}
	return nil
}

func (ops operations) InsertTransaction(ctx context.Context, record transfer.Transaction) error {
	_, err := ops.db.Exec(ctx, sqlInsertTransaction,
		record.ID.String(),
		record.SenderID.String(),
		record.ReceiverID.String(),
		record.Amount.Int64(),
		record.Description,
		string(record.Status),
		record.IdempotencyKey.String(),
		record.CreatedAt.UTC(),
	)
	if isUniqueViolation(err, constraintTransactionIdempotent) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, transfer.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (ops operations) InsertLedgerEntries(ctx context.Context, entries ...transfer.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, entry := range entries {
		entryID := entry.ID
		if entryID == "" {
			entryID = uuid.NewString()
		}
		batch.Queue(sqlInsertLedgerEntry,
			entryID,
			entry.TransactionID.String(),
			entry.AccountID.String(),
			entry.Direction.String(),
			entry.Amount.Int64(),
			entry.BalanceBefore.Int64(),
			entry.BalanceAfter.Int64(),
			entry.CreatedAt.UTC(),
		)
	}
	results := ops.db.SendBatch(ctx, batch)
	for range entries {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
		}
	}
	if err := results.Close(); err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (ops operations) FindTransactionByIdempotencyKey(ctx context.Context, key transfer.IdempotencyKey) (transfer.Transaction, error) {
	rows, err := ops.db.Query(ctx, sqlSelectTransactionByKey, key.String())
	if err != nil {
		return transfer.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	defer rows.Close()
	transactions, err := scanTransactions(rows)
	if err != nil {
		return transfer.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	if len(transactions) == 0 {
		return transfer.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, transfer.ErrTransactionNotFound)
	}
	return transactions[0], nil
}

func (ops operations) ListTransactions(ctx context.Context, accountID transfer.AccountID, query transfer.HistoryQuery) ([]transfer.Transaction, int64, error) {
	from := optionalTime(query.From)
	to := optionalTime(query.To)
	var total int64
	err := ops.db.QueryRow(ctx, sqlCountHistory, accountID.String(), query.Direction.String(), from, to).Scan(&total)
	if err != nil {
		return nil, 0, wrapStoreError(errorSubjectTransaction, errorCodeCount, err)
	}
	offset := (query.Page - 1) * query.Limit
	if offset < 0 {
		offset = 0
	}
	rows, err := ops.db.Query(ctx, sqlListHistory, accountID.String(), query.Direction.String(), from, to, query.Limit, offset)
	if err != nil {
		return nil, 0, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions, err := scanTransactions(rows)
	if err != nil {
		return nil, 0, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transactions, total, nil
}

func (ops operations) ListLedgerEntries(ctx context.Context, accountID transfer.AccountID) ([]transfer.LedgerEntry, error) {
	return ops.listEntries(ctx, sqlListAccountEntries, accountID.String())
}

func (ops operations) ListTransactionEntries(ctx context.Context, transactionID transfer.TransactionID) ([]transfer.LedgerEntry, error) {
	return ops.listEntries(ctx, sqlListTransactionEntries, transactionID.String())
}

func (ops operations) listEntries(ctx context.Context, statement string, argument string) ([]transfer.LedgerEntry, error) {
	rows, err := ops.db.Query(ctx, statement, argument)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

func scanTransactions(rows pgx.Rows) ([]transfer.Transaction, error) {
	transactions := make([]transfer.Transaction, 0, 16)
	for rows.Next() {
		var (
			transactionValue string
			senderValue      string
			receiverValue    string
			amountValue      int64
			description      string
			status           string
			keyValue         string
			createdAt        time.Time
		)
		if err := rows.Scan(&transactionValue, &senderValue, &receiverValue, &amountValue, &description, &status, &keyValue, &createdAt); err != nil {
			return nil, err
		}
		transactionID, err := transfer.NewTransactionID(transactionValue)
		if err != nil {
			return nil, err
		}
		senderID, err := transfer.NewAccountID(senderValue)
		if err != nil {
			return nil, err
		}
		receiverID, err := transfer.NewAccountID(receiverValue)
		if err != nil {
			return nil, err
		}
		amount, err := transfer.NewPositiveAmountCents(amountValue)
		if err != nil {
			return nil, err
		}
		var key transfer.IdempotencyKey
		if keyValue != "" {
			key, err = transfer.NewIdempotencyKey(keyValue)
			if err != nil {
				return nil, err
			}
		}
		transactions = append(transactions, transfer.Transaction{
			ID:             transactionID,
			SenderID:       senderID,
			ReceiverID:     receiverID,
			Amount:         amount,
			Description:    description,
			Status:         transfer.TransactionStatus(status),
			IdempotencyKey: key,
			CreatedAt:      createdAt.UTC(),
		})
	}
	return transactions, rows.Err()
}

func scanEntries(rows pgx.Rows) ([]transfer.LedgerEntry, error) {
	entries := make([]transfer.LedgerEntry, 0, 32)
	for rows.Next() {
		var (
			sequence         int64
			entryValue       string
			transactionValue string
			accountValue     string
			directionValue   string
			amountValue      int64
			beforeValue      int64
			afterValue       int64
			createdAt        time.Time
		)
		if err := rows.Scan(&sequence, &entryValue, &transactionValue, &accountValue, &directionValue, &amountValue, &beforeValue, &afterValue, &createdAt); err != nil {
			return nil, err
		}
		transactionID, err := transfer.NewTransactionID(transactionValue)
		if err != nil {
			return nil, err
		}
		accountID, err := transfer.NewAccountID(accountValue)
		if err != nil {
			return nil, err
		}
		direction, err := transfer.ParseDirection(directionValue)
		if err != nil {
			return nil, err
		}
		amount, err := transfer.NewPositiveAmountCents(amountValue)
		if err != nil {
			return nil, err
		}
		before, err := transfer.NewAmountCents(beforeValue)
		if err != nil {
			return nil, err
		}
		after, err := transfer.NewAmountCents(afterValue)
		if err != nil {
			return nil, err
		}
		entries = append(entries, transfer.LedgerEntry{
			ID:            entryValue,
			Sequence:      sequence,
			TransactionID: transactionID,
			AccountID:     accountID,
			Direction:     direction,
			Amount:        amount,
			BalanceBefore: before,
			BalanceAfter:  after,
			CreatedAt:     createdAt.UTC(),
		})
	}
	return entries, rows.Err()
}

func optionalTime(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	utc := value.UTC()
	return &utc
}

func wrapStoreError(subject string, code string, err error) error {
	return transfer.WrapError(errorOperationStore, subject, code, err)
}

func mapLookupError(subject string, code string, err error, notFound error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return wrapStoreError(subject, code, notFound)
	}
	return wrapStoreError(subject, code, err)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	return false
}
