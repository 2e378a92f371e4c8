package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/transfers/pkg/transfer"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintAccountsPrimary       = "accounts_pkey"
	constraintTransactionIdempotent = "uniq_transactions_idempotency_key"
	constraintIdempotentPrimary     = "idempotent_requests_pkey"
	pgUniqueViolationCode           = "23505"
	sqliteConstraintCode            = 19
	auditHeadID                     = 1
	errorOperationStore             = "store"
	errorSubjectAccount             = "account"
	errorSubjectBalance             = "balance"
	errorSubjectPin                 = "pin"
	errorSubjectTransaction         = "transaction"
	errorSubjectEntry               = "entry"
	errorSubjectIdempotency         = "idempotency"
	errorSubjectAudit               = "audit"
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
)

// Store implements transfer.Store, transfer.IdempotencyStore, and transfer.AuditStore using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore transfer.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) CreateAccount(ctx context.Context, spec transfer.AccountSpec) error {
	createdAt := spec.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	model := Account{
		AccountID:           spec.ID.String(),
		BalanceCents:        spec.OpeningBalance.Int64(),
		OpeningBalanceCents: spec.OpeningBalance.Int64(),
		PinHash:             spec.PinHash,
		CreatedAt:           createdAt,
		UpdatedAt:           createdAt,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintAccountsPrimary) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, transfer.ErrDuplicateAccount)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, accountID transfer.AccountID) (transfer.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).Where("account_id = ?", accountID.String()).Take(&model).Error
	if err != nil {
		return transfer.Account{}, mapLookupError(errorSubjectAccount, errorCodeGet, err, transfer.ErrAccountNotFound)
	}
	account, err := mapAccount(model)
	if err != nil {
		return transfer.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func (store *Store) LockBalance(ctx context.Context, accountID transfer.AccountID) (transfer.Balance, error) {
	var model Account
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("account_id", "balance_cents", "updated_at").
		Where("account_id = ?", accountID.String()).
		Take(&model).Error
	if err != nil {
		return transfer.Balance{}, mapLookupError(errorSubjectBalance, errorCodeLock, err, transfer.ErrAccountNotFound)
	}
	amount, err := transfer.NewAmountCents(model.BalanceCents)
	if err != nil {
		return transfer.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return transfer.Balance{AccountID: accountID, Amount: amount, UpdatedAt: model.UpdatedAt}, nil
}

func (store *Store) UpdateBalance(ctx context.Context, accountID transfer.AccountID, amount transfer.AmountCents, updatedAt time.Time) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Updates(map[string]any{"balance_cents": amount.Int64(), "updated_at": updatedAt.UTC()})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, transfer.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) LockPinState(ctx context.Context, accountID transfer.AccountID) (transfer.PinState, error) {
	var model Account
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("account_id", "pin_hash", "pin_failed_attempts", "pin_locked_until").
		Where("account_id = ?", accountID.String()).
		Take(&model).Error
	if err != nil {
		return transfer.PinState{}, mapLookupError(errorSubjectPin, errorCodeLock, err, transfer.ErrAccountNotFound)
	}
	state := transfer.PinState{Hash: model.PinHash, FailedAttempts: model.PinFailedAttempts}
	if model.PinLockedUntil != nil {
		state.LockedUntil = model.PinLockedUntil.UTC()
	}
	return state, nil
}

func (store *Store) SavePinState(ctx context.Context, accountID transfer.AccountID, state transfer.PinState) error {
	var lockedUntil *time.Time
	if !state.LockedUntil.IsZero() {
		value := state.LockedUntil.UTC()
		lockedUntil = &value
	}
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Updates(map[string]any{"pin_failed_attempts": state.FailedAttempts, "pin_locked_until": lockedUntil})
	if result.Error != nil {
		return wrapStoreError(errorSubjectPin, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPin, errorCodeUpdate, transfer.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, record transfer.Transaction) error {
	var idempotencyKey *string
	if !record.IdempotencyKey.IsZero() {
		value := record.IdempotencyKey.String()
		idempotencyKey = &value
	}
	model := Transaction{
		TransactionID:  record.ID.String(),
		SenderID:       record.SenderID.String(),
		ReceiverID:     record.ReceiverID.String(),
		AmountCents:    record.Amount.Int64(),
		Description:    record.Description,
		Status:         string(record.Status),
		IdempotencyKey: idempotencyKey,
		CreatedAt:      record.CreatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if idempotencyKey != nil && isUniqueViolation(err, constraintTransactionIdempotent) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, transfer.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) InsertLedgerEntries(ctx context.Context, entries ...transfer.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]LedgerEntry, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, LedgerEntry{
			EntryID:            entry.ID,
			TransactionID:      entry.TransactionID.String(),
			AccountID:          entry.AccountID.String(),
			Direction:          entry.Direction.String(),
			AmountCents:        entry.Amount.Int64(),
			BalanceBeforeCents: entry.BalanceBefore.Int64(),
			BalanceAfterCents:  entry.BalanceAfter.Int64(),
			CreatedAt:          entry.CreatedAt.UTC(),
		})
	}
	if err := store.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) FindTransactionByIdempotencyKey(ctx context.Context, key transfer.IdempotencyKey) (transfer.Transaction, error) {
	var model Transaction
	err := store.db.WithContext(ctx).Where("idempotency_key = ?", key.String()).Take(&model).Error
	if err != nil {
		return transfer.Transaction{}, mapLookupError(errorSubjectTransaction, errorCodeGet, err, transfer.ErrTransactionNotFound)
	}
	record, err := mapTransaction(model)
	if err != nil {
		return transfer.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return record, nil
}

func (store *Store) ListTransactions(ctx context.Context, accountID transfer.AccountID, query transfer.HistoryQuery) ([]transfer.Transaction, int64, error) {
	scoped := store.db.WithContext(ctx).Model(&Transaction{})
	switch query.Direction {
	case transfer.DirectionDebit:
		scoped = scoped.Where("sender_id = ?", accountID.String())
	case transfer.DirectionCredit:
		scoped = scoped.Where("receiver_id = ?", accountID.String())
	default:
		scoped = scoped.Where("(sender_id = ? OR receiver_id = ?)", accountID.String(), accountID.String())
	}
	if !query.From.IsZero() {
		scoped = scoped.Where("created_at >= ?", query.From.UTC())
	}
	if !query.To.IsZero() {
		scoped = scoped.Where("created_at <= ?", query.To.UTC())
	}
	var total int64
	if err := scoped.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, wrapStoreError(errorSubjectTransaction, errorCodeCount, err)
	}
	offset := (query.Page - 1) * query.Limit
	if offset < 0 {
		offset = 0
	}
	var rows []Transaction
	err := scoped.Session(&gorm.Session{}).
		Order("created_at DESC").
		Order("transaction_id DESC").
		Offset(offset).
		Limit(query.Limit).
		Find(&rows).Error
	if err != nil {
		return nil, 0, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]transfer.Transaction, 0, len(rows))
	for _, row := range rows {
		record, err := mapTransaction(row)
		if err != nil {
			return nil, 0, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, record)
	}
	return transactions, total, nil
}

func (store *Store) ListLedgerEntries(ctx context.Context, accountID transfer.AccountID) ([]transfer.LedgerEntry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Order("sequence ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapLedgerEntries(rows)
}

func (store *Store) ListTransactionEntries(ctx context.Context, transactionID transfer.TransactionID) ([]transfer.LedgerEntry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID.String()).
		Order("sequence ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapLedgerEntries(rows)
}

// Lookup implements transfer.IdempotencyStore.
func (store *Store) Lookup(ctx context.Context, key transfer.IdempotencyKey, now time.Time) (transfer.IdempotencyRecord, bool, error) {
	var model IdempotentRequest
	err := store.db.WithContext(ctx).
		Where("idempotency_key = ? AND expires_at > ?", key.String(), now.UTC()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return transfer.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return transfer.IdempotencyRecord{}, false, wrapStoreError(errorSubjectIdempotency, errorCodeGet, err)
	}
	return transfer.IdempotencyRecord{
		Key:          key,
		Fingerprint:  model.Fingerprint,
		ResponseJSON: []byte(model.Response),
		ExpiresAt:    model.ExpiresAt.UTC(),
		CreatedAt:    model.CreatedAt.UTC(),
	}, true, nil
}

// Save implements transfer.IdempotencyStore. An expired record under the same key is replaced.
func (store *Store) Save(ctx context.Context, record transfer.IdempotencyRecord) error {
	model := IdempotentRequest{
		IdempotencyKey: record.Key.String(),
		Fingerprint:    record.Fingerprint,
		Response:       datatypesJSON(record.ResponseJSON),
		ExpiresAt:      record.ExpiresAt.UTC(),
		CreatedAt:      record.CreatedAt.UTC(),
	}
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		err := transaction.
			Where("idempotency_key = ? AND expires_at <= ?", model.IdempotencyKey, model.CreatedAt).
			Delete(&IdempotentRequest{}).Error
		if err != nil {
			return wrapStoreError(errorSubjectIdempotency, errorCodeUpdate, err)
		}
		err = transaction.Create(&model).Error
		if isUniqueViolation(err, constraintIdempotentPrimary) {
			return wrapStoreError(errorSubjectIdempotency, errorCodeDuplicate, transfer.ErrDuplicateIdempotencyKey)
		}
		if err != nil {
			return wrapStoreError(errorSubjectIdempotency, errorCodeInsert, err)
		}
		return nil
	})
}

// AppendAuditEntry implements transfer.AuditStore. The audit_heads row serializes appenders.
func (store *Store) AppendAuditEntry(ctx context.Context, build func(prevHash string) (transfer.AuditEntry, error)) (transfer.AuditEntry, error) {
	var appended transfer.AuditEntry
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		err := transaction.
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&AuditHead{ID: auditHeadID, UpdatedAt: time.Now().UTC()}).Error
		if err != nil {
			return wrapStoreError(errorSubjectAudit, errorCodeLock, err)
		}
		var head AuditHead
		err = transaction.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", auditHeadID).
			Take(&head).Error
		if err != nil {
			return wrapStoreError(errorSubjectAudit, errorCodeLock, err)
		}
		entry, err := build(head.Hash)
		if err != nil {
			return wrapStoreError(errorSubjectAudit, errorCodeBuild, err)
		}
		var prevHash *string
		if entry.PrevHash != "" {
			value := entry.PrevHash
			prevHash = &value
		}
		model := AuditEntry{
			EntryID:   entry.ID,
			EventType: entry.EventType,
			UserID:    entry.UserID,
			Metadata:  datatypesJSON([]byte(entry.Metadata.String())),
			PrevHash:  prevHash,
			Hash:      entry.Hash,
			CreatedAt: entry.CreatedAt.UTC(),
		}
		if err := transaction.Create(&model).Error; err != nil {
			return wrapStoreError(errorSubjectAudit, errorCodeInsert, err)
		}
		err = transaction.
			Model(&AuditHead{}).
			Where("id = ?", auditHeadID).
			Updates(map[string]any{"hash": model.Hash, "sequence": model.Sequence, "updated_at": time.Now().UTC()}).Error
		if err != nil {
			return wrapStoreError(errorSubjectAudit, errorCodeUpdate, err)
		}
		entry.ID = model.EntryID
		entry.Sequence = model.Sequence
		appended = entry
		return nil
	})
	if err != nil {
		return transfer.AuditEntry{}, err
	}
	return appended, nil
}

// ListAuditEntries implements transfer.AuditStore.
func (store *Store) ListAuditEntries(ctx context.Context, query transfer.AuditQuery) ([]transfer.AuditEntry, error) {
	scoped := store.db.WithContext(ctx).Model(&AuditEntry{})
	if query.UserID != "" {
		scoped = scoped.Where("user_id = ?", query.UserID)
	}
	if query.Newest {
		scoped = scoped.Order("sequence DESC")
	} else {
		scoped = scoped.Order("sequence ASC")
	}
	if query.Offset > 0 {
		scoped = scoped.Offset(query.Offset)
	}
	if query.Limit > 0 {
		scoped = scoped.Limit(query.Limit)
	}
	var rows []AuditEntry
	if err := scoped.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectAudit, errorCodeList, err)
	}
	entries := make([]transfer.AuditEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapAuditEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAudit, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// CountAuditEntries implements transfer.AuditStore.
func (store *Store) CountAuditEntries(ctx context.Context, userID string) (int64, error) {
	scoped := store.db.WithContext(ctx).Model(&AuditEntry{})
	if userID != "" {
		scoped = scoped.Where("user_id = ?", userID)
	}
	var count int64
	if err := scoped.Count(&count).Error; err != nil {
		return 0, wrapStoreError(errorSubjectAudit, errorCodeCount, err)
	}
	return count, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return transfer.WrapError(errorOperationStore, subject, code, err)
}

func mapLookupError(subject string, code string, err error, notFound error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return wrapStoreError(subject, code, notFound)
	}
	return wrapStoreError(subject, code, err)
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
