package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. Balance and PIN guard state live on the same row
// so one row lock covers both.
type Account struct {
	AccountID           string     `gorm:"primaryKey"`
	BalanceCents        int64      `gorm:"not null;check:chk_accounts_balance_non_negative,balance_cents >= 0"`
	OpeningBalanceCents int64      `gorm:"not null"`
	PinHash             []byte     `gorm:""`
	PinFailedAttempts   int        `gorm:"not null;default:0"`
	PinLockedUntil      *time.Time `gorm:""`
	CreatedAt           time.Time  `gorm:"not null"`
	UpdatedAt           time.Time  `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// Transaction mirrors the transactions table.
type Transaction struct {
	TransactionID  string    `gorm:"primaryKey"`
	SenderID       string    `gorm:"not null;index:idx_transactions_sender_created,priority:1"`
	ReceiverID     string    `gorm:"not null;index:idx_transactions_receiver_created,priority:1"`
	AmountCents    int64     `gorm:"not null"`
	Description    string    `gorm:"not null;default:''"`
	Status         string    `gorm:"not null"`
	IdempotencyKey *string   `gorm:"uniqueIndex:uniq_transactions_idempotency_key"`
	CreatedAt      time.Time `gorm:"not null;index:idx_transactions_sender_created,priority:2;index:idx_transactions_receiver_created,priority:2"`
}

func (Transaction) TableName() string { return "transactions" }

// LedgerEntry mirrors the ledger_entries table. Sequence orders entries by write.
type LedgerEntry struct {
	Sequence           int64     `gorm:"primaryKey;autoIncrement"`
	EntryID            string    `gorm:"not null;uniqueIndex:uniq_ledger_entries_entry_id"`
	TransactionID      string    `gorm:"not null;index:idx_ledger_entries_transaction"`
	AccountID          string    `gorm:"not null;index:idx_ledger_entries_account_sequence,priority:1"`
	Direction          string    `gorm:"not null"`
	AmountCents        int64     `gorm:"not null"`
	BalanceBeforeCents int64     `gorm:"not null"`
	BalanceAfterCents  int64     `gorm:"not null"`
	CreatedAt          time.Time `gorm:"not null"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// IdempotentRequest mirrors the idempotent_requests table.
type IdempotentRequest struct {
	IdempotencyKey string         `gorm:"primaryKey"`
	Fingerprint    string         `gorm:"not null"`
	Response       datatypes.JSON `gorm:"not null"`
	ExpiresAt      time.Time      `gorm:"not null;index:idx_idempotent_requests_expires"`
	CreatedAt      time.Time      `gorm:"not null"`
}

func (IdempotentRequest) TableName() string { return "idempotent_requests" }

// AuditEntry mirrors the audit_entries table.
type AuditEntry struct {
	Sequence  int64          `gorm:"primaryKey;autoIncrement"`
	EntryID   string         `gorm:"not null;uniqueIndex:uniq_audit_entries_entry_id"`
	EventType string         `gorm:"not null"`
	UserID    string         `gorm:"not null;index:idx_audit_entries_user"`
	Metadata  datatypes.JSON `gorm:"not null"`
	PrevHash  *string        `gorm:""`
	Hash      string         `gorm:"not null;uniqueIndex:uniq_audit_entries_hash"`
	CreatedAt time.Time      `gorm:"not null"`
}

func (AuditEntry) TableName() string { return "audit_entries" }

func (entry *AuditEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// AuditHead is the single-row pointer to the newest audit entry. Appenders lock it.
type AuditHead struct {
	ID        int       `gorm:"primaryKey;autoIncrement:false"`
	Hash      string    `gorm:"not null;default:''"`
	Sequence  int64     `gorm:"not null;default:0"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (AuditHead) TableName() string { return "audit_heads" }

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{&Account{}, &Transaction{}, &LedgerEntry{}, &IdempotentRequest{}, &AuditEntry{}, &AuditHead{}}
}
