package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AmountCents is a non-negative balance in minor currency units.
type AmountCents int64

// PositiveAmountCents is a strictly positive movement in minor currency units.
type PositiveAmountCents int64

// AccountID identifies an account owner.
type AccountID struct {
	value string
}

// TransactionID identifies a completed transfer.
type TransactionID struct {
	value string
}

// IdempotencyKey scopes duplicate detection for retried transfers.
type IdempotencyKey struct {
	value string
}

// MetadataJSON stores arbitrary audit metadata.
type MetadataJSON struct {
	value string
}

// Direction is the side of a ledger entry.
type Direction string

const (
	DirectionDebit  Direction = "DEBIT"
	DirectionCredit Direction = "CREDIT"
)

// TransactionStatus is the lifecycle status of a transaction record.
type TransactionStatus string

// TransactionStatusCompleted is the only status this engine persists.
const TransactionStatusCompleted TransactionStatus = "COMPLETED"

// NewAmountCents validates a balance value.
func NewAmountCents(raw int64) (AmountCents, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidBalance)
	}
	return AmountCents(raw), nil
}

// Int64 returns the raw value.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// NewPositiveAmountCents validates a transfer amount.
func NewPositiveAmountCents(raw int64) (PositiveAmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveAmountCents(raw), nil
}

// Int64 returns the raw value.
func (amount PositiveAmountCents) Int64() int64 {
	return int64(amount)
}

// ToAmountCents widens the amount to a balance value.
func (amount PositiveAmountCents) ToAmountCents() AmountCents {
	return AmountCents(amount)
}

// Debit subtracts amount from balance, failing when funds do not cover it.
func (amount AmountCents) Debit(delta PositiveAmountCents) (AmountCents, error) {
	if amount.Int64() < delta.Int64() {
		return 0, ErrInsufficientFunds
	}
	return AmountCents(amount.Int64() - delta.Int64()), nil
}

// Credit adds amount to balance, failing on overflow.
func (amount AmountCents) Credit(delta PositiveAmountCents) (AmountCents, error) {
	if amount.Int64() > math.MaxInt64-delta.Int64() {
		return 0, fmt.Errorf("%w: balance overflow", ErrInvalidAmount)
	}
	return AmountCents(amount.Int64() + delta.Int64()), nil
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id AccountID) IsZero() bool {
	return id.value == ""
}

// NewTransactionID validates a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// GenerateTransactionID returns a fresh random transaction id.
func GenerateTransactionID() TransactionID {
	return TransactionID{value: uuid.NewString()}
}

// String returns the identifier.
func (id TransactionID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// IsZero reports whether no key was supplied.
func (key IdempotencyKey) IsZero() bool {
	return key.value == ""
}

// NewMetadataJSON validates metadata and stores it in canonical form
// (sorted keys, no insignificant whitespace). Empty input becomes "{}".
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	canonical, err := canonicalJSON([]byte(normalized))
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %w", ErrInvalidMetadataJSON, err)
	}
	return MetadataJSON{value: string(canonical)}, nil
}

// MetadataFrom marshals a value into canonical metadata.
func MetadataFrom(value any) (MetadataJSON, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %w", ErrInvalidMetadataJSON, err)
	}
	return NewMetadataJSON(string(raw))
}

// String returns the canonical JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// ParseDirection validates a ledger direction.
func ParseDirection(raw string) (Direction, error) {
	switch Direction(strings.ToUpper(strings.TrimSpace(raw))) {
	case DirectionDebit:
		return DirectionDebit, nil
	case DirectionCredit:
		return DirectionCredit, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDirection, raw)
	}
}

// String returns the direction label.
func (direction Direction) String() string {
	return string(direction)
}

// Account is the persisted view of one account.
type Account struct {
	ID             AccountID
	Balance        AmountCents
	OpeningBalance AmountCents
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AccountSpec provisions a new account.
type AccountSpec struct {
	ID             AccountID
	PinHash        []byte
	OpeningBalance AmountCents
	CreatedAt      time.Time
}

// Balance is the locked snapshot of one account's balance.
type Balance struct {
	AccountID AccountID
	Amount    AmountCents
	UpdatedAt time.Time
}

// PinState is the PIN guard state attached to an account.
type PinState struct {
	Hash           []byte
	FailedAttempts int
	LockedUntil    time.Time
}

// Transaction is the record of one completed transfer.
type Transaction struct {
	ID             TransactionID
	SenderID       AccountID
	ReceiverID     AccountID
	Amount         PositiveAmountCents
	Description    string
	Status         TransactionStatus
	IdempotencyKey IdempotencyKey
	CreatedAt      time.Time
}

// LedgerEntry is one immutable side of a double-entry pair.
type LedgerEntry struct {
	ID            string
	Sequence      int64
	TransactionID TransactionID
	AccountID     AccountID
	Direction     Direction
	Amount        PositiveAmountCents
	BalanceBefore AmountCents
	BalanceAfter  AmountCents
	CreatedAt     time.Time
}

// IdempotencyRecord caches the committed response of a keyed transfer.
type IdempotencyRecord struct {
	Key          IdempotencyKey
	Fingerprint  string
	ResponseJSON []byte
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// Expired reports whether the record is no longer valid for lookup at now.
func (record IdempotencyRecord) Expired(now time.Time) bool {
	return !now.Before(record.ExpiresAt)
}

// AuditEntry is one link of the audit hash chain.
type AuditEntry struct {
	ID        string
	Sequence  int64
	EventType string
	UserID    string
	Metadata  MetadataJSON
	PrevHash  string
	Hash      string
	CreatedAt time.Time
}

// TransferRequest carries the raw caller input of ExecuteTransfer.
type TransferRequest struct {
	SenderID       string
	ReceiverID     string
	AmountCents    int64
	Description    string
	IdempotencyKey string
	Pin            string
}

// TransferResult is the response of a completed transfer.
type TransferResult struct {
	Transaction     Transaction
	SenderBalance   AmountCents
	ReceiverBalance AmountCents
}

// TransferEvent is emitted once per completed transfer.
type TransferEvent struct {
	TransactionID   TransactionID
	SenderID        AccountID
	ReceiverID      AccountID
	Amount          PositiveAmountCents
	SenderBalance   AmountCents
	ReceiverBalance AmountCents
	Timestamp       time.Time
}

// HistoryQuery filters the transaction history of an account.
type HistoryQuery struct {
	Page      int
	Limit     int
	Direction Direction
	From      time.Time
	To        time.Time
}

// AuditQuery selects audit entries. An empty UserID selects the full chain.
type AuditQuery struct {
	UserID string
	Offset int
	Limit  int
	Newest bool
}

// Store is the persistence contract for balances, PIN state, transactions, and ledger entries.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	CreateAccount(ctx context.Context, spec AccountSpec) error
	GetAccount(ctx context.Context, accountID AccountID) (Account, error)
	// LockBalance takes an exclusive lock on the balance that is held until the enclosing transaction ends.
	LockBalance(ctx context.Context, accountID AccountID) (Balance, error)
	UpdateBalance(ctx context.Context, accountID AccountID, amount AmountCents, updatedAt time.Time) error
	LockPinState(ctx context.Context, accountID AccountID) (PinState, error)
	SavePinState(ctx context.Context, accountID AccountID, state PinState) error
	InsertTransaction(ctx context.Context, transaction Transaction) error
	InsertLedgerEntries(ctx context.Context, entries ...LedgerEntry) error
	FindTransactionByIdempotencyKey(ctx context.Context, key IdempotencyKey) (Transaction, error)
	ListTransactions(ctx context.Context, accountID AccountID, query HistoryQuery) ([]Transaction, int64, error)
	ListLedgerEntries(ctx context.Context, accountID AccountID) ([]LedgerEntry, error)
	ListTransactionEntries(ctx context.Context, transactionID TransactionID) ([]LedgerEntry, error)
}

// IdempotencyStore persists cached transfer responses keyed by idempotency key.
type IdempotencyStore interface {
	// Lookup returns the record for key. Expired records are reported as absent.
	Lookup(ctx context.Context, key IdempotencyKey, now time.Time) (IdempotencyRecord, bool, error)
	// Save fails with ErrDuplicateIdempotencyKey when the key already exists.
	Save(ctx context.Context, record IdempotencyRecord) error
}

// AuditStore persists the audit hash chain.
type AuditStore interface {
	// AppendAuditEntry serializes appenders: build receives the hash of the current chain head
	// ("" for an empty chain) and the returned entry becomes the new head.
	AppendAuditEntry(ctx context.Context, build func(prevHash string) (AuditEntry, error)) (AuditEntry, error)
	ListAuditEntries(ctx context.Context, query AuditQuery) ([]AuditEntry, error)
	CountAuditEntries(ctx context.Context, userID string) (int64, error)
}

// NotificationSink receives completion events. Publish must not block.
type NotificationSink interface {
	Publish(event TransferEvent)
}

// PinVerifier authorizes a transfer for an account.
type PinVerifier interface {
	Verify(ctx context.Context, accountID AccountID, secret string) error
}

// AuditRecorder records completed transfers in the audit trail.
type AuditRecorder interface {
	RecordTransfer(ctx context.Context, event TransferEvent)
}

func canonicalJSON(raw []byte) ([]byte, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	if decoder.More() {
		return nil, fmt.Errorf("trailing data")
	}
	return json.Marshal(value)
}
