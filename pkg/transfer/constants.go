package transfer

import "time"

const (
	operationTransfer    = "transfer"
	operationVerifyPin   = "verify_pin"
	operationAuditAppend = "audit_append"

	operationStatusOK       = "ok"
	operationStatusReplayed = "replayed"
	operationStatusError    = "error"

	errorOperationTransfer = "transfer"
	errorOperationPin      = "pin"
	errorOperationAudit    = "audit"
	errorOperationLedger   = "ledger"

	// DefaultUnitTimeout bounds the locked unit of work of a single transfer.
	DefaultUnitTimeout = 10 * time.Second
	// DefaultIdempotencyTTL is how long a cached transfer response stays valid.
	DefaultIdempotencyTTL = 24 * time.Hour
	// DefaultMaxPinAttempts is the number of consecutive failures that lock an account.
	DefaultMaxPinAttempts = 3
	// DefaultPinLockout is the cooldown applied once the attempt budget is spent.
	DefaultPinLockout = 15 * time.Minute

	maxDescriptionLength = 200
	minPinLength         = 4
	maxPinLength         = 6

	// AuditEventTransfer is appended for the sender of a completed transfer.
	AuditEventTransfer = "TRANSFER"
	// AuditEventTransferReceived is appended for the receiver of a completed transfer.
	AuditEventTransferReceived = "TRANSFER_RECEIVED"

	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
	defaultAuditLimit   = 50
	recentPayeesWindow  = 100
)
