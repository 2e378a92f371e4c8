package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AuditChain appends domain events to a global hash chain and verifies it.
type AuditChain struct {
	store  AuditStore
	nowFn  func() time.Time
	logger OperationLogger
}

// AuditChainOption configures an AuditChain.
type AuditChainOption func(*AuditChain)

// WithAuditLogger wires a logger that receives every append outcome, including swallowed failures.
func WithAuditLogger(logger OperationLogger) AuditChainOption {
	return func(chain *AuditChain) {
		chain.logger = logger
	}
}

// NewAuditChain wires an AuditChain over store.
func NewAuditChain(store AuditStore, now func() time.Time, options ...AuditChainOption) (*AuditChain, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: audit store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	chain := &AuditChain{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(chain)
		}
	}
	return chain, nil
}

type auditHashInput struct {
	EventType string          `json:"eventType"`
	UserID    string          `json:"userId"`
	Metadata  json.RawMessage `json:"metadata"`
	PrevHash  *string         `json:"prevHash"`
	CreatedAt string          `json:"createdAt"`
}

// HashAuditEntry computes SHA-256 over the canonical encoding of the entry's
// event type, user, metadata, previous hash, and creation time.
func HashAuditEntry(entry AuditEntry) string {
	var prevHash *string
	if entry.PrevHash != "" {
		value := entry.PrevHash
		prevHash = &value
	}
	encoded, err := json.Marshal(auditHashInput{
		EventType: entry.EventType,
		UserID:    entry.UserID,
		Metadata:  json.RawMessage(entry.Metadata.String()),
		PrevHash:  prevHash,
		CreatedAt: entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		// Metadata is canonical JSON by construction.
		panic(fmt.Sprintf("audit hash: %v", err))
	}
	digest := sha256.Sum256(encoded)
	return hex.EncodeToString(digest[:])
}

// Append links a new entry to the current chain head.
func (chain *AuditChain) Append(ctx context.Context, eventType string, userID string, metadata MetadataJSON) (AuditEntry, error) {
	eventType = strings.TrimSpace(eventType)
	userID = strings.TrimSpace(userID)
	if eventType == "" || userID == "" {
		err := WrapError(errorOperationAudit, "entry", "invalid", fmt.Errorf("%w: event type and user id are required", ErrInvalidServiceConfig))
		chain.log(ctx, eventType, userID, err)
		return AuditEntry{}, err
	}
	entry, err := chain.store.AppendAuditEntry(ctx, func(prevHash string) (AuditEntry, error) {
		entry := AuditEntry{
			ID:        uuid.NewString(),
			EventType: eventType,
			UserID:    userID,
			Metadata:  metadata,
			PrevHash:  prevHash,
			// Truncated so the timestamp survives databases with microsecond precision.
			CreatedAt: chain.nowFn().UTC().Truncate(time.Microsecond),
		}
		entry.Hash = HashAuditEntry(entry)
		return entry, nil
	})
	if err != nil {
		err = WrapError(errorOperationAudit, "entry", "append", err)
	}
	chain.log(ctx, eventType, userID, err)
	return entry, err
}

// RecordTransfer appends TRANSFER for the sender and TRANSFER_RECEIVED for the receiver.
// Failures are reported to the logger and never returned.
func (chain *AuditChain) RecordTransfer(ctx context.Context, event TransferEvent) {
	timestamp := event.Timestamp.UTC().Format(time.RFC3339Nano)
	senderMetadata, err := MetadataFrom(map[string]any{
		"transactionId": event.TransactionID.String(),
		"receiverId":    event.ReceiverID.String(),
		"amount":        event.Amount.Int64(),
		"timestamp":     timestamp,
	})
	if err == nil {
		_, _ = chain.Append(ctx, AuditEventTransfer, event.SenderID.String(), senderMetadata)
	} else {
		chain.log(ctx, AuditEventTransfer, event.SenderID.String(), err)
	}
	receiverMetadata, err := MetadataFrom(map[string]any{
		"transactionId": event.TransactionID.String(),
		"senderId":      event.SenderID.String(),
		"amount":        event.Amount.Int64(),
		"timestamp":     timestamp,
	})
	if err == nil {
		_, _ = chain.Append(ctx, AuditEventTransferReceived, event.ReceiverID.String(), receiverMetadata)
	} else {
		chain.log(ctx, AuditEventTransferReceived, event.ReceiverID.String(), err)
	}
}

// VerifyChain recomputes every hash of the global chain in append order and checks
// the prevHash linkage, up to the last entry of userID (the whole chain when userID
// is empty). It returns false at the first break.
func (chain *AuditChain) VerifyChain(ctx context.Context, userID string) (bool, error) {
	entries, err := chain.store.ListAuditEntries(ctx, AuditQuery{})
	if err != nil {
		return false, WrapError(errorOperationAudit, "chain", "list", err)
	}
	userID = strings.TrimSpace(userID)
	end := len(entries)
	if userID != "" {
		end = 0
		for index, entry := range entries {
			if entry.UserID == userID {
				end = index + 1
			}
		}
	}
	return verifyEntries(entries[:end]), nil
}

func verifyEntries(entries []AuditEntry) bool {
	expectedPrev := ""
	for _, entry := range entries {
		if entry.PrevHash != expectedPrev {
			return false
		}
		if HashAuditEntry(entry) != entry.Hash {
			return false
		}
		expectedPrev = entry.Hash
	}
	return true
}

// AuditPage is one page of a user's audit trail, newest first.
type AuditPage struct {
	Entries []AuditEntry
	Page    int
	Limit   int
	Total   int64
	HasMore bool
}

// Trail lists the audit entries of userID, newest first.
func (chain *AuditChain) Trail(ctx context.Context, userID string, page int, limit int) (AuditPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultAuditLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	offset := (page - 1) * limit
	entries, err := chain.store.ListAuditEntries(ctx, AuditQuery{UserID: userID, Offset: offset, Limit: limit, Newest: true})
	if err != nil {
		return AuditPage{}, WrapError(errorOperationAudit, "trail", "list", err)
	}
	total, err := chain.store.CountAuditEntries(ctx, userID)
	if err != nil {
		return AuditPage{}, WrapError(errorOperationAudit, "trail", "count", err)
	}
	return AuditPage{
		Entries: entries,
		Page:    page,
		Limit:   limit,
		Total:   total,
		HasMore: int64(offset+len(entries)) < total,
	}, nil
}

func (chain *AuditChain) log(ctx context.Context, eventType string, userID string, err error) {
	logOperation(ctx, chain.logger, OperationLog{
		Operation: operationAuditAppend,
		EventType: eventType,
		AccountID: AccountID{value: userID},
		Error:     err,
	})
}
