package transfer

import (
	"context"
	"time"
)

// OperationLogger records domain-level events emitted by engine operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes one engine operation and its outcome.
type OperationLog struct {
	Operation      string
	SenderID       AccountID
	ReceiverID     AccountID
	AccountID      AccountID
	TransactionID  TransactionID
	Amount         int64
	IdempotencyKey IdempotencyKey
	EventType      string
	Status         string
	Duration       time.Duration
	Error          error
	// Warning carries a soft failure that did not abort the operation.
	Warning error
}

func logOperation(ctx context.Context, logger OperationLogger, entry OperationLog) {
	if logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	logger.LogOperation(ctx, entry)
}
