// Package telemetry turns engine operation logs into zap records and prometheus samples.
package telemetry

import (
	"context"

	"github.com/MarkoPoloResearchLab/transfers/pkg/transfer"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// OperationLogger implements transfer.OperationLogger.
type OperationLogger struct {
	logger  *zap.Logger
	metrics *Metrics
}

// NewOperationLogger builds an OperationLogger. metrics may be nil.
func NewOperationLogger(logger *zap.Logger, metrics *Metrics) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger, metrics: metrics}
}

func (operationLogger *OperationLogger) LogOperation(_ context.Context, entry transfer.OperationLog) {
	kind := transfer.ErrorKind(entry.Error)
	operationLogger.metrics.ObserveOperation(entry.Operation, entry.Status, kind, entry.Duration)

	fields := make([]zap.Field, 0, 12)
	fields = append(fields, zap.String("operation", entry.Operation), zap.String("status", entry.Status))
	if !entry.SenderID.IsZero() {
		fields = append(fields, zap.String("sender_id", entry.SenderID.String()))
	}
	if !entry.ReceiverID.IsZero() {
		fields = append(fields, zap.String("receiver_id", entry.ReceiverID.String()))
	}
	if !entry.AccountID.IsZero() {
		fields = append(fields, zap.String("account_id", entry.AccountID.String()))
	}
	if transactionID := entry.TransactionID.String(); transactionID != "" {
		fields = append(fields, zap.String("transaction_id", transactionID))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount_cents", entry.Amount))
	}
	if !entry.IdempotencyKey.IsZero() {
		fields = append(fields, zap.String("idempotency_key", entry.IdempotencyKey.String()))
	}
	if entry.EventType != "" {
		fields = append(fields, zap.String("event_type", entry.EventType))
	}
	if entry.Duration > 0 {
		fields = append(fields, zap.Duration("duration", entry.Duration))
	}
	if entry.Warning != nil {
		fields = append(fields, zap.NamedError("warning", entry.Warning))
	}
	if entry.Error != nil {
		fields = append(fields, zap.String("error_kind", kind), zap.Error(entry.Error))
	}
	operationLogger.logger.Log(levelFor(entry, kind), "transfer operation", fields...)
}

func levelFor(entry transfer.OperationLog, kind string) zapcore.Level {
	switch {
	case entry.Error != nil && (kind == transfer.KindInternal || kind == transfer.KindTimeout):
		return zapcore.ErrorLevel
	case entry.Error != nil, entry.Warning != nil:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}
