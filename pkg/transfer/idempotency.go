package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type transferResultJSON struct {
	Transaction     transactionJSON `json:"transaction"`
	SenderBalance   int64           `json:"senderBalance"`
	ReceiverBalance int64           `json:"receiverBalance"`
}

type transactionJSON struct {
	ID             string    `json:"id"`
	SenderID       string    `json:"senderId"`
	ReceiverID     string    `json:"receiverId"`
	Amount         int64     `json:"amount"`
	Description    string    `json:"description,omitempty"`
	Status         string    `json:"status"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

type fingerprintJSON struct {
	SenderID       string `json:"senderId"`
	ReceiverID     string `json:"receiverId"`
	Amount         int64  `json:"amount"`
	Description    string `json:"description"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// EncodeTransferResult serializes a result for the idempotency cache.
func EncodeTransferResult(result TransferResult) ([]byte, error) {
	payload := transferResultJSON{
		Transaction: transactionJSON{
			ID:             result.Transaction.ID.String(),
			SenderID:       result.Transaction.SenderID.String(),
			ReceiverID:     result.Transaction.ReceiverID.String(),
			Amount:         result.Transaction.Amount.Int64(),
			Description:    result.Transaction.Description,
			Status:         string(result.Transaction.Status),
			IdempotencyKey: result.Transaction.IdempotencyKey.String(),
			CreatedAt:      result.Transaction.CreatedAt.UTC(),
		},
		SenderBalance:   result.SenderBalance.Int64(),
		ReceiverBalance: result.ReceiverBalance.Int64(),
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, WrapError(errorOperationTransfer, "idempotency", "encode", err)
	}
	return encoded, nil
}

// DecodeTransferResult restores a cached result.
func DecodeTransferResult(raw []byte) (TransferResult, error) {
	var payload transferResultJSON
	if err := json.Unmarshal(raw, &payload); err != nil {
		return TransferResult{}, WrapError(errorOperationTransfer, "idempotency", "decode", err)
	}
	transactionID, err := NewTransactionID(payload.Transaction.ID)
	if err != nil {
		return TransferResult{}, WrapError(errorOperationTransfer, "idempotency", "decode", err)
	}
	senderID, err := NewAccountID(payload.Transaction.SenderID)
	if err != nil {
		return TransferResult{}, WrapError(errorOperationTransfer, "idempotency", "decode", err)
	}
	receiverID, err := NewAccountID(payload.Transaction.ReceiverID)
	if err != nil {
		return TransferResult{}, WrapError(errorOperationTransfer, "idempotency", "decode", err)
	}
	amount, err := NewPositiveAmountCents(payload.Transaction.Amount)
	if err != nil {
		return TransferResult{}, WrapError(errorOperationTransfer, "idempotency", "decode", err)
	}
	senderBalance, err := NewAmountCents(payload.SenderBalance)
	if err != nil {
		return TransferResult{}, WrapError(errorOperationTransfer, "idempotency", "decode", err)
	}
	receiverBalance, err := NewAmountCents(payload.ReceiverBalance)
	if err != nil {
		return TransferResult{}, WrapError(errorOperationTransfer, "idempotency", "decode", err)
	}
	var key IdempotencyKey
	if payload.Transaction.IdempotencyKey != "" {
		key, err = NewIdempotencyKey(payload.Transaction.IdempotencyKey)
		if err != nil {
			return TransferResult{}, WrapError(errorOperationTransfer, "idempotency", "decode", err)
		}
	}
	return TransferResult{
		Transaction: Transaction{
			ID:             transactionID,
			SenderID:       senderID,
			ReceiverID:     receiverID,
			Amount:         amount,
			Description:    payload.Transaction.Description,
			Status:         TransactionStatus(payload.Transaction.Status),
			IdempotencyKey: key,
			CreatedAt:      payload.Transaction.CreatedAt,
		},
		SenderBalance:   senderBalance,
		ReceiverBalance: receiverBalance,
	}, nil
}

// RequestFingerprint hashes the economic content of a request. The PIN is excluded.
func RequestFingerprint(request TransferRequest) string {
	encoded, err := json.Marshal(fingerprintJSON{
		SenderID:       strings.TrimSpace(request.SenderID),
		ReceiverID:     strings.TrimSpace(request.ReceiverID),
		Amount:         request.AmountCents,
		Description:    strings.TrimSpace(request.Description),
		IdempotencyKey: strings.TrimSpace(request.IdempotencyKey),
	})
	if err != nil {
		// Marshalling a struct of strings and ints cannot fail.
		panic(fmt.Sprintf("fingerprint: %v", err))
	}
	digest := sha256.Sum256(encoded)
	return hex.EncodeToString(digest[:])
}

// transactionFingerprint is the fingerprint of the request that committed transaction.
func transactionFingerprint(transaction Transaction) string {
	return RequestFingerprint(TransferRequest{
		SenderID:       transaction.SenderID.String(),
		ReceiverID:     transaction.ReceiverID.String(),
		AmountCents:    transaction.Amount.Int64(),
		Description:    transaction.Description,
		IdempotencyKey: transaction.IdempotencyKey.String(),
	})
}
