package gormstore

import (
	"github.com/MarkoPoloResearchLab/transfers/pkg/transfer"
	"gorm.io/datatypes"
)

const defaultMetadataJSON = "{}"

func mapAccount(model Account) (transfer.Account, error) {
	accountID, err := transfer.NewAccountID(model.AccountID)
	if err != nil {
		return transfer.Account{}, err
	}
	balance, err := transfer.NewAmountCents(model.BalanceCents)
	if err != nil {
		return transfer.Account{}, err
	}
	opening, err := transfer.NewAmountCents(model.OpeningBalanceCents)
	if err != nil {
		return transfer.Account{}, err
	}
	return transfer.Account{
		ID:             accountID,
		Balance:        balance,
		OpeningBalance: opening,
		CreatedAt:      model.CreatedAt.UTC(),
		UpdatedAt:      model.UpdatedAt.UTC(),
	}, nil
}

func mapTransaction(model Transaction) (transfer.Transaction, error) {
	transactionID, err := transfer.NewTransactionID(model.TransactionID)
	if err != nil {
		return transfer.Transaction{}, err
	}
	senderID, err := transfer.NewAccountID(model.SenderID)
	if err != nil {
		return transfer.Transaction{}, err
	}
	receiverID, err := transfer.NewAccountID(model.ReceiverID)
	if err != nil {
		return transfer.Transaction{}, err
	}
	amount, err := transfer.NewPositiveAmountCents(model.AmountCents)
	if err != nil {
		return transfer.Transaction{}, err
	}
	var key transfer.IdempotencyKey
	if model.IdempotencyKey != nil {
		key, err = transfer.NewIdempotencyKey(*model.IdempotencyKey)
		if err != nil {
			return transfer.Transaction{}, err
		}
	}
	return transfer.Transaction{
		ID:             transactionID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Amount:         amount,
		Description:    model.Description,
		Status:         transfer.TransactionStatus(model.Status),
		IdempotencyKey: key,
		CreatedAt:      model.CreatedAt.UTC(),
	}, nil
}

func mapLedgerEntries(rows []LedgerEntry) ([]transfer.LedgerEntry, error) {
	entries := make([]transfer.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func mapLedgerEntry(row LedgerEntry) (transfer.LedgerEntry, error) {
	transactionID, err := transfer.NewTransactionID(row.TransactionID)
	if err != nil {
		return transfer.LedgerEntry{}, err
	}
	accountID, err := transfer.NewAccountID(row.AccountID)
	if err != nil {
		return transfer.LedgerEntry{}, err
	}
	direction, err := transfer.ParseDirection(row.Direction)
	if err != nil {
		return transfer.LedgerEntry{}, err
	}
	amount, err := transfer.NewPositiveAmountCents(row.AmountCents)
	if err != nil {
		return transfer.LedgerEntry{}, err
	}
	before, err := transfer.NewAmountCents(row.BalanceBeforeCents)
	if err != nil {
		return transfer.LedgerEntry{}, err
	}
	after, err := transfer.NewAmountCents(row.BalanceAfterCents)
	if err != nil {
		return transfer.LedgerEntry{}, err
	}
	return transfer.LedgerEntry{
		ID:            row.EntryID,
		Sequence:      row.Sequence,
		TransactionID: transactionID,
		AccountID:     accountID,
		Direction:     direction,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		CreatedAt:     row.CreatedAt.UTC(),
	}, nil
}

func mapAuditEntry(row AuditEntry) (transfer.AuditEntry, error) {
	// jsonb reorders keys; the canonical form restores what was hashed.
	metadata, err := transfer.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return transfer.AuditEntry{}, err
	}
	entry := transfer.AuditEntry{
		ID:        row.EntryID,
		Sequence:  row.Sequence,
		EventType: row.EventType,
		UserID:    row.UserID,
		Metadata:  metadata,
		Hash:      row.Hash,
		CreatedAt: row.CreatedAt.UTC(),
	}
	if row.PrevHash != nil {
		entry.PrevHash = *row.PrevHash
	}
	return entry, nil
}

func datatypesJSON(raw []byte) datatypes.JSON {
	if len(raw) == 0 {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON(raw)
}
