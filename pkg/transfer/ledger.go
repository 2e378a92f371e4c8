package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendPair writes the DEBIT and CREDIT entries of one transfer. It must run inside
// the unit of work that moved the balances; beforeDebit and beforeCredit are the
// locked snapshots taken in that unit.
func AppendPair(ctx context.Context, transactionStore Store, transactionID TransactionID, debitAccount AccountID, creditAccount AccountID, amount PositiveAmountCents, beforeDebit AmountCents, beforeCredit AmountCents, at time.Time) (LedgerEntry, LedgerEntry, error) {
	afterDebit, err := beforeDebit.Debit(amount)
	if err != nil {
		return LedgerEntry{}, LedgerEntry{}, err
	}
	afterCredit, err := beforeCredit.Credit(amount)
	if err != nil {
		return LedgerEntry{}, LedgerEntry{}, err
	}
	debit := LedgerEntry{
		ID:            uuid.NewString(),
		TransactionID: transactionID,
		AccountID:     debitAccount,
		Direction:     DirectionDebit,
		Amount:        amount,
		BalanceBefore: beforeDebit,
		BalanceAfter:  afterDebit,
		CreatedAt:     at,
	}
	credit := LedgerEntry{
		ID:            uuid.NewString(),
		TransactionID: transactionID,
		AccountID:     creditAccount,
		Direction:     DirectionCredit,
		Amount:        amount,
		BalanceBefore: beforeCredit,
		BalanceAfter:  afterCredit,
		CreatedAt:     at,
	}
	if err := transactionStore.InsertLedgerEntries(ctx, debit, credit); err != nil {
		return LedgerEntry{}, LedgerEntry{}, err
	}
	return debit, credit, nil
}

// LedgerReport is the outcome of replaying one account's ledger.
type LedgerReport struct {
	AccountID       AccountID
	OpeningBalance  AmountCents
	ComputedBalance AmountCents
	LiveBalance     AmountCents
	Entries         int
}

// Consistent reports whether the replayed balance matches the live balance.
func (report LedgerReport) Consistent() bool {
	return report.ComputedBalance == report.LiveBalance
}

// VerifyLedger recomputes the running balance of accountID from its opening balance and
// its ledger entries in write order. It fails with ErrInvalidBalance on the first entry whose
// snapshot does not continue the running balance or when the result differs from the live balance.
func VerifyLedger(ctx context.Context, store Store, accountID AccountID) (LedgerReport, error) {
	var report LedgerReport
	err := store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		balance, err := transactionStore.LockBalance(ctx, accountID)
		if err != nil {
			return err
		}
		account, err := transactionStore.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		entries, err := transactionStore.ListLedgerEntries(ctx, accountID)
		if err != nil {
			return err
		}
		report = LedgerReport{
			AccountID:      accountID,
			OpeningBalance: account.OpeningBalance,
			LiveBalance:    balance.Amount,
			Entries:        len(entries),
		}
		running := account.OpeningBalance
		for _, entry := range entries {
			if entry.BalanceBefore != running {
				return WrapError(errorOperationLedger, "entry", "discontinuous", fmt.Errorf("%w: entry %s starts at %d, expected %d", ErrInvalidBalance, entry.ID, entry.BalanceBefore, running))
			}
			switch entry.Direction {
			case DirectionDebit:
				running, err = running.Debit(entry.Amount)
			case DirectionCredit:
				running, err = running.Credit(entry.Amount)
			default:
				err = fmt.Errorf("%w: %q", ErrInvalidDirection, entry.Direction)
			}
			if err != nil {
				return WrapError(errorOperationLedger, "entry", "replay", fmt.Errorf("%w: entry %s: %w", ErrInvalidBalance, entry.ID, err))
			}
			if entry.BalanceAfter != running {
				return WrapError(errorOperationLedger, "entry", "snapshot", fmt.Errorf("%w: entry %s ends at %d, expected %d", ErrInvalidBalance, entry.ID, entry.BalanceAfter, running))
			}
		}
		report.ComputedBalance = running
		if !report.Consistent() {
			return WrapError(errorOperationLedger, "balance", "mismatch", fmt.Errorf("%w: ledger %d, live %d", ErrInvalidBalance, running, balance.Amount))
		}
		return nil
	})
	return report, err
}

// VerifyPair checks the double-entry invariant for the entries of one transaction.
func VerifyPair(transaction Transaction, entries []LedgerEntry) error {
	if len(entries) != 2 {
		return WrapError(errorOperationLedger, "pair", "count", fmt.Errorf("%w: transaction %s has %d entries", ErrInvalidBalance, transaction.ID, len(entries)))
	}
	var debit, credit *LedgerEntry
	for index := range entries {
		entry := &entries[index]
		switch entry.Direction {
		case DirectionDebit:
			debit = entry
		case DirectionCredit:
			credit = entry
		}
	}
	if debit == nil || credit == nil {
		return WrapError(errorOperationLedger, "pair", "direction", fmt.Errorf("%w: transaction %s lacks a debit or credit", ErrInvalidBalance, transaction.ID))
	}
	if debit.Amount != transaction.Amount || credit.Amount != transaction.Amount {
		return WrapError(errorOperationLedger, "pair", "amount", fmt.Errorf("%w: transaction %s amounts differ", ErrInvalidBalance, transaction.ID))
	}
	if debit.AccountID != transaction.SenderID || credit.AccountID != transaction.ReceiverID {
		return WrapError(errorOperationLedger, "pair", "account", fmt.Errorf("%w: transaction %s accounts differ", ErrInvalidBalance, transaction.ID))
	}
	if debit.BalanceBefore.Int64()-debit.BalanceAfter.Int64() != transaction.Amount.Int64() {
		return WrapError(errorOperationLedger, "pair", "debit_snapshot", fmt.Errorf("%w: transaction %s", ErrInvalidBalance, transaction.ID))
	}
	if credit.BalanceAfter.Int64()-credit.BalanceBefore.Int64() != transaction.Amount.Int64() {
		return WrapError(errorOperationLedger, "pair", "credit_snapshot", fmt.Errorf("%w: transaction %s", ErrInvalidBalance, transaction.ID))
	}
	return nil
}
