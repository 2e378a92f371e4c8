package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/transfers/pkg/transfer"
	"github.com/spf13/cobra"
)

const (
	flagAccountID      = "id"
	flagPin            = "pin"
	flagOpeningBalance = "opening-balance"
	flagAccount        = "account"
	flagUser           = "user"
)

var errBrokenAuditChain = errors.New("audit chain is broken")

func newAccountCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage accounts",
	}
	create := &cobra.Command{
		Use:   "create",
		Short: "Provision an account with a PIN and an opening balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			rawID, _ := cmd.Flags().GetString(flagAccountID)
			pin, _ := cmd.Flags().GetString(flagPin)
			openingBalance, _ := cmd.Flags().GetInt64(flagOpeningBalance)
			return withBackend(cmd.Context(), cfg, func(ctx context.Context, stores *backend) error {
				accountID, err := createAccount(ctx, stores.store, rawID, pin, openingBalance)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created account %s with opening balance %d\n", accountID, openingBalance)
				return nil
			})
		},
	}
	create.Flags().String(flagAccountID, "", "Account identifier")
	create.Flags().String(flagPin, "", "4-6 digit transaction PIN")
	create.Flags().Int64(flagOpeningBalance, 0, "Opening balance in cents")
	_ = create.MarkFlagRequired(flagAccountID)
	_ = create.MarkFlagRequired(flagPin)
	cmd.AddCommand(create)
	return cmd
}

func createAccount(ctx context.Context, store transfer.Store, rawID string, pin string, openingBalance int64) (transfer.AccountID, error) {
	accountID, err := transfer.NewAccountID(rawID)
	if err != nil {
		return transfer.AccountID{}, err
	}
	opening, err := transfer.NewAmountCents(openingBalance)
	if err != nil {
		return transfer.AccountID{}, err
	}
	pinHash, err := transfer.HashPin(pin)
	if err != nil {
		return transfer.AccountID{}, err
	}
	err = store.CreateAccount(ctx, transfer.AccountSpec{
		ID:             accountID,
		PinHash:        pinHash,
		OpeningBalance: opening,
		CreatedAt:      time.Now().UTC(),
	})
	return accountID, err
}

func newVerifyCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check ledger and audit integrity",
	}

	ledger := &cobra.Command{
		Use:   "ledger",
		Short: "Replay an account's ledger entries against its live balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			rawID, _ := cmd.Flags().GetString(flagAccount)
			accountID, err := transfer.NewAccountID(rawID)
			if err != nil {
				return err
			}
			return withBackend(cmd.Context(), cfg, func(ctx context.Context, stores *backend) error {
				report, err := transfer.VerifyLedger(ctx, stores.store, accountID)
				fmt.Fprintf(cmd.OutOrStdout(), "account %s: entries=%d opening=%d computed=%d live=%d consistent=%t\n",
					report.AccountID, report.Entries, report.OpeningBalance.Int64(),
					report.ComputedBalance.Int64(), report.LiveBalance.Int64(), err == nil && report.Consistent())
				return err
			})
		},
	}
	ledger.Flags().String(flagAccount, "", "Account identifier")
	_ = ledger.MarkFlagRequired(flagAccount)

	audit := &cobra.Command{
		Use:   "audit",
		Short: "Recompute the audit hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString(flagUser)
			return withBackend(cmd.Context(), cfg, func(ctx context.Context, stores *backend) error {
				chain, err := transfer.NewAuditChain(stores.audit, func() time.Time { return time.Now().UTC() })
				if err != nil {
					return err
				}
				valid, err := chain.VerifyChain(ctx, userID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "audit chain valid=%t\n", valid)
				if !valid {
					return errBrokenAuditChain
				}
				return nil
			})
		},
	}
	audit.Flags().String(flagUser, "", "Verify the chain up to this user's last entry (whole chain when empty)")

	cmd.AddCommand(ledger, audit)
	return cmd
}

func withBackend(ctx context.Context, cfg *runtimeConfig, fn func(ctx context.Context, stores *backend) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	stores, err := openBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = stores.close() }()
	return fn(ctx, stores)
}
