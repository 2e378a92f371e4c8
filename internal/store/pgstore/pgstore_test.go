package pgstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/transfers/pkg/transfer"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

const postgresDSNEnv = "TRANSFERS_TEST_POSTGRES_DSN"

func TestIsUniqueViolationMatchesConstraint(test *testing.T) {
	test.Parallel()
	duplicate := &pgconn.PgError{Code: pgUniqueViolationCode, ConstraintName: constraintTransactionIdempotent}
	if !isUniqueViolation(fmt.Errorf("insert: %w", duplicate), constraintTransactionIdempotent) {
		test.Fatalf("expected wrapped unique violation to match")
	}
	if isUniqueViolation(duplicate, constraintAccountsPrimary) {
		test.Fatalf("expected other constraint not to match")
	}
	if isUniqueViolation(errors.New("boom"), constraintAccountsPrimary) {
		test.Fatalf("expected plain error not to match")
	}
	if isUniqueViolation(nil, constraintAccountsPrimary) {
		test.Fatalf("expected nil not to match")
	}
}

func TestOptionalTime(test *testing.T) {
	test.Parallel()
	if optionalTime(time.Time{}) != nil {
		test.Fatalf("expected nil for zero time")
	}
	local := time.Date(2026, 3, 1, 14, 0, 0, 0, time.FixedZone("EET", 2*3600))
	converted := optionalTime(local)
	if converted == nil || converted.Location() != time.UTC || !converted.Equal(local) {
		test.Fatalf("unexpected conversion %v", converted)
	}
}

// newPostgresStore connects to the database named by TRANSFERS_TEST_POSTGRES_DSN.
// Each test works in its own schema.
func newPostgresStore(test *testing.T) *Store {
	test.Helper()
	dsn := os.Getenv(postgresDSNEnv)
	if dsn == "" {
		test.Skipf("%s not set", postgresDSNEnv)
	}
	ctx := context.Background()
	schema := "transfers_test_" + uuid.NewString()[:8]
	admin, err := pgxpool.New(ctx, dsn)
	if err != nil {
		test.Fatalf("connect: %v", err)
	}
	if _, err := admin.Exec(ctx, "create schema "+schema); err != nil {
		admin.Close()
		test.Fatalf("create schema: %v", err)
	}
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		admin.Close()
		test.Fatalf("parse dsn: %v", err)
	}
	config.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		admin.Close()
		test.Fatalf("connect schema: %v", err)
	}
	test.Cleanup(func() {
		pool.Close()
		_, _ = admin.Exec(context.Background(), "drop schema "+schema+" cascade")
		admin.Close()
	})
	if err := EnsureSchema(ctx, pool); err != nil {
		test.Fatalf("schema: %v", err)
	}
	return New(pool)
}

func mustCreateAccount(test *testing.T, store *Store, raw string, opening int64) transfer.AccountID {
	test.Helper()
	accountID, err := transfer.NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	amount, err := transfer.NewAmountCents(opening)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	hash, err := transfer.HashPinWithCost("1234", bcrypt.MinCost)
	if err != nil {
		test.Fatalf("hash: %v", err)
	}
	spec := transfer.AccountSpec{ID: accountID, PinHash: hash, OpeningBalance: amount, CreatedAt: time.Now().UTC()}
	if err := store.CreateAccount(context.Background(), spec); err != nil {
		test.Fatalf("create account: %v", err)
	}
	return accountID
}

func TestPostgresTransferRoundTrip(test *testing.T) {
	store := newPostgresStore(test)
	ctx := context.Background()
	alice := mustCreateAccount(test, store, "alice", 10000)
	bob := mustCreateAccount(test, store, "bob", 0)

	engine, err := transfer.NewEngine(store, store, func() time.Time { return time.Now().UTC() })
	if err != nil {
		test.Fatalf("engine: %v", err)
	}
	result, err := engine.ExecuteTransfer(ctx, transfer.TransferRequest{
		SenderID:       alice.String(),
		ReceiverID:     bob.String(),
		AmountCents:    2500,
		IdempotencyKey: "pg-key-1",
		Pin:            "1234",
	})
	if err != nil {
		test.Fatalf("transfer: %v", err)
	}
	if result.SenderBalance.Int64() != 7500 || result.ReceiverBalance.Int64() != 2500 {
		test.Fatalf("unexpected balances %d/%d", result.SenderBalance, result.ReceiverBalance)
	}
	replayed, err := engine.ExecuteTransfer(ctx, transfer.TransferRequest{
		SenderID:       alice.String(),
		ReceiverID:     bob.String(),
		AmountCents:    2500,
		IdempotencyKey: "pg-key-1",
		Pin:            "1234",
	})
	if err != nil {
		test.Fatalf("replay: %v", err)
	}
	if replayed.Transaction.ID != result.Transaction.ID {
		test.Fatalf("expected replay to return %s, got %s", result.Transaction.ID, replayed.Transaction.ID)
	}

	report, err := transfer.VerifyLedger(ctx, store, alice)
	if err != nil {
		test.Fatalf("verify ledger: %v", err)
	}
	if !report.Consistent() || report.Entries != 1 {
		test.Fatalf("unexpected report %+v", report)
	}
	entries, err := store.ListTransactionEntries(ctx, result.Transaction.ID)
	if err != nil {
		test.Fatalf("entries: %v", err)
	}
	if err := transfer.VerifyPair(result.Transaction, entries); err != nil {
		test.Fatalf("verify pair: %v", err)
	}

	page, total, err := store.ListTransactions(ctx, bob, transfer.HistoryQuery{Page: 1, Limit: 10, Direction: transfer.DirectionCredit})
	if err != nil {
		test.Fatalf("history: %v", err)
	}
	if total != 1 || len(page) != 1 || page[0].IdempotencyKey.String() != "pg-key-1" {
		test.Fatalf("unexpected history %+v total=%d", page, total)
	}
}

func TestPostgresAuditChain(test *testing.T) {
	store := newPostgresStore(test)
	ctx := context.Background()
	chain, err := transfer.NewAuditChain(store, func() time.Time { return time.Now().UTC() })
	if err != nil {
		test.Fatalf("audit chain: %v", err)
	}
	metadata, err := transfer.NewMetadataJSON(`{"transactionId":"tx-1","amount":2500}`)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	for _, user := range []string{"alice", "bob", "alice"} {
		if _, err := chain.Append(ctx, "TRANSFER_COMPLETED", user, metadata); err != nil {
			test.Fatalf("append: %v", err)
		}
	}
	valid, err := chain.VerifyChain(ctx, "alice")
	if err != nil || !valid {
		test.Fatalf("expected valid chain, got %v err=%v", valid, err)
	}
	count, err := store.CountAuditEntries(ctx, "alice")
	if err != nil || count != 2 {
		test.Fatalf("unexpected count %d err=%v", count, err)
	}
}

func TestPostgresIdempotencyDuplicate(test *testing.T) {
	store := newPostgresStore(test)
	ctx := context.Background()
	key, err := transfer.NewIdempotencyKey("pg-idem")
	if err != nil {
		test.Fatalf("key: %v", err)
	}
	now := time.Now().UTC()
	record := transfer.IdempotencyRecord{Key: key, Fingerprint: "fp", ResponseJSON: []byte(`{"ok":true}`), ExpiresAt: now.Add(time.Hour), CreatedAt: now}
	if err := store.Save(ctx, record); err != nil {
		test.Fatalf("save: %v", err)
	}
	if err := store.Save(ctx, record); !errors.Is(err, transfer.ErrDuplicateIdempotencyKey) {
		test.Fatalf("expected duplicate, got %v", err)
	}
	found, ok, err := store.Lookup(ctx, key, now)
	if err != nil || !ok || found.Fingerprint != "fp" {
		test.Fatalf("unexpected lookup %+v ok=%v err=%v", found, ok, err)
	}
	if _, ok, _ := store.Lookup(ctx, key, now.Add(2*time.Hour)); ok {
		test.Fatalf("expected expired record to be absent")
	}
}
