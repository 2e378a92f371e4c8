package transfer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/transfers/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/transfers/pkg/transfer"
	"golang.org/x/crypto/bcrypt"
)

const (
	testPin      = "1234"
	testWrongPin = "9999"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

func (clock *testClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *testClock) Advance(duration time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now = clock.now.Add(duration)
}

type recorderLogger struct {
	mu      sync.Mutex
	entries []transfer.OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry transfer.OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recorderLogger) operations(name string) []transfer.OperationLog {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	matched := make([]transfer.OperationLog, 0)
	for _, entry := range logger.entries {
		if entry.Operation == name {
			matched = append(matched, entry)
		}
	}
	return matched
}

type recorderSink struct {
	mu     sync.Mutex
	events []transfer.TransferEvent
}

func (sink *recorderSink) Publish(event transfer.TransferEvent) {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	sink.events = append(sink.events, event)
}

func (sink *recorderSink) snapshot() []transfer.TransferEvent {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	return append([]transfer.TransferEvent(nil), sink.events...)
}

type allowAllPins struct{}

func (allowAllPins) Verify(context.Context, transfer.AccountID, string) error {
	return nil
}

func mustAccountID(test *testing.T, raw string) transfer.AccountID {
	test.Helper()
	accountID, err := transfer.NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func mustCreateAccount(test *testing.T, store *memstore.Store, clock *testClock, raw string, opening int64) transfer.AccountID {
	test.Helper()
	accountID := mustAccountID(test, raw)
	hash, err := transfer.HashPinWithCost(testPin, bcrypt.MinCost)
	if err != nil {
		test.Fatalf("hash pin: %v", err)
	}
	balance, err := transfer.NewAmountCents(opening)
	if err != nil {
		test.Fatalf("opening balance: %v", err)
	}
	spec := transfer.AccountSpec{ID: accountID, PinHash: hash, OpeningBalance: balance, CreatedAt: clock.Now()}
	if err := store.CreateAccount(context.Background(), spec); err != nil {
		test.Fatalf("create account: %v", err)
	}
	return accountID
}

func mustNewEngine(test *testing.T, store *memstore.Store, clock *testClock, options ...transfer.EngineOption) *transfer.Engine {
	test.Helper()
	engine, err := transfer.NewEngine(store, store, clock.Now, options...)
	if err != nil {
		test.Fatalf("engine init failed: %v", err)
	}
	return engine
}

func mustBalance(test *testing.T, store *memstore.Store, accountID transfer.AccountID) int64 {
	test.Helper()
	account, err := store.GetAccount(context.Background(), accountID)
	if err != nil {
		test.Fatalf("get account %s: %v", accountID, err)
	}
	return account.Balance.Int64()
}

func mustTransfer(test *testing.T, engine *transfer.Engine, request transfer.TransferRequest) transfer.TransferResult {
	test.Helper()
	result, err := engine.ExecuteTransfer(context.Background(), request)
	if err != nil {
		test.Fatalf("transfer %s -> %s: %v", request.SenderID, request.ReceiverID, err)
	}
	return result
}
