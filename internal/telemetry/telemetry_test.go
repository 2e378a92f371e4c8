package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/transfers/pkg/transfer"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func mustAccountID(test *testing.T, raw string) transfer.AccountID {
	test.Helper()
	accountID, err := transfer.NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func TestOperationLoggerWritesStructuredFields(test *testing.T) {
	test.Parallel()
	core, logs := observer.New(zapcore.DebugLevel)
	metrics := NewMetrics("test")
	logger := NewOperationLogger(zap.New(core), metrics)

	logger.LogOperation(context.Background(), transfer.OperationLog{
		Operation:  "transfer",
		SenderID:   mustAccountID(test, "alice"),
		ReceiverID: mustAccountID(test, "bob"),
		Amount:     2500,
		Status:     "ok",
		Duration:   15 * time.Millisecond,
	})

	entries := logs.All()
	if len(entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		test.Fatalf("expected info level, got %s", entry.Level)
	}
	fields := entry.ContextMap()
	if fields["sender_id"] != "alice" || fields["receiver_id"] != "bob" || fields["amount_cents"] != int64(2500) {
		test.Fatalf("unexpected fields %+v", fields)
	}
	if _, ok := fields["error"]; ok {
		test.Fatalf("did not expect an error field")
	}
	if got := testutil.ToFloat64(metrics.operations.WithLabelValues("transfer", "ok", "")); got != 1 {
		test.Fatalf("expected one ok transfer sample, got %v", got)
	}
}

func TestOperationLoggerLevels(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name     string
		entry    transfer.OperationLog
		expected zapcore.Level
		kind     string
	}{
		{
			name:     "domain rejection",
			entry:    transfer.OperationLog{Operation: "transfer", Status: "error", Error: fmt.Errorf("wrap: %w", transfer.ErrInsufficientFunds)},
			expected: zapcore.WarnLevel,
			kind:     transfer.KindInsufficientFunds,
		},
		{
			name:     "internal failure",
			entry:    transfer.OperationLog{Operation: "transfer", Status: "error", Error: errors.New("boom")},
			expected: zapcore.ErrorLevel,
			kind:     transfer.KindInternal,
		},
		{
			name:     "timeout",
			entry:    transfer.OperationLog{Operation: "transfer", Status: "error", Error: transfer.ErrTimeout},
			expected: zapcore.ErrorLevel,
			kind:     transfer.KindTimeout,
		},
		{
			name:     "soft warning",
			entry:    transfer.OperationLog{Operation: "transfer", Status: "ok", Warning: errors.New("cache write failed")},
			expected: zapcore.WarnLevel,
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			core, logs := observer.New(zapcore.DebugLevel)
			metrics := NewMetrics("")
			NewOperationLogger(zap.New(core), metrics).LogOperation(context.Background(), testCase.entry)
			entries := logs.All()
			if len(entries) != 1 || entries[0].Level != testCase.expected {
				test.Fatalf("expected one %s entry, got %+v", testCase.expected, entries)
			}
			if testCase.kind != "" && entries[0].ContextMap()["error_kind"] != testCase.kind {
				test.Fatalf("expected kind %s, got %v", testCase.kind, entries[0].ContextMap()["error_kind"])
			}
			if got := testutil.ToFloat64(metrics.operations.WithLabelValues("transfer", testCase.entry.Status, testCase.kind)); got != 1 {
				test.Fatalf("expected one sample, got %v", got)
			}
		})
	}
}

func TestOperationLoggerToleratesMissingMetrics(test *testing.T) {
	test.Parallel()
	logger := NewOperationLogger(nil, nil)
	logger.LogOperation(context.Background(), transfer.OperationLog{Operation: "verify_pin", Status: "ok"})
}

func TestMetricsHandlerExposesCollectors(test *testing.T) {
	test.Parallel()
	metrics := NewMetrics("test")
	metrics.ObserveNotification("balance:updated", NotificationDelivered)
	metrics.ObserveNotification("transaction:new", NotificationDropped)
	metrics.ObserveHTTPRequest(http.MethodPost, "/api/transfer", "200", 20*time.Millisecond)
	metrics.ConnectionOpened()
	metrics.ConnectionOpened()
	metrics.ConnectionClosed()

	if got := testutil.ToFloat64(metrics.connections); got != 1 {
		test.Fatalf("expected one open connection, got %v", got)
	}

	recorder := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
	body := recorder.Body.String()
	for _, expected := range []string{
		`test_notify_events_total{event="balance:updated",outcome="delivered"} 1`,
		`test_notify_events_total{event="transaction:new",outcome="dropped"} 1`,
		`test_http_requests_total{method="POST",path="/api/transfer",status="200"} 1`,
	} {
		if !strings.Contains(body, expected) {
			test.Fatalf("expected metrics output to contain %q", expected)
		}
	}
}
