package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/transfers/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/transfers/internal/telemetry"
	"github.com/MarkoPoloResearchLab/transfers/pkg/transfer"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	testSigningKey = "secret-key"
	testPin        = "1234"
)

type apiFixture struct {
	cfg    Config
	server *httptest.Server
	engine *transfer.Engine
	store  *memstore.Store
}

func testConfig() Config {
	return Config{
		ListenAddr:        ":0",
		AllowedOrigins:    []string{"http://localhost:3000"},
		SessionSigningKey: testSigningKey,
		SessionIssuer:     "tauth",
		SessionCookieName: "app_session",
		RequestTimeout:    2 * time.Second,
	}
}

func newAPIFixture(test *testing.T, accounts map[string]int64) *apiFixture {
	test.Helper()
	store := memstore.New()
	now := func() time.Time { return time.Now().UTC() }
	for raw, opening := range accounts {
		accountID, err := transfer.NewAccountID(raw)
		require.NoError(test, err)
		amount, err := transfer.NewAmountCents(opening)
		require.NoError(test, err)
		hash, err := transfer.HashPinWithCost(testPin, bcrypt.MinCost)
		require.NoError(test, err)
		require.NoError(test, store.CreateAccount(context.Background(), transfer.AccountSpec{
			ID:             accountID,
			PinHash:        hash,
			OpeningBalance: amount,
			CreatedAt:      now(),
		}))
	}
	chain, err := transfer.NewAuditChain(store, now)
	require.NoError(test, err)
	engine, err := transfer.NewEngine(store, store, now, transfer.WithAuditRecorder(chain))
	require.NoError(test, err)
	queries, err := transfer.NewQueries(store)
	require.NoError(test, err)

	cfg := testConfig()
	require.NoError(test, cfg.Validate())
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	require.NoError(test, err)
	router, err := NewRouter(cfg, Dependencies{
		Transfers: engine,
		Queries:   queries,
		Audit:     chain,
		Metrics:   telemetry.NewMetrics("test"),
		Logger:    zap.NewNop(),
	}, validator)
	require.NoError(test, err)
	server := httptest.NewServer(router)
	test.Cleanup(server.Close)
	return &apiFixture{cfg: cfg, server: server, engine: engine, store: store}
}

func buildSessionCookie(test *testing.T, cfg Config, userID string) *http.Cookie {
	test.Helper()
	claims := &sessionvalidator.Claims{
		UserID:          userID,
		UserEmail:       userID + "@example.com",
		UserDisplayName: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.SessionIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(cfg.SessionSigningKey))
	require.NoError(test, err)
	return &http.Cookie{Name: cfg.SessionCookieName, Value: signed}
}

func (fixture *apiFixture) do(test *testing.T, method string, path string, userID string, headers map[string]string, payload any) (int, http.Header, []byte) {
	test.Helper()
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(test, err)
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	request, err := http.NewRequest(method, fixture.server.URL+path, body)
	require.NoError(test, err)
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	for name, value := range headers {
		request.Header.Set(name, value)
	}
	if userID != "" {
		request.AddCookie(buildSessionCookie(test, fixture.cfg, userID))
	}
	response, err := fixture.server.Client().Do(request)
	require.NoError(test, err)
	defer response.Body.Close()
	var buffer bytes.Buffer
	_, err = buffer.ReadFrom(response.Body)
	require.NoError(test, err)
	return response.StatusCode, response.Header, buffer.Bytes()
}

type errorEnvelope struct {
	Error struct {
		Code              string `json:"code"`
		Message           string `json:"message"`
		AttemptsRemaining *int   `json:"attemptsRemaining"`
		RetryAfterSeconds *int64 `json:"retryAfterSeconds"`
		Retryable         bool   `json:"retryable"`
	} `json:"error"`
}

func decode[T any](test *testing.T, raw []byte) T {
	test.Helper()
	var value T
	require.NoError(test, json.Unmarshal(raw, &value), string(raw))
	return value
}

func TestTransferFlowOverHTTP(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, map[string]int64{"alice": 10000, "bob": 0})
	idempotency := map[string]string{idempotencyKeyHeader: "http-key-1"}
	payload := map[string]any{"receiverId": "bob", "amount": 2500, "description": "dinner", "pin": testPin}

	status, _, raw := fixture.do(test, http.MethodPost, "/api/transfer", "alice", idempotency, payload)
	require.Equal(test, http.StatusCreated, status, string(raw))
	created := decode[transferResponse](test, raw)
	require.Equal(test, int64(7500), created.SenderBalance)
	require.Equal(test, int64(2500), created.ReceiverBalance)
	require.Equal(test, "DEBIT", created.Transaction.Type)
	require.Equal(test, "dinner", created.Transaction.Description)

	status, _, raw = fixture.do(test, http.MethodPost, "/api/transfer", "alice", idempotency, payload)
	require.Equal(test, http.StatusCreated, status, string(raw))
	replayed := decode[transferResponse](test, raw)
	require.Equal(test, created.Transaction.ID, replayed.Transaction.ID)
	require.Equal(test, int64(7500), replayed.SenderBalance)

	status, _, raw = fixture.do(test, http.MethodGet, "/api/balance", "alice", nil, nil)
	require.Equal(test, http.StatusOK, status)
	require.Equal(test, int64(7500), decode[balanceResponse](test, raw).Balance)

	status, _, raw = fixture.do(test, http.MethodGet, "/api/transactions?type=credit&page=1&limit=10", "bob", nil, nil)
	require.Equal(test, http.StatusOK, status, string(raw))
	history := decode[historyResponse](test, raw)
	require.Len(test, history.Transactions, 1)
	require.Equal(test, "CREDIT", history.Transactions[0].Type)
	require.Equal(test, int64(1), history.Pagination.Total)
	require.False(test, history.Pagination.HasMore)

	status, _, raw = fixture.do(test, http.MethodGet, "/api/payees/recent", "alice", nil, nil)
	require.Equal(test, http.StatusOK, status)
	payees := decode[struct {
		Payees []payeePayload `json:"payees"`
	}](test, raw)
	require.Len(test, payees.Payees, 1)
	require.Equal(test, "bob", payees.Payees[0].AccountID)

	fixture.engine.Flush()
	status, _, raw = fixture.do(test, http.MethodGet, "/api/audit", "bob", nil, nil)
	require.Equal(test, http.StatusOK, status)
	trail := decode[struct {
		Entries []struct {
			EventType string          `json:"eventType"`
			Metadata  json.RawMessage `json:"metadata"`
		} `json:"entries"`
	}](test, raw)
	require.Len(test, trail.Entries, 1)
	require.Equal(test, transfer.AuditEventTransferReceived, trail.Entries[0].EventType)
	require.Contains(test, string(trail.Entries[0].Metadata), `"amount":2500`)

	status, _, raw = fixture.do(test, http.MethodGet, "/api/audit/verify", "alice", nil, nil)
	require.Equal(test, http.StatusOK, status)
	require.JSONEq(test, `{"valid":true}`, string(raw))
}

func TestTransferErrorsMapToStatusCodes(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, map[string]int64{"alice": 1000, "bob": 0})
	testCases := []struct {
		name     string
		payload  map[string]any
		status   int
		code     string
		attempts int
	}{
		{name: "insufficient funds", payload: map[string]any{"receiverId": "bob", "amount": 5000, "pin": testPin}, status: http.StatusUnprocessableEntity, code: transfer.KindInsufficientFunds},
		{name: "self transfer", payload: map[string]any{"receiverId": "alice", "amount": 100, "pin": testPin}, status: http.StatusBadRequest, code: transfer.KindSelfTransfer},
		{name: "non-positive amount", payload: map[string]any{"receiverId": "bob", "amount": 0, "pin": testPin}, status: http.StatusBadRequest, code: transfer.KindInvalidAmount},
		{name: "unknown receiver", payload: map[string]any{"receiverId": "zed", "amount": 100, "pin": testPin}, status: http.StatusNotFound, code: transfer.KindNotFound},
		{name: "wrong pin", payload: map[string]any{"receiverId": "bob", "amount": 100, "pin": "9999"}, status: http.StatusUnauthorized, code: transfer.KindUnauthorized, attempts: 2},
	}
	for _, testCase := range testCases {
		status, _, raw := fixture.do(test, http.MethodPost, "/api/transfer", "alice", nil, testCase.payload)
		require.Equal(test, testCase.status, status, "%s: %s", testCase.name, string(raw))
		envelope := decode[errorEnvelope](test, raw)
		require.Equal(test, testCase.code, envelope.Error.Code, testCase.name)
		if testCase.attempts > 0 {
			require.NotNil(test, envelope.Error.AttemptsRemaining, testCase.name)
			require.Equal(test, testCase.attempts, *envelope.Error.AttemptsRemaining, testCase.name)
		}
	}

	status, _, raw := fixture.do(test, http.MethodGet, "/api/balance", "alice", nil, nil)
	require.Equal(test, http.StatusOK, status)
	require.Equal(test, int64(1000), decode[balanceResponse](test, raw).Balance)
}

func TestLockedAccountReturnsRetryAfter(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, map[string]int64{"alice": 1000, "bob": 0})
	wrong := map[string]any{"receiverId": "bob", "amount": 100, "pin": "9999"}
	for attempt := 0; attempt < transfer.DefaultMaxPinAttempts-1; attempt++ {
		status, _, _ := fixture.do(test, http.MethodPost, "/api/transfer", "alice", nil, wrong)
		require.Equal(test, http.StatusUnauthorized, status)
	}
	status, headers, raw := fixture.do(test, http.MethodPost, "/api/transfer", "alice", nil, wrong)
	require.Equal(test, http.StatusLocked, status, string(raw))
	envelope := decode[errorEnvelope](test, raw)
	require.Equal(test, transfer.KindLocked, envelope.Error.Code)
	require.NotNil(test, envelope.Error.RetryAfterSeconds)
	require.Equal(test, int64(transfer.DefaultPinLockout/time.Second), *envelope.Error.RetryAfterSeconds)
	require.Equal(test, "900", headers.Get(retryAfterHeader))

	status, _, _ = fixture.do(test, http.MethodPost, "/api/transfer", "alice", nil, map[string]any{"receiverId": "bob", "amount": 100, "pin": testPin})
	require.Equal(test, http.StatusLocked, status)
}

func TestRequestsWithoutSessionAreRejected(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, map[string]int64{"alice": 1000})
	status, _, _ := fixture.do(test, http.MethodGet, "/api/balance", "", nil, nil)
	require.Equal(test, http.StatusUnauthorized, status)

	status, _, raw := fixture.do(test, http.MethodGet, "/healthz", "", nil, nil)
	require.Equal(test, http.StatusOK, status)
	require.JSONEq(test, `{"status":"ok"}`, string(raw))

	status, _, raw = fixture.do(test, http.MethodGet, "/metrics", "", nil, nil)
	require.Equal(test, http.StatusOK, status)
	require.True(test, strings.Contains(string(raw), "test_http_requests_total"))
}

func TestInvalidQueriesAreBadRequests(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, map[string]int64{"alice": 1000})
	for _, path := range []string{
		"/api/transactions?type=SIDEWAYS",
		"/api/transactions?page=abc",
		"/api/transactions?startDate=yesterday",
		"/api/transactions?startDate=2026-03-02&endDate=2026-03-01",
		"/api/audit?limit=-1",
	} {
		status, _, raw := fixture.do(test, http.MethodGet, path, "alice", nil, nil)
		require.Equal(test, http.StatusBadRequest, status, path)
		require.Equal(test, transfer.KindInvalidRequest, decode[errorEnvelope](test, raw).Error.Code, path)
	}
	status, _, raw := fixture.do(test, http.MethodPost, "/api/transfer", "alice", nil, "not an object")
	require.Equal(test, http.StatusBadRequest, status)
	require.Equal(test, transfer.KindInvalidRequest, decode[errorEnvelope](test, raw).Error.Code)
}

func TestHandlerRejectsMissingClaims(test *testing.T) {
	test.Parallel()
	handler := &httpHandler{logger: zap.NewNop(), cfg: testConfig()}
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/api/balance", nil)
	ctx.Set(authClaimsKey, &sessionvalidator.Claims{})
	handler.handleBalance(ctx)
	require.Equal(test, http.StatusUnauthorized, recorder.Code)
	require.Equal(test, transfer.KindUnauthorized, decode[errorEnvelope](test, recorder.Body.Bytes()).Error.Code)
}

func TestStatusForKind(test *testing.T) {
	test.Parallel()
	testCases := map[string]int{
		transfer.KindUnauthorized:        http.StatusUnauthorized,
		transfer.KindLocked:              http.StatusLocked,
		transfer.KindNotFound:            http.StatusNotFound,
		transfer.KindInvalidAmount:       http.StatusBadRequest,
		transfer.KindSelfTransfer:        http.StatusBadRequest,
		transfer.KindInvalidRequest:      http.StatusBadRequest,
		transfer.KindInsufficientFunds:   http.StatusUnprocessableEntity,
		transfer.KindIdempotencyMismatch: http.StatusConflict,
		transfer.KindTimeout:             http.StatusServiceUnavailable,
		transfer.KindCanceled:            http.StatusRequestTimeout,
		transfer.KindInternal:            http.StatusInternalServerError,
	}
	for kind, expected := range testCases {
		require.Equal(test, expected, statusForKind(kind), kind)
	}
}

func TestConfigValidate(test *testing.T) {
	test.Parallel()
	cfg := Config{SessionSigningKey: "key"}
	require.NoError(test, cfg.Validate())
	require.Equal(test, defaultListenAddr, cfg.ListenAddr)
	require.Equal(test, defaultSessionCookie, cfg.SessionCookieName)
	require.Equal(test, defaultRequestTimeout, cfg.RequestTimeout)
	require.Equal(test, []string{defaultAllowedOrigin}, cfg.AllowedOrigins)

	missing := Config{}
	require.Error(test, missing.Validate())

	require.Equal(test, []string{"http://a", "http://b"}, ParseAllowedOrigins(" http://a, ,http://b "))
	require.Empty(test, ParseAllowedOrigins(" "))
}

func TestNewRouterRequiresDependencies(test *testing.T) {
	test.Parallel()
	_, err := NewRouter(testConfig(), Dependencies{}, nil)
	require.Error(test, err)
}
