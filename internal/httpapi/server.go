// Package httpapi exposes the transfer engine over HTTP and websocket.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/transfers/internal/telemetry"
	"github.com/MarkoPoloResearchLab/transfers/pkg/transfer"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// TransferExecutor runs transfers.
type TransferExecutor interface {
	ExecuteTransfer(ctx context.Context, request transfer.TransferRequest) (transfer.TransferResult, error)
}

// AccountQueries serves the read side.
type AccountQueries interface {
	Balance(ctx context.Context, accountID transfer.AccountID) (transfer.Account, error)
	History(ctx context.Context, accountID transfer.AccountID, query transfer.HistoryQuery) (transfer.HistoryPage, error)
	RecentPayees(ctx context.Context, accountID transfer.AccountID, limit int) ([]transfer.Payee, error)
}

// AuditTrail lists and verifies audit entries.
type AuditTrail interface {
	Trail(ctx context.Context, userID string, page int, limit int) (transfer.AuditPage, error)
	VerifyChain(ctx context.Context, userID string) (bool, error)
}

// RealtimeServer upgrades a request into a realtime connection for userID.
type RealtimeServer interface {
	Serve(writer http.ResponseWriter, request *http.Request, userID string) error
}

// Dependencies are the services behind the HTTP API.
type Dependencies struct {
	Transfers TransferExecutor
	Queries   AccountQueries
	Audit     AuditTrail
	Realtime  RealtimeServer
	Metrics   *telemetry.Metrics
	Logger    *zap.Logger
}

func (deps Dependencies) validate() error {
	if deps.Transfers == nil || deps.Queries == nil || deps.Audit == nil {
		return errors.New("transfers, queries, and audit dependencies are required")
	}
	return nil
}

// Run serves the API until ctx is done.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}
	router, err := NewRouter(cfg, deps, validator)
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		deps.Logger.Info("http api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			deps.Logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter builds the gin engine. Routes under /api and /ws require a session.
func NewRouter(cfg Config, deps Dependencies, validator *sessionvalidator.Validator) (*gin.Engine, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	handler := &httpHandler{
		logger: deps.Logger,
		cfg:    cfg,
		deps:   deps,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(observeRequests(deps.Metrics))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", idempotencyKeyHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	authenticated := validator.GinMiddleware(authClaimsKey)

	api := router.Group("/api")
	api.Use(authenticated)
	api.POST("/transfer", handler.handleTransfer)
	api.GET("/balance", handler.handleBalance)
	api.GET("/transactions", handler.handleTransactions)
	api.GET("/payees/recent", handler.handleRecentPayees)
	api.GET("/audit", handler.handleAuditTrail)
	api.GET("/audit/verify", handler.handleAuditVerify)

	if deps.Realtime != nil {
		router.GET("/ws", authenticated, handler.handleRealtime)
	}
	return router, nil
}

func observeRequests(metrics *telemetry.Metrics) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		started := time.Now()
		ctx.Next()
		path := ctx.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.ObserveHTTPRequest(ctx.Request.Method, path, strconv.Itoa(ctx.Writer.Status()), time.Since(started))
	}
}

type httpHandler struct {
	logger *zap.Logger
	cfg    Config
	deps   Dependencies
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(authClaimsKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

// sessionAccount resolves the caller's account or writes a 401.
func (handler *httpHandler) sessionAccount(ctx *gin.Context) (transfer.AccountID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(transfer.KindUnauthorized, "missing session"))
		return transfer.AccountID{}, false
	}
	accountID, err := transfer.NewAccountID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(transfer.KindUnauthorized, "session has no user"))
		return transfer.AccountID{}, false
	}
	return accountID, true
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}
