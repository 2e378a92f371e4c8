package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/transfers/pkg/transfer"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const dateOnlyLayout = "2006-01-02"

type transferRequest struct {
	ReceiverID  string `json:"receiverId"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	Pin         string `json:"pin"`
}

type transactionPayload struct {
	ID             string    `json:"id"`
	SenderID       string    `json:"senderId"`
	ReceiverID     string    `json:"receiverId"`
	Amount         int64     `json:"amount"`
	Description    string    `json:"description"`
	Status         string    `json:"status"`
	Type           string    `json:"type,omitempty"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

type transferResponse struct {
	Transaction     transactionPayload `json:"transaction"`
	SenderBalance   int64              `json:"senderBalance"`
	ReceiverBalance int64              `json:"receiverBalance"`
}

type balanceResponse struct {
	AccountID      string    `json:"accountId"`
	Balance        int64     `json:"balance"`
	OpeningBalance int64     `json:"openingBalance"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type paginationPayload struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"totalPages,omitempty"`
	HasMore    bool  `json:"hasMore"`
}

type historyResponse struct {
	Transactions []transactionPayload `json:"transactions"`
	Pagination   paginationPayload    `json:"pagination"`
}

type payeePayload struct {
	AccountID         string    `json:"accountId"`
	LastPaidAt        time.Time `json:"lastPaidAt"`
	TotalTransactions int       `json:"totalTransactions"`
}

type auditEntryPayload struct {
	ID        string          `json:"id"`
	Sequence  int64           `json:"sequence"`
	EventType string          `json:"eventType"`
	Metadata  rawJSONMetadata `json:"metadata"`
	PrevHash  string          `json:"prevHash,omitempty"`
	Hash      string          `json:"hash"`
	CreatedAt time.Time       `json:"createdAt"`
}

type auditResponse struct {
	Entries    []auditEntryPayload `json:"entries"`
	Pagination paginationPayload   `json:"pagination"`
}

// rawJSONMetadata embeds canonical metadata verbatim.
type rawJSONMetadata string

func (metadata rawJSONMetadata) MarshalJSON() ([]byte, error) {
	if metadata == "" {
		return []byte("{}"), nil
	}
	return []byte(metadata), nil
}

func (handler *httpHandler) handleTransfer(ctx *gin.Context) {
	senderID, ok := handler.sessionAccount(ctx)
	if !ok {
		return
	}
	var request transferRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(transfer.KindInvalidRequest, "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	result, err := handler.deps.Transfers.ExecuteTransfer(requestCtx, transfer.TransferRequest{
		SenderID:       senderID.String(),
		ReceiverID:     request.ReceiverID,
		AmountCents:    request.Amount,
		Description:    request.Description,
		IdempotencyKey: ctx.GetHeader(idempotencyKeyHeader),
		Pin:            request.Pin,
	})
	if err != nil {
		handler.respondError(ctx, "transfer", err)
		return
	}
	ctx.JSON(http.StatusCreated, transferResponse{
		Transaction:     toTransactionPayload(result.Transaction, senderID),
		SenderBalance:   result.SenderBalance.Int64(),
		ReceiverBalance: result.ReceiverBalance.Int64(),
	})
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	accountID, ok := handler.sessionAccount(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	account, err := handler.deps.Queries.Balance(requestCtx, accountID)
	if err != nil {
		handler.respondError(ctx, "balance", err)
		return
	}
	ctx.JSON(http.StatusOK, balanceResponse{
		AccountID:      account.ID.String(),
		Balance:        account.Balance.Int64(),
		OpeningBalance: account.OpeningBalance.Int64(),
		UpdatedAt:      account.UpdatedAt,
	})
}

func (handler *httpHandler) handleTransactions(ctx *gin.Context) {
	accountID, ok := handler.sessionAccount(ctx)
	if !ok {
		return
	}
	query, err := parseHistoryQuery(ctx)
	if err != nil {
		handler.respondError(ctx, "transactions", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	page, err := handler.deps.Queries.History(requestCtx, accountID, query)
	if err != nil {
		handler.respondError(ctx, "transactions", err)
		return
	}
	transactions := make([]transactionPayload, 0, len(page.Transactions))
	for _, record := range page.Transactions {
		transactions = append(transactions, toTransactionPayload(record, accountID))
	}
	ctx.JSON(http.StatusOK, historyResponse{
		Transactions: transactions,
		Pagination: paginationPayload{
			Page:       page.Page,
			Limit:      page.Limit,
			Total:      page.Total,
			TotalPages: page.TotalPages,
			HasMore:    page.HasMore,
		},
	})
}

func (handler *httpHandler) handleRecentPayees(ctx *gin.Context) {
	accountID, ok := handler.sessionAccount(ctx)
	if !ok {
		return
	}
	limit, err := intQuery(ctx, "limit", defaultPayeesLimit)
	if err != nil {
		handler.respondError(ctx, "payees", err)
		return
	}
	if limit > maxPayeesLimit {
		limit = maxPayeesLimit
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	payees, err := handler.deps.Queries.RecentPayees(requestCtx, accountID, limit)
	if err != nil {
		handler.respondError(ctx, "payees", err)
		return
	}
	response := make([]payeePayload, 0, len(payees))
	for _, payee := range payees {
		response = append(response, payeePayload{
			AccountID:         payee.AccountID.String(),
			LastPaidAt:        payee.LastPaidAt,
			TotalTransactions: payee.TotalTransactions,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"payees": response})
}

func (handler *httpHandler) handleAuditTrail(ctx *gin.Context) {
	accountID, ok := handler.sessionAccount(ctx)
	if !ok {
		return
	}
	pageNumber, err := intQuery(ctx, "page", 1)
	if err != nil {
		handler.respondError(ctx, "audit", err)
		return
	}
	limit, err := intQuery(ctx, "limit", 0)
	if err != nil {
		handler.respondError(ctx, "audit", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	page, err := handler.deps.Audit.Trail(requestCtx, accountID.String(), pageNumber, limit)
	if err != nil {
		handler.respondError(ctx, "audit", err)
		return
	}
	entries := make([]auditEntryPayload, 0, len(page.Entries))
	for _, entry := range page.Entries {
		entries = append(entries, auditEntryPayload{
			ID:        entry.ID,
			Sequence:  entry.Sequence,
			EventType: entry.EventType,
			Metadata:  rawJSONMetadata(entry.Metadata.String()),
			PrevHash:  entry.PrevHash,
			Hash:      entry.Hash,
			CreatedAt: entry.CreatedAt,
		})
	}
	ctx.JSON(http.StatusOK, auditResponse{
		Entries: entries,
		Pagination: paginationPayload{
			Page:    page.Page,
			Limit:   page.Limit,
			Total:   page.Total,
			HasMore: page.HasMore,
		},
	})
}

func (handler *httpHandler) handleAuditVerify(ctx *gin.Context) {
	accountID, ok := handler.sessionAccount(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	valid, err := handler.deps.Audit.VerifyChain(requestCtx, accountID.String())
	if err != nil {
		handler.respondError(ctx, "audit verify", err)
		return
	}
	if !valid {
		handler.logger.Warn("audit chain verification failed", zap.String("account_id", accountID.String()))
	}
	ctx.JSON(http.StatusOK, gin.H{"valid": valid})
}

func (handler *httpHandler) handleRealtime(ctx *gin.Context) {
	accountID, ok := handler.sessionAccount(ctx)
	if !ok {
		return
	}
	if err := handler.deps.Realtime.Serve(ctx.Writer, ctx.Request, accountID.String()); err != nil {
		handler.logger.Debug("websocket upgrade failed", zap.String("account_id", accountID.String()), zap.Error(err))
	}
}

func toTransactionPayload(record transfer.Transaction, viewer transfer.AccountID) transactionPayload {
	payload := transactionPayload{
		ID:             record.ID.String(),
		SenderID:       record.SenderID.String(),
		ReceiverID:     record.ReceiverID.String(),
		Amount:         record.Amount.Int64(),
		Description:    record.Description,
		Status:         string(record.Status),
		IdempotencyKey: record.IdempotencyKey.String(),
		CreatedAt:      record.CreatedAt,
	}
	switch viewer {
	case record.SenderID:
		payload.Type = transfer.DirectionDebit.String()
	case record.ReceiverID:
		payload.Type = transfer.DirectionCredit.String()
	}
	return payload
}

func parseHistoryQuery(ctx *gin.Context) (transfer.HistoryQuery, error) {
	var query transfer.HistoryQuery
	var err error
	if query.Page, err = intQuery(ctx, "page", 1); err != nil {
		return transfer.HistoryQuery{}, err
	}
	if query.Limit, err = intQuery(ctx, "limit", 0); err != nil {
		return transfer.HistoryQuery{}, err
	}
	if raw := strings.TrimSpace(ctx.Query("type")); raw != "" {
		if query.Direction, err = transfer.ParseDirection(raw); err != nil {
			return transfer.HistoryQuery{}, err
		}
	}
	if query.From, err = timeQuery(ctx, "startDate", false); err != nil {
		return transfer.HistoryQuery{}, err
	}
	if query.To, err = timeQuery(ctx, "endDate", true); err != nil {
		return transfer.HistoryQuery{}, err
	}
	return query, nil
}

func intQuery(ctx *gin.Context, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(ctx.Query(name))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", transfer.ErrInvalidQuery, name)
	}
	return value, nil
}

// timeQuery accepts RFC 3339 or a bare date. A bare end date covers the whole day.
func timeQuery(ctx *gin.Context, name string, endOfDay bool) (time.Time, error) {
	raw := strings.TrimSpace(ctx.Query(name))
	if raw == "" {
		return time.Time{}, nil
	}
	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		return parsed.UTC(), nil
	}
	parsed, err := time.Parse(dateOnlyLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be RFC 3339 or YYYY-MM-DD", transfer.ErrInvalidQuery, name)
	}
	if endOfDay {
		return parsed.Add(24*time.Hour - time.Nanosecond), nil
	}
	return parsed, nil
}
