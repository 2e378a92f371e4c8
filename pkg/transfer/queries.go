package transfer

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Queries serves the read side over a Store.
type Queries struct {
	store Store
}

// NewQueries wires Queries.
func NewQueries(store Store) (*Queries, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	return &Queries{store: store}, nil
}

// Balance returns the current balance of an account.
func (queries *Queries) Balance(ctx context.Context, accountID AccountID) (Account, error) {
	return queries.store.GetAccount(ctx, accountID)
}

// HistoryPage is one page of an account's transaction history, newest first.
type HistoryPage struct {
	Transactions []Transaction
	Page         int
	Limit        int
	Total        int64
	TotalPages   int
	HasMore      bool
}

// History lists transactions where the account is sender or receiver. A DEBIT direction
// selects sent transfers and CREDIT selects received ones.
func (queries *Queries) History(ctx context.Context, accountID AccountID, query HistoryQuery) (HistoryPage, error) {
	query = normalizeHistoryQuery(query)
	if query.Direction != "" {
		if _, err := ParseDirection(query.Direction.String()); err != nil {
			return HistoryPage{}, err
		}
	}
	if !query.From.IsZero() && !query.To.IsZero() && query.To.Before(query.From) {
		return HistoryPage{}, fmt.Errorf("%w: end date before start date", ErrInvalidQuery)
	}
	transactions, total, err := queries.store.ListTransactions(ctx, accountID, query)
	if err != nil {
		return HistoryPage{}, err
	}
	offset := (query.Page - 1) * query.Limit
	totalPages := int((total + int64(query.Limit) - 1) / int64(query.Limit))
	return HistoryPage{
		Transactions: transactions,
		Page:         query.Page,
		Limit:        query.Limit,
		Total:        total,
		TotalPages:   totalPages,
		HasMore:      int64(offset+len(transactions)) < total,
	}, nil
}

// Payee summarizes a counterpart the account recently transacted with.
type Payee struct {
	AccountID         AccountID
	LastPaidAt        time.Time
	TotalTransactions int
}

// RecentPayees groups the latest transactions of an account by counterpart, most recent first.
func (queries *Queries) RecentPayees(ctx context.Context, accountID AccountID, limit int) ([]Payee, error) {
	if limit <= 0 {
		limit = 5
	}
	transactions, _, err := queries.store.ListTransactions(ctx, accountID, HistoryQuery{Page: 1, Limit: recentPayeesWindow})
	if err != nil {
		return nil, err
	}
	payees := make(map[AccountID]*Payee)
	for _, transaction := range transactions {
		counterpart := transaction.ReceiverID
		if counterpart == accountID {
			counterpart = transaction.SenderID
		}
		payee, ok := payees[counterpart]
		if !ok {
			payee = &Payee{AccountID: counterpart, LastPaidAt: transaction.CreatedAt}
			payees[counterpart] = payee
		}
		if transaction.CreatedAt.After(payee.LastPaidAt) {
			payee.LastPaidAt = transaction.CreatedAt
		}
		payee.TotalTransactions++
	}
	result := make([]Payee, 0, len(payees))
	for _, payee := range payees {
		result = append(result, *payee)
	}
	sort.Slice(result, func(left, right int) bool {
		if result[left].LastPaidAt.Equal(result[right].LastPaidAt) {
			return result[left].AccountID.String() < result[right].AccountID.String()
		}
		return result[left].LastPaidAt.After(result[right].LastPaidAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func normalizeHistoryQuery(query HistoryQuery) HistoryQuery {
	if query.Page < 1 {
		query.Page = 1
	}
	if query.Limit < 1 {
		query.Limit = defaultHistoryLimit
	}
	if query.Limit > maxHistoryLimit {
		query.Limit = maxHistoryLimit
	}
	return query
}
