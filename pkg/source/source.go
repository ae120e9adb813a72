package source

import (
	"context"
	"time"

	"arena-feed/pkg/feed"
)

// Limits holds the page sizes requested from the snapshot endpoints.
type Limits struct {
	Trades    int
	Decisions int
}

// DefaultLimits mirrors the retention bounds of the feed.
func DefaultLimits() Limits {
	return Limits{Trades: feed.TradeLimit, Decisions: feed.DecisionLimit}
}

// TradesRequest parameterizes FetchTrades. A nil AccountID means all accounts.
type TradesRequest struct {
	Limit       int
	AccountID   *feed.AccountID
	Environment feed.Environment
	Wallet      string
}

// DecisionsRequest parameterizes FetchDecisions.
type DecisionsRequest struct {
	Limit       int
	AccountID   *feed.AccountID
	Environment feed.Environment
	Wallet      string
}

// PositionsRequest parameterizes FetchPositions. Positions are not filtered by wallet.
type PositionsRequest struct {
	AccountID   *feed.AccountID
	Environment feed.Environment
}

// TradesResponse is the trades snapshot plus embedded account metadata.
type TradesResponse struct {
	Trades   []feed.TradeRecord `json:"trades"`
	Accounts []feed.AccountMeta `json:"accounts,omitempty"`
}

// DecisionsResponse is the decision ("model chat") snapshot.
type DecisionsResponse struct {
	Entries []feed.DecisionRecord `json:"entries"`
}

// PositionsResponse holds one snapshot per account.
type PositionsResponse struct {
	Accounts []feed.PositionsSnapshot `json:"accounts"`
}

// AccountSummary is an entry of the account list.
type AccountSummary struct {
	ID    feed.AccountID `json:"id"`
	Name  string         `json:"name"`
	Model *string        `json:"model,omitempty"`
}

// Meta converts the summary into account metadata.
func (a AccountSummary) Meta() feed.AccountMeta {
	return feed.AccountMeta{AccountID: a.ID, Name: a.Name, Model: a.Model}
}

// Balance is the exchange-side balance of one account.
type Balance struct {
	TotalEquity        float64   `json:"totalEquity"`
	AvailableBalance   float64   `json:"availableBalance"`
	UsedMargin         float64   `json:"usedMargin"`
	MaintenanceMargin  float64   `json:"maintenanceMargin"`
	MarginUsagePercent float64   `json:"marginUsagePercent"`
	WithdrawalAmount   float64   `json:"withdrawalAmount"`
	WalletAddress      string    `json:"walletAddress,omitempty"`
	LastUpdated        time.Time `json:"lastUpdated"`
}

type TradeSource interface {
	FetchTrades(ctx context.Context, req TradesRequest) (*TradesResponse, error)
}

type DecisionSource interface {
	FetchDecisions(ctx context.Context, req DecisionsRequest) (*DecisionsResponse, error)
}

type PositionSource interface {
	FetchPositions(ctx context.Context, req PositionsRequest) (*PositionsResponse, error)
}

type AccountSource interface {
	FetchAccountList(ctx context.Context) ([]AccountSummary, error)
}

type BalanceSource interface {
	FetchBalance(ctx context.Context, accountID feed.AccountID) (*Balance, error)
}

// Adapters bundles the snapshot sources the reconciliation engine consumes.
type Adapters interface {
	TradeSource
	DecisionSource
	PositionSource
	AccountSource
}

// Requests is the set of adapter requests derived from one FilterContext.
type Requests struct {
	Trades    TradesRequest
	Decisions DecisionsRequest
	Positions PositionsRequest
}

// RequestsFor derives adapter parameters from a filter context.
func RequestsFor(fc feed.FilterContext, limits Limits) Requests {
	if limits.Trades <= 0 {
		limits.Trades = feed.TradeLimit
	}
	if limits.Decisions <= 0 {
		limits.Decisions = feed.DecisionLimit
	}
	account := fc.AccountFilter()
	return Requests{
		Trades: TradesRequest{
			Limit:       limits.Trades,
			AccountID:   account,
			Environment: fc.Environment,
			Wallet:      fc.Wallet,
		},
		Decisions: DecisionsRequest{
			Limit:       limits.Decisions,
			AccountID:   account,
			Environment: fc.Environment,
			Wallet:      fc.Wallet,
		},
		Positions: PositionsRequest{
			AccountID:   account,
			Environment: fc.Environment,
		},
	}
}
