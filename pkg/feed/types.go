package feed

import (
	"fmt"
	"maps"
	"time"
)

const (
	// TradeLimit bounds the retained trade list per cache key.
	TradeLimit = 100
	// DecisionLimit bounds the retained decision list per cache key.
	DecisionLimit = 60
)

// Environment names the trading environment ("testnet", "mainnet", ...).
type Environment string

const (
	Testnet Environment = "testnet"
	Mainnet Environment = "mainnet"
	Paper   Environment = "paper"
)

// AccountID identifies a trading account.
type AccountID int64

// Stream names one of the three reconciled feeds.
type Stream int

const (
	StreamTrades Stream = iota
	StreamDecisions
	StreamPositions
)

// AllStreams lists every stream in display order.
var AllStreams = []Stream{StreamTrades, StreamDecisions, StreamPositions}

func (s Stream) String() string {
	switch s {
	case StreamTrades:
		return "trades"
	case StreamDecisions:
		return "decisions"
	case StreamPositions:
		return "positions"
	default:
		return fmt.Sprintf("stream(%d)", int(s))
	}
}

// TradeRecord is an executed trade. Immutable once received.
type TradeRecord struct {
	TradeID       int64       `json:"trade_id"`
	AccountID     AccountID   `json:"account_id"`
	AccountName   string      `json:"account_name"`
	Symbol        string      `json:"symbol"`
	Side          string      `json:"side"`
	Price         float64     `json:"price"`
	Quantity      float64     `json:"quantity"`
	Notional      float64     `json:"notional"`
	Commission    float64     `json:"commission"`
	TradeTime     time.Time   `json:"trade_time"`
	Environment   Environment `json:"environment,omitempty"`
	WalletAddress *string     `json:"wallet_address,omitempty"`
}

// DecisionRecord is one AI decision entry ("model chat").
type DecisionRecord struct {
	ID                int64       `json:"id"`
	AccountID         AccountID   `json:"account_id"`
	AccountName       string      `json:"account_name"`
	Model             *string     `json:"model,omitempty"`
	Symbol            *string     `json:"symbol,omitempty"`
	Operation         string      `json:"operation"`
	Reason            string      `json:"reason"`
	PromptSnapshot    *string     `json:"prompt_snapshot,omitempty"`
	ReasoningSnapshot *string     `json:"reasoning_snapshot,omitempty"`
	DecisionSnapshot  *string     `json:"decision_snapshot,omitempty"`
	PrevPortion       float64     `json:"prev_portion"`
	TargetPortion     float64     `json:"target_portion"`
	TotalBalance      float64     `json:"total_balance"`
	Executed          bool        `json:"executed"`
	DecisionTime      time.Time   `json:"decision_time"`
	Environment       Environment `json:"environment,omitempty"`
	WalletAddress     *string     `json:"wallet_address,omitempty"`
}

// Position is a single open position inside a PositionsSnapshot.
type Position struct {
	Symbol         string   `json:"symbol"`
	Market         string   `json:"market"`
	Side           string   `json:"side"`
	Quantity       float64  `json:"quantity"`
	AvgCost        float64  `json:"avg_cost"`
	CurrentPrice   float64  `json:"current_price"`
	Leverage       *float64 `json:"leverage,omitempty"`
	MarginUsed     *float64 `json:"margin_used,omitempty"`
	Notional       float64  `json:"notional"`
	CurrentValue   float64  `json:"current_value"`
	UnrealizedPnl  float64  `json:"unrealized_pnl"`
	ReturnOnEquity *float64 `json:"return_on_equity,omitempty"`
	Percentage     *float64 `json:"percentage,omitempty"`
}

// PositionsSnapshot is the full positions view of one account. Each update
// replaces the previous snapshot for the same account.
type PositionsSnapshot struct {
	AccountID          AccountID   `json:"account_id"`
	AccountName        string      `json:"account_name"`
	Model              *string     `json:"model,omitempty"`
	Environment        Environment `json:"environment,omitempty"`
	AvailableCash      float64     `json:"available_cash"`
	UsedMargin         float64     `json:"used_margin"`
	PositionsValue     float64     `json:"positions_value"`
	TotalUnrealizedPnl float64     `json:"total_unrealized_pnl"`
	TotalAssets        float64     `json:"total_assets"`
	InitialCapital     float64     `json:"initial_capital"`
	TotalReturn        *float64    `json:"total_return,omitempty"`
	MarginUsagePercent *float64    `json:"margin_usage_percent,omitempty"`
	MarginMode         *string     `json:"margin_mode,omitempty"`
	Positions          []Position  `json:"positions"`

	// AggregatesStale is set when the snapshot was synthesized from a push
	// event; account-level aggregates are carried over from the last full
	// snapshot and are not fresh.
	AggregatesStale bool `json:"-"`
}

// AccountMeta is a denormalized projection of account identity.
type AccountMeta struct {
	AccountID AccountID `json:"account_id"`
	Name      string    `json:"name"`
	Model     *string   `json:"model,omitempty"`
}

// Entry is the cached state for a single CacheKey.
type Entry struct {
	Trades       []TradeRecord
	Decisions    []DecisionRecord
	Positions    []PositionsSnapshot
	AccountsMeta []AccountMeta

	// Fetched records when each stream was last merged from a snapshot.
	// Streams absent from it only ever received push events.
	Fetched map[Stream]time.Time
}

// Clone copies the top-level slices so callers may append without aliasing
// the cached arrays.
func (e Entry) Clone() Entry {
	return Entry{
		Trades:       cloneSlice(e.Trades),
		Decisions:    cloneSlice(e.Decisions),
		Positions:    cloneSlice(e.Positions),
		AccountsMeta: cloneSlice(e.AccountsMeta),
		Fetched:      maps.Clone(e.Fetched),
	}
}

// Snapshotted reports whether the stream was ever merged from a snapshot.
func (e Entry) Snapshotted(stream Stream) bool {
	_, ok := e.Fetched[stream]
	return ok
}

// MarkFetched returns a copy of fetched with stream stamped at.
func MarkFetched(fetched map[Stream]time.Time, stream Stream, at time.Time) map[Stream]time.Time {
	out := make(map[Stream]time.Time, len(fetched)+1)
	maps.Copy(out, fetched)
	out[stream] = at
	return out
}

// HasData reports whether the entry holds any records for the stream.
func (e Entry) HasData(stream Stream) bool {
	switch stream {
	case StreamTrades:
		return len(e.Trades) > 0
	case StreamDecisions:
		return len(e.Decisions) > 0
	case StreamPositions:
		return len(e.Positions) > 0
	default:
		return false
	}
}

func cloneSlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}
