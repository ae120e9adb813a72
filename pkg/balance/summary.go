package balance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"

	"arena-feed/pkg/feed"
	"arena-feed/pkg/source"
)

// LoadFailed is the error text shown for an account whose balance could not
// be loaded.
const LoadFailed = "Failed to load"

// ErrUnsupportedEnvironment is returned for environments without exchange
// balances (paper trading).
var ErrUnsupportedEnvironment = errors.New("balance: environment has no exchange balances")

// MarginStatus classifies margin usage.
type MarginStatus int

const (
	MarginHealthy MarginStatus = iota
	MarginModerate
	MarginHighRisk
)

func (s MarginStatus) String() string {
	switch s {
	case MarginHealthy:
		return "Healthy"
	case MarginModerate:
		return "Moderate"
	default:
		return "High Risk"
	}
}

// ClassifyMargin maps a usage percentage onto a status: below 50 is healthy,
// below 75 moderate, anything else high risk.
func ClassifyMargin(percent float64) MarginStatus {
	switch {
	case percent < 50:
		return MarginHealthy
	case percent < 75:
		return MarginModerate
	default:
		return MarginHighRisk
	}
}

// Account names an account whose balance should be loaded.
type Account struct {
	ID   feed.AccountID
	Name string
}

// AccountsFromMeta converts account metadata into balance targets.
func AccountsFromMeta(metas []feed.AccountMeta) []Account {
	out := make([]Account, 0, len(metas))
	for _, meta := range metas {
		out = append(out, Account{ID: meta.AccountID, Name: meta.Name})
	}
	return out
}

// AccountBalance is the outcome for one account. Balance is nil when the
// load failed; Error then carries the display text and Err the cause.
type AccountBalance struct {
	AccountID   feed.AccountID
	AccountName string
	Balance     *source.Balance
	Error       string
	Err         error
}

// Margin returns the margin status when the balance is known.
func (a AccountBalance) Margin() (MarginStatus, bool) {
	if a.Balance == nil {
		return MarginHealthy, false
	}
	return ClassifyMargin(a.Balance.MarginUsagePercent), true
}

// Summary is the balance overview of the selected accounts.
type Summary struct {
	Environment feed.Environment
	Accounts    []AccountBalance
	// LastUpdated is the most recent balance timestamp across accounts.
	LastUpdated time.Time
}

// Loaded counts accounts whose balance is known.
func (s Summary) Loaded() int {
	n := 0
	for _, acc := range s.Accounts {
		if acc.Balance != nil {
			n++
		}
	}
	return n
}

// Loader fetches balances for several accounts at once.
type Loader struct {
	source source.BalanceSource
}

func NewLoader(src source.BalanceSource) *Loader {
	return &Loader{source: src}
}

// Load fetches the balance of every account in the selection concurrently.
// One failing account never hides the others: the summary is always
// complete and the returned error joins the individual failures.
func (l *Loader) Load(ctx context.Context, env feed.Environment, selector feed.AccountSelector, accounts []Account) (Summary, error) {
	summary := Summary{Environment: env}
	if env != feed.Testnet && env != feed.Mainnet {
		return summary, ErrUnsupportedEnvironment
	}
	if l == nil || l.source == nil {
		return summary, errors.New("balance: source is required")
	}

	var selected []Account
	for _, acc := range accounts {
		if selector.Matches(acc.ID) {
			selected = append(selected, acc)
		}
	}
	results := make([]AccountBalance, len(selected))
	for i, acc := range selected {
		results[i] = AccountBalance{AccountID: acc.ID, AccountName: acc.Name, Error: LoadFailed}
	}

	group := threading.NewRoutineGroup()
	for i, acc := range selected {
		group.RunSafe(func() {
			bal, err := l.source.FetchBalance(ctx, acc.ID)
			if err != nil {
				results[i].Err = err
				logx.WithContext(ctx).Errorf("balance: load account=%d err=%v", acc.ID, err)
				return
			}
			if bal == nil {
				results[i].Err = errors.New("balance: empty response")
				return
			}
			results[i].Balance = bal
			results[i].Error = ""
		})
	}
	group.Wait()

	var errs []error
	for i := range results {
		if results[i].Balance == nil {
			if results[i].Err == nil {
				results[i].Err = errors.New("balance: load aborted")
			}
			errs = append(errs, fmt.Errorf("balance: account %d: %w", results[i].AccountID, results[i].Err))
			continue
		}
		if ts := results[i].Balance.LastUpdated; ts.After(summary.LastUpdated) {
			summary.LastUpdated = ts
		}
	}
	summary.Accounts = results
	return summary, errors.Join(errs...)
}
