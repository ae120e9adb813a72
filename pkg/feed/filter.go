package feed

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const noWalletKey = "nowallet"

// CacheKey is the canonical string form of a FilterContext.
type CacheKey string

// AccountSelector is either a single account or "all".
type AccountSelector struct {
	All bool
	ID  AccountID
}

// AllAccounts selects every account.
func AllAccounts() AccountSelector { return AccountSelector{All: true} }

// Account selects a single account.
func Account(id AccountID) AccountSelector { return AccountSelector{ID: id} }

func (s AccountSelector) String() string {
	if s.All {
		return "all"
	}
	return strconv.FormatInt(int64(s.ID), 10)
}

// Matches reports whether an account id falls inside the selection.
func (s AccountSelector) Matches(id AccountID) bool {
	return s.All || s.ID == id
}

// ParseAccountSelector accepts "all", "" or a decimal account id.
func ParseAccountSelector(raw string) (AccountSelector, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "all") {
		return AllAccounts(), nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return AccountSelector{}, fmt.Errorf("feed: invalid account selector %q: %w", raw, err)
	}
	return Account(AccountID(id)), nil
}

// FilterContext scopes a reconciliation session.
type FilterContext struct {
	Account     AccountSelector
	Environment Environment
	Wallet      string
}

// NewFilterContext builds a context with a normalized wallet.
func NewFilterContext(account AccountSelector, env Environment, wallet string) FilterContext {
	return FilterContext{
		Account:     account,
		Environment: Environment(strings.TrimSpace(string(env))),
		Wallet:      NormalizeWallet(wallet),
	}
}

// Key derives the cache key: <account|all>_<environment>_<wallet|nowallet>.
func (f FilterContext) Key() CacheKey {
	wallet := strings.ToLower(f.Wallet)
	if wallet == "" {
		wallet = noWalletKey
	}
	return CacheKey(fmt.Sprintf("%s_%s_%s", f.Account, f.Environment, wallet))
}

// Equal compares two contexts; wallets are compared case-insensitively.
func (f FilterContext) Equal(other FilterContext) bool {
	return f.Key() == other.Key()
}

// HasWallet reports whether a wallet filter is active.
func (f FilterContext) HasWallet() bool {
	return f.Wallet != ""
}

// AccountFilter returns the selected account id, or nil for "all".
func (f FilterContext) AccountFilter() *AccountID {
	if f.Account.All {
		return nil
	}
	id := f.Account.ID
	return &id
}

// NormalizeWallet trims the address and canonicalizes EVM hex addresses.
// Non-EVM addresses are kept as given.
func NormalizeWallet(wallet string) string {
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return ""
	}
	if common.IsHexAddress(wallet) {
		return strings.ToLower(common.HexToAddress(wallet).Hex())
	}
	return wallet
}

// SameWallet compares two wallet addresses case-insensitively after
// normalization.
func SameWallet(a, b string) bool {
	return strings.EqualFold(NormalizeWallet(a), NormalizeWallet(b))
}
