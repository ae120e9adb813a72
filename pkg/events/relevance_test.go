package events

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"arena-feed/pkg/feed"
)

func accountPtr(id feed.AccountID) *feed.AccountID { return &id }

func TestRelevantMainnetAccount42(t *testing.T) {
	fc := feed.NewFilterContext(feed.Account(42), feed.Mainnet, "")

	assert.False(t, Relevant(Event{Kind: KindTrade, Environment: feed.Testnet}, fc))
	assert.False(t, Relevant(Event{Kind: KindTrade, AccountID: accountPtr(7)}, fc))
	assert.True(t, Relevant(Event{Kind: KindTrade}, fc))
	assert.True(t, Relevant(Event{Kind: KindTrade, Environment: feed.Mainnet, AccountID: accountPtr(42)}, fc))
}

func TestRelevantAllAccounts(t *testing.T) {
	fc := feed.NewFilterContext(feed.AllAccounts(), feed.Mainnet, "")
	assert.True(t, Relevant(Event{Kind: KindDecision, AccountID: accountPtr(7)}, fc))
	assert.Equal(t, "environment", RejectReason(Event{Kind: KindDecision, Environment: feed.Paper}, fc))
}

func TestRelevantWalletFilter(t *testing.T) {
	fc := feed.NewFilterContext(feed.AllAccounts(), feed.Mainnet, "0xAbCDEF0000000000000000000000000000000001")

	assert.Equal(t, "wallet_missing", RejectReason(Event{Kind: KindTrade}, fc))
	assert.Equal(t, "wallet", RejectReason(Event{Kind: KindTrade, Wallet: "0x0000000000000000000000000000000000000002"}, fc))
	assert.True(t, Relevant(Event{Kind: KindTrade, Wallet: "0xABCDEF0000000000000000000000000000000001"}, fc))
}

func TestRelevantIgnoresWalletWithoutFilter(t *testing.T) {
	fc := feed.NewFilterContext(feed.AllAccounts(), feed.Testnet, "")
	assert.True(t, Relevant(Event{Kind: KindTrade, Wallet: "0xdead"}, fc))
}
