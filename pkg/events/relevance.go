package events

import "arena-feed/pkg/feed"

// RejectReason returns why an event falls outside the filter context, or ""
// when it is relevant.
func RejectReason(ev Event, fc feed.FilterContext) string {
	if ev.Environment != "" && ev.Environment != fc.Environment {
		return "environment"
	}
	if ev.AccountID != nil && !fc.Account.Matches(*ev.AccountID) {
		return "account"
	}
	if fc.HasWallet() {
		if ev.Wallet == "" {
			return "wallet_missing"
		}
		if !feed.SameWallet(ev.Wallet, fc.Wallet) {
			return "wallet"
		}
	}
	return ""
}

// Relevant reports whether the event belongs to the filter context.
func Relevant(ev Event, fc feed.FilterContext) bool {
	return RejectReason(ev, fc) == ""
}
