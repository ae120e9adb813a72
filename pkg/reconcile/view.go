package reconcile

import (
	"fmt"
	"time"

	"arena-feed/pkg/feed"
)

// Phase is the load state of one stream under the active key.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseLoading
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseLoading:
		return "loading"
	case PhaseReady:
		return "ready"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// StreamStatus describes one stream for presentation. LastErr is the error
// of the most recent failed fetch and clears on the next success.
type StreamStatus struct {
	Phase     Phase
	Loading   bool
	LastErr   error
	UpdatedAt time.Time
}

// View is a copy of the engine state; callers may keep it.
type View struct {
	Filter         feed.FilterContext
	Key            feed.CacheKey
	Trades         []feed.TradeRecord
	Decisions      []feed.DecisionRecord
	Positions      []feed.PositionsSnapshot
	AccountsMeta   []feed.AccountMeta
	AccountOptions []feed.AccountMeta
	Streams        map[feed.Stream]StreamStatus
}

// Status returns the status of a stream.
func (v View) Status(stream feed.Stream) StreamStatus {
	return v.Streams[stream]
}

// AccountName resolves an account id through the accumulated metadata, then
// the account list.
func (v View) AccountName(id feed.AccountID) (string, bool) {
	for _, meta := range v.AccountsMeta {
		if meta.AccountID == id && meta.Name != "" {
			return meta.Name, true
		}
	}
	for _, meta := range v.AccountOptions {
		if meta.AccountID == id {
			return meta.Name, true
		}
	}
	return "", false
}
