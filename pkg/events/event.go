package events

import (
	"fmt"

	"arena-feed/pkg/feed"
)

// Kind tags the decoded push event.
type Kind int

const (
	KindTrade Kind = iota + 1
	KindPositionBatch
	KindDecision
)

func (k Kind) String() string {
	switch k {
	case KindTrade:
		return "trade"
	case KindPositionBatch:
		return "position_batch"
	case KindDecision:
		return "decision"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Stream maps the event kind to the feed stream it mutates.
func (k Kind) Stream() feed.Stream {
	switch k {
	case KindTrade:
		return feed.StreamTrades
	case KindDecision:
		return feed.StreamDecisions
	default:
		return feed.StreamPositions
	}
}

// PositionBatch carries the positions of a single account. A nil AccountID
// means the batch cannot be attributed.
type PositionBatch struct {
	AccountID *feed.AccountID
	Positions []feed.Position
}

// Event is a push update decoded at the boundary. Exactly one of Trade,
// Batch or Decision is set, matching Kind.
type Event struct {
	Kind     Kind
	Trade    *feed.TradeRecord
	Batch    *PositionBatch
	Decision *feed.DecisionRecord

	// Relevance attributes; empty/nil when the payload does not carry them.
	Environment feed.Environment
	AccountID   *feed.AccountID
	Wallet      string
}

// Outcome reports what the engine did with an event.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeDuplicate
	OutcomeIrrelevant
	OutcomeNoop
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeIrrelevant:
		return "irrelevant"
	case OutcomeNoop:
		return "noop"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Applier consumes decoded events.
type Applier interface {
	ApplyEvent(ev Event) Outcome
}
