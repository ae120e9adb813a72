package reconcile

import "arena-feed/pkg/feed"

// MergeStrategy selects how incoming records combine with the current list.
type MergeStrategy int

const (
	// MergeReplace treats the incoming list as authoritative (snapshot fetch).
	MergeReplace MergeStrategy = iota
	// MergeIncremental prepends unseen records ahead of the current list
	// (push events).
	MergeIncremental
)

func (s MergeStrategy) String() string {
	if s == MergeIncremental {
		return "incremental"
	}
	return "replace"
}

func mergeTrades(current, incoming []feed.TradeRecord, strategy MergeStrategy, limit int) []feed.TradeRecord {
	return mergeByID(current, incoming, func(t feed.TradeRecord) int64 { return t.TradeID }, strategy, limit)
}

func mergeDecisions(current, incoming []feed.DecisionRecord, strategy MergeStrategy, limit int) []feed.DecisionRecord {
	return mergeByID(current, incoming, func(d feed.DecisionRecord) int64 { return d.ID }, strategy, limit)
}

// mergeByID returns a new, id-unique list bounded by limit. Most recent
// records come first in both inputs and in the result. Incremental merges
// only prepend incoming records whose id is not in current; records already
// present keep their position.
func mergeByID[T any](current, incoming []T, id func(T) int64, strategy MergeStrategy, limit int) []T {
	var base []T
	if strategy == MergeIncremental {
		base = current
	}
	size := len(incoming) + len(base)
	if limit > 0 && size > limit {
		size = limit
	}
	out := make([]T, 0, size)
	seen := make(map[int64]struct{}, len(incoming)+len(base))
	for _, item := range base {
		seen[id(item)] = struct{}{}
	}
	for _, item := range incoming {
		if limit > 0 && len(out) >= limit {
			return out
		}
		key := id(item)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	kept := make(map[int64]struct{}, len(base))
	for _, item := range base {
		if limit > 0 && len(out) >= limit {
			break
		}
		key := id(item)
		if _, dup := kept[key]; dup {
			continue
		}
		kept[key] = struct{}{}
		out = append(out, item)
	}
	return out
}

func containsTrade(list []feed.TradeRecord, id int64) bool {
	for _, t := range list {
		if t.TradeID == id {
			return true
		}
	}
	return false
}

func containsDecision(list []feed.DecisionRecord, id int64) bool {
	for _, d := range list {
		if d.ID == id {
			return true
		}
	}
	return false
}

// replacePositions keeps one snapshot per account; a later snapshot for the
// same account wins but keeps the slot of the first one.
func replacePositions(snapshots []feed.PositionsSnapshot) []feed.PositionsSnapshot {
	out := make([]feed.PositionsSnapshot, 0, len(snapshots))
	index := make(map[feed.AccountID]int, len(snapshots))
	for _, snap := range snapshots {
		if idx, ok := index[snap.AccountID]; ok {
			out[idx] = snap
			continue
		}
		index[snap.AccountID] = len(out)
		out = append(out, snap)
	}
	return out
}

// applyPositionBatch swaps the positions of one account. Account-level
// aggregates are carried over from the previous snapshot (zero when there is
// none) and the result is flagged stale until the next full fetch.
func applyPositionBatch(current []feed.PositionsSnapshot, account feed.AccountID, positions []feed.Position) []feed.PositionsSnapshot {
	out := make([]feed.PositionsSnapshot, len(current), len(current)+1)
	copy(out, current)

	next := feed.PositionsSnapshot{AccountID: account}
	idx := -1
	for i, snap := range out {
		if snap.AccountID == account {
			idx = i
			next = snap
			break
		}
	}
	next.Positions = append([]feed.Position(nil), positions...)
	next.AggregatesStale = true

	if idx >= 0 {
		out[idx] = next
		return out
	}
	return append(out, next)
}
