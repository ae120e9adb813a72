package reconcile

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/syncx"
	"github.com/zeromicro/go-zero/core/threading"

	"arena-feed/pkg/events"
	"arena-feed/pkg/feed"
	"arena-feed/pkg/source"
	"arena-feed/pkg/store"
)

var (
	// ErrStale is returned when a fetch result was discarded because the
	// filter changed while it was in flight.
	ErrStale = errors.New("reconcile: stale result discarded")
	// ErrNoAdapters is returned by New without source adapters.
	ErrNoAdapters = errors.New("reconcile: adapters are required")

	errFetchPanic = errors.New("reconcile: adapter panicked")
)

// Config wires an Engine. Store may be nil, which disables write-through and
// instant-paint seeding.
type Config struct {
	Store    *store.Store
	Adapters source.Adapters
	Limits   source.Limits
	Filter   feed.FilterContext
	// Observer receives a fresh View after every state change. It is called
	// outside the engine lock and may be called from several goroutines.
	Observer func(View)
	Clock    func() time.Time
}

type streamState struct {
	phase     Phase
	inflight  int
	lastErr   error
	updatedAt time.Time
}

type fetchResult struct {
	issued    uint64
	trades    []feed.TradeRecord
	decisions []feed.DecisionRecord
	positions []feed.PositionsSnapshot
	meta      []feed.AccountMeta
}

// Engine keeps the reconciled view of the three streams for the active
// filter context.
type Engine struct {
	store    *store.Store
	adapters source.Adapters
	limits   source.Limits
	observer func(View)
	now      func() time.Time
	flight   syncx.SingleFlight

	mu      sync.Mutex
	filter  feed.FilterContext
	key     feed.CacheKey
	gen     uint64
	entry   feed.Entry
	streams map[feed.Stream]*streamState

	// seq numbers event-applied records so a snapshot can tell which of them
	// arrived after it was requested.
	seq            uint64
	eventTrades    map[int64]uint64
	eventDecisions map[int64]uint64

	accounts    []feed.AccountMeta
	accountsErr error
}

// New builds an engine for cfg.Filter, seeded from the store when it holds
// an entry for that key.
func New(cfg Config) (*Engine, error) {
	if cfg.Adapters == nil {
		return nil, ErrNoAdapters
	}
	limits := cfg.Limits
	if limits.Trades <= 0 {
		limits.Trades = feed.TradeLimit
	}
	if limits.Decisions <= 0 {
		limits.Decisions = feed.DecisionLimit
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	e := &Engine{
		store:    cfg.Store,
		adapters: cfg.Adapters,
		limits:   limits,
		observer: cfg.Observer,
		now:      now,
		flight:   syncx.NewSingleFlight(),
	}
	e.mu.Lock()
	e.resetLocked(cfg.Filter)
	e.mu.Unlock()
	return e, nil
}

// Filter returns the active filter context.
func (e *Engine) Filter() feed.FilterContext {
	if e == nil {
		return feed.FilterContext{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.filter
}

// SetFilter activates fc. It reports whether the cache key changed; on a
// change the in-memory state is reset and reseeded from the store.
func (e *Engine) SetFilter(fc feed.FilterContext) bool {
	if e == nil {
		return false
	}
	e.mu.Lock()
	if fc.Key() == e.key {
		e.filter = fc
		e.mu.Unlock()
		return false
	}
	prev := e.key
	e.resetLocked(fc)
	key := e.key
	e.mu.Unlock()

	logx.Infof("reconcile: filter changed from=%s to=%s", prev, key)
	e.notify()
	return true
}

func (e *Engine) resetLocked(fc feed.FilterContext) {
	e.filter = fc
	e.key = fc.Key()
	e.gen++
	e.entry = feed.Entry{}
	e.eventTrades = make(map[int64]uint64)
	e.eventDecisions = make(map[int64]uint64)
	e.streams = make(map[feed.Stream]*streamState, len(feed.AllStreams))
	for _, s := range feed.AllStreams {
		e.streams[s] = &streamState{}
	}
	cached, ok := e.store.Get(e.key)
	if !ok {
		return
	}
	e.entry = cached
	for _, s := range feed.AllStreams {
		if cached.HasData(s) && cached.Snapshotted(s) {
			e.streams[s].phase = PhaseReady
		}
	}
}

// Refresh fetches the given streams (all three when none are given)
// concurrently. Every stream settles independently; the returned error joins
// the individual failures.
func (e *Engine) Refresh(ctx context.Context, streams ...feed.Stream) error {
	if e == nil {
		return nil
	}
	if len(streams) == 0 {
		streams = feed.AllStreams
	}
	var (
		mu   sync.Mutex
		errs []error
	)
	group := threading.NewRoutineGroup()
	for _, s := range streams {
		group.RunSafe(func() {
			if err := e.load(ctx, s); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}
	group.Wait()
	return errors.Join(errs...)
}

// EnsureLoaded performs the lazy load of one stream: nothing happens when
// the stream is ready or already loading; cached data is used when it came
// from a snapshot; otherwise the stream is fetched. Cached records written
// only by push events are shown while that fetch runs. It reports whether a
// fetch was issued.
func (e *Engine) EnsureLoaded(ctx context.Context, stream feed.Stream) (bool, error) {
	if e == nil {
		return false, nil
	}
	e.mu.Lock()
	st := e.streams[stream]
	if st == nil || st.phase == PhaseReady || st.inflight > 0 {
		e.mu.Unlock()
		return false, nil
	}
	if cached, ok := e.store.Get(e.key); ok && cached.HasData(stream) {
		e.seedStreamLocked(stream, cached)
		if cached.Snapshotted(stream) {
			st.phase = PhaseReady
			e.mu.Unlock()
			e.notify()
			return false, nil
		}
	}
	e.mu.Unlock()
	return true, e.load(ctx, stream)
}

func (e *Engine) seedStreamLocked(stream feed.Stream, cached feed.Entry) {
	switch stream {
	case feed.StreamTrades:
		e.entry.Trades = mergeTrades(e.entry.Trades, cached.Trades, MergeIncremental, e.limits.Trades)
	case feed.StreamDecisions:
		e.entry.Decisions = mergeDecisions(e.entry.Decisions, cached.Decisions, MergeIncremental, e.limits.Decisions)
	case feed.StreamPositions:
		e.entry.Positions = cached.Positions
	}
	e.entry.AccountsMeta = feed.MergeAccountMeta(e.entry.AccountsMeta, cached.AccountsMeta)
	if at, ok := cached.Fetched[stream]; ok {
		e.entry.Fetched = feed.MarkFetched(e.entry.Fetched, stream, at)
	}
}

func (e *Engine) load(ctx context.Context, stream feed.Stream) error {
	e.mu.Lock()
	fc, key, gen := e.filter, e.key, e.gen
	st := e.streams[stream]
	if st == nil {
		e.mu.Unlock()
		return fmt.Errorf("reconcile: unknown stream %s", stream)
	}
	st.inflight++
	if st.phase == PhaseUninitialized {
		st.phase = PhaseLoading
	}
	e.mu.Unlock()
	e.notify()

	flightKey := fmt.Sprintf("%s|%s|%d", key, stream, gen)
	val, err := e.flight.Do(flightKey, func() (res any, ferr error) {
		defer func() {
			if p := recover(); p != nil {
				logx.WithContext(ctx).Errorf("reconcile: fetch %s panicked key=%s panic=%v\n%s", stream, key, p, debug.Stack())
				res, ferr = nil, fmt.Errorf("%w: %v", errFetchPanic, p)
			}
		}()
		return e.fetch(ctx, fc, stream)
	})

	e.mu.Lock()
	if e.gen != gen {
		active := e.key
		e.mu.Unlock()
		logx.WithContext(ctx).Debugf("reconcile: discard %s result key=%s active=%s", stream, key, active)
		return ErrStale
	}
	st.inflight--
	if err != nil {
		st.lastErr = err
		if st.phase == PhaseLoading && st.inflight == 0 {
			st.phase = PhaseUninitialized
		}
		e.mu.Unlock()
		logx.WithContext(ctx).Errorf("reconcile: load %s key=%s err=%v", stream, key, err)
		e.notify()
		return fmt.Errorf("reconcile: load %s: %w", stream, err)
	}
	e.applySnapshotLocked(stream, val.(*fetchResult))
	st.phase = PhaseReady
	st.lastErr = nil
	st.updatedAt = e.now()
	e.mu.Unlock()
	e.notify()
	return nil
}

func (e *Engine) fetch(ctx context.Context, fc feed.FilterContext, stream feed.Stream) (*fetchResult, error) {
	e.mu.Lock()
	res := &fetchResult{issued: e.seq}
	e.mu.Unlock()

	reqs := source.RequestsFor(fc, e.limits)
	switch stream {
	case feed.StreamTrades:
		resp, err := e.adapters.FetchTrades(ctx, reqs.Trades)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			res.trades = resp.Trades
			res.meta = resp.Accounts
		}
	case feed.StreamDecisions:
		resp, err := e.adapters.FetchDecisions(ctx, reqs.Decisions)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			res.decisions = resp.Entries
			res.meta = feed.MetaFromDecisions(resp.Entries)
		}
	case feed.StreamPositions:
		resp, err := e.adapters.FetchPositions(ctx, reqs.Positions)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			res.positions = resp.Accounts
			res.meta = feed.MetaFromPositions(resp.Accounts)
		}
	default:
		return nil, fmt.Errorf("reconcile: unknown stream %s", stream)
	}
	return res, nil
}

// applySnapshotLocked replaces the stream with the snapshot. Trades and
// decisions applied by event after the fetch was issued, and missing from the
// snapshot, stay ahead of it.
func (e *Engine) applySnapshotLocked(stream feed.Stream, res *fetchResult) {
	next := e.entry
	patch := store.Patch{}
	switch stream {
	case feed.StreamTrades:
		trades := mergeTrades(nil, res.trades, MergeReplace, e.limits.Trades)
		trades = mergeTrades(trades, e.tradesSinceLocked(res.issued, trades), MergeIncremental, e.limits.Trades)
		next.Trades = trades
		patch.Trades = &trades
	case feed.StreamDecisions:
		decisions := mergeDecisions(nil, res.decisions, MergeReplace, e.limits.Decisions)
		decisions = mergeDecisions(decisions, e.decisionsSinceLocked(res.issued, decisions), MergeIncremental, e.limits.Decisions)
		next.Decisions = decisions
		patch.Decisions = &decisions
	case feed.StreamPositions:
		positions := replacePositions(res.positions)
		next.Positions = positions
		patch.Positions = &positions
	}
	at := e.now()
	next.Fetched = feed.MarkFetched(next.Fetched, stream, at)
	patch.Fetched = map[feed.Stream]time.Time{stream: at}
	if len(res.meta) > 0 {
		meta := feed.MergeAccountMeta(next.AccountsMeta, res.meta)
		next.AccountsMeta = meta
		patch.AccountsMeta = &meta
	}
	e.store.Update(e.key, patch)
	e.entry = next
	e.pruneEventsLocked()
}

// tradesSinceLocked lists event-applied trades newer than issued that the
// snapshot does not contain.
func (e *Engine) tradesSinceLocked(issued uint64, snapshot []feed.TradeRecord) []feed.TradeRecord {
	var out []feed.TradeRecord
	for _, t := range e.entry.Trades {
		if seq, ok := e.eventTrades[t.TradeID]; ok && seq > issued && !containsTrade(snapshot, t.TradeID) {
			out = append(out, t)
		}
	}
	return out
}

func (e *Engine) decisionsSinceLocked(issued uint64, snapshot []feed.DecisionRecord) []feed.DecisionRecord {
	var out []feed.DecisionRecord
	for _, d := range e.entry.Decisions {
		if seq, ok := e.eventDecisions[d.ID]; ok && seq > issued && !containsDecision(snapshot, d.ID) {
			out = append(out, d)
		}
	}
	return out
}

// pruneEventsLocked forgets event sequence numbers of records that are no
// longer listed.
func (e *Engine) pruneEventsLocked() {
	for id := range e.eventTrades {
		if !containsTrade(e.entry.Trades, id) {
			delete(e.eventTrades, id)
		}
	}
	for id := range e.eventDecisions {
		if !containsDecision(e.entry.Decisions, id) {
			delete(e.eventDecisions, id)
		}
	}
}

// ApplyEvent merges a decoded push event into the active state. Events that
// fail the relevance filter are ignored.
func (e *Engine) ApplyEvent(ev events.Event) events.Outcome {
	if e == nil {
		return events.OutcomeNoop
	}
	e.mu.Lock()
	if reason := events.RejectReason(ev, e.filter); reason != "" {
		key := e.key
		e.mu.Unlock()
		logx.Debugf("reconcile: ignore %s event key=%s reason=%s", ev.Kind, key, reason)
		return events.OutcomeIrrelevant
	}
	outcome := e.applyEventLocked(ev)
	e.mu.Unlock()
	if outcome == events.OutcomeApplied {
		e.notify()
	}
	return outcome
}

func (e *Engine) applyEventLocked(ev events.Event) events.Outcome {
	switch ev.Kind {
	case events.KindTrade:
		if ev.Trade == nil {
			return events.OutcomeNoop
		}
		if containsTrade(e.entry.Trades, ev.Trade.TradeID) {
			return events.OutcomeDuplicate
		}
		trades := mergeTrades(e.entry.Trades, []feed.TradeRecord{*ev.Trade}, MergeIncremental, e.limits.Trades)
		e.store.Update(e.key, store.Patch{Trades: &trades})
		e.entry.Trades = trades
		e.seq++
		e.eventTrades[ev.Trade.TradeID] = e.seq
		e.touchLocked(feed.StreamTrades)
	case events.KindDecision:
		if ev.Decision == nil {
			return events.OutcomeNoop
		}
		if containsDecision(e.entry.Decisions, ev.Decision.ID) {
			return events.OutcomeDuplicate
		}
		decisions := mergeDecisions(e.entry.Decisions, []feed.DecisionRecord{*ev.Decision}, MergeIncremental, e.limits.Decisions)
		e.store.Update(e.key, store.Patch{Decisions: &decisions})
		e.entry.Decisions = decisions
		e.seq++
		e.eventDecisions[ev.Decision.ID] = e.seq
		e.touchLocked(feed.StreamDecisions)
	case events.KindPositionBatch:
		if ev.Batch == nil || ev.Batch.AccountID == nil || len(ev.Batch.Positions) == 0 {
			return events.OutcomeNoop
		}
		positions := applyPositionBatch(e.entry.Positions, *ev.Batch.AccountID, ev.Batch.Positions)
		e.store.Update(e.key, store.Patch{Positions: &positions})
		e.entry.Positions = positions
		e.touchLocked(feed.StreamPositions)
	default:
		return events.OutcomeNoop
	}
	return events.OutcomeApplied
}

func (e *Engine) touchLocked(stream feed.Stream) {
	if st := e.streams[stream]; st != nil {
		st.updatedAt = e.now()
	}
}

// LoadAccounts refreshes the account options. A failure keeps the previous
// list.
func (e *Engine) LoadAccounts(ctx context.Context) error {
	if e == nil {
		return nil
	}
	list, err := e.adapters.FetchAccountList(ctx)
	if err != nil {
		e.mu.Lock()
		e.accountsErr = err
		e.mu.Unlock()
		logx.WithContext(ctx).Errorf("reconcile: load accounts err=%v", err)
		return fmt.Errorf("reconcile: load accounts: %w", err)
	}
	options := make([]feed.AccountMeta, 0, len(list))
	for _, account := range list {
		options = append(options, account.Meta())
	}
	sort.SliceStable(options, func(i, j int) bool {
		a, b := strings.ToLower(options[i].Name), strings.ToLower(options[j].Name)
		if a != b {
			return a < b
		}
		return options[i].AccountID < options[j].AccountID
	})
	e.mu.Lock()
	e.accounts = options
	e.accountsErr = nil
	e.mu.Unlock()
	e.notify()
	return nil
}

// AccountsErr returns the error of the last failed account list load.
func (e *Engine) AccountsErr() error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.accountsErr
}

// View returns a copy of the current state.
func (e *Engine) View() View {
	if e == nil {
		return View{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	entry := e.entry.Clone()
	v := View{
		Filter:         e.filter,
		Key:            e.key,
		Trades:         entry.Trades,
		Decisions:      entry.Decisions,
		Positions:      entry.Positions,
		AccountsMeta:   entry.AccountsMeta,
		AccountOptions: append([]feed.AccountMeta(nil), e.accounts...),
		Streams:        make(map[feed.Stream]StreamStatus, len(e.streams)),
	}
	for s, st := range e.streams {
		v.Streams[s] = StreamStatus{
			Phase:     st.phase,
			Loading:   st.inflight > 0,
			LastErr:   st.lastErr,
			UpdatedAt: st.updatedAt,
		}
	}
	return v
}

func (e *Engine) notify() {
	if e.observer == nil {
		return
	}
	e.observer(e.View())
}
