package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arena-feed/pkg/events"
	"arena-feed/pkg/feed"
	"arena-feed/pkg/source"
	"arena-feed/pkg/store"
)

type fakeAdapters struct {
	mu          sync.Mutex
	trades      *source.TradesResponse
	tradesErr   error
	decisions   *source.DecisionsResponse
	decisionErr error
	positions   *source.PositionsResponse
	positionErr error
	accounts    []source.AccountSummary
	accountsErr error
	panics      map[feed.Stream]bool

	calls   map[feed.Stream]int
	gates   map[feed.Stream]chan struct{}
	started chan feed.Stream
	lastReq source.TradesRequest
}

func newFakeAdapters() *fakeAdapters {
	return &fakeAdapters{
		calls:   make(map[feed.Stream]int),
		gates:   make(map[feed.Stream]chan struct{}),
		started: make(chan feed.Stream, 16),
	}
}

// gate makes the next fetches of stream block until the returned func runs.
func (f *fakeAdapters) gate(stream feed.Stream) func() {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[stream] = ch
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.gates, stream)
			f.mu.Unlock()
			close(ch)
		})
	}
}

func (f *fakeAdapters) enter(stream feed.Stream) {
	f.mu.Lock()
	f.calls[stream]++
	ch := f.gates[stream]
	explode := f.panics[stream]
	f.mu.Unlock()
	if ch != nil {
		f.started <- stream
		<-ch
	}
	if explode {
		panic("adapter exploded")
	}
}

func (f *fakeAdapters) callCount(stream feed.Stream) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[stream]
}

func (f *fakeAdapters) setTrades(trades ...feed.TradeRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades = &source.TradesResponse{Trades: trades}
}

func (f *fakeAdapters) FetchTrades(_ context.Context, req source.TradesRequest) (*source.TradesResponse, error) {
	f.enter(feed.StreamTrades)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastReq = req
	return f.trades, f.tradesErr
}

func (f *fakeAdapters) FetchDecisions(context.Context, source.DecisionsRequest) (*source.DecisionsResponse, error) {
	f.enter(feed.StreamDecisions)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.decisions, f.decisionErr
}

func (f *fakeAdapters) FetchPositions(context.Context, source.PositionsRequest) (*source.PositionsResponse, error) {
	f.enter(feed.StreamPositions)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions, f.positionErr
}

func (f *fakeAdapters) FetchAccountList(context.Context) ([]source.AccountSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts, f.accountsErr
}

var (
	mainnetAll = feed.NewFilterContext(feed.AllAccounts(), feed.Mainnet, "")
	mainnet42  = feed.NewFilterContext(feed.Account(42), feed.Mainnet, "")
	epoch      = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
)

func trade(id int64) feed.TradeRecord {
	return feed.TradeRecord{TradeID: id, AccountID: 42, Symbol: "BTC", TradeTime: epoch.Add(time.Duration(id) * time.Second)}
}

func decision(id int64) feed.DecisionRecord {
	return feed.DecisionRecord{ID: id, AccountID: 42, AccountName: "Alpha", Operation: "hold"}
}

func tradeIDs(list []feed.TradeRecord) []int64 {
	out := make([]int64, 0, len(list))
	for _, t := range list {
		out = append(out, t.TradeID)
	}
	return out
}

func tradeEvent(id int64) events.Event {
	t := trade(id)
	return events.Event{Kind: events.KindTrade, Trade: &t, Environment: feed.Mainnet, AccountID: &t.AccountID}
}

func decisionEvent(id int64) events.Event {
	d := decision(id)
	return events.Event{Kind: events.KindDecision, Decision: &d}
}

func positionEvent(account *feed.AccountID, positions ...feed.Position) events.Event {
	return events.Event{
		Kind:      events.KindPositionBatch,
		Batch:     &events.PositionBatch{AccountID: account, Positions: positions},
		AccountID: account,
	}
}

func seededAdapters() *fakeAdapters {
	f := newFakeAdapters()
	f.trades = &source.TradesResponse{
		Trades:   []feed.TradeRecord{trade(3), trade(2), trade(1)},
		Accounts: []feed.AccountMeta{{AccountID: 42, Name: "Alpha"}},
	}
	f.decisions = &source.DecisionsResponse{Entries: []feed.DecisionRecord{decision(11), decision(10)}}
	f.positions = &source.PositionsResponse{Accounts: []feed.PositionsSnapshot{
		{AccountID: 5, AccountName: "Five", AvailableCash: 800, TotalAssets: 1000, Positions: []feed.Position{{Symbol: "ETH"}}},
		{AccountID: 42, AccountName: "Alpha", AvailableCash: 50},
	}}
	return f
}

func newEngine(t *testing.T, adapters *fakeAdapters, fc feed.FilterContext) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.New(store.Config{Name: t.Name()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	eng, err := New(Config{
		Store:    st,
		Adapters: adapters,
		Filter:   fc,
		Clock:    func() time.Time { return epoch },
	})
	require.NoError(t, err)
	return eng, st
}

func TestNewRequiresAdapters(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, ErrNoAdapters)
}

func TestRefreshLoadsEveryStream(t *testing.T) {
	adapters := seededAdapters()
	eng, st := newEngine(t, adapters, mainnetAll)

	require.NoError(t, eng.Refresh(context.Background()))

	view := eng.View()
	assert.Equal(t, []int64{3, 2, 1}, tradeIDs(view.Trades))
	assert.Len(t, view.Decisions, 2)
	assert.Len(t, view.Positions, 2)
	for _, s := range feed.AllStreams {
		status := view.Status(s)
		assert.Equal(t, PhaseReady, status.Phase, s.String())
		assert.False(t, status.Loading)
		assert.NoError(t, status.LastErr)
		assert.Equal(t, epoch, status.UpdatedAt)
	}
	name, ok := view.AccountName(5)
	assert.True(t, ok)
	assert.Equal(t, "Five", name)

	cached, ok := st.Get(mainnetAll.Key())
	require.True(t, ok)
	assert.Equal(t, []int64{3, 2, 1}, tradeIDs(cached.Trades))
	assert.Len(t, cached.AccountsMeta, 2)
}

func TestRefreshPassesFilterToAdapters(t *testing.T) {
	adapters := seededAdapters()
	fc := feed.NewFilterContext(feed.Account(42), feed.Testnet, "0xAbCDEF0000000000000000000000000000000001")
	eng, _ := newEngine(t, adapters, fc)

	require.NoError(t, eng.Refresh(context.Background(), feed.StreamTrades))
	require.NotNil(t, adapters.lastReq.AccountID)
	assert.EqualValues(t, 42, *adapters.lastReq.AccountID)
	assert.Equal(t, feed.Testnet, adapters.lastReq.Environment)
	assert.Equal(t, feed.TradeLimit, adapters.lastReq.Limit)
	assert.Equal(t, fc.Wallet, adapters.lastReq.Wallet)
}

func TestTradeEventPrependedToSnapshot(t *testing.T) {
	adapters := newFakeAdapters()
	adapters.setTrades(trade(1), trade(2), trade(3))
	eng, st := newEngine(t, adapters, mainnetAll)
	require.NoError(t, eng.Refresh(context.Background(), feed.StreamTrades))

	assert.Equal(t, events.OutcomeApplied, eng.ApplyEvent(tradeEvent(0)))
	assert.Equal(t, []int64{0, 1, 2, 3}, tradeIDs(eng.View().Trades))

	cached, _ := st.Get(mainnetAll.Key())
	assert.Equal(t, []int64{0, 1, 2, 3}, tradeIDs(cached.Trades))
}

func TestDuplicateEventsAreIgnored(t *testing.T) {
	eng, _ := newEngine(t, seededAdapters(), mainnetAll)
	require.NoError(t, eng.Refresh(context.Background()))

	assert.Equal(t, events.OutcomeDuplicate, eng.ApplyEvent(tradeEvent(2)))
	assert.Equal(t, events.OutcomeDuplicate, eng.ApplyEvent(decisionEvent(10)))
	assert.Equal(t, events.OutcomeApplied, eng.ApplyEvent(tradeEvent(9)))
	assert.Equal(t, events.OutcomeDuplicate, eng.ApplyEvent(tradeEvent(9)))

	view := eng.View()
	assert.Equal(t, []int64{9, 3, 2, 1}, tradeIDs(view.Trades))
	assert.Len(t, view.Decisions, 2)
}

func TestListsStayBoundedAndOrdered(t *testing.T) {
	eng, _ := newEngine(t, newFakeAdapters(), mainnetAll)
	for i := int64(1); i <= 150; i++ {
		eng.ApplyEvent(tradeEvent(i))
		eng.ApplyEvent(decisionEvent(i))
	}
	view := eng.View()
	require.Len(t, view.Trades, feed.TradeLimit)
	require.Len(t, view.Decisions, feed.DecisionLimit)
	assert.EqualValues(t, 150, view.Trades[0].TradeID)
	assert.EqualValues(t, 51, view.Trades[len(view.Trades)-1].TradeID)
	for i := 1; i < len(view.Decisions); i++ {
		assert.Greater(t, view.Decisions[i-1].ID, view.Decisions[i].ID)
	}
}

func TestIrrelevantEventsLeaveStateUntouched(t *testing.T) {
	eng, _ := newEngine(t, newFakeAdapters(), mainnet42)

	testnet := tradeEvent(1)
	testnet.Environment = feed.Testnet
	assert.Equal(t, events.OutcomeIrrelevant, eng.ApplyEvent(testnet))

	other := tradeEvent(2)
	seven := feed.AccountID(7)
	other.AccountID = &seven
	assert.Equal(t, events.OutcomeIrrelevant, eng.ApplyEvent(other))

	anonymous := tradeEvent(3)
	anonymous.AccountID = nil
	assert.Equal(t, events.OutcomeApplied, eng.ApplyEvent(anonymous))

	assert.Equal(t, []int64{3}, tradeIDs(eng.View().Trades))
}

func TestPositionEventWithoutPriorSnapshot(t *testing.T) {
	eng, _ := newEngine(t, newFakeAdapters(), mainnetAll)
	five := feed.AccountID(5)
	p1 := feed.Position{Symbol: "BTC", Quantity: 1}

	require.Equal(t, events.OutcomeApplied, eng.ApplyEvent(positionEvent(&five, p1)))

	view := eng.View()
	require.Len(t, view.Positions, 1)
	snap := view.Positions[0]
	assert.EqualValues(t, 5, snap.AccountID)
	assert.Zero(t, snap.AvailableCash)
	assert.Zero(t, snap.TotalAssets)
	assert.Equal(t, []feed.Position{p1}, snap.Positions)
	assert.True(t, snap.AggregatesStale)
}

func TestPositionEventCarriesAggregates(t *testing.T) {
	eng, _ := newEngine(t, seededAdapters(), mainnetAll)
	require.NoError(t, eng.Refresh(context.Background(), feed.StreamPositions))

	five := feed.AccountID(5)
	sol := feed.Position{Symbol: "SOL", Quantity: 3}
	require.Equal(t, events.OutcomeApplied, eng.ApplyEvent(positionEvent(&five, sol)))

	view := eng.View()
	require.Len(t, view.Positions, 2)
	snap := view.Positions[0]
	assert.EqualValues(t, 5, snap.AccountID)
	assert.Equal(t, "Five", snap.AccountName)
	assert.InDelta(t, 800, snap.AvailableCash, 1e-9)
	assert.InDelta(t, 1000, snap.TotalAssets, 1e-9)
	assert.Equal(t, []feed.Position{sol}, snap.Positions)
	assert.True(t, snap.AggregatesStale)
	assert.False(t, view.Positions[1].AggregatesStale)

	require.NoError(t, eng.Refresh(context.Background(), feed.StreamPositions))
	assert.False(t, eng.View().Positions[0].AggregatesStale)
}

func TestPositionEventWithoutAccountIsNoop(t *testing.T) {
	eng, _ := newEngine(t, newFakeAdapters(), mainnetAll)
	assert.Equal(t, events.OutcomeNoop, eng.ApplyEvent(positionEvent(nil, feed.Position{Symbol: "BTC"})))
	five := feed.AccountID(5)
	assert.Equal(t, events.OutcomeNoop, eng.ApplyEvent(positionEvent(&five)))
	assert.Empty(t, eng.View().Positions)
}

func TestAdapterFailureIsIsolated(t *testing.T) {
	adapters := seededAdapters()
	eng, _ := newEngine(t, adapters, mainnetAll)
	require.NoError(t, eng.Refresh(context.Background()))

	boom := errors.New("boom")
	adapters.mu.Lock()
	adapters.tradesErr = boom
	adapters.decisions = &source.DecisionsResponse{Entries: []feed.DecisionRecord{decision(12)}}
	adapters.mu.Unlock()

	err := eng.Refresh(context.Background())
	require.ErrorIs(t, err, boom)

	view := eng.View()
	assert.Equal(t, []int64{3, 2, 1}, tradeIDs(view.Trades))
	assert.Equal(t, PhaseReady, view.Status(feed.StreamTrades).Phase)
	assert.ErrorIs(t, view.Status(feed.StreamTrades).LastErr, boom)
	require.Len(t, view.Decisions, 1)
	assert.EqualValues(t, 12, view.Decisions[0].ID)
	assert.NoError(t, view.Status(feed.StreamDecisions).LastErr)
	assert.Len(t, view.Positions, 2)
}

func TestFirstLoadFailureReturnsToUninitialized(t *testing.T) {
	adapters := newFakeAdapters()
	adapters.decisionErr = errors.New("unreachable")
	eng, _ := newEngine(t, adapters, mainnetAll)

	issued, err := eng.EnsureLoaded(context.Background(), feed.StreamDecisions)
	assert.True(t, issued)
	require.Error(t, err)

	status := eng.View().Status(feed.StreamDecisions)
	assert.Equal(t, PhaseUninitialized, status.Phase)
	assert.Error(t, status.LastErr)
	assert.False(t, status.Loading)
}

func TestAdapterPanicLeavesStreamRenderable(t *testing.T) {
	adapters := seededAdapters()
	adapters.panics = map[feed.Stream]bool{feed.StreamTrades: true}
	eng, _ := newEngine(t, adapters, mainnetAll)

	err := eng.Refresh(context.Background())
	require.ErrorIs(t, err, errFetchPanic)

	view := eng.View()
	status := view.Status(feed.StreamTrades)
	assert.Equal(t, PhaseUninitialized, status.Phase)
	assert.False(t, status.Loading)
	assert.Error(t, status.LastErr)
	assert.Equal(t, PhaseReady, view.Status(feed.StreamDecisions).Phase)
	assert.Equal(t, PhaseReady, view.Status(feed.StreamPositions).Phase)

	adapters.mu.Lock()
	adapters.panics = nil
	adapters.mu.Unlock()

	issued, err := eng.EnsureLoaded(context.Background(), feed.StreamTrades)
	require.NoError(t, err)
	assert.True(t, issued)
	view = eng.View()
	assert.Equal(t, []int64{3, 2, 1}, tradeIDs(view.Trades))
	assert.Equal(t, PhaseReady, view.Status(feed.StreamTrades).Phase)
	assert.NoError(t, view.Status(feed.StreamTrades).LastErr)
}

func TestStaleKeyGuardDiscardsSupersededFetch(t *testing.T) {
	adapters := seededAdapters()
	eng, st := newEngine(t, adapters, mainnetAll)
	release := adapters.gate(feed.StreamTrades)
	defer release()

	done := make(chan error, 1)
	go func() { done <- eng.Refresh(context.Background(), feed.StreamTrades) }()
	<-adapters.started

	assert.Equal(t, PhaseLoading, eng.View().Status(feed.StreamTrades).Phase)
	require.True(t, eng.SetFilter(mainnet42))
	release()

	require.ErrorIs(t, <-done, ErrStale)
	view := eng.View()
	assert.Equal(t, mainnet42.Key(), view.Key)
	assert.Empty(t, view.Trades)
	assert.Equal(t, PhaseUninitialized, view.Status(feed.StreamTrades).Phase)
	_, ok := st.Get(mainnet42.Key())
	assert.False(t, ok)
	_, ok = st.Get(mainnetAll.Key())
	assert.False(t, ok)
}

func TestEventDuringFetchSurvivesSnapshot(t *testing.T) {
	adapters := newFakeAdapters()
	adapters.setTrades(trade(3), trade(2), trade(1))
	eng, _ := newEngine(t, adapters, mainnetAll)

	// Applied before the fetch is issued: the snapshot is authoritative.
	eng.ApplyEvent(tradeEvent(8))

	release := adapters.gate(feed.StreamTrades)
	defer release()
	done := make(chan error, 1)
	go func() { done <- eng.Refresh(context.Background(), feed.StreamTrades) }()
	<-adapters.started

	require.Equal(t, events.OutcomeApplied, eng.ApplyEvent(tradeEvent(9)))
	require.Equal(t, events.OutcomeApplied, eng.ApplyEvent(tradeEvent(2)))
	release()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{9, 3, 2, 1}, tradeIDs(eng.View().Trades))
}

func TestConcurrentFetchesAreCoalesced(t *testing.T) {
	adapters := seededAdapters()
	eng, _ := newEngine(t, adapters, mainnetAll)
	release := adapters.gate(feed.StreamPositions)
	defer release()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = eng.Refresh(context.Background(), feed.StreamPositions)
	}()
	<-adapters.started

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = eng.Refresh(context.Background(), feed.StreamPositions)
	}()
	time.Sleep(50 * time.Millisecond)
	release()
	wg.Wait()

	assert.Equal(t, 1, adapters.callCount(feed.StreamPositions))
	assert.False(t, eng.View().Status(feed.StreamPositions).Loading)
}

func TestSetFilterSeedsFromStore(t *testing.T) {
	adapters := seededAdapters()
	eng, st := newEngine(t, adapters, mainnetAll)

	trades := []feed.TradeRecord{trade(7), trade(6)}
	st.Update(mainnet42.Key(), store.Patch{
		Trades:  &trades,
		Fetched: map[feed.Stream]time.Time{feed.StreamTrades: epoch},
	})

	assert.False(t, eng.SetFilter(mainnetAll))
	require.True(t, eng.SetFilter(mainnet42))

	view := eng.View()
	assert.Equal(t, []int64{7, 6}, tradeIDs(view.Trades))
	assert.Equal(t, PhaseReady, view.Status(feed.StreamTrades).Phase)
	assert.Equal(t, PhaseUninitialized, view.Status(feed.StreamPositions).Phase)

	issued, err := eng.EnsureLoaded(context.Background(), feed.StreamTrades)
	assert.False(t, issued)
	assert.NoError(t, err)
	assert.Zero(t, adapters.callCount(feed.StreamTrades))

	issued, err = eng.EnsureLoaded(context.Background(), feed.StreamPositions)
	assert.True(t, issued)
	assert.NoError(t, err)
	assert.Equal(t, 1, adapters.callCount(feed.StreamPositions))

	issued, _ = eng.EnsureLoaded(context.Background(), feed.StreamPositions)
	assert.False(t, issued)
}

func TestEnsureLoadedUsesCacheWrittenByAnotherEngine(t *testing.T) {
	adapters := seededAdapters()
	eng, st := newEngine(t, adapters, mainnetAll)

	decisions := []feed.DecisionRecord{decision(4)}
	st.Update(mainnetAll.Key(), store.Patch{
		Decisions: &decisions,
		Fetched:   map[feed.Stream]time.Time{feed.StreamDecisions: epoch},
	})

	issued, err := eng.EnsureLoaded(context.Background(), feed.StreamDecisions)
	require.NoError(t, err)
	assert.False(t, issued)
	assert.Len(t, eng.View().Decisions, 1)
	assert.Equal(t, PhaseReady, eng.View().Status(feed.StreamDecisions).Phase)
}

func TestEventOnlyCacheStillFetchesSnapshot(t *testing.T) {
	adapters := seededAdapters()
	eng, st := newEngine(t, adapters, mainnetAll)

	require.Equal(t, events.OutcomeApplied, eng.ApplyEvent(tradeEvent(9)))
	cached, ok := st.Get(mainnetAll.Key())
	require.True(t, ok)
	assert.False(t, cached.Snapshotted(feed.StreamTrades))
	assert.Equal(t, PhaseUninitialized, eng.View().Status(feed.StreamTrades).Phase)

	issued, err := eng.EnsureLoaded(context.Background(), feed.StreamTrades)
	require.NoError(t, err)
	assert.True(t, issued)
	assert.Equal(t, 1, adapters.callCount(feed.StreamTrades))
	assert.Equal(t, PhaseReady, eng.View().Status(feed.StreamTrades).Phase)

	cached, _ = st.Get(mainnetAll.Key())
	assert.True(t, cached.Snapshotted(feed.StreamTrades))
	assert.Equal(t, epoch, cached.Fetched[feed.StreamTrades])

	// A second engine on the same store now paints from cache.
	other, err := New(Config{Store: st, Adapters: adapters, Filter: mainnetAll})
	require.NoError(t, err)
	assert.Equal(t, PhaseReady, other.View().Status(feed.StreamTrades).Phase)
	assert.Equal(t, PhaseUninitialized, other.View().Status(feed.StreamDecisions).Phase)
}

func TestLoadAccountsSortsByName(t *testing.T) {
	adapters := newFakeAdapters()
	adapters.accounts = []source.AccountSummary{{ID: 2, Name: "zeta"}, {ID: 1, Name: "Alpha"}, {ID: 3, Name: "beta"}}
	eng, _ := newEngine(t, adapters, mainnetAll)

	require.NoError(t, eng.LoadAccounts(context.Background()))
	options := eng.View().AccountOptions
	require.Len(t, options, 3)
	assert.Equal(t, "Alpha", options[0].Name)
	assert.Equal(t, "beta", options[1].Name)
	assert.Equal(t, "zeta", options[2].Name)

	adapters.mu.Lock()
	adapters.accountsErr = errors.New("down")
	adapters.mu.Unlock()
	require.Error(t, eng.LoadAccounts(context.Background()))
	assert.Len(t, eng.View().AccountOptions, 3)
	assert.Error(t, eng.AccountsErr())
}

func TestObserverSeesChanges(t *testing.T) {
	var calls atomic.Int64
	var last atomic.Value
	st, err := store.New(store.Config{Name: t.Name()})
	require.NoError(t, err)
	defer st.Close()
	eng, err := New(Config{
		Store:    st,
		Adapters: seededAdapters(),
		Filter:   mainnetAll,
		Observer: func(v View) {
			calls.Add(1)
			last.Store(len(v.Trades))
		},
	})
	require.NoError(t, err)

	eng.ApplyEvent(tradeEvent(1))
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, 1, last.Load())

	eng.ApplyEvent(tradeEvent(1))
	assert.EqualValues(t, 1, calls.Load())
}

func TestNilEngineIsSafe(t *testing.T) {
	var eng *Engine
	assert.NoError(t, eng.Refresh(context.Background()))
	assert.Equal(t, events.OutcomeNoop, eng.ApplyEvent(tradeEvent(1)))
	assert.False(t, eng.SetFilter(mainnetAll))
	assert.Empty(t, eng.View().Trades)
}
