package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"

	"arena-feed/pkg/feed"
)

// DefaultPollInterval is the background poll period used by the config layer.
const DefaultPollInterval = 60 * time.Second

var errNoEngine = errors.New("scheduler: engine is required")

// Engine is the part of the reconciliation engine the scheduler drives.
type Engine interface {
	Filter() feed.FilterContext
	SetFilter(fc feed.FilterContext) bool
	Refresh(ctx context.Context, streams ...feed.Stream) error
	EnsureLoaded(ctx context.Context, stream feed.Stream) (bool, error)
}

// Config wires a Scheduler. A PollInterval <= 0 disables background polling.
type Config struct {
	Engine       Engine
	PollInterval time.Duration
	// OnFilterChange runs after the engine switched to a new key, before the
	// reload. Presentation uses it to drop transient selection state.
	OnFilterChange func(fc feed.FilterContext)
}

// Stats counts the triggers fired so far.
type Stats struct {
	Poll   int64
	Manual int64
	Token  int64
	Filter int64
	Lazy   int64
}

// Scheduler turns poll ticks, tab activations, refresh requests and filter
// changes into engine fetches.
type Scheduler struct {
	engine         Engine
	interval       time.Duration
	onFilterChange func(feed.FilterContext)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// switchMu serialises filter switches so the engine and lastKey always
	// agree on the active key.
	switchMu sync.Mutex
	lastKey  feed.CacheKey

	mu        sync.Mutex
	closed    bool
	token     int64
	tokenSeen bool

	poll, manual, tokens, filters, lazy atomic.Int64
}

func New(cfg Config) (*Scheduler, error) {
	if cfg.Engine == nil {
		return nil, errNoEngine
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		engine:         cfg.Engine,
		interval:       cfg.PollInterval,
		onFilterChange: cfg.OnFilterChange,
		ctx:            ctx,
		cancel:         cancel,
		lastKey:        cfg.Engine.Filter().Key(),
	}, nil
}

// Run blocks running the poll loop until ctx is done or the scheduler is
// closed. With polling disabled it only waits.
func (s *Scheduler) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if s.interval <= 0 {
		logx.Infof("scheduler: background poll disabled")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return nil
		}
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	logx.Infof("scheduler: polling every %s", s.interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return nil
		case <-ticker.C:
			s.poll.Add(1)
			s.refreshAll("poll")
		}
	}
}

// ActivateTab lazily loads the stream shown by a newly active tab.
func (s *Scheduler) ActivateTab(stream feed.Stream) {
	if s == nil {
		return
	}
	s.spawn(func(ctx context.Context) {
		issued, err := s.engine.EnsureLoaded(ctx, stream)
		if issued {
			s.lazy.Add(1)
		}
		if err != nil {
			logx.WithContext(ctx).Debugf("scheduler: lazy load %s err=%v", stream, err)
		}
	})
}

// RequestRefresh forces a reload of every stream.
func (s *Scheduler) RequestRefresh() {
	if s == nil {
		return
	}
	s.manual.Add(1)
	s.refreshAll("manual")
}

// ObserveRefreshToken reloads every stream when token differs from the last
// observed value. The first observation only records the baseline.
func (s *Scheduler) ObserveRefreshToken(token int64) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	changed := s.tokenSeen && token != s.token
	s.token = token
	s.tokenSeen = true
	s.mu.Unlock()
	if !changed {
		return false
	}
	s.tokens.Add(1)
	s.refreshAll("token")
	return true
}

// ObserveFilter switches the engine to fc when its key changed and reloads
// every stream.
func (s *Scheduler) ObserveFilter(fc feed.FilterContext) bool {
	if s == nil {
		return false
	}
	key := fc.Key()
	s.switchMu.Lock()
	s.engine.SetFilter(fc)
	if key == s.lastKey {
		s.switchMu.Unlock()
		return false
	}
	s.lastKey = key
	s.switchMu.Unlock()

	if s.onFilterChange != nil {
		s.onFilterChange(fc)
	}
	s.filters.Add(1)
	s.refreshAll("filter")
	return true
}

func (s *Scheduler) refreshAll(trigger string) {
	s.spawn(func(ctx context.Context) {
		if err := s.engine.Refresh(ctx); err != nil {
			logx.WithContext(ctx).Infof("scheduler: %s refresh settled with errors err=%v", trigger, err)
		}
	})
}

func (s *Scheduler) spawn(fn func(ctx context.Context)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	threading.GoSafe(func() {
		defer s.wg.Done()
		fn(s.ctx)
	})
}

// Wait blocks until every trigger started so far has settled.
func (s *Scheduler) Wait() {
	if s == nil {
		return
	}
	s.wg.Wait()
}

// Close stops the poll loop, cancels in-flight triggers and waits for them.
func (s *Scheduler) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// Stats returns the trigger counters.
func (s *Scheduler) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		Poll:   s.poll.Load(),
		Manual: s.manual.Load(),
		Token:  s.tokens.Load(),
		Filter: s.filters.Load(),
		Lazy:   s.lazy.Load(),
	}
}
