package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/collection"
	"github.com/zeromicro/go-zero/core/logx"

	"arena-feed/pkg/feed"
)

// noExpiry stands in for "lives as long as the process" on top of the
// timing-wheel backed cache, which always needs a positive expiry.
const noExpiry = 10 * 365 * 24 * time.Hour

// ErrClosed is returned when closing a store twice.
var ErrClosed = errors.New("store: closed")

// Config tunes the entry cache. Zero values keep every key for the lifetime
// of the process.
type Config struct {
	Name  string
	Limit int
	TTL   time.Duration
}

// Patch is a field-scoped update. Nil fields are left untouched.
type Patch struct {
	Trades       *[]feed.TradeRecord
	Decisions    *[]feed.DecisionRecord
	Positions    *[]feed.PositionsSnapshot
	AccountsMeta *[]feed.AccountMeta
	// Fetched stamps are merged into the entry's stamps.
	Fetched map[feed.Stream]time.Time
}

// Empty reports whether the patch carries no fields.
func (p Patch) Empty() bool {
	return p.Trades == nil && p.Decisions == nil && p.Positions == nil && p.AccountsMeta == nil && len(p.Fetched) == 0
}

// Store holds the last known Entry per cache key. It is created at startup
// and handed to every engine that needs instant-paint data.
type Store struct {
	mu     sync.Mutex
	cache  *collection.Cache
	keys   map[feed.CacheKey]struct{}
	closed bool
}

// New builds an entry cache backed by go-zero's collection cache.
func New(cfg Config) (*Store, error) {
	name := cfg.Name
	if name == "" {
		name = "arena-feed-entries"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = noExpiry
	}
	opts := []collection.CacheOption{collection.WithName(name)}
	if cfg.Limit > 0 {
		opts = append(opts, collection.WithLimit(cfg.Limit))
	}
	c, err := collection.NewCache(ttl, opts...)
	if err != nil {
		return nil, err
	}
	return &Store{
		cache: c,
		keys:  make(map[feed.CacheKey]struct{}),
	}, nil
}

// MustNew is New that panics on error.
func MustNew(cfg Config) *Store {
	s, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

// Get returns a copy of the entry stored under key.
func (s *Store) Get(key feed.CacheKey) (feed.Entry, bool) {
	if s == nil {
		return feed.Entry{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return feed.Entry{}, false
	}
	return s.load(key)
}

// Update merges the provided fields into the entry under key, creating the
// entry on first write. Fields absent from the patch keep their value.
func (s *Store) Update(key feed.CacheKey, patch Patch) {
	if s == nil || patch.Empty() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		logx.Debugf("store: update after close key=%s", key)
		return
	}
	entry, _ := s.load(key)
	if patch.Trades != nil {
		entry.Trades = *patch.Trades
	}
	if patch.Decisions != nil {
		entry.Decisions = *patch.Decisions
	}
	if patch.Positions != nil {
		entry.Positions = *patch.Positions
	}
	if patch.AccountsMeta != nil {
		entry.AccountsMeta = *patch.AccountsMeta
	}
	for stream, at := range patch.Fetched {
		entry.Fetched = feed.MarkFetched(entry.Fetched, stream, at)
	}
	s.cache.Set(string(key), entry)
	s.keys[key] = struct{}{}
}

// Keys lists the cache keys currently held, sorted.
func (s *Store) Keys() []feed.CacheKey {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]feed.CacheKey, 0, len(s.keys))
	for key := range s.keys {
		if _, ok := s.cache.Get(string(key)); !ok {
			delete(s.keys, key)
			continue
		}
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of live keys.
func (s *Store) Len() int {
	return len(s.Keys())
}

// Close drops every entry. The store serves misses afterwards.
// go-zero's collection.Cache cannot be stopped, so its timing wheel and stats
// goroutines outlive Close; create one store per process and share it.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for key := range s.keys {
		s.cache.Del(string(key))
	}
	s.keys = make(map[feed.CacheKey]struct{})
	s.closed = true
	return nil
}

func (s *Store) load(key feed.CacheKey) (feed.Entry, bool) {
	raw, ok := s.cache.Get(string(key))
	if !ok {
		return feed.Entry{}, false
	}
	entry, ok := raw.(feed.Entry)
	if !ok {
		return feed.Entry{}, false
	}
	return entry.Clone(), true
}
