// Package marketdata maintains per-venue-per-symbol orderbook state, a
// short-TTL fill cache, and the lazy per-market WS subscription lifecycle
// described in spec §4.3.
package marketdata

import (
	"sync"
	"time"

	"deltaneutral/internal/types"

	"github.com/shopspring/decimal"
)

// Book tracks the latest L1/depth view for one venue+symbol pair along with
// the continuity bookkeeping used to detect a gapped or stale feed.
type Book struct {
	mu sync.RWMutex

	venue  string
	symbol string

	l1    types.OrderbookL1
	depth types.DepthSnapshot

	lastNonce   int64
	haveNonce   bool
	lastUpdate  time.Time
	invalidated bool
}

func newBook(venue, symbol string) *Book {
	return &Book{venue: venue, symbol: symbol}
}

// ApplyL1 updates the L1 view unconditionally; L1 ticks have no sequence
// number on either venue in this pack, so they cannot themselves detect gaps.
func (b *Book) ApplyL1(l1 types.OrderbookL1) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.l1 = l1
	b.lastUpdate = l1.UpdateTime
}

// ApplyDepth applies a depth update, validating the venue-assigned
// begin_nonce against the previous update's nonce. A mismatch (gap)
// invalidates the book until the next full resync snapshot arrives (spec
// §4.3, §8: update.begin_nonce == previous.nonce).
func (b *Book) ApplyDepth(snapshot types.DepthSnapshot, isSnapshot bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if isSnapshot {
		b.depth = snapshot
		b.lastNonce = snapshot.Nonce
		b.haveNonce = true
		b.lastUpdate = snapshot.UpdateTime
		b.invalidated = false
		b.depth.DepthOK = true
		return
	}

	if b.haveNonce && snapshot.BeginNonce != b.lastNonce {
		b.invalidated = true
		b.depth.DepthOK = false
		return
	}

	b.depth = snapshot
	b.lastNonce = snapshot.Nonce
	b.haveNonce = true
	b.lastUpdate = snapshot.UpdateTime
	b.depth.DepthOK = !b.invalidated
}

// L1 returns the current L1 view plus its age.
func (b *Book) L1() (types.OrderbookL1, time.Duration) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.l1, time.Since(b.lastUpdate)
}

// Depth returns the current depth snapshot. DepthOK is false if the book is
// invalidated pending resync.
func (b *Book) Depth() types.DepthSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.depth
}

// Store is the registry of per-venue-per-symbol Books plus a short-TTL fill
// cache keyed by client_order_id/order_id (spec §4.3).
type Store struct {
	mu    sync.RWMutex
	books map[string]*Book

	fillMu    sync.Mutex
	fillCache map[string]cachedFill
	fillTTL   time.Duration
}

type cachedFill struct {
	order     *types.Order
	expiresAt time.Time
}

// NewStore builds an empty orderbook/fill-cache registry.
func NewStore(fillTTL time.Duration) *Store {
	return &Store{
		books:     make(map[string]*Book),
		fillCache: make(map[string]cachedFill),
		fillTTL:   fillTTL,
	}
}

func key(venue, symbol string) string { return venue + ":" + symbol }

// Book returns (creating if necessary) the Book for venue+symbol.
func (s *Store) Book(venue, symbol string) *Book {
	k := key(venue, symbol)
	s.mu.RLock()
	b, ok := s.books[k]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.books[k]; ok {
		return b
	}
	b = newBook(venue, symbol)
	s.books[k] = b
	return b
}

// BestL1 merges the two venues' L1 views for a symbol, falling back to the
// last value within OrderbookL1FallbackMaxAgeSeconds when a feed lags (spec
// §4.3 cache/staleness policy). Returns ok=false if either side is stale
// beyond the fallback window.
func (s *Store) BestL1(symbol, venueA, venueB string, maxAge time.Duration) (a, b types.OrderbookL1, ok bool) {
	aBook := s.Book(venueA, symbol)
	bBook := s.Book(venueB, symbol)

	var ageA, ageB time.Duration
	a, ageA = aBook.L1()
	b, ageB = bBook.L1()

	ok = ageA <= maxAge && ageB <= maxAge
	return a, b, ok
}

// RecordFill caches a terminal order by both identifiers so a late duplicate
// fill notification (WS + REST poll racing) is recognized once.
func (s *Store) RecordFill(order *types.Order) {
	if order == nil || !order.IsTerminal() {
		return
	}
	s.fillMu.Lock()
	defer s.fillMu.Unlock()
	exp := time.Now().Add(s.fillTTL)
	if order.ID != "" {
		s.fillCache[order.ID] = cachedFill{order: order, expiresAt: exp}
	}
	if order.ClientOrderID != "" {
		s.fillCache[order.ClientOrderID] = cachedFill{order: order, expiresAt: exp}
	}
}

// LookupFill returns a cached terminal order by either identifier, evicting
// it if past TTL.
func (s *Store) LookupFill(idOrClientID string) (*types.Order, bool) {
	s.fillMu.Lock()
	defer s.fillMu.Unlock()
	cf, ok := s.fillCache[idOrClientID]
	if !ok {
		return nil, false
	}
	if time.Now().After(cf.expiresAt) {
		delete(s.fillCache, idOrClientID)
		return nil, false
	}
	return cf.order, true
}

// Sweep evicts expired fill-cache entries; called periodically by the
// supervisor loop.
func (s *Store) Sweep() {
	s.fillMu.Lock()
	defer s.fillMu.Unlock()
	now := time.Now()
	for k, v := range s.fillCache {
		if now.After(v.expiresAt) {
			delete(s.fillCache, k)
		}
	}
}

// SpreadPct computes the cross-venue spread used by opportunity filters and
// preflight checks: (short_bid - long_ask) / long_ask.
func SpreadPct(longAsk, shortBid decimal.Decimal) decimal.Decimal {
	if longAsk.IsZero() {
		return decimal.Zero
	}
	return shortBid.Sub(longAsk).Div(longAsk)
}
