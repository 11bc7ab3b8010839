package marketdata

import (
	"testing"
	"time"

	"deltaneutral/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func snapshot(beginNonce, nonce int64) types.DepthSnapshot {
	return types.DepthSnapshot{
		Venue:      "venue_a",
		Symbol:     "BTC-PERP",
		Bids:       []types.PriceLevel{{Price: d("100"), Qty: d("1")}},
		Asks:       []types.PriceLevel{{Price: d("101"), Qty: d("1")}},
		UpdateTime: time.Now(),
		BeginNonce: beginNonce,
		Nonce:      nonce,
	}
}

func TestBook_ApplyDepth_SequentialUpdatesStayValid(t *testing.T) {
	b := newBook("venue_a", "BTC-PERP")
	b.ApplyDepth(snapshot(0, 1), true)
	b.ApplyDepth(snapshot(1, 2), false)
	b.ApplyDepth(snapshot(2, 3), false)

	depth := b.Depth()
	assert.True(t, depth.DepthOK)
}

func TestBook_ApplyDepth_GapInvalidatesUntilResync(t *testing.T) {
	b := newBook("venue_a", "BTC-PERP")
	b.ApplyDepth(snapshot(0, 1), true)
	b.ApplyDepth(snapshot(1, 2), false)

	// begin_nonce of 4 doesn't match the previous update's nonce of 2: a gap
	b.ApplyDepth(snapshot(4, 5), false)
	depth := b.Depth()
	assert.False(t, depth.DepthOK, "begin_nonce/nonce mismatch must invalidate the book")

	// further updates stay invalid even if internally contiguous with the gap
	b.ApplyDepth(snapshot(5, 6), false)
	assert.False(t, b.Depth().DepthOK)

	// a fresh full snapshot resyncs regardless of its nonce value
	b.ApplyDepth(snapshot(0, 7), true)
	assert.True(t, b.Depth().DepthOK)
}

func TestBook_ApplyDepth_NonceComesFromTheUpdateNotAClientCounter(t *testing.T) {
	b := newBook("venue_a", "BTC-PERP")
	b.ApplyDepth(snapshot(0, 100), true)

	// a venue whose nonce jumps by more than 1 between updates (e.g. it
	// batches) is valid as long as begin_nonce chains to the prior nonce.
	b.ApplyDepth(snapshot(100, 250), false)
	assert.True(t, b.Depth().DepthOK)

	// begin_nonce must match the prior nonce exactly; off-by-one is still a gap.
	b.ApplyDepth(snapshot(251, 260), false)
	assert.False(t, b.Depth().DepthOK)
}

func TestBook_L1_ReportsAge(t *testing.T) {
	b := newBook("venue_a", "BTC-PERP")
	b.ApplyL1(types.OrderbookL1{BestBid: d("100"), BestAsk: d("101"), UpdateTime: time.Now().Add(-5 * time.Second)})

	l1, age := b.L1()
	assert.True(t, l1.BestBid.Equal(d("100")))
	assert.GreaterOrEqual(t, age, 5*time.Second)
}

func TestStore_BestL1_StaleFeedReportsNotOK(t *testing.T) {
	s := NewStore(time.Minute)
	s.Book("venue_a", "BTC-PERP").ApplyL1(types.OrderbookL1{BestBid: d("100"), BestAsk: d("101"), UpdateTime: time.Now()})
	s.Book("venue_b", "BTC-PERP").ApplyL1(types.OrderbookL1{BestBid: d("100"), BestAsk: d("101"), UpdateTime: time.Now().Add(-time.Hour)})

	_, _, ok := s.BestL1("BTC-PERP", "venue_a", "venue_b", 5*time.Second)
	assert.False(t, ok)
}

func TestStore_BestL1_FreshFeedsReportOK(t *testing.T) {
	s := NewStore(time.Minute)
	s.Book("venue_a", "BTC-PERP").ApplyL1(types.OrderbookL1{BestBid: d("100"), BestAsk: d("101"), UpdateTime: time.Now()})
	s.Book("venue_b", "BTC-PERP").ApplyL1(types.OrderbookL1{BestBid: d("100"), BestAsk: d("101"), UpdateTime: time.Now()})

	a, b, ok := s.BestL1("BTC-PERP", "venue_a", "venue_b", 5*time.Second)
	require.True(t, ok)
	assert.True(t, a.BestBid.Equal(d("100")))
	assert.True(t, b.BestAsk.Equal(d("101")))
}

func TestStore_RecordAndLookupFill(t *testing.T) {
	s := NewStore(50 * time.Millisecond)
	order := &types.Order{ID: "o1", ClientOrderID: "c1", Status: types.OrderStatusFilled}
	s.RecordFill(order)

	byID, ok := s.LookupFill("o1")
	require.True(t, ok)
	assert.Equal(t, "o1", byID.ID)

	byClientID, ok := s.LookupFill("c1")
	require.True(t, ok)
	assert.Equal(t, "c1", byClientID.ClientOrderID)

	time.Sleep(75 * time.Millisecond)
	s.Sweep()

	_, ok = s.LookupFill("o1")
	assert.False(t, ok, "expired fill should be swept")
}

func TestStore_RecordFill_IgnoresNonTerminalOrders(t *testing.T) {
	s := NewStore(time.Minute)
	s.RecordFill(&types.Order{ID: "o1", Status: types.OrderStatusOpen})

	_, ok := s.LookupFill("o1")
	assert.False(t, ok)
}

func TestSpreadPct(t *testing.T) {
	pct := SpreadPct(d("100"), d("101"))
	assert.True(t, pct.Equal(d("0.01")), "got %s", pct)

	assert.True(t, SpreadPct(decimal.Zero, d("101")).IsZero())
}
