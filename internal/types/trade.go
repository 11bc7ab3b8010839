package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeLeg is one side of a delta-neutral pair, held on a single venue.
// Mutated in place over the owning Trade's lifecycle; fees are
// monotonically non-decreasing (spec §3 invariant).
type TradeLeg struct {
	Venue         string
	Side          Side
	Qty           decimal.Decimal
	FilledQty     decimal.Decimal
	EntryPrice    decimal.Decimal
	ExitPrice     decimal.Decimal
	Fees          decimal.Decimal
	OrderID       string
	ClientOrderID string
}

// Remaining returns the unfilled portion of the leg's target quantity.
func (l *TradeLeg) Remaining() decimal.Decimal {
	r := l.Qty.Sub(l.FilledQty)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// Notional returns filled_qty * entry_price, the basis for delta checks.
func (l *TradeLeg) Notional() decimal.Decimal {
	return l.FilledQty.Mul(l.EntryPrice)
}

// AddFee folds a new fee observation in, enforcing the monotonic invariant.
func (l *TradeLeg) AddFee(fee decimal.Decimal) {
	if fee.IsNegative() {
		return
	}
	l.Fees = l.Fees.Add(fee)
}

// Trade is the core aggregate: a delta-neutral pair of legs on two venues
// plus the bookkeeping the Execution Engine and Position Manager need to
// drive it through its lifecycle (spec §3).
type Trade struct {
	ID              string
	Symbol          string
	Status          TradeStatus
	ExecutionState  ExecutionState
	Leg1            TradeLeg // opened maker-first, on the lead venue (long or short side)
	Leg2            TradeLeg // opened taker-hedge, on the hedge venue (opposite side to Leg1)
	TargetQty       decimal.Decimal
	TargetNotional  decimal.Decimal
	EntryAPY        decimal.Decimal
	EntrySpreadPct  decimal.Decimal
	CreatedAt       time.Time
	OpenedAt        time.Time
	ClosedAt        time.Time
	RealizedPnL     decimal.Decimal
	FundingCollected decimal.Decimal
	CloseReason     CloseReason

	// NotionalTolerance bounds |leg1.filled_qty - leg2.filled_qty| relative
	// to qty while the trade is OPEN (spec §8 universal invariant).
	NotionalTolerance decimal.Decimal
}

// IsDeltaBalanced reports whether the two legs are within tolerance of each
// other, the invariant that must hold whenever Status == OPEN.
func (t *Trade) IsDeltaBalanced() bool {
	diff := t.Leg1.FilledQty.Sub(t.Leg2.FilledQty).Abs()
	tolerance := t.NotionalTolerance
	if tolerance.IsZero() {
		tolerance = decimal.NewFromFloat(0.001)
	}
	bound := tolerance.Mul(t.TargetQty)
	return diff.LessThanOrEqual(bound)
}

// CanTransitionTo enforces the monotonic status progression of spec §8:
// OPEN can never revert to PENDING, CLOSED/FAILED/REJECTED are terminal.
func (t *Trade) CanTransitionTo(next TradeStatus) bool {
	order := map[TradeStatus]int{
		TradeStatusPending: 0,
		TradeStatusOpening: 1,
		TradeStatusOpen:    2,
		TradeStatusClosing: 3,
		TradeStatusClosed:  4,
	}
	if t.Status == TradeStatusFailed || t.Status == TradeStatusRejected || t.Status == TradeStatusClosed {
		return false
	}
	curRank, curOK := order[t.Status]
	nextRank, nextOK := order[next]
	if next == TradeStatusFailed || next == TradeStatusRejected {
		return true
	}
	if !curOK || !nextOK {
		return false
	}
	return nextRank > curRank
}

// LongVenue returns the venue holding the long side of the pair.
func (t *Trade) LongVenue() string {
	if t.Leg1.Side == SideBuy {
		return t.Leg1.Venue
	}
	return t.Leg2.Venue
}

// ShortVenue returns the venue holding the short side of the pair.
func (t *Trade) ShortVenue() string {
	if t.Leg1.Side == SideSell {
		return t.Leg1.Venue
	}
	return t.Leg2.Venue
}

// LegFor returns the leg booked on the given venue, or nil.
func (t *Trade) LegFor(venue string) *TradeLeg {
	if t.Leg1.Venue == venue {
		return &t.Leg1
	}
	if t.Leg2.Venue == venue {
		return &t.Leg2
	}
	return nil
}
