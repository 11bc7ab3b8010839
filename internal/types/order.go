package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order mirrors a single venue order, created on place and mutated by WS
// updates or polling until it reaches a terminal status (spec §3).
type Order struct {
	ID            string
	ClientOrderID string
	Venue         string
	Symbol        string
	Side          Side
	Type          OrderType
	TIF           TimeInForce
	Qty           decimal.Decimal
	Price         decimal.Decimal
	Status        OrderStatus
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	Fee           decimal.Decimal
	ReduceOnly    bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Valid checks the spec §8 boundary invariant for a terminal order:
// filled_qty <= qty, and avg_fill_price > 0 iff filled_qty > 0.
func (o *Order) Valid() bool {
	if o.FilledQty.GreaterThan(o.Qty) {
		return false
	}
	if o.FilledQty.IsPositive() && !o.AvgFillPrice.IsPositive() {
		return false
	}
	if o.FilledQty.IsZero() && o.AvgFillPrice.IsPositive() {
		return false
	}
	return true
}

// IsTerminal reports whether the order can no longer receive fills.
func (o *Order) IsTerminal() bool {
	return o.Status.Terminal()
}

// Opportunity is an immutable candidate entry produced by the (external)
// discovery/ranking subsystem and consumed once by Execute (spec §3).
type Opportunity struct {
	Symbol            string
	APY               decimal.Decimal
	SpreadPct         decimal.Decimal
	SuggestedQty      decimal.Decimal
	SuggestedNotional decimal.Decimal
	ExpectedValueUSD  decimal.Decimal
	LongVenue         string
	ShortVenue        string
	L1Snapshot        OrderbookL1
}

// Valid enforces the spec §3 Opportunity invariants.
func (o *Opportunity) Valid() bool {
	return o.LongVenue != "" && o.ShortVenue != "" && o.LongVenue != o.ShortVenue &&
		o.APY.IsPositive() && o.SuggestedQty.IsPositive()
}

// OrderbookL1 is the best bid/ask and resting quantity on one venue.
type OrderbookL1 struct {
	Venue      string
	BestBid    decimal.Decimal
	BestAsk    decimal.Decimal
	BidQty     decimal.Decimal
	AskQty     decimal.Decimal
	UpdateTime time.Time
}

// Valid checks bid < ask where both sides are present (spec §3).
func (l OrderbookL1) Valid() bool {
	if l.BestBid.IsZero() || l.BestAsk.IsZero() {
		return true
	}
	return l.BestBid.LessThan(l.BestAsk)
}

// Mid returns the midpoint price.
func (l OrderbookL1) Mid() decimal.Decimal {
	return l.BestBid.Add(l.BestAsk).Div(decimal.NewFromInt(2))
}

// OrderbookSnapshot pairs the L1 views of both venues for a symbol, the
// shape the Execution Engine's preflight spread check consumes.
type OrderbookSnapshot struct {
	Symbol     string
	ByVenue    map[string]OrderbookL1
	UpdateTime time.Time
}

// ExecutionAttempt is an append-only KPI row written at each stage boundary
// of the open sequence (spec §3, §6 persisted state contract).
type ExecutionAttempt struct {
	AttemptID    string
	TradeID      string
	Symbol       string
	Stage        ExecutionStage
	Status       AttemptStatus
	Reason       string
	StartedAt    time.Time
	CompletedAt  time.Time
	SpreadPct    decimal.Decimal
	APY          decimal.Decimal
}

// Duration returns the time spent in this attempt's stage.
func (a ExecutionAttempt) Duration() time.Duration {
	if a.CompletedAt.IsZero() || a.StartedAt.IsZero() {
		return 0
	}
	return a.CompletedAt.Sub(a.StartedAt)
}
