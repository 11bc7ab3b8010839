package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceLevel is a single resting price/qty pair in an orderbook.
type PriceLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// DepthSnapshot is a top-N view of one venue's book for a symbol.
//
// BeginNonce/Nonce are the venue-assigned continuity pair carried on every
// incremental update (spec §4.3, §8): a correctly ordered update's
// BeginNonce equals the previous update's Nonce. Both are read off the wire,
// never synthesized client-side, so a dropped venue message is visible as a
// mismatch instead of being silently absorbed.
type DepthSnapshot struct {
	Venue      string
	Symbol     string
	Bids       []PriceLevel // descending by price
	Asks       []PriceLevel // ascending by price
	UpdateTime time.Time
	DepthOK    bool // false while the book is invalidated pending resync (spec §4.3)
	BeginNonce int64
	Nonce      int64
}

// FundingRate is a single venue/symbol funding observation, already
// normalized to a strictly hourly decimal rate and clamped to the venue's
// documented cap (spec §6 External Interfaces).
type FundingRate struct {
	Venue           string
	Symbol          string
	RateHourly      decimal.Decimal
	PredictedRate   decimal.Decimal
	NextFundingTime time.Time
	ObservedAt      time.Time
}

// Position is a live venue position readback, used by the Reconciler and
// Position Manager's emergency-layer checks.
type Position struct {
	Venue               string
	Symbol              string
	Side                Side
	Size                decimal.Decimal
	EntryPrice          decimal.Decimal
	UnrealizedPnL       decimal.Decimal
	LiquidationPrice    decimal.Decimal
	HasLiquidationPrice bool
}

// Balance is an available-balance readback for a single asset on a venue.
type Balance struct {
	Venue  string
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// SymbolInfo is the market metadata cache entry (spec §4.4): tick size,
// step size, min qty/notional, fee schedule, max leverage.
type SymbolInfo struct {
	Venue        string
	Symbol       string
	TickSize     decimal.Decimal
	StepSize     decimal.Decimal
	MinQty       decimal.Decimal
	MinNotional  decimal.Decimal
	MakerFeeRate decimal.Decimal
	TakerFeeRate decimal.Decimal
	MaxLeverage  decimal.Decimal
	FetchedAt    time.Time
}
