// Package core defines the narrow collaborator interfaces shared across the
// arbitrage core's four subsystems, mirroring the teacher's internal/core
// package: small enough for every concrete component to depend on, without
// importing the concrete implementations of its peers.
package core

import (
	"context"
	"time"

	"deltaneutral/internal/types"

	"github.com/shopspring/decimal"
)

// ILogger is the structured logging contract every component depends on.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IClock abstracts wall-clock reads so tests can control time without
// sleeping; production code uses the real clock (time.Now/time.After).
type IClock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// IVenue is the per-venue adapter contract of spec §4.4: uniform interface
// hiding venue-specific signing, auth, rate limits and WS topology.
type IVenue interface {
	Name() string
	Initialize(ctx context.Context) error

	// Order operations
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*types.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	ModifyOrder(ctx context.Context, symbol, orderID string, price, qty decimal.Decimal) (*types.Order, error)
	CancelAllOrders(ctx context.Context, symbol string) error
	GetOrder(ctx context.Context, symbol, orderID, clientOrderID string) (*types.Order, error)

	// Account operations
	ListPositions(ctx context.Context) ([]types.Position, error)
	GetPosition(ctx context.Context, symbol string) (*types.Position, error)
	GetAvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error)

	// Market data
	GetOrderbookL1(ctx context.Context, symbol string) (types.OrderbookL1, error)
	GetOrderbookDepth(ctx context.Context, symbol string, levels int) (types.DepthSnapshot, error)
	GetFundingRate(ctx context.Context, symbol string) (types.FundingRate, error)
	GetSymbolInfo(ctx context.Context, symbol string) (types.SymbolInfo, error)

	// Streams
	SubscribeOrders(ctx context.Context, cb func(*types.Order)) error
	SubscribePositions(ctx context.Context, cb func(*types.Position)) error
	SubscribeOrderbook(ctx context.Context, symbol string, cb func(types.DepthSnapshot)) error

	// EnsureTradingWS pre-warms the persistent order-submission WS channel
	// so the first PlaceOrder of a hot path doesn't pay connect latency.
	EnsureTradingWS(ctx context.Context, timeout time.Duration) error
}

// PlaceOrderRequest is the venue-agnostic order placement request.
type PlaceOrderRequest struct {
	Symbol        string
	Side          types.Side
	Type          types.OrderType
	TIF           types.TimeInForce
	Qty           decimal.Decimal
	Price         decimal.Decimal
	ReduceOnly    bool
	PostOnly      bool
	ClientOrderID string
	SlippageCap   decimal.Decimal // max acceptable adverse fill vs Price, for IOC legs
}

// ITradeStore is the external Trade Store collaborator (spec §2, §6):
// persistence is explicitly out of scope for the core, but the core reads
// and writes through this narrow interface.
type ITradeStore interface {
	GetTrade(ctx context.Context, id string) (*types.Trade, error)
	ListOpenTrades(ctx context.Context) ([]*types.Trade, error)
	SaveTrade(ctx context.Context, trade *types.Trade) error
	RecordAttempt(ctx context.Context, attempt types.ExecutionAttempt) error
	GetFundingHistory(ctx context.Context, symbol, venue string, hours int) ([]types.FundingRate, error)
}

// IOpportunitySource is the external discovery/ranking collaborator.
type IOpportunitySource interface {
	Next(ctx context.Context) (*types.Opportunity, bool)

	// Best returns the highest-ranked opportunity not in excludeSymbols, for
	// the Position Manager's opportunity-rotation exit layer (spec §4.2).
	Best(ctx context.Context, excludeSymbols []string) (*types.Opportunity, bool)
}
