package durable

import (
	"context"
	"fmt"
	"testing"
	"time"

	"deltaneutral/internal/config"
	"deltaneutral/internal/core"
	"deltaneutral/internal/execution"
	"deltaneutral/internal/marketdata"
	"deltaneutral/internal/types"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockDBOSContext only overrides RunAsStep; every other dbos.DBOSContext
// method panics via the embedded nil interface if a test exercises it.
type MockDBOSContext struct {
	dbos.DBOSContext
	stepResult any
	stepErr    error
	stepCalls  int
}

func (m *MockDBOSContext) RunAsStep(ctx dbos.DBOSContext, fn dbos.StepFunc, opts ...dbos.StepOption) (any, error) {
	m.stepCalls++
	return fn(context.Background())
}

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

type fakeVenue struct {
	name       string
	balance    decimal.Decimal
	l1         types.OrderbookL1
	symbolInfo types.SymbolInfo
	placeErr   error
	placeCalls int
	last       *types.Order
}

func (v *fakeVenue) Name() string                                        { return v.name }
func (v *fakeVenue) Initialize(context.Context) error                    { return nil }
func (v *fakeVenue) EnsureTradingWS(context.Context, time.Duration) error { return nil }
func (v *fakeVenue) PlaceOrder(ctx context.Context, req core.PlaceOrderRequest) (*types.Order, error) {
	v.placeCalls++
	if v.placeErr != nil {
		return nil, v.placeErr
	}
	v.last = &types.Order{ID: fmt.Sprintf("%s-o%d", v.name, v.placeCalls), ClientOrderID: fmt.Sprintf("%s-c%d", v.name, v.placeCalls), Status: types.OrderStatusFilled, Qty: req.Qty, FilledQty: req.Qty, AvgFillPrice: req.Price}
	return v.last, nil
}
func (v *fakeVenue) CancelOrder(context.Context, string, string) error { return nil }
func (v *fakeVenue) ModifyOrder(context.Context, string, string, decimal.Decimal, decimal.Decimal) (*types.Order, error) {
	return nil, nil
}
func (v *fakeVenue) CancelAllOrders(context.Context, string) error { return nil }
func (v *fakeVenue) GetOrder(ctx context.Context, symbol, orderID, clientOrderID string) (*types.Order, error) {
	if v.last != nil {
		return v.last, nil
	}
	return &types.Order{ID: orderID, ClientOrderID: clientOrderID, Status: types.OrderStatusFilled}, nil
}
func (v *fakeVenue) ListPositions(context.Context) ([]types.Position, error)     { return nil, nil }
func (v *fakeVenue) GetPosition(context.Context, string) (*types.Position, error) { return nil, nil }
func (v *fakeVenue) GetAvailableBalance(context.Context, string) (decimal.Decimal, error) {
	return v.balance, nil
}
func (v *fakeVenue) GetOrderbookL1(context.Context, string) (types.OrderbookL1, error) {
	return v.l1, nil
}
func (v *fakeVenue) GetOrderbookDepth(context.Context, string, int) (types.DepthSnapshot, error) {
	return types.DepthSnapshot{}, nil
}
func (v *fakeVenue) GetFundingRate(context.Context, string) (types.FundingRate, error) {
	return types.FundingRate{}, nil
}
func (v *fakeVenue) GetSymbolInfo(context.Context, string) (types.SymbolInfo, error) {
	return v.symbolInfo, nil
}
func (v *fakeVenue) SubscribeOrders(context.Context, func(*types.Order)) error       { return nil }
func (v *fakeVenue) SubscribePositions(context.Context, func(*types.Position)) error { return nil }
func (v *fakeVenue) SubscribeOrderbook(context.Context, string, func(types.DepthSnapshot)) error {
	return nil
}

var _ core.IVenue = (*fakeVenue)(nil)

type fakeStore struct{}

func (s *fakeStore) GetTrade(context.Context, string) (*types.Trade, error)       { return nil, nil }
func (s *fakeStore) ListOpenTrades(context.Context) ([]*types.Trade, error)       { return nil, nil }
func (s *fakeStore) SaveTrade(context.Context, *types.Trade) error                { return nil }
func (s *fakeStore) RecordAttempt(context.Context, types.ExecutionAttempt) error  { return nil }
func (s *fakeStore) GetFundingHistory(context.Context, string, string, int) ([]types.FundingRate, error) {
	return nil, nil
}

var _ core.ITradeStore = (*fakeStore)(nil)

type fakeBus struct{}

func (b *fakeBus) Publish(types.Event) {}

var _ types.EventBus = (*fakeBus)(nil)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{})                     {}
func (nopLogger) Info(string, ...interface{})                      {}
func (nopLogger) Warn(string, ...interface{})                      {}
func (nopLogger) Error(string, ...interface{})                     {}
func (nopLogger) Fatal(string, ...interface{})                     {}
func (n nopLogger) WithField(string, interface{}) core.ILogger     { return n }
func (n nopLogger) WithFields(map[string]interface{}) core.ILogger { return n }

var _ core.ILogger = nopLogger{}

func newInnerEngine(leadV, hedgeV *fakeVenue) *execution.Engine {
	var cfg config.Config
	cfg.Trading.NotionalTolerancePct = 0.01
	cfg.Trading.MaxSpreadFilterPercent = 0.05
	cfg.Execution = config.ExecutionConfig{
		LeadVenue:                       "venue_a",
		MakerOrderTimeoutSeconds:        1,
		MakerOrderMaxRetries:            2,
		MakerMaxAggressiveness:          0.5,
		TakerOrderSlippage:              0.001,
		HedgeIOCMaxAttempts:             2,
		MaxMinQtyBumpMultiple:           1.5,
	}
	md := marketdata.NewStore(time.Minute)
	return execution.New(cfg, leadV, hedgeV, &fakeStore{}, &fakeBus{}, md, nopLogger{})
}

func testOpportunity() *types.Opportunity {
	return &types.Opportunity{
		Symbol:            "BTC-PERP",
		APY:               d("0.2"),
		SuggestedQty:      d("1"),
		SuggestedNotional: d("60000"),
		LongVenue:         "venue_a",
		ShortVenue:        "venue_b",
		L1Snapshot:        types.OrderbookL1{BestBid: d("59990"), BestAsk: d("60010")},
	}
}

func symInfo() types.SymbolInfo {
	return types.SymbolInfo{TickSize: d("0.1"), StepSize: d("0.01"), MinQty: d("0.01")}
}

// TestOpenWorkflow_StepWrapsInnerExecuteResult verifies the workflow body
// runs the wrapped execution.Engine.Execute as a single DBOS step and
// returns its result unchanged, the at-least-once-re-entry contract
// execution/durable exists for (spec's durable execution mode).
func TestOpenWorkflow_StepWrapsInnerExecuteResult(t *testing.T) {
	leadV := &fakeVenue{name: "venue_a", balance: d("10000"), l1: types.OrderbookL1{BestBid: d("59990"), BestAsk: d("60010")}, symbolInfo: symInfo()}
	hedgeV := &fakeVenue{name: "venue_b", balance: d("10000"), l1: types.OrderbookL1{BestBid: d("59980"), BestAsk: d("60000")}, symbolInfo: symInfo()}
	inner := newInnerEngine(leadV, hedgeV)
	e := NewEngine(&MockDBOSContext{}, inner, nopLogger{})

	mockCtx := &MockDBOSContext{}
	result, err := e.openWorkflow(mockCtx, testOpportunity())
	require.NoError(t, err)
	require.Equal(t, 1, mockCtx.stepCalls, "workflow body must run inner.Execute inside exactly one RunAsStep")

	trade := result.(*types.Trade)
	assert.Equal(t, types.TradeStatusOpen, trade.Status)
	assert.Equal(t, 1, leadV.placeCalls)
	assert.Equal(t, 1, hedgeV.placeCalls)
}

// TestOpenWorkflow_PropagatesInnerFailure ensures a rejected opportunity's
// error surfaces through the DBOS step unchanged, so GetResult/Execute
// callers see the same rejection they would from the undecorated engine.
func TestOpenWorkflow_PropagatesInnerFailure(t *testing.T) {
	leadV := &fakeVenue{name: "venue_a", balance: d("1"), l1: types.OrderbookL1{BestBid: d("59990"), BestAsk: d("60010")}, symbolInfo: symInfo()}
	hedgeV := &fakeVenue{name: "venue_b", balance: d("10000"), l1: types.OrderbookL1{BestBid: d("59980"), BestAsk: d("60000")}, symbolInfo: symInfo()}
	inner := newInnerEngine(leadV, hedgeV)
	e := NewEngine(&MockDBOSContext{}, inner, nopLogger{})

	mockCtx := &MockDBOSContext{}
	_, err := e.openWorkflow(mockCtx, testOpportunity())
	require.Error(t, err, "insufficient balance must reject before any order is placed")
	assert.Empty(t, leadV.placeCalls)
}
