package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"deltaneutral/internal/config"
	"deltaneutral/internal/core"
	"deltaneutral/internal/marketdata"
	"deltaneutral/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

// fakeVenue is a fully scripted core.IVenue double. Each venue instance
// plays back a queue of order outcomes so a test can script Leg1 retries,
// Leg2 IOC attempts and rollback flattens deterministically.
type fakeVenue struct {
	name string

	mu           sync.Mutex
	balance      decimal.Decimal
	l1           types.OrderbookL1
	symbolInfo   types.SymbolInfo
	depth        types.DepthSnapshot
	placeResults []placeResult // consumed in order, last one repeats
	placeCalls   []core.PlaceOrderRequest
	cancelCalls  int

	balanceErr error
	l1Err      error
}

type placeResult struct {
	order *types.Order
	err   error
}

func (v *fakeVenue) Name() string { return v.name }

func (v *fakeVenue) Initialize(context.Context) error { return nil }

func (v *fakeVenue) EnsureTradingWS(context.Context, time.Duration) error { return nil }

func (v *fakeVenue) PlaceOrder(ctx context.Context, req core.PlaceOrderRequest) (*types.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.placeCalls = append(v.placeCalls, req)
	if len(v.placeResults) == 0 {
		return &types.Order{ID: "default", ClientOrderID: "default", Status: types.OrderStatusFilled, Qty: req.Qty, FilledQty: req.Qty, AvgFillPrice: req.Price}, nil
	}
	idx := len(v.placeCalls) - 1
	if idx >= len(v.placeResults) {
		idx = len(v.placeResults) - 1
	}
	r := v.placeResults[idx]
	return r.order, r.err
}

func (v *fakeVenue) CancelOrder(context.Context, string, string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancelCalls++
	return nil
}

func (v *fakeVenue) ModifyOrder(context.Context, string, string, decimal.Decimal, decimal.Decimal) (*types.Order, error) {
	return nil, nil
}

func (v *fakeVenue) CancelAllOrders(context.Context, string) error { return nil }

func (v *fakeVenue) GetOrder(ctx context.Context, symbol, orderID, clientOrderID string) (*types.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, call := range v.placeCalls {
		_ = call
	}
	// Readback mirrors the most recent PlaceOrder result for this order ID.
	for i := len(v.placeCalls) - 1; i >= 0; i-- {
		if i < len(v.placeResults) {
			r := v.placeResults[i]
			if r.order != nil && (r.order.ID == orderID || r.order.ClientOrderID == clientOrderID) {
				return r.order, r.err
			}
		}
	}
	return &types.Order{ID: orderID, ClientOrderID: clientOrderID, Status: types.OrderStatusFilled}, nil
}

func (v *fakeVenue) ListPositions(context.Context) ([]types.Position, error) { return nil, nil }

func (v *fakeVenue) GetPosition(context.Context, string) (*types.Position, error) { return nil, nil }

func (v *fakeVenue) GetAvailableBalance(context.Context, string) (decimal.Decimal, error) {
	return v.balance, v.balanceErr
}

func (v *fakeVenue) GetOrderbookL1(context.Context, string) (types.OrderbookL1, error) {
	return v.l1, v.l1Err
}

func (v *fakeVenue) GetOrderbookDepth(context.Context, string, int) (types.DepthSnapshot, error) {
	return v.depth, nil
}

func (v *fakeVenue) GetFundingRate(context.Context, string) (types.FundingRate, error) {
	return types.FundingRate{}, nil
}

func (v *fakeVenue) GetSymbolInfo(context.Context, string) (types.SymbolInfo, error) {
	return v.symbolInfo, nil
}

func (v *fakeVenue) SubscribeOrders(context.Context, func(*types.Order)) error { return nil }

func (v *fakeVenue) SubscribePositions(context.Context, func(*types.Position)) error { return nil }

func (v *fakeVenue) SubscribeOrderbook(context.Context, string, func(types.DepthSnapshot)) error {
	return nil
}

var _ core.IVenue = (*fakeVenue)(nil)

type fakeStore struct {
	mu       sync.Mutex
	trades   []*types.Trade
	attempts []types.ExecutionAttempt
}

func (s *fakeStore) GetTrade(context.Context, string) (*types.Trade, error) { return nil, nil }

func (s *fakeStore) ListOpenTrades(context.Context) ([]*types.Trade, error) { return nil, nil }

func (s *fakeStore) SaveTrade(ctx context.Context, trade *types.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, trade)
	return nil
}

func (s *fakeStore) RecordAttempt(ctx context.Context, attempt types.ExecutionAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, attempt)
	return nil
}

func (s *fakeStore) GetFundingHistory(context.Context, string, string, int) ([]types.FundingRate, error) {
	return nil, nil
}

var _ core.ITradeStore = (*fakeStore)(nil)

type fakeBus struct {
	mu     sync.Mutex
	events []types.Event
}

func (b *fakeBus) Publish(event types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

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

func baseConfig() config.Config {
	var cfg config.Config
	cfg.Trading.NotionalTolerancePct = 0.01
	cfg.Trading.MaxSpreadFilterPercent = 0.05
	cfg.Execution = config.ExecutionConfig{
		LeadVenue:                       "venue_a",
		MakerOrderTimeoutSeconds:        1,
		MakerOrderMaxRetries:            2,
		MakerMaxAggressiveness:          0.5,
		TakerOrderSlippage:              0.001,
		Leg1EscalateToTakerEnabled:      false,
		Leg1EscalateAfterSeconds:        60,
		HedgeIOCMaxAttempts:             2,
		HedgeDepthPreflightEnabled:      false,
		HedgeDepthPreflightSafetyFactor: 1,
		MaxMinQtyBumpMultiple:           1.5,
	}
	return cfg
}

func symInfo() types.SymbolInfo {
	return types.SymbolInfo{
		TickSize: d("0.1"),
		StepSize: d("0.01"),
		MinQty:   d("0.01"),
	}
}

func opp() *types.Opportunity {
	return &types.Opportunity{
		Symbol:       "BTC-PERP",
		APY:          d("0.2"),
		SuggestedQty: d("1"),
		SuggestedNotional: d("60000"),
		LongVenue:    "venue_a",
		ShortVenue:   "venue_b",
		L1Snapshot:   types.OrderbookL1{BestBid: d("59990"), BestAsk: d("60010")},
	}
}

func newEngine(t *testing.T, leadV, hedgeV *fakeVenue, store *fakeStore, bus *fakeBus) *Engine {
	t.Helper()
	md := marketdata.NewStore(time.Minute)
	return New(baseConfig(), leadV, hedgeV, store, bus, md, nopLogger{})
}

func TestExecute_SuccessfulTwoLegOpen(t *testing.T) {
	leadV := &fakeVenue{
		name:       "venue_a",
		balance:    d("10000"),
		l1:         types.OrderbookL1{BestBid: d("59990"), BestAsk: d("60010")},
		symbolInfo: symInfo(),
		placeResults: []placeResult{
			{order: &types.Order{ID: "o1", ClientOrderID: "c1", Status: types.OrderStatusFilled, Qty: d("1"), FilledQty: d("1"), AvgFillPrice: d("59990")}},
		},
	}
	hedgeV := &fakeVenue{
		name:       "venue_b",
		balance:    d("10000"),
		l1:         types.OrderbookL1{BestBid: d("59980"), BestAsk: d("60000")},
		symbolInfo: symInfo(),
		placeResults: []placeResult{
			{order: &types.Order{ID: "o2", ClientOrderID: "c2", Status: types.OrderStatusFilled, Qty: d("1"), FilledQty: d("1"), AvgFillPrice: d("59980")}},
		},
	}
	store := &fakeStore{}
	bus := &fakeBus{}
	e := newEngine(t, leadV, hedgeV, store, bus)

	trade, err := e.Execute(context.Background(), opp())
	require.NoError(t, err)
	assert.Equal(t, types.TradeStatusOpen, trade.Status)
	assert.Equal(t, types.ExecutionStateComplete, trade.ExecutionState)
	assert.True(t, trade.IsDeltaBalanced())
	assert.Empty(t, e.GetActiveExecutions(), "trade should no longer be tracked as active once Execute returns")
}

func TestExecute_RejectsInvalidOpportunity(t *testing.T) {
	leadV := &fakeVenue{name: "venue_a"}
	hedgeV := &fakeVenue{name: "venue_b"}
	e := newEngine(t, leadV, hedgeV, &fakeStore{}, &fakeBus{})

	bad := opp()
	bad.LongVenue = "venue_a"
	bad.ShortVenue = "venue_a"
	_, err := e.Execute(context.Background(), bad)
	assert.Error(t, err)
}

func TestExecute_PreflightRejectsInsufficientBalance(t *testing.T) {
	leadV := &fakeVenue{name: "venue_a", balance: d("1"), l1: types.OrderbookL1{BestBid: d("59990"), BestAsk: d("60010")}, symbolInfo: symInfo()}
	hedgeV := &fakeVenue{name: "venue_b", balance: d("10000"), l1: types.OrderbookL1{BestBid: d("59980"), BestAsk: d("60000")}, symbolInfo: symInfo()}
	store := &fakeStore{}
	e := newEngine(t, leadV, hedgeV, store, &fakeBus{})

	trade, err := e.Execute(context.Background(), opp())
	require.Error(t, err)
	assert.Equal(t, types.TradeStatusRejected, trade.Status)
	assert.Empty(t, leadV.placeCalls, "must never place an order when preflight fails")
}

func TestExecute_PreflightRejectsInvertedSpread(t *testing.T) {
	leadV := &fakeVenue{name: "venue_a", balance: d("10000"), l1: types.OrderbookL1{BestBid: d("60100"), BestAsk: d("60110")}, symbolInfo: symInfo()}
	hedgeV := &fakeVenue{name: "venue_b", balance: d("10000"), l1: types.OrderbookL1{BestBid: d("60000"), BestAsk: d("60010")}, symbolInfo: symInfo()}
	store := &fakeStore{}
	e := newEngine(t, leadV, hedgeV, store, &fakeBus{})

	o := opp()
	// long leg (venue_a) buys at 60110, short leg (venue_b) sells at 60000: inverted,
	// a crossing cost of ~0.18% against max_spread_filter_percent 0.05.
	trade, err := e.Execute(context.Background(), o)
	require.Error(t, err)
	assert.Equal(t, types.TradeStatusRejected, trade.Status)
}

func TestExecute_QuantizeBumpsToMinQtyWithinTolerance(t *testing.T) {
	leadV := &fakeVenue{
		name:    "venue_a",
		balance: d("10000"),
		l1:      types.OrderbookL1{BestBid: d("59990"), BestAsk: d("60010")},
		symbolInfo: types.SymbolInfo{
			TickSize: d("0.1"),
			StepSize: d("0.01"),
			MinQty:   d("0.02"),
		},
		placeResults: []placeResult{
			{order: &types.Order{ID: "o1", ClientOrderID: "c1", Status: types.OrderStatusFilled, Qty: d("0.02"), FilledQty: d("0.02"), AvgFillPrice: d("59990")}},
		},
	}
	hedgeV := &fakeVenue{
		name:       "venue_b",
		balance:    d("10000"),
		l1:         types.OrderbookL1{BestBid: d("59980"), BestAsk: d("60000")},
		symbolInfo: symInfo(),
		placeResults: []placeResult{
			{order: &types.Order{ID: "o2", ClientOrderID: "c2", Status: types.OrderStatusFilled, Qty: d("0.02"), FilledQty: d("0.02"), AvgFillPrice: d("59980")}},
		},
	}
	store := &fakeStore{}
	e := newEngine(t, leadV, hedgeV, store, &fakeBus{})

	o := opp()
	o.SuggestedQty = d("0.015") // rounds down to 0.01 (below min_qty 0.02), should bump
	o.SuggestedNotional = d("900") // bumped notional ~1200 stays within 900*1.5

	trade, err := e.Execute(context.Background(), o)
	require.NoError(t, err)
	assert.True(t, trade.TargetQty.Equal(d("0.02")))
}

func TestExecute_QuantizeRejectsWhenBumpExceedsTolerance(t *testing.T) {
	leadV := &fakeVenue{
		name:    "venue_a",
		balance: d("10000"),
		l1:      types.OrderbookL1{BestBid: d("59990"), BestAsk: d("60010")},
		symbolInfo: types.SymbolInfo{
			TickSize: d("0.1"),
			StepSize: d("0.01"),
			MinQty:   d("1"),
		},
	}
	hedgeV := &fakeVenue{name: "venue_b", balance: d("10000"), l1: types.OrderbookL1{BestBid: d("59980"), BestAsk: d("60000")}, symbolInfo: symInfo()}
	store := &fakeStore{}
	e := newEngine(t, leadV, hedgeV, store, &fakeBus{})

	o := opp()
	o.SuggestedQty = d("0.001")
	o.SuggestedNotional = d("60")

	trade, err := e.Execute(context.Background(), o)
	require.Error(t, err)
	assert.Equal(t, types.TradeStatusRejected, trade.Status)
	assert.Empty(t, leadV.placeCalls)
}

func TestExecute_Leg1FailureNeverReachesLeg2(t *testing.T) {
	leadV := &fakeVenue{
		name:       "venue_a",
		balance:    d("10000"),
		l1:         types.OrderbookL1{BestBid: d("59990"), BestAsk: d("60010")},
		symbolInfo: symInfo(),
		placeResults: []placeResult{
			{err: assertErr("leg1 rejected")},
		},
	}
	hedgeV := &fakeVenue{name: "venue_b", balance: d("10000"), l1: types.OrderbookL1{BestBid: d("59980"), BestAsk: d("60000")}, symbolInfo: symInfo()}
	store := &fakeStore{}
	e := newEngine(t, leadV, hedgeV, store, &fakeBus{})

	trade, err := e.Execute(context.Background(), opp())
	require.Error(t, err)
	assert.Equal(t, types.TradeStatusFailed, trade.Status)
	assert.Equal(t, types.ExecutionStateAborted, trade.ExecutionState)
	assert.Empty(t, hedgeV.placeCalls, "leg2 must never be attempted when leg1 never fills")
}

func TestExecute_Leg2FailureTriggersRollbackOfLeg1(t *testing.T) {
	leadV := &fakeVenue{
		name:       "venue_a",
		balance:    d("10000"),
		l1:         types.OrderbookL1{BestBid: d("59990"), BestAsk: d("60010")},
		symbolInfo: symInfo(),
		placeResults: []placeResult{
			{order: &types.Order{ID: "o1", ClientOrderID: "c1", Status: types.OrderStatusFilled, Qty: d("1"), FilledQty: d("1"), AvgFillPrice: d("59990")}},
			// second PlaceOrder call on leadV is the rollback flatten
			{order: &types.Order{ID: "r1", ClientOrderID: "rc1", Status: types.OrderStatusFilled, Qty: d("1"), FilledQty: d("1"), AvgFillPrice: d("60010")}},
		},
	}
	hedgeV := &fakeVenue{
		name:       "venue_b",
		balance:    d("10000"),
		l1:         types.OrderbookL1{BestBid: d("59980"), BestAsk: d("60000")},
		symbolInfo: symInfo(),
		placeResults: []placeResult{
			{err: assertErr("leg2 IOC rejected")},
			{err: assertErr("leg2 IOC rejected")},
		},
	}
	store := &fakeStore{}
	e := newEngine(t, leadV, hedgeV, store, &fakeBus{})

	trade, err := e.Execute(context.Background(), opp())
	require.Error(t, err)
	assert.Equal(t, types.TradeStatusFailed, trade.Status)
	assert.Contains(t, []types.ExecutionState{types.ExecutionStateRollbackDone, types.ExecutionStateRollbackNeeded}, trade.ExecutionState)
	assert.Len(t, leadV.placeCalls, 2, "rollback should flatten the filled leg1 with a second order")
}

func TestExecute_HedgeDepthPreflightFailureTriggersRollback(t *testing.T) {
	leadV := &fakeVenue{
		name:       "venue_a",
		balance:    d("10000"),
		l1:         types.OrderbookL1{BestBid: d("59990"), BestAsk: d("60010")},
		symbolInfo: symInfo(),
		placeResults: []placeResult{
			{order: &types.Order{ID: "o1", ClientOrderID: "c1", Status: types.OrderStatusFilled, Qty: d("1"), FilledQty: d("1"), AvgFillPrice: d("59990")}},
			{order: &types.Order{ID: "r1", ClientOrderID: "rc1", Status: types.OrderStatusFilled, Qty: d("1"), FilledQty: d("1"), AvgFillPrice: d("60010")}},
		},
	}
	hedgeV := &fakeVenue{
		name:       "venue_b",
		balance:    d("10000"),
		l1:         types.OrderbookL1{BestBid: d("59980"), BestAsk: d("60000")},
		symbolInfo: symInfo(),
		depth:      types.DepthSnapshot{DepthOK: true, Asks: []types.PriceLevel{{Price: d("60000"), Qty: d("0.001")}}},
	}
	store := &fakeStore{}
	cfg := baseConfig()
	cfg.Execution.HedgeDepthPreflightEnabled = true
	cfg.Execution.HedgeDepthPreflightSafetyFactor = 1
	md := marketdata.NewStore(time.Minute)
	e := New(cfg, leadV, hedgeV, store, &fakeBus{}, md, nopLogger{})

	trade, err := e.Execute(context.Background(), opp())
	require.Error(t, err)
	assert.Equal(t, types.TradeStatusFailed, trade.Status)
	assert.Empty(t, hedgeV.placeCalls, "leg2 must never be placed when hedge depth preflight fails")
	assert.Len(t, leadV.placeCalls, 2, "rollback should flatten the filled leg1")
}

type assertError struct{ msg string }

func (e *assertError) Error() string { return e.msg }

func assertErr(msg string) error { return &assertError{msg: msg} }
