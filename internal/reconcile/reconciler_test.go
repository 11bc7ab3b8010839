package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"deltaneutral/internal/config"
	"deltaneutral/internal/core"
	"deltaneutral/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

// fakeVenue implements core.IVenue with just enough behavior for
// reconciliation: canned positions and an L1 book, order placement
// recorded for assertions.
type fakeVenue struct {
	name      string
	positions []types.Position
	l1        types.OrderbookL1

	mu     sync.Mutex
	orders []core.PlaceOrderRequest
}

func (v *fakeVenue) Name() string                                { return v.name }
func (v *fakeVenue) Initialize(ctx context.Context) error         { return nil }
func (v *fakeVenue) EnsureTradingWS(ctx context.Context, _ time.Duration) error { return nil }

func (v *fakeVenue) PlaceOrder(ctx context.Context, req core.PlaceOrderRequest) (*types.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.orders = append(v.orders, req)
	return &types.Order{ID: "ord-" + req.Symbol, Status: types.OrderStatusFilled, FilledQty: req.Qty}, nil
}
func (v *fakeVenue) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }
func (v *fakeVenue) ModifyOrder(ctx context.Context, symbol, orderID string, price, qty decimal.Decimal) (*types.Order, error) {
	return nil, nil
}
func (v *fakeVenue) CancelAllOrders(ctx context.Context, symbol string) error { return nil }
func (v *fakeVenue) GetOrder(ctx context.Context, symbol, orderID, clientOrderID string) (*types.Order, error) {
	return nil, nil
}
func (v *fakeVenue) ListPositions(ctx context.Context) ([]types.Position, error) {
	return v.positions, nil
}
func (v *fakeVenue) GetPosition(ctx context.Context, symbol string) (*types.Position, error) {
	for i := range v.positions {
		if v.positions[i].Symbol == symbol {
			return &v.positions[i], nil
		}
	}
	return nil, nil
}
func (v *fakeVenue) GetAvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (v *fakeVenue) GetOrderbookL1(ctx context.Context, symbol string) (types.OrderbookL1, error) {
	return v.l1, nil
}
func (v *fakeVenue) GetOrderbookDepth(ctx context.Context, symbol string, levels int) (types.DepthSnapshot, error) {
	return types.DepthSnapshot{}, nil
}
func (v *fakeVenue) GetFundingRate(ctx context.Context, symbol string) (types.FundingRate, error) {
	return types.FundingRate{}, nil
}
func (v *fakeVenue) GetSymbolInfo(ctx context.Context, symbol string) (types.SymbolInfo, error) {
	return types.SymbolInfo{}, nil
}
func (v *fakeVenue) SubscribeOrders(ctx context.Context, cb func(*types.Order)) error    { return nil }
func (v *fakeVenue) SubscribePositions(ctx context.Context, cb func(*types.Position)) error { return nil }
func (v *fakeVenue) SubscribeOrderbook(ctx context.Context, symbol string, cb func(types.DepthSnapshot)) error {
	return nil
}

var _ core.IVenue = (*fakeVenue)(nil)

// fakeStore implements core.ITradeStore in memory.
type fakeStore struct {
	mu     sync.Mutex
	trades map[string]*types.Trade
}

func newFakeStore(trades ...*types.Trade) *fakeStore {
	s := &fakeStore{trades: make(map[string]*types.Trade)}
	for _, t := range trades {
		s.trades[t.ID] = t
	}
	return s
}

func (s *fakeStore) GetTrade(_ context.Context, id string) (*types.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trades[id], nil
}
func (s *fakeStore) ListOpenTrades(_ context.Context) ([]*types.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Trade, 0, len(s.trades))
	for _, t := range s.trades {
		if t.Status == types.TradeStatusOpen {
			out = append(out, t)
		}
	}
	return out, nil
}
func (s *fakeStore) SaveTrade(_ context.Context, trade *types.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades[trade.ID] = trade
	return nil
}
func (s *fakeStore) RecordAttempt(_ context.Context, _ types.ExecutionAttempt) error { return nil }
func (s *fakeStore) GetFundingHistory(_ context.Context, _, _ string, _ int) ([]types.FundingRate, error) {
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

func (nopLogger) Debug(string, ...interface{})                        {}
func (nopLogger) Info(string, ...interface{})                         {}
func (nopLogger) Warn(string, ...interface{})                         {}
func (nopLogger) Error(string, ...interface{})                        {}
func (nopLogger) Fatal(string, ...interface{})                        {}
func (n nopLogger) WithField(string, interface{}) core.ILogger        { return n }
func (n nopLogger) WithFields(map[string]interface{}) core.ILogger    { return n }

var _ core.ILogger = nopLogger{}

func baseConfig() config.Config {
	var cfg config.Config
	cfg.Trading.NotionalTolerancePct = 0.01
	cfg.System.GhostAdoptionEnabled = true
	return cfg
}

func TestReconcile_ClosesZombieTrade(t *testing.T) {
	trade := &types.Trade{
		ID:     "t1",
		Symbol: "BTC-PERP",
		Status: types.TradeStatusOpen,
		Leg1:   types.TradeLeg{Venue: "venue_a", Side: types.SideBuy, FilledQty: d("1")},
		Leg2:   types.TradeLeg{Venue: "venue_b", Side: types.SideSell, FilledQty: d("1")},
	}
	store := newFakeStore(trade)
	venues := map[string]core.IVenue{
		"venue_a": fakeVenueSpec{Name: "venue_a"}.asFake(),
		"venue_b": fakeVenueSpec{Name: "venue_b"}.asFake(),
	}
	bus := &fakeBus{}
	r := New(baseConfig(), venues, store, bus, nopLogger{})

	res := r.Reconcile(context.Background(), false)

	assert.Equal(t, 1, res.ZombiesClosed)
	got, _ := store.GetTrade(context.Background(), "t1")
	assert.Equal(t, types.TradeStatusClosed, got.Status)
	assert.Equal(t, types.CloseReasonZombie, got.CloseReason)
}

// fakeVenueSpec is a tiny builder so table tests can construct venues tersely.
type fakeVenueSpec struct {
	Name      string
	Positions []types.Position
	L1        types.OrderbookL1
}

func (s fakeVenueSpec) asFake() *fakeVenue {
	return &fakeVenue{name: s.Name, positions: s.Positions, l1: s.L1}
}

func TestReconcile_FlattensGhostPosition(t *testing.T) {
	store := newFakeStore()
	venueA := fakeVenueSpec{
		Name: "venue_a",
		Positions: []types.Position{
			{Venue: "venue_a", Symbol: "ETH-PERP", Side: types.SideBuy, Size: d("2"), EntryPrice: d("3000")},
		},
		L1: types.OrderbookL1{BestBid: d("2999"), BestAsk: d("3001")},
	}.asFake()
	venueB := fakeVenueSpec{Name: "venue_b"}.asFake()
	venues := map[string]core.IVenue{"venue_a": venueA, "venue_b": venueB}
	bus := &fakeBus{}
	r := New(baseConfig(), venues, store, bus, nopLogger{})

	res := r.Reconcile(context.Background(), true)

	require.Equal(t, 1, res.GhostsClosed)
	require.Len(t, venueA.orders, 1)
	assert.Equal(t, types.SideSell, venueA.orders[0].Side)
	assert.True(t, venueA.orders[0].ReduceOnly)
}

func TestReconcile_AdoptsGhostPairOnStartupWhenEnabled(t *testing.T) {
	store := newFakeStore()
	venueA := fakeVenueSpec{
		Name: "venue_a",
		Positions: []types.Position{
			{Venue: "venue_a", Symbol: "SOL-PERP", Side: types.SideBuy, Size: d("10"), EntryPrice: d("150")},
		},
	}.asFake()
	venueB := fakeVenueSpec{
		Name: "venue_b",
		Positions: []types.Position{
			{Venue: "venue_b", Symbol: "SOL-PERP", Side: types.SideSell, Size: d("10"), EntryPrice: d("150.1")},
		},
	}.asFake()
	venues := map[string]core.IVenue{"venue_a": venueA, "venue_b": venueB}
	bus := &fakeBus{}
	r := New(baseConfig(), venues, store, bus, nopLogger{})

	res := r.Reconcile(context.Background(), true)

	assert.Equal(t, 1, res.GhostsAdopted)
	assert.Equal(t, 0, res.GhostsClosed)
	open, _ := store.ListOpenTrades(context.Background())
	require.Len(t, open, 1)
	assert.Equal(t, "SOL-PERP", open[0].Symbol)
}

func TestReconcile_PeriodicSweepNeverAdoptsGhosts(t *testing.T) {
	store := newFakeStore()
	venueA := fakeVenueSpec{
		Name: "venue_a",
		Positions: []types.Position{
			{Venue: "venue_a", Symbol: "SOL-PERP", Side: types.SideBuy, Size: d("10"), EntryPrice: d("150")},
		},
	}.asFake()
	venueB := fakeVenueSpec{
		Name: "venue_b",
		Positions: []types.Position{
			{Venue: "venue_b", Symbol: "SOL-PERP", Side: types.SideSell, Size: d("10"), EntryPrice: d("150.1")},
		},
	}.asFake()
	venues := map[string]core.IVenue{"venue_a": venueA, "venue_b": venueB}
	r := New(baseConfig(), venues, store, &fakeBus{}, nopLogger{})

	res := r.Reconcile(context.Background(), false)

	assert.Equal(t, 0, res.GhostsAdopted)
	assert.Equal(t, 2, res.GhostsClosed)
}

// TestReconcile_Idempotent exercises the spec-required property that
// running a sweep twice in a row with no state change in between produces
// no further effect the second time.
func TestReconcile_Idempotent(t *testing.T) {
	trade := &types.Trade{
		ID:     "t1",
		Symbol: "BTC-PERP",
		Status: types.TradeStatusOpen,
		Leg1:   types.TradeLeg{Venue: "venue_a", Side: types.SideBuy, FilledQty: d("1")},
		Leg2:   types.TradeLeg{Venue: "venue_b", Side: types.SideSell, FilledQty: d("1")},
	}
	store := newFakeStore(trade)
	venues := map[string]core.IVenue{
		"venue_a": fakeVenueSpec{Name: "venue_a"}.asFake(),
		"venue_b": fakeVenueSpec{Name: "venue_b"}.asFake(),
	}
	r := New(baseConfig(), venues, store, &fakeBus{}, nopLogger{})

	first := r.Reconcile(context.Background(), false)
	second := r.Reconcile(context.Background(), false)

	assert.Equal(t, 1, first.ZombiesClosed)
	assert.Equal(t, 0, second.ZombiesClosed, "trade already closed, second sweep finds nothing left to do")
	assert.Empty(t, second.Errors)
}

func TestReconcile_SideMismatchRaisesViolationWithoutAutoCorrecting(t *testing.T) {
	trade := &types.Trade{
		ID:     "t1",
		Symbol: "BTC-PERP",
		Status: types.TradeStatusOpen,
		Leg1:   types.TradeLeg{Venue: "venue_a", Side: types.SideBuy, FilledQty: d("1")},
		Leg2:   types.TradeLeg{Venue: "venue_b", Side: types.SideSell, FilledQty: d("1")},
	}
	store := newFakeStore(trade)
	venueA := fakeVenueSpec{
		Name: "venue_a",
		Positions: []types.Position{
			{Venue: "venue_a", Symbol: "BTC-PERP", Side: types.SideBuy, Size: d("1"), EntryPrice: d("60000")},
		},
	}.asFake()
	venueB := fakeVenueSpec{Name: "venue_b"}.asFake()
	venues := map[string]core.IVenue{"venue_a": venueA, "venue_b": venueB}
	bus := &fakeBus{}
	r := New(baseConfig(), venues, store, bus, nopLogger{})

	res := r.Reconcile(context.Background(), false)

	assert.Equal(t, 0, res.ZombiesClosed)
	assert.Equal(t, 0, res.GhostsClosed)
	got, _ := store.GetTrade(context.Background(), "t1")
	assert.Equal(t, types.TradeStatusOpen, got.Status, "side mismatch is reported, not auto-closed")
	require.Len(t, bus.events, 1)
	_, ok := bus.events[0].(types.MaintenanceViolation)
	assert.True(t, ok)
}

func TestCheckpoint_SkipsStartupSweepWithinCooldown(t *testing.T) {
	cp, err := OpenCheckpoint(t.TempDir() + "/checkpoint.db")
	require.NoError(t, err)
	defer cp.Close()

	require.NoError(t, cp.Record(context.Background(), time.Now(), Result{ZombiesClosed: 1}))

	trade := &types.Trade{
		ID:     "t1",
		Symbol: "BTC-PERP",
		Status: types.TradeStatusOpen,
		Leg1:   types.TradeLeg{Venue: "venue_a"},
		Leg2:   types.TradeLeg{Venue: "venue_b"},
	}
	store := newFakeStore(trade)
	venues := map[string]core.IVenue{
		"venue_a": fakeVenueSpec{Name: "venue_a"}.asFake(),
		"venue_b": fakeVenueSpec{Name: "venue_b"}.asFake(),
	}
	cfg := baseConfig()
	cfg.System.MinResweepIntervalSeconds = 60
	r := New(cfg, venues, store, &fakeBus{}, nopLogger{}).WithCheckpoint(cp)

	res := r.Reconcile(context.Background(), true)

	assert.Equal(t, 0, res.ZombiesClosed, "within cooldown, sweep should be skipped entirely")
	got, _ := store.GetTrade(context.Background(), "t1")
	assert.Equal(t, types.TradeStatusOpen, got.Status)
}

func TestCheckpoint_RecordsAfterEachSweep(t *testing.T) {
	cp, err := OpenCheckpoint(t.TempDir() + "/checkpoint.db")
	require.NoError(t, err)
	defer cp.Close()

	before, err := cp.LastSwept(context.Background())
	require.NoError(t, err)
	assert.True(t, before.IsZero())

	venues := map[string]core.IVenue{
		"venue_a": fakeVenueSpec{Name: "venue_a"}.asFake(),
		"venue_b": fakeVenueSpec{Name: "venue_b"}.asFake(),
	}
	r := New(baseConfig(), venues, newFakeStore(), &fakeBus{}, nopLogger{}).WithCheckpoint(cp)
	r.Reconcile(context.Background(), true)

	after, err := cp.LastSwept(context.Background())
	require.NoError(t, err)
	assert.False(t, after.IsZero())
}
