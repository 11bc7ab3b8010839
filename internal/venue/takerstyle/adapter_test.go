package takerstyle

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"deltaneutral/internal/config"
	"deltaneutral/internal/core"
	"deltaneutral/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{})                     {}
func (nopLogger) Info(string, ...interface{})                      {}
func (nopLogger) Warn(string, ...interface{})                      {}
func (nopLogger) Error(string, ...interface{})                     {}
func (nopLogger) Fatal(string, ...interface{})                     {}
func (n nopLogger) WithField(string, interface{}) core.ILogger     { return n }
func (n nopLogger) WithFields(map[string]interface{}) core.ILogger { return n }

var _ core.ILogger = nopLogger{}

func newTestAdapter(t *testing.T, baseURL string) *Adapter {
	t.Helper()
	cfg := config.VenueConfig{
		APIKey:            "key",
		SecretKey:         "secret",
		BaseURL:           baseURL,
		FundingIntervalHr: 8,
		FundingRateCap:    0.01,
	}
	return New(cfg, nopLogger{})
}

func TestMapOrderStatus(t *testing.T) {
	cases := map[string]types.OrderStatus{
		"NEW":              types.OrderStatusOpen,
		"ACCEPTED":         types.OrderStatusOpen,
		"PARTIALLY_FILLED": types.OrderStatusPartiallyFilled,
		"FILLED":           types.OrderStatusFilled,
		"CANCELED":         types.OrderStatusCancelled,
		"CANCELLED":        types.OrderStatusCancelled,
		"EXPIRED":          types.OrderStatusCancelled,
		"REJECTED":         types.OrderStatusRejected,
		"SOMETHING_ELSE":   types.OrderStatusUnknown,
	}
	for raw, want := range cases {
		assert.Equal(t, want, mapOrderStatus(raw), "raw=%s", raw)
	}
}

func TestSignRequest_AddsHeadersConsistentWithBody(t *testing.T) {
	a := newTestAdapter(t, "http://example.invalid")
	req, err := http.NewRequest(http.MethodPost, "http://example.invalid/api/v1/orders", nil)
	require.NoError(t, err)

	body := []byte(`{"symbol":"BTC-PERP"}`)
	require.NoError(t, a.signRequest(req, body))

	assert.Equal(t, "key", req.Header.Get("X-API-Key"))
	assert.NotEmpty(t, req.Header.Get("X-Timestamp"))
	assert.NotEmpty(t, req.Header.Get("X-Signature"))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
}

func TestParseError_WiresCodeAndMessage(t *testing.T) {
	a := newTestAdapter(t, "http://example.invalid")
	err := a.parseError(400, []byte(`{"code":"BAD_QTY","message":"quantity below minimum"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BAD_QTY")
	assert.Contains(t, err.Error(), "quantity below minimum")
}

func TestParseError_FallsBackToRawBodyOnUnparsableJSON(t *testing.T) {
	a := newTestAdapter(t, "http://example.invalid")
	err := a.parseError(500, []byte("internal error"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "internal error")
}

func TestGetOrderbookL1_ParsesBestBidAsk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"bids":[["59990","2"]],"asks":[["60010","1.5"]]}`)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	l1, err := a.GetOrderbookL1(context.Background(), "BTC-PERP")
	require.NoError(t, err)
	assert.True(t, l1.BestBid.Equal(decimal.RequireFromString("59990")))
	assert.True(t, l1.BestAsk.Equal(decimal.RequireFromString("60010")))
	assert.True(t, l1.BidQty.Equal(decimal.RequireFromString("2")))
}

func TestGetFundingRate_NormalizesToHourlyAndClampsToCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 80% raw over an 8h interval (10%/hr), far beyond the 1%/hr cap.
		fmt.Fprint(w, `{"rate":"0.8","predicted_rate":"0.8","next_funding_time_ms":1700000000000}`)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	rate, err := a.GetFundingRate(context.Background(), "BTC-PERP")
	require.NoError(t, err)
	assert.True(t, rate.RateHourly.Equal(decimal.RequireFromString("0.01")), "got %s", rate.RateHourly)
}

func TestGetFundingRate_ClampsNegativeBreach(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"rate":"-0.8","predicted_rate":"-0.8","next_funding_time_ms":0}`)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	rate, err := a.GetFundingRate(context.Background(), "BTC-PERP")
	require.NoError(t, err)
	assert.True(t, rate.RateHourly.Equal(decimal.RequireFromString("-0.01")), "got %s", rate.RateHourly)
	assert.True(t, rate.NextFundingTime.IsZero())
}

func TestPlaceOrder_MapsWireResponseToOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"order_id":"o-123","status":"FILLED","filled_qty":"1","avg_fill_price":"60000","fee":"0.6"}`)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	order, err := a.PlaceOrder(context.Background(), core.PlaceOrderRequest{
		Symbol: "BTC-PERP",
		Side:   types.SideBuy,
		Type:   types.OrderTypeLimitIOC,
		TIF:    types.TIFIOC,
		Qty:    decimal.RequireFromString("1"),
		Price:  decimal.RequireFromString("60000"),
	})
	require.NoError(t, err)
	assert.Equal(t, "o-123", order.ID)
	assert.Equal(t, types.OrderStatusFilled, order.Status)
	assert.True(t, order.FilledQty.Equal(decimal.RequireFromString("1")))
	assert.True(t, order.AvgFillPrice.Equal(decimal.RequireFromString("60000")))
}

func TestEnsureTradingWS_IsNoop(t *testing.T) {
	a := newTestAdapter(t, "http://example.invalid")
	assert.NoError(t, a.EnsureTradingWS(context.Background(), time.Second))
}

func TestGetOrderbookDepth_ParsesLevelsAndContinuityPair(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"bids":[["59990","2"],["59980","1"]],"asks":[["60010","3"]],"nonce":9,"begin_nonce":8}`)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	depth, err := a.GetOrderbookDepth(context.Background(), "BTC-PERP", 5)
	require.NoError(t, err)
	assert.True(t, depth.DepthOK)
	require.Len(t, depth.Bids, 2)
	require.Len(t, depth.Asks, 1)
	assert.Equal(t, int64(9), depth.Nonce)
	assert.Equal(t, int64(8), depth.BeginNonce)
}

func TestListOpenOrders_MapsWireOrders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/orders/open", r.URL.Path)
		fmt.Fprint(w, `[{"order_id":"o-1","client_order_id":"c-1","symbol":"BTC-PERP","status":"FILLED","filled_qty":"1","avg_fill_price":"60000","fee":"0.6"}]`)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	orders, err := a.listOpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "o-1", orders[0].ID)
	assert.Equal(t, types.OrderStatusFilled, orders[0].Status)
}

func TestSubscribeOrders_FansOutPolledOrdersUntilCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"order_id":"o-1","status":"FILLED"}]`)
	}))
	defer srv.Close()

	cfg := config.VenueConfig{BaseURL: srv.URL, FundingIntervalHr: 8, FundingRateCap: 0.01, OrderPollIntervalSeconds: 0}
	a := New(cfg, nopLogger{})

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan *types.Order, 1)
	done := make(chan error, 1)
	go func() {
		done <- a.SubscribeOrders(ctx, func(o *types.Order) {
			select {
			case got <- o:
			default:
			}
		})
	}()

	select {
	case o := <-got:
		assert.Equal(t, "o-1", o.ID)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for a polled order")
	}
	cancel()
	require.Error(t, <-done)
}

func TestSubscribePositions_PollsUntilCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"symbol":"BTC-PERP","side":"BUY","size":"1","entry_price":"60000"}]`)
	}))
	defer srv.Close()

	cfg := config.VenueConfig{BaseURL: srv.URL, FundingIntervalHr: 8, FundingRateCap: 0.01, PositionPollIntervalSeconds: 0}
	a := New(cfg, nopLogger{})

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan *types.Position, 1)
	go func() {
		_ = a.SubscribePositions(ctx, func(p *types.Position) {
			select {
			case got <- p:
			default:
			}
		})
	}()

	select {
	case p := <-got:
		assert.Equal(t, "BTC-PERP", p.Symbol)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for a polled position")
	}
	cancel()
}
