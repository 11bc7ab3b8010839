// Package takerstyle implements the Venue-B adapter: a taker-oriented CLOB
// reached over plain REST with HMAC request signing and a polling-first
// market data path (spec §4.4).
package takerstyle

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"deltaneutral/internal/config"
	"deltaneutral/internal/core"
	"deltaneutral/internal/types"
	"deltaneutral/internal/venue/base"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Adapter implements core.IVenue for Venue-B.
type Adapter struct {
	*base.Adapter

	apiKey    string
	apiSecret string

	mu       sync.RWMutex
	metadata map[string]types.SymbolInfo
}

// New constructs the Venue-B adapter.
func New(cfg config.VenueConfig, logger core.ILogger) *Adapter {
	a := &Adapter{
		Adapter:   base.NewAdapter("venue_b", cfg, logger),
		apiKey:    string(cfg.APIKey),
		apiSecret: string(cfg.SecretKey),
		metadata:  make(map[string]types.SymbolInfo),
	}
	a.SignRequest = a.signRequest
	a.MapOrderStatus = mapOrderStatus
	a.ParseError = a.parseError
	return a
}

func (a *Adapter) Name() string { return "venue_b" }

// signRequest HMAC-signs the request over timestamp+method+path+body, the
// conventional scheme this venue documents (spec §4.4).
func (a *Adapter) signRequest(req *http.Request, body []byte) error {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	payload := ts + req.Method + req.URL.Path + string(body)
	mac := hmac.New(sha256.New, []byte(a.apiSecret))
	mac.Write([]byte(payload))
	sig := hex.EncodeToString(mac.Sum(nil))

	req.Header.Set("X-API-Key", a.apiKey)
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", sig)
	req.Header.Set("Content-Type", "application/json")
	return nil
}

func (a *Adapter) parseError(statusCode int, body []byte) error {
	var wire struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return fmt.Errorf("HTTP %d: %s", statusCode, string(body))
	}
	return fmt.Errorf("venue_b error %s: %s", wire.Code, wire.Message)
}

func mapOrderStatus(raw string) types.OrderStatus {
	switch raw {
	case "NEW", "ACCEPTED":
		return types.OrderStatusOpen
	case "PARTIALLY_FILLED":
		return types.OrderStatusPartiallyFilled
	case "FILLED":
		return types.OrderStatusFilled
	case "CANCELED", "CANCELLED", "EXPIRED":
		return types.OrderStatusCancelled
	case "REJECTED":
		return types.OrderStatusRejected
	default:
		return types.OrderStatusUnknown
	}
}

// Initialize warms the HTTP pool and detects account tier.
func (a *Adapter) Initialize(ctx context.Context) error {
	a.Logger.Info("initializing venue adapter")
	a.SetTier(base.TierStandard)
	return nil
}

// EnsureTradingWS is a no-op for this adapter: order submission always goes
// over signed REST, so there is no persistent channel to pre-warm.
func (a *Adapter) EnsureTradingWS(ctx context.Context, timeout time.Duration) error {
	return nil
}

func (a *Adapter) PlaceOrder(ctx context.Context, req core.PlaceOrderRequest) (*types.Order, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}

	tif := "GTC"
	switch req.TIF {
	case types.TIFIOC:
		tif = "IOC"
	case types.TIFFOK:
		tif = "FOK"
	case types.TIFPostOnly:
		tif = "GTX"
	}

	body, _ := json.Marshal(map[string]interface{}{
		"client_order_id": req.ClientOrderID,
		"symbol":          req.Symbol,
		"side":            req.Side.String(),
		"type": func() string {
			if req.Type == types.OrderTypeMarket {
				return "MARKET"
			}
			return "LIMIT"
		}(),
		"tif":         tif,
		"qty":         req.Qty.String(),
		"price":       req.Price.String(),
		"reduce_only": req.ReduceOnly,
		"post_only":   req.PostOnly,
	})

	data, err := a.ExecuteRequest(ctx, "POST", a.Config.BaseURL+"/api/v1/orders", body)
	if err != nil {
		return nil, err
	}

	var wire struct {
		OrderID      string `json:"order_id"`
		Status       string `json:"status"`
		FilledQty    string `json:"filled_qty"`
		AvgFillPrice string `json:"avg_fill_price"`
		Fee          string `json:"fee"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode place order response: %w", err)
	}

	return &types.Order{
		ID:            wire.OrderID,
		ClientOrderID: req.ClientOrderID,
		Venue:         a.Name(),
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		TIF:           req.TIF,
		Qty:           req.Qty,
		Price:         req.Price,
		Status:        a.SafeMapOrderStatus(wire.Status),
		FilledQty:     a.ParseDecimal(wire.FilledQty),
		AvgFillPrice:  a.ParseDecimal(wire.AvgFillPrice),
		Fee:           a.ParseDecimal(wire.Fee),
		ReduceOnly:    req.ReduceOnly,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := a.ExecuteRequest(ctx, "DELETE", a.Config.BaseURL+"/api/v1/orders/"+orderID, nil)
	return err
}

func (a *Adapter) ModifyOrder(ctx context.Context, symbol, orderID string, price, qty decimal.Decimal) (*types.Order, error) {
	body, _ := json.Marshal(map[string]string{"price": price.String(), "qty": qty.String()})
	data, err := a.ExecuteRequest(ctx, "PUT", a.Config.BaseURL+"/api/v1/orders/"+orderID, body)
	if err != nil {
		return nil, err
	}
	var wire struct {
		Status       string `json:"status"`
		FilledQty    string `json:"filled_qty"`
		AvgFillPrice string `json:"avg_fill_price"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	return &types.Order{
		ID: orderID, Symbol: symbol, Price: price, Qty: qty,
		Status:       a.SafeMapOrderStatus(wire.Status),
		FilledQty:    a.ParseDecimal(wire.FilledQty),
		AvgFillPrice: a.ParseDecimal(wire.AvgFillPrice),
		UpdatedAt:    time.Now(),
	}, nil
}

func (a *Adapter) CancelAllOrders(ctx context.Context, symbol string) error {
	_, err := a.ExecuteRequest(ctx, "DELETE", a.Config.BaseURL+"/api/v1/orders?symbol="+symbol, nil)
	return err
}

func (a *Adapter) GetOrder(ctx context.Context, symbol, orderID, clientOrderID string) (*types.Order, error) {
	url := a.Config.BaseURL + "/api/v1/orders/" + orderID
	if orderID == "" {
		url = a.Config.BaseURL + "/api/v1/orders?client_order_id=" + clientOrderID
	}
	data, err := a.ExecuteRequest(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	var wire struct {
		OrderID      string `json:"order_id"`
		Status       string `json:"status"`
		FilledQty    string `json:"filled_qty"`
		AvgFillPrice string `json:"avg_fill_price"`
		Fee          string `json:"fee"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	return &types.Order{
		ID:            wire.OrderID,
		ClientOrderID: clientOrderID,
		Venue:         a.Name(),
		Symbol:        symbol,
		Status:        a.SafeMapOrderStatus(wire.Status),
		FilledQty:     a.ParseDecimal(wire.FilledQty),
		AvgFillPrice:  a.ParseDecimal(wire.AvgFillPrice),
		Fee:           a.ParseDecimal(wire.Fee),
		UpdatedAt:     time.Now(),
	}, nil
}

func (a *Adapter) ListPositions(ctx context.Context) ([]types.Position, error) {
	data, err := a.ExecuteRequest(ctx, "GET", a.Config.BaseURL+"/api/v1/positions", nil)
	if err != nil {
		return nil, err
	}
	var wire []struct {
		Symbol           string `json:"symbol"`
		Side             string `json:"side"`
		Size             string `json:"size"`
		EntryPrice       string `json:"entry_price"`
		UnrealizedPnL    string `json:"unrealized_pnl"`
		LiquidationPrice string `json:"liquidation_price"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	out := make([]types.Position, 0, len(wire))
	for _, p := range wire {
		side := types.SideBuy
		if p.Side == "SHORT" || p.Side == "SELL" {
			side = types.SideSell
		}
		liq := a.ParseDecimal(p.LiquidationPrice)
		out = append(out, types.Position{
			Venue:               a.Name(),
			Symbol:              p.Symbol,
			Side:                side,
			Size:                a.ParseDecimal(p.Size),
			EntryPrice:          a.ParseDecimal(p.EntryPrice),
			UnrealizedPnL:       a.ParseDecimal(p.UnrealizedPnL),
			LiquidationPrice:    liq,
			HasLiquidationPrice: liq.IsPositive(),
		})
	}
	return out, nil
}

func (a *Adapter) GetPosition(ctx context.Context, symbol string) (*types.Position, error) {
	positions, err := a.ListPositions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].Symbol == symbol {
			return &positions[i], nil
		}
	}
	return nil, nil
}

func (a *Adapter) GetAvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	data, err := a.ExecuteRequest(ctx, "GET", a.Config.BaseURL+"/api/v1/balance?asset="+asset, nil)
	if err != nil {
		return decimal.Zero, err
	}
	var wire struct {
		Free string `json:"free"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return decimal.Zero, err
	}
	return a.ParseDecimal(wire.Free), nil
}

func (a *Adapter) GetOrderbookL1(ctx context.Context, symbol string) (types.OrderbookL1, error) {
	data, err := a.ExecuteRequest(ctx, "GET", a.Config.BaseURL+"/api/v1/depth?symbol="+symbol+"&limit=1", nil)
	if err != nil {
		return types.OrderbookL1{}, err
	}
	var wire struct {
		Bids [][2]string `json:"bids"`
		Asks [][2]string `json:"asks"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return types.OrderbookL1{}, err
	}
	l1 := types.OrderbookL1{Venue: a.Name(), UpdateTime: time.Now()}
	if len(wire.Bids) > 0 {
		l1.BestBid = a.ParseDecimal(wire.Bids[0][0])
		l1.BidQty = a.ParseDecimal(wire.Bids[0][1])
	}
	if len(wire.Asks) > 0 {
		l1.BestAsk = a.ParseDecimal(wire.Asks[0][0])
		l1.AskQty = a.ParseDecimal(wire.Asks[0][1])
	}
	return l1, nil
}

func (a *Adapter) GetOrderbookDepth(ctx context.Context, symbol string, levels int) (types.DepthSnapshot, error) {
	data, err := a.ExecuteRequest(ctx, "GET", fmt.Sprintf("%s/api/v1/depth?symbol=%s&limit=%d", a.Config.BaseURL, symbol, levels), nil)
	if err != nil {
		return types.DepthSnapshot{}, err
	}
	var wire struct {
		Bids       [][2]string `json:"bids"`
		Asks       [][2]string `json:"asks"`
		Nonce      int64       `json:"nonce"`
		BeginNonce int64       `json:"begin_nonce"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return types.DepthSnapshot{}, err
	}
	snap := types.DepthSnapshot{
		Venue: a.Name(), Symbol: symbol, UpdateTime: time.Now(), DepthOK: true,
		Nonce: wire.Nonce, BeginNonce: wire.BeginNonce,
	}
	for _, b := range wire.Bids {
		snap.Bids = append(snap.Bids, types.PriceLevel{Price: a.ParseDecimal(b[0]), Qty: a.ParseDecimal(b[1])})
	}
	for _, ask := range wire.Asks {
		snap.Asks = append(snap.Asks, types.PriceLevel{Price: a.ParseDecimal(ask[0]), Qty: a.ParseDecimal(ask[1])})
	}
	return snap, nil
}

func (a *Adapter) GetFundingRate(ctx context.Context, symbol string) (types.FundingRate, error) {
	data, err := a.ExecuteRequest(ctx, "GET", a.Config.BaseURL+"/api/v1/funding?symbol="+symbol, nil)
	if err != nil {
		return types.FundingRate{}, err
	}
	var wire struct {
		Rate          string `json:"rate"`
		PredictedRate string `json:"predicted_rate"`
		NextFundingMs int64  `json:"next_funding_time_ms"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return types.FundingRate{}, err
	}
	interval := decimal.NewFromFloat(a.Config.FundingIntervalHr)
	if interval.IsZero() {
		interval = decimal.NewFromInt(8)
	}
	capD := decimal.NewFromFloat(a.Config.FundingRateCap)
	hourly := a.ParseDecimal(wire.Rate).Div(interval)
	if hourly.GreaterThan(capD) {
		hourly = capD
	} else if hourly.LessThan(capD.Neg()) {
		hourly = capD.Neg()
	}
	return types.FundingRate{
		Venue:           a.Name(),
		Symbol:          symbol,
		RateHourly:      hourly,
		PredictedRate:   a.ParseDecimal(wire.PredictedRate).Div(interval),
		NextFundingTime: a.ParseTimestampMillis(wire.NextFundingMs),
		ObservedAt:      time.Now(),
	}, nil
}

func (a *Adapter) GetSymbolInfo(ctx context.Context, symbol string) (types.SymbolInfo, error) {
	a.mu.RLock()
	info, ok := a.metadata[symbol]
	a.mu.RUnlock()
	if ok && time.Since(info.FetchedAt) < time.Hour {
		return info, nil
	}

	data, err := a.ExecuteRequest(ctx, "GET", a.Config.BaseURL+"/api/v1/markets/"+symbol, nil)
	if err != nil {
		return types.SymbolInfo{}, err
	}
	var wire struct {
		TickSize     string `json:"tick_size"`
		StepSize     string `json:"step_size"`
		MinQty       string `json:"min_qty"`
		MinNotional  string `json:"min_notional"`
		MakerFeeRate string `json:"maker_fee_rate"`
		TakerFeeRate string `json:"taker_fee_rate"`
		MaxLeverage  string `json:"max_leverage"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return types.SymbolInfo{}, err
	}
	info = types.SymbolInfo{
		Venue:        a.Name(),
		Symbol:       symbol,
		TickSize:     a.ParseDecimal(wire.TickSize),
		StepSize:     a.ParseDecimal(wire.StepSize),
		MinQty:       a.ParseDecimal(wire.MinQty),
		MinNotional:  a.ParseDecimal(wire.MinNotional),
		MakerFeeRate: a.ParseDecimal(wire.MakerFeeRate),
		TakerFeeRate: a.ParseDecimal(wire.TakerFeeRate),
		MaxLeverage:  a.ParseDecimal(wire.MaxLeverage),
		FetchedAt:    time.Now(),
	}
	a.mu.Lock()
	a.metadata[symbol] = info
	a.mu.Unlock()
	return info, nil
}

// SubscribeOrders starts a short-interval poll loop over this venue's open
// orders, its documented alternative to a user-data WS stream for order
// fills (spec §4.4). Blocks until ctx is cancelled and then returns
// ctx.Err(); a failed poll is logged and the loop waits for the next tick.
func (a *Adapter) SubscribeOrders(ctx context.Context, cb func(*types.Order)) error {
	interval := time.Duration(a.Config.OrderPollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			orders, err := a.listOpenOrders(ctx)
			if err != nil {
				a.Logger.Warn("order poll failed", "venue", a.Name(), "error", err)
				continue
			}
			for _, o := range orders {
				cb(o)
			}
		}
	}
}

func (a *Adapter) listOpenOrders(ctx context.Context) ([]*types.Order, error) {
	data, err := a.ExecuteRequest(ctx, "GET", a.Config.BaseURL+"/api/v1/orders/open", nil)
	if err != nil {
		return nil, err
	}
	var wire []struct {
		OrderID       string `json:"order_id"`
		ClientOrderID string `json:"client_order_id"`
		Symbol        string `json:"symbol"`
		Status        string `json:"status"`
		FilledQty     string `json:"filled_qty"`
		AvgFillPrice  string `json:"avg_fill_price"`
		Fee           string `json:"fee"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	out := make([]*types.Order, 0, len(wire))
	for _, o := range wire {
		out = append(out, &types.Order{
			ID:            o.OrderID,
			ClientOrderID: o.ClientOrderID,
			Venue:         a.Name(),
			Symbol:        o.Symbol,
			Status:        a.SafeMapOrderStatus(o.Status),
			FilledQty:     a.ParseDecimal(o.FilledQty),
			AvgFillPrice:  a.ParseDecimal(o.AvgFillPrice),
			Fee:           a.ParseDecimal(o.Fee),
			UpdatedAt:     time.Now(),
		})
	}
	return out, nil
}

// SubscribePositions starts a poll loop over this venue's live positions,
// feeding the callback on every tick (spec §4.4 account stream).
func (a *Adapter) SubscribePositions(ctx context.Context, cb func(*types.Position)) error {
	interval := time.Duration(a.Config.PositionPollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			positions, err := a.ListPositions(ctx)
			if err != nil {
				a.Logger.Warn("position poll failed", "venue", a.Name(), "error", err)
				continue
			}
			for i := range positions {
				cb(&positions[i])
			}
		}
	}
}

// SubscribeOrderbook starts a poll loop over this venue's depth endpoint,
// the REST-only alternative to a push depth feed (spec §4.3). Each
// DepthSnapshot's begin_nonce/nonce are whatever the venue's response body
// carried, not a client-side counter, so a message genuinely dropped by the
// venue between polls still surfaces as a continuity gap downstream.
func (a *Adapter) SubscribeOrderbook(ctx context.Context, symbol string, cb func(types.DepthSnapshot)) error {
	interval := time.Duration(a.Config.OrderbookPollIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			snap, err := a.GetOrderbookDepth(ctx, symbol, 10)
			if err != nil {
				a.Logger.Warn("orderbook poll failed", "venue", a.Name(), "symbol", symbol, "error", err)
				continue
			}
			cb(snap)
		}
	}
}
