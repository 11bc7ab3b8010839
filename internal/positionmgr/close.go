package positionmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"deltaneutral/internal/core"
	"deltaneutral/internal/types"
	apperrors "deltaneutral/pkg/errors"
	"deltaneutral/pkg/decimalutil"

	"github.com/shopspring/decimal"
)

// coordinatedClose submits POST_ONLY maker orders on both legs in parallel,
// waits coordinated_close_maker_timeout_seconds, then escalates any unfilled
// leg to IOC in parallel, minimizing the unhedged window a sequential close
// would leave open (spec §4.2 coordinated dual-leg close, grounded on
// original_source's coordinated close module).
func (m *Manager) coordinatedClose(ctx context.Context, trade *types.Trade) error {
	timeout := time.Duration(m.cfg.Trading.CoordinatedCloseMakerTimeoutSeconds) * time.Second

	var wg sync.WaitGroup
	errs := make([]error, 2)
	legs := [2]*types.TradeLeg{&trade.Leg1, &trade.Leg2}

	for i := range legs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = m.closeLegMakerThenIOC(ctx, m.venues[legs[i].Venue], trade, legs[i], timeout)
		}()
	}
	wg.Wait()

	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

// sequentialClose closes the maker-first leg (Leg1, on the lead venue) with
// maker-then-IOC retries, then hedges the other leg out with a direct taker
// order (spec §4.2 sequential smart close fallback).
func (m *Manager) sequentialClose(ctx context.Context, trade *types.Trade) error {
	timeout := time.Duration(m.cfg.Trading.CoordinatedCloseMakerTimeoutSeconds) * time.Second
	if err := m.closeLegMakerThenIOC(ctx, m.venues[trade.Leg1.Venue], trade, &trade.Leg1, timeout); err != nil {
		return fmt.Errorf("sequential close leg1: %w", err)
	}
	if err := m.closeLegTakerOnly(ctx, m.venues[trade.Leg2.Venue], trade, &trade.Leg2); err != nil {
		return fmt.Errorf("sequential close leg2: %w", err)
	}
	return nil
}

// earlyTPFastClose bypasses the maker chase entirely and crosses the spread
// on both legs in parallel, protecting a realized early-TP gain from
// decaying while waiting on a maker fill (spec §4.2 early-TP fast close).
func (m *Manager) earlyTPFastClose(ctx context.Context, trade *types.Trade) error {
	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = m.closeLegTakerOnly(ctx, m.venues[trade.Leg1.Venue], trade, &trade.Leg1)
	}()
	go func() {
		defer wg.Done()
		errs[1] = m.closeLegTakerOnly(ctx, m.venues[trade.Leg2.Venue], trade, &trade.Leg2)
	}()
	wg.Wait()
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

// rebalance reduces the larger leg by half the notional drift via a
// POST_ONLY order with IOC fallback, restoring delta balance without a
// full close (spec §4.2 rebalance, grounded on original_source's rebalance
// close module).
func (m *Manager) rebalance(ctx context.Context, trade *types.Trade) error {
	lock := m.lockFor(trade.Symbol)
	lock.Lock()
	defer lock.Unlock()

	n1 := trade.Leg1.Notional()
	n2 := trade.Leg2.Notional()

	var big *types.TradeLeg
	var driftNotional decimal.Decimal
	if n1.GreaterThan(n2) {
		big = &trade.Leg1
		driftNotional = n1.Sub(n2).Div(decimal.NewFromInt(2))
	} else {
		big = &trade.Leg2
		driftNotional = n2.Sub(n1).Div(decimal.NewFromInt(2))
	}
	venue := m.venues[big.Venue]
	if venue == nil || !driftNotional.IsPositive() {
		return nil
	}

	l1, err := venue.GetOrderbookL1(ctx, trade.Symbol)
	if err != nil {
		return fmt.Errorf("rebalance: orderbook: %w", err)
	}
	mid := l1.Mid()
	if mid.IsZero() {
		return fmt.Errorf("rebalance: no valid mid price")
	}

	info, err := venue.GetSymbolInfo(ctx, trade.Symbol)
	if err != nil {
		return fmt.Errorf("rebalance: symbol info: %w", err)
	}
	reduceQty := decimalutil.QuantizeDown(driftNotional.Div(mid), info.StepSize)
	if !reduceQty.IsPositive() {
		return nil
	}

	reduceSide := big.Side.Opposite()
	price := makerPrice(l1, reduceSide, info.TickSize)
	timeout := time.Duration(m.cfg.Trading.CoordinatedCloseMakerTimeoutSeconds) * time.Second

	order, err := venue.PlaceOrder(ctx, core.PlaceOrderRequest{
		Symbol:     trade.Symbol,
		Side:       reduceSide,
		Type:       types.OrderTypeLimit,
		TIF:        types.TIFPostOnly,
		Qty:        reduceQty,
		Price:      price,
		PostOnly:   true,
		ReduceOnly: true,
	})
	if err != nil {
		return fmt.Errorf("rebalance: place maker: %w", err)
	}
	final := m.pollClose(ctx, venue, trade.Symbol, order, time.Now().Add(timeout))

	remaining := reduceQty.Sub(final.FilledQty)
	if remaining.IsPositive() {
		_ = venue.CancelOrder(ctx, trade.Symbol, order.ID)
		if l1, err = venue.GetOrderbookL1(ctx, trade.Symbol); err == nil {
			iocPrice := takerPrice(l1, reduceSide)
			if iocOrder, err := venue.PlaceOrder(ctx, core.PlaceOrderRequest{
				Symbol:     trade.Symbol,
				Side:       reduceSide,
				Type:       types.OrderTypeLimitIOC,
				TIF:        types.TIFIOC,
				Qty:        remaining,
				Price:      iocPrice,
				ReduceOnly: true,
			}); err == nil {
				if iocFinal, err := venue.GetOrder(ctx, trade.Symbol, iocOrder.ID, iocOrder.ClientOrderID); err == nil {
					final.FilledQty = final.FilledQty.Add(iocFinal.FilledQty)
					final.Fee = final.Fee.Add(iocFinal.Fee)
				}
			}
		}
	}

	m.applyRebalanceFill(trade, big, final)
	m.persist(ctx, trade)
	return nil
}

// verifyClose checks live positions on both venues after both legs reach
// terminal states; any residual above the dust threshold is forced closed
// with a taker order and re-verified, up to coordinated_close_soft_close_
// attempts (spec §4.2 close verification).
func (m *Manager) verifyClose(ctx context.Context, trade *types.Trade) error {
	dust := decimal.NewFromFloat(m.cfg.Trading.DustThresholdQty)
	attempts := m.cfg.Trading.CoordinatedCloseSoftCloseAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		residual := false
		for _, leg := range []*types.TradeLeg{&trade.Leg1, &trade.Leg2} {
			venue := m.venues[leg.Venue]
			if venue == nil {
				continue
			}
			pos, err := venue.GetPosition(ctx, trade.Symbol)
			if err != nil || pos == nil || pos.Size.Abs().LessThanOrEqual(dust) {
				continue
			}
			residual = true

			closeSide := types.SideSell
			if pos.Side == types.SideSell {
				closeSide = types.SideBuy
			}
			l1, err := venue.GetOrderbookL1(ctx, trade.Symbol)
			if err != nil {
				continue
			}
			price := takerPrice(l1, closeSide)
			order, err := venue.PlaceOrder(ctx, core.PlaceOrderRequest{
				Symbol:     trade.Symbol,
				Side:       closeSide,
				Type:       types.OrderTypeLimitIOC,
				TIF:        types.TIFIOC,
				Qty:        pos.Size.Abs(),
				Price:      price,
				ReduceOnly: true,
			})
			if err != nil {
				continue
			}
			if final, err := venue.GetOrder(ctx, trade.Symbol, order.ID, order.ClientOrderID); err == nil {
				m.applyCloseFill(trade, leg, final)
			}
		}
		if !residual {
			return nil
		}
	}
	return fmt.Errorf("%w: trade %s", apperrors.ErrCloseVerifyFailed, trade.ID)
}

// closeLegMakerThenIOC submits a POST_ONLY reduce-only order on the close
// side, waits up to timeout, and escalates any unfilled remainder to IOC.
func (m *Manager) closeLegMakerThenIOC(ctx context.Context, venue core.IVenue, trade *types.Trade, leg *types.TradeLeg, timeout time.Duration) error {
	qty := leg.FilledQty
	if !qty.IsPositive() {
		return nil
	}
	closeSide := leg.Side.Opposite()

	info, err := venue.GetSymbolInfo(ctx, trade.Symbol)
	if err != nil {
		return fmt.Errorf("close leg: symbol info: %w", err)
	}
	l1, err := venue.GetOrderbookL1(ctx, trade.Symbol)
	if err != nil {
		return fmt.Errorf("close leg: orderbook: %w", err)
	}
	price := makerPrice(l1, closeSide, info.TickSize)

	order, err := venue.PlaceOrder(ctx, core.PlaceOrderRequest{
		Symbol:     trade.Symbol,
		Side:       closeSide,
		Type:       types.OrderTypeLimit,
		TIF:        types.TIFPostOnly,
		Qty:        qty,
		Price:      price,
		PostOnly:   true,
		ReduceOnly: true,
	})
	if err != nil {
		return fmt.Errorf("close leg: place maker: %w", err)
	}

	final := m.pollClose(ctx, venue, trade.Symbol, order, time.Now().Add(timeout))
	remaining := qty.Sub(final.FilledQty)
	if !remaining.IsPositive() {
		m.applyCloseFill(trade, leg, final)
		return nil
	}

	_ = venue.CancelOrder(ctx, trade.Symbol, order.ID)
	l1, err = venue.GetOrderbookL1(ctx, trade.Symbol)
	if err != nil {
		return fmt.Errorf("close leg: reprice: %w", err)
	}
	iocPrice := takerPrice(l1, closeSide)
	iocOrder, err := venue.PlaceOrder(ctx, core.PlaceOrderRequest{
		Symbol:     trade.Symbol,
		Side:       closeSide,
		Type:       types.OrderTypeLimitIOC,
		TIF:        types.TIFIOC,
		Qty:        remaining,
		Price:      iocPrice,
		ReduceOnly: true,
	})
	if err != nil {
		return fmt.Errorf("close leg: place IOC: %w", err)
	}
	iocFinal, err := venue.GetOrder(ctx, trade.Symbol, iocOrder.ID, iocOrder.ClientOrderID)
	if err != nil {
		return fmt.Errorf("close leg: IOC readback: %w", err)
	}
	final.FilledQty = final.FilledQty.Add(iocFinal.FilledQty)
	final.AvgFillPrice = iocFinal.AvgFillPrice
	final.Fee = final.Fee.Add(iocFinal.Fee)
	m.applyCloseFill(trade, leg, final)
	return nil
}

// closeLegTakerOnly crosses the spread immediately with an IOC, used by the
// early-TP fast close and the second leg of a sequential close.
func (m *Manager) closeLegTakerOnly(ctx context.Context, venue core.IVenue, trade *types.Trade, leg *types.TradeLeg) error {
	qty := leg.FilledQty
	if !qty.IsPositive() {
		return nil
	}
	closeSide := leg.Side.Opposite()
	l1, err := venue.GetOrderbookL1(ctx, trade.Symbol)
	if err != nil {
		return fmt.Errorf("close leg taker: orderbook: %w", err)
	}
	price := takerPrice(l1, closeSide)
	order, err := venue.PlaceOrder(ctx, core.PlaceOrderRequest{
		Symbol:     trade.Symbol,
		Side:       closeSide,
		Type:       types.OrderTypeLimitIOC,
		TIF:        types.TIFIOC,
		Qty:        qty,
		Price:      price,
		ReduceOnly: true,
	})
	if err != nil {
		return fmt.Errorf("close leg taker: place: %w", err)
	}
	final, err := venue.GetOrder(ctx, trade.Symbol, order.ID, order.ClientOrderID)
	if err != nil {
		return fmt.Errorf("close leg taker: readback: %w", err)
	}
	m.applyCloseFill(trade, leg, final)
	return nil
}

// pollClose polls GetOrder until terminal or deadline, consulting the fill
// cache first so a racing WS update short-circuits the poll.
func (m *Manager) pollClose(ctx context.Context, venue core.IVenue, symbol string, order *types.Order, deadline time.Time) *types.Order {
	for {
		if cached, ok := m.md.LookupFill(order.ID); ok {
			return cached
		}
		cur, err := venue.GetOrder(ctx, symbol, order.ID, order.ClientOrderID)
		if err == nil {
			m.md.RecordFill(cur)
			order = cur
			if cur.IsTerminal() {
				return cur
			}
		}
		if time.Now().After(deadline) {
			return order
		}
		select {
		case <-ctx.Done():
			return order
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// applyCloseFill folds a close-order readback into the trade's realized PnL
// and shrinks the leg's remaining open quantity.
func (m *Manager) applyCloseFill(trade *types.Trade, leg *types.TradeLeg, order *types.Order) {
	if order == nil || order.FilledQty.IsZero() {
		return
	}
	leg.ExitPrice = order.AvgFillPrice
	pnl := signedPnL(leg.Side, order.FilledQty, leg.EntryPrice, order.AvgFillPrice)
	trade.RealizedPnL = trade.RealizedPnL.Add(pnl).Sub(order.Fee)
	leg.FilledQty = leg.FilledQty.Sub(order.FilledQty)
	if leg.FilledQty.IsNegative() {
		leg.FilledQty = decimal.Zero
	}
}

// applyRebalanceFill is applyCloseFill's counterpart for a partial reduce:
// it also shrinks the leg's target Qty so future delta checks compare
// against the post-rebalance size.
func (m *Manager) applyRebalanceFill(trade *types.Trade, leg *types.TradeLeg, order *types.Order) {
	m.applyCloseFill(trade, leg, order)
	leg.Qty = leg.FilledQty
}

func makerPrice(l1 types.OrderbookL1, side types.Side, tick decimal.Decimal) decimal.Decimal {
	price := l1.BestBid
	rounding := decimalutil.RoundDown
	if side == types.SideSell {
		price = l1.BestAsk
		rounding = decimalutil.RoundUp
	}
	if price.IsZero() {
		return decimal.Zero
	}
	return decimalutil.QuantizeToTick(price, tick, rounding)
}

func takerPrice(l1 types.OrderbookL1, side types.Side) decimal.Decimal {
	if side == types.SideBuy {
		return l1.BestAsk
	}
	return l1.BestBid
}
