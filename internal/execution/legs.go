package execution

import (
	"context"
	"fmt"
	"time"

	"deltaneutral/internal/core"
	"deltaneutral/internal/types"
	apperrors "deltaneutral/pkg/errors"
	"deltaneutral/pkg/decimalutil"

	"github.com/shopspring/decimal"
)

// executeLeg1 places the maker-first leg as a POST_ONLY limit order and
// dynamically reprices it toward the touch while unfilled, escalating to a
// marketable IOC after leg1_escalate_to_taker_after_seconds if enabled
// (spec §4.1 step 3).
func (e *Engine) executeLeg1(ctx context.Context, trade *types.Trade, opp *types.Opportunity) error {
	l1, err := e.leadV.GetOrderbookL1(ctx, trade.Symbol)
	if err != nil {
		return fmt.Errorf("leg1: orderbook: %w", err)
	}
	info, err := e.leadV.GetSymbolInfo(ctx, trade.Symbol)
	if err != nil {
		return fmt.Errorf("leg1: symbol info: %w", err)
	}

	price := makerPrice(l1, trade.Leg1.Side, info.TickSize)
	if price.IsZero() {
		return fmt.Errorf("%w: no valid maker price for leg1", apperrors.ErrOrderbookStale)
	}

	order, err := e.leadV.PlaceOrder(ctx, core.PlaceOrderRequest{
		Symbol:     trade.Symbol,
		Side:       trade.Leg1.Side,
		Type:       types.OrderTypeLimit,
		TIF:        types.TIFPostOnly,
		Qty:        trade.Leg1.Qty,
		Price:      price,
		PostOnly:   true,
		ReduceOnly: false,
	})
	if err != nil {
		return fmt.Errorf("leg1: place order: %w", err)
	}
	trade.ExecutionState = types.ExecutionStateLeg1Submitted
	trade.Leg1.OrderID = order.ID
	trade.Leg1.ClientOrderID = order.ClientOrderID

	timeout := time.Duration(e.cfg.Execution.MakerOrderTimeoutSeconds) * time.Second
	maxRetries := e.cfg.Execution.MakerOrderMaxRetries
	escalateAfter := time.Duration(e.cfg.Execution.Leg1EscalateAfterSeconds) * time.Second
	start := time.Now()

	for attempt := 0; attempt < maxRetries; attempt++ {
		deadline := time.Now().Add(timeout)
		filled, err := e.pollUntilFilledOrDeadline(ctx, e.leadV, trade.Symbol, order.ID, order.ClientOrderID, deadline)
		if err != nil {
			return fmt.Errorf("leg1: poll: %w", err)
		}
		if filled != nil && filled.FilledQty.IsPositive() {
			e.absorbFill(trade, &trade.Leg1, filled)
		}
		if filled != nil && filled.Status == types.OrderStatusFilled {
			trade.ExecutionState = types.ExecutionStateLeg1Filled
			return nil
		}

		if e.cfg.Execution.Leg1EscalateToTakerEnabled && time.Since(start) >= escalateAfter {
			return e.escalateLeg1ToTaker(ctx, trade)
		}

		_ = e.leadV.CancelOrder(ctx, trade.Symbol, order.ID)
		remaining := trade.Leg1.Remaining()
		if remaining.IsZero() || remaining.LessThanOrEqual(decimal.Zero) {
			trade.ExecutionState = types.ExecutionStateLeg1Filled
			return nil
		}

		l1, err = e.leadV.GetOrderbookL1(ctx, trade.Symbol)
		if err != nil {
			return fmt.Errorf("leg1: reprice orderbook: %w", err)
		}
		price = repriceTowardTouch(l1, trade.Leg1.Side, info.TickSize, e.cfg.Execution.MakerMaxAggressiveness, attempt, maxRetries)
		order, err = e.leadV.PlaceOrder(ctx, core.PlaceOrderRequest{
			Symbol:     trade.Symbol,
			Side:       trade.Leg1.Side,
			Type:       types.OrderTypeLimit,
			TIF:        types.TIFPostOnly,
			Qty:        remaining,
			Price:      price,
			PostOnly:   true,
			ReduceOnly: false,
		})
		if err != nil {
			return fmt.Errorf("leg1: reprice order: %w", err)
		}
		trade.Leg1.OrderID = order.ID
		trade.Leg1.ClientOrderID = order.ClientOrderID
	}

	if trade.Leg1.FilledQty.IsPositive() {
		trade.ExecutionState = types.ExecutionStateLeg1Filled
		return nil
	}
	return fmt.Errorf("%w: leg1 unfilled after %d attempts", apperrors.ErrExecutionAborted, maxRetries)
}

// escalateLeg1ToTaker cancels the resting maker order and crosses the
// spread with an IOC to guarantee a fill (spec §4.1 step 3 escalation).
func (e *Engine) escalateLeg1ToTaker(ctx context.Context, trade *types.Trade) error {
	_ = e.leadV.CancelOrder(ctx, trade.Symbol, trade.Leg1.OrderID)
	remaining := trade.Leg1.Remaining()
	if remaining.LessThanOrEqual(decimal.Zero) {
		trade.ExecutionState = types.ExecutionStateLeg1Filled
		return nil
	}

	l1, err := e.leadV.GetOrderbookL1(ctx, trade.Symbol)
	if err != nil {
		return fmt.Errorf("leg1 escalate: orderbook: %w", err)
	}
	price := takerPrice(l1, trade.Leg1.Side)
	order, err := e.leadV.PlaceOrder(ctx, core.PlaceOrderRequest{
		Symbol:     trade.Symbol,
		Side:       trade.Leg1.Side,
		Type:       types.OrderTypeLimitIOC,
		TIF:        types.TIFIOC,
		Qty:        remaining,
		Price:      price,
		ReduceOnly: false,
	})
	if err != nil {
		return fmt.Errorf("leg1 escalate: place IOC: %w", err)
	}
	final, err := e.leadV.GetOrder(ctx, trade.Symbol, order.ID, order.ClientOrderID)
	if err != nil {
		return fmt.Errorf("leg1 escalate: readback: %w", err)
	}
	e.absorbFill(trade, &trade.Leg1, final)
	if trade.Leg1.FilledQty.IsZero() {
		return fmt.Errorf("%w: leg1 taker escalation produced no fill", apperrors.ErrExecutionAborted)
	}
	trade.ExecutionState = types.ExecutionStateLeg1Filled
	return nil
}

// executeLeg2 hedges the filled Leg1 quantity with a marketable IOC on the
// hedge venue, retrying with widening slippage up to hedge_ioc_max_attempts
// (spec §4.1 step 6).
func (e *Engine) executeLeg2(ctx context.Context, trade *types.Trade) error {
	trade.ExecutionState = types.ExecutionStateLeg2Submitted
	desiredQty := trade.Leg1.FilledQty
	baseSlippage := decimal.NewFromFloat(e.cfg.Execution.TakerOrderSlippage)

	for attempt := 0; attempt < e.cfg.Execution.HedgeIOCMaxAttempts; attempt++ {
		remaining := desiredQty.Sub(trade.Leg2.FilledQty)
		if remaining.LessThanOrEqual(decimal.Zero) {
			return nil
		}

		l1, err := e.hedgeV.GetOrderbookL1(ctx, trade.Symbol)
		if err != nil {
			return fmt.Errorf("leg2: orderbook: %w", err)
		}
		slippage := baseSlippage.Mul(decimal.NewFromInt(int64(attempt + 1)))
		price := slippagePrice(l1, trade.Leg2.Side, slippage)
		if price.IsZero() {
			continue
		}

		order, err := e.hedgeV.PlaceOrder(ctx, core.PlaceOrderRequest{
			Symbol:      trade.Symbol,
			Side:        trade.Leg2.Side,
			Type:        types.OrderTypeLimitIOC,
			TIF:         types.TIFIOC,
			Qty:         remaining,
			Price:       price,
			ReduceOnly:  false,
			SlippageCap: slippage,
		})
		if err != nil {
			e.logger.Warn("leg2 IOC attempt failed", "attempt", attempt, "error", err)
			continue
		}
		final, err := e.hedgeV.GetOrder(ctx, trade.Symbol, order.ID, order.ClientOrderID)
		if err != nil {
			e.logger.Warn("leg2 readback failed", "attempt", attempt, "error", err)
			continue
		}
		e.absorbFill(trade, &trade.Leg2, final)
	}

	if trade.Leg2.FilledQty.IsZero() {
		return fmt.Errorf("%w: leg2 hedge produced no fill after %d attempts", apperrors.ErrExecutionAborted, e.cfg.Execution.HedgeIOCMaxAttempts)
	}
	if !trade.IsDeltaBalanced() {
		return fmt.Errorf("%w: leg2 partial fill %s vs leg1 %s", apperrors.ErrReconcileMismatch, trade.Leg2.FilledQty, trade.Leg1.FilledQty)
	}
	return nil
}

// rollback flattens Leg1 when Leg2 cannot be hedged, the last line of
// defense against a naked position (spec §4.1 step 7).
func (e *Engine) rollback(ctx context.Context, trade *types.Trade, reason string) {
	trade.ExecutionState = types.ExecutionStateRollbackNeeded
	e.logger.Warn("rolling back leg1", "trade_id", trade.ID, "symbol", trade.Symbol, "reason", reason)

	if trade.Leg1.FilledQty.IsZero() {
		trade.ExecutionState = types.ExecutionStateRollbackDone
		trade.Status = types.TradeStatusFailed
		e.publishState(trade, types.TradeStatusOpening)
		e.persist(ctx, trade)
		return
	}

	flattenSide := trade.Leg1.Side.Opposite()
	l1, err := e.leadV.GetOrderbookL1(ctx, trade.Symbol)
	if err != nil {
		e.logger.Error("rollback: failed to fetch orderbook, manual intervention required", "trade_id", trade.ID, "error", err)
		trade.ExecutionState = types.ExecutionStateRollbackNeeded
		trade.Status = types.TradeStatusFailed
		e.publishState(trade, types.TradeStatusOpening)
		e.persist(ctx, trade)
		return
	}

	price := takerPrice(l1, flattenSide)
	order, err := e.leadV.PlaceOrder(ctx, core.PlaceOrderRequest{
		Symbol:     trade.Symbol,
		Side:       flattenSide,
		Type:       types.OrderTypeLimitIOC,
		TIF:        types.TIFIOC,
		Qty:        trade.Leg1.FilledQty,
		Price:      price,
		ReduceOnly: true,
	})
	if err != nil {
		e.logger.Error("rollback: flatten order failed, manual intervention required", "trade_id", trade.ID, "error", err)
		trade.ExecutionState = types.ExecutionStateRollbackNeeded
		trade.Status = types.TradeStatusFailed
		e.publishState(trade, types.TradeStatusOpening)
		e.persist(ctx, trade)
		return
	}

	final, err := e.leadV.GetOrder(ctx, trade.Symbol, order.ID, order.ClientOrderID)
	if err == nil && final.FilledQty.GreaterThanOrEqual(trade.Leg1.FilledQty) {
		trade.ExecutionState = types.ExecutionStateRollbackDone
	} else {
		e.logger.Error("rollback: flatten order incomplete, manual intervention required", "trade_id", trade.ID)
		trade.ExecutionState = types.ExecutionStateRollbackNeeded
	}
	trade.Status = types.TradeStatusFailed
	trade.CloseReason = types.CloseReasonManual
	e.publishState(trade, types.TradeStatusOpening)
	e.persist(ctx, trade)
}

// pollUntilFilledOrDeadline polls GetOrder until terminal or deadline,
// consulting the fill cache first to absorb a WS update that raced ahead.
func (e *Engine) pollUntilFilledOrDeadline(ctx context.Context, venue core.IVenue, symbol, orderID, clientOrderID string, deadline time.Time) (*types.Order, error) {
	for {
		if cached, ok := e.md.LookupFill(orderID); ok {
			return cached, nil
		}
		order, err := venue.GetOrder(ctx, symbol, orderID, clientOrderID)
		if err != nil {
			return nil, err
		}
		e.md.RecordFill(order)
		if order.IsTerminal() {
			return order, nil
		}
		if time.Now().After(deadline) {
			return order, nil
		}
		select {
		case <-ctx.Done():
			return order, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// absorbFill folds a (possibly partial) order readback into a leg,
// preserving the monotonic fee/filled_qty invariants (spec §3 TradeLeg).
func (e *Engine) absorbFill(trade *types.Trade, leg *types.TradeLeg, order *types.Order) {
	if order.FilledQty.GreaterThan(leg.FilledQty) {
		leg.FilledQty = order.FilledQty
		leg.EntryPrice = order.AvgFillPrice
	}
	if order.Fee.GreaterThan(leg.Fees) {
		leg.Fees = order.Fee
	}
	leg.OrderID = order.ID
	leg.ClientOrderID = order.ClientOrderID
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

func slippagePrice(l1 types.OrderbookL1, side types.Side, slippage decimal.Decimal) decimal.Decimal {
	base := takerPrice(l1, side)
	if base.IsZero() {
		return decimal.Zero
	}
	adj := base.Mul(slippage)
	if side == types.SideBuy {
		return base.Add(adj)
	}
	return base.Sub(adj)
}

// repriceTowardTouch nudges the maker price toward the touch each retry,
// capped at maker_max_aggressiveness of the spread, never crossing it
// (spec §4.1 step 3 "dynamic linear repricing").
func repriceTowardTouch(l1 types.OrderbookL1, side types.Side, tick decimal.Decimal, maxAggressiveness float64, attempt, maxRetries int) decimal.Decimal {
	if maxRetries <= 1 {
		return makerPrice(l1, side, tick)
	}
	progress := decimal.NewFromInt(int64(attempt + 1)).Div(decimal.NewFromInt(int64(maxRetries)))
	aggressiveness := decimal.NewFromFloat(maxAggressiveness).Mul(progress)

	spread := l1.BestAsk.Sub(l1.BestBid)
	if side == types.SideBuy {
		price := l1.BestBid.Add(spread.Mul(aggressiveness))
		return decimalutil.QuantizeToTick(price, tick, decimalutil.RoundDown)
	}
	price := l1.BestAsk.Sub(spread.Mul(aggressiveness))
	return decimalutil.QuantizeToTick(price, tick, decimalutil.RoundUp)
}
