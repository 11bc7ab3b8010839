// Package execution implements the two-leg delta-neutral open sequence:
// preflight checks, size quantization, a maker-first Leg1 with dynamic
// repricing, a taker-hedge Leg2 with widening slippage, and rollback of
// Leg1 when Leg2 cannot be filled (spec §4.1).
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"deltaneutral/internal/config"
	"deltaneutral/internal/core"
	"deltaneutral/internal/marketdata"
	"deltaneutral/internal/types"
	apperrors "deltaneutral/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Engine drives the open sequence for a single opportunity at a time, per
// symbol (spec §4.1). LeadVenue/HedgeVenue naming mirrors the teacher
// pack's generalized maker/taker venue roles rather than hardcoding which
// physical venue leads.
type Engine struct {
	cfg    config.Config
	leadV  core.IVenue // maker-first leg, e.g. venue_a
	hedgeV core.IVenue // taker-hedge leg, e.g. venue_b
	store  core.ITradeStore
	bus    types.EventBus
	md     *marketdata.Store
	logger core.ILogger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	activeMu sync.RWMutex
	active   map[string]*types.Trade
}

// New builds an Execution Engine wired to the configured lead venue.
func New(cfg config.Config, leadV, hedgeV core.IVenue, store core.ITradeStore, bus types.EventBus, md *marketdata.Store, logger core.ILogger) *Engine {
	return &Engine{
		cfg:    cfg,
		leadV:  leadV,
		hedgeV: hedgeV,
		store:  store,
		bus:    bus,
		md:     md,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
		active: make(map[string]*types.Trade),
	}
}

func (e *Engine) lockFor(symbol string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	if l, ok := e.locks[symbol]; ok {
		return l
	}
	l := &sync.Mutex{}
	e.locks[symbol] = l
	return l
}

// GetActiveExecutions returns trades currently mid-open (spec §4.1).
func (e *Engine) GetActiveExecutions() []*types.Trade {
	e.activeMu.RLock()
	defer e.activeMu.RUnlock()
	out := make([]*types.Trade, 0, len(e.active))
	for _, t := range e.active {
		out = append(out, t)
	}
	return out
}

// Execute opens a delta-neutral pair for the given opportunity. Execution
// is serialized per symbol so overlapping opportunities on the same market
// cannot double-open (spec §4.1 concurrency invariant).
func (e *Engine) Execute(ctx context.Context, opp *types.Opportunity) (*types.Trade, error) {
	if !opp.Valid() {
		return nil, fmt.Errorf("%w: invalid opportunity for %s", apperrors.ErrInvalidOrderParameter, opp.Symbol)
	}

	lock := e.lockFor(opp.Symbol)
	lock.Lock()
	defer lock.Unlock()

	trade := &types.Trade{
		ID:                uuid.NewString(),
		Symbol:            opp.Symbol,
		Status:            types.TradeStatusPending,
		ExecutionState:    types.ExecutionStatePending,
		TargetQty:         opp.SuggestedQty,
		TargetNotional:    opp.SuggestedNotional,
		EntryAPY:          opp.APY,
		CreatedAt:         time.Now(),
		NotionalTolerance: decimal.NewFromFloat(e.cfg.Trading.NotionalTolerancePct),
	}
	trade.Leg1.Venue = e.leadV.Name()
	trade.Leg2.Venue = e.hedgeV.Name()
	// Leg1 buys long and Leg2 sells short when the opportunity's long venue
	// is the lead venue; otherwise the roles invert.
	if opp.LongVenue == e.leadV.Name() {
		trade.Leg1.Side = types.SideBuy
		trade.Leg2.Side = types.SideSell
	} else {
		trade.Leg1.Side = types.SideSell
		trade.Leg2.Side = types.SideBuy
	}

	e.activeMu.Lock()
	e.active[trade.ID] = trade
	e.activeMu.Unlock()
	defer func() {
		e.activeMu.Lock()
		delete(e.active, trade.ID)
		e.activeMu.Unlock()
	}()

	if err := e.recordAttempt(ctx, trade, types.StagePreflight, func() error {
		return e.preflight(ctx, trade, opp)
	}); err != nil {
		trade.Status = types.TradeStatusRejected
		e.publishState(trade, types.TradeStatusPending)
		return trade, err
	}

	qty, err := e.quantize(ctx, trade, opp)
	if err != nil {
		trade.Status = types.TradeStatusRejected
		e.publishState(trade, types.TradeStatusPending)
		return trade, err
	}
	trade.TargetQty = qty
	trade.Leg1.Qty = qty
	trade.Leg2.Qty = qty

	trade.Status = types.TradeStatusOpening
	e.publishState(trade, types.TradeStatusPending)
	e.persist(ctx, trade)

	if err := e.recordAttempt(ctx, trade, types.StageLeg1, func() error {
		return e.executeLeg1(ctx, trade, opp)
	}); err != nil {
		trade.ExecutionState = types.ExecutionStateAborted
		trade.Status = types.TradeStatusFailed
		e.publishState(trade, types.TradeStatusOpening)
		e.persist(ctx, trade)
		return trade, err
	}

	if err := e.recordAttempt(ctx, trade, types.StageHedgeDepthCheck, func() error {
		return e.hedgeDepthPreflight(ctx, trade)
	}); err != nil {
		e.rollback(ctx, trade, err.Error())
		return trade, err
	}

	if err := e.recordAttempt(ctx, trade, types.StageLeg2, func() error {
		return e.executeLeg2(ctx, trade)
	}); err != nil {
		e.rollback(ctx, trade, err.Error())
		return trade, err
	}

	trade.ExecutionState = types.ExecutionStateComplete
	trade.Status = types.TradeStatusOpen
	trade.OpenedAt = time.Now()
	e.publishState(trade, types.TradeStatusOpening)
	e.persist(ctx, trade)

	return trade, nil
}

func (e *Engine) recordAttempt(ctx context.Context, trade *types.Trade, stage types.ExecutionStage, fn func() error) error {
	started := time.Now()
	err := fn()
	status := types.AttemptStatusOK
	reason := ""
	if err != nil {
		status = types.AttemptStatusFailed
		reason = err.Error()
	}
	attempt := types.ExecutionAttempt{
		AttemptID:   uuid.NewString(),
		TradeID:     trade.ID,
		Symbol:      trade.Symbol,
		Stage:       stage,
		Status:      status,
		Reason:      reason,
		StartedAt:   started,
		CompletedAt: time.Now(),
	}
	if rerr := e.store.RecordAttempt(ctx, attempt); rerr != nil {
		e.logger.Warn("failed to persist execution attempt", "error", rerr)
	}
	return err
}

func (e *Engine) publishState(trade *types.Trade, old types.TradeStatus) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(types.TradeStateChanged{
		TradeID:        trade.ID,
		Symbol:         trade.Symbol,
		OldStatus:      old,
		NewStatus:      trade.Status,
		ExecutionState: trade.ExecutionState,
	})
}

func (e *Engine) persist(ctx context.Context, trade *types.Trade) {
	if err := e.store.SaveTrade(ctx, trade); err != nil {
		e.logger.Warn("failed to persist trade", "trade_id", trade.ID, "error", err)
	}
}

// preflight validates balances and the cross-venue spread before
// committing to a size calculation (spec §4.1 step 1).
func (e *Engine) preflight(ctx context.Context, trade *types.Trade, opp *types.Opportunity) error {
	const minRequired = 5.0

	leadBal, err := e.leadV.GetAvailableBalance(ctx, "USD")
	if err != nil {
		return fmt.Errorf("preflight: lead venue balance: %w", err)
	}
	hedgeBal, err := e.hedgeV.GetAvailableBalance(ctx, "USD")
	if err != nil {
		return fmt.Errorf("preflight: hedge venue balance: %w", err)
	}
	min := decimal.NewFromFloat(minRequired)
	if leadBal.LessThan(min) {
		return fmt.Errorf("%w: lead venue balance %s below %s", apperrors.ErrInsufficientFunds, leadBal, min)
	}
	if hedgeBal.LessThan(min) {
		return fmt.Errorf("%w: hedge venue balance %s below %s", apperrors.ErrInsufficientFunds, hedgeBal, min)
	}

	leadL1, err := e.leadV.GetOrderbookL1(ctx, trade.Symbol)
	if err != nil {
		return fmt.Errorf("preflight: lead venue L1: %w", err)
	}
	hedgeL1, err := e.hedgeV.GetOrderbookL1(ctx, trade.Symbol)
	if err != nil {
		return fmt.Errorf("preflight: hedge venue L1: %w", err)
	}

	var longAsk, shortBid decimal.Decimal
	if trade.Leg1.Side == types.SideBuy {
		longAsk, shortBid = leadL1.BestAsk, hedgeL1.BestBid
	} else {
		longAsk, shortBid = hedgeL1.BestAsk, leadL1.BestBid
	}
	// SpreadPct is the short bid's edge over the long ask as a fraction; its
	// negation in percent is the cost of crossing both books, which may be
	// at most max_spread_filter_percent.
	spread := marketdata.SpreadPct(longAsk, shortBid)
	crossCostPct := spread.Neg().Mul(decimal.NewFromInt(100))
	maxSpread := decimal.NewFromFloat(e.cfg.Trading.MaxSpreadFilterPercent)
	if maxSpread.IsPositive() && crossCostPct.GreaterThan(maxSpread) {
		return fmt.Errorf("%w: crossing cost %s%% exceeds max_spread_filter_percent %s%%", apperrors.ErrSpreadInverted, crossCostPct, maxSpread)
	}

	trade.EntrySpreadPct = spread
	return nil
}

// quantize computes the common tradeable quantity respecting both venues'
// step sizes, bumping up to min_qty only when the resulting notional stays
// within max_min_qty_bump_multiple of the target notional (spec §4.1 step
// 2, grounded on the original implementation's est_value-vs-target check).
func (e *Engine) quantize(ctx context.Context, trade *types.Trade, opp *types.Opportunity) (decimal.Decimal, error) {
	leadInfo, err := e.leadV.GetSymbolInfo(ctx, trade.Symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("quantize: lead venue symbol info: %w", err)
	}
	hedgeInfo, err := e.hedgeV.GetSymbolInfo(ctx, trade.Symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("quantize: hedge venue symbol info: %w", err)
	}

	step := leadInfo.StepSize
	if hedgeInfo.StepSize.GreaterThan(step) {
		step = hedgeInfo.StepSize
	}
	minQty := leadInfo.MinQty
	if hedgeInfo.MinQty.GreaterThan(minQty) {
		minQty = hedgeInfo.MinQty
	}

	qty := trade.TargetQty
	if step.IsPositive() {
		units := qty.Div(step).Floor()
		qty = units.Mul(step)
	}

	if qty.GreaterThanOrEqual(minQty) {
		return qty, nil
	}

	mid := opp.L1Snapshot.Mid()
	estValue := minQty.Mul(mid)

	bumpMultiple := decimal.NewFromFloat(e.cfg.Execution.MaxMinQtyBumpMultiple)
	if bumpMultiple.LessThanOrEqual(decimal.NewFromInt(1)) {
		bumpMultiple = decimal.NewFromInt(1)
	}
	maxAllowed := trade.TargetNotional.Mul(bumpMultiple)

	if estValue.IsPositive() && maxAllowed.IsPositive() && estValue.LessThanOrEqual(maxAllowed) {
		e.logger.Warn("bumping quantity to exchange minimum",
			"symbol", trade.Symbol, "from", qty, "to", minQty, "est_value", estValue, "target", trade.TargetNotional)
		return minQty, nil
	}

	return decimal.Zero, fmt.Errorf("%w: qty %s below min %s (est value %s exceeds target %s * %s = %s)",
		apperrors.ErrInsufficientDepth, qty, minQty, estValue, trade.TargetNotional, bumpMultiple, maxAllowed)
}

// hedgeDepthPreflight checks the hedge venue has enough resting depth to
// absorb Leg2's IOC without excessive slippage (spec §4.1 step 5).
func (e *Engine) hedgeDepthPreflight(ctx context.Context, trade *types.Trade) error {
	if !e.cfg.Execution.HedgeDepthPreflightEnabled {
		return nil
	}
	depth, err := e.hedgeV.GetOrderbookDepth(ctx, trade.Symbol, 10)
	if err != nil {
		return fmt.Errorf("hedge depth preflight: %w", err)
	}
	if !depth.DepthOK {
		return fmt.Errorf("%w: hedge venue depth invalidated", apperrors.ErrOrderbookStale)
	}

	levels := depth.Asks
	if trade.Leg2.Side == types.SideSell {
		levels = depth.Bids
	}
	var available decimal.Decimal
	for _, lvl := range levels {
		available = available.Add(lvl.Qty)
	}
	safety := decimal.NewFromFloat(e.cfg.Execution.HedgeDepthPreflightSafetyFactor)
	if safety.LessThanOrEqual(decimal.Zero) {
		safety = decimal.NewFromInt(1)
	}
	required := trade.Leg2.Qty.Mul(safety)
	if available.LessThan(required) {
		return fmt.Errorf("%w: hedge depth %s below required %s", apperrors.ErrInsufficientDepth, available, required)
	}
	return nil
}
