package positionmgr

import (
	"context"
	"math"
	"time"

	"deltaneutral/internal/marketdata"
	"deltaneutral/internal/types"

	"github.com/shopspring/decimal"
)

// exitDecision is the result of evaluating the exit-rule layers for one
// open trade (spec §4.2, first-hit-wins with emergency overrides).
type exitDecision struct {
	Close     bool
	Rebalance bool
	Reason    types.CloseReason
}

// evaluateExitRules walks the layered exit rules in priority order:
// Emergency, Profit, Statistical, Opportunity, Time. The emergency layer
// and the early take-profit check bypass min-hold; everything else waits
// for min_hold_seconds.
func (m *Manager) evaluateExitRules(ctx context.Context, trade *types.Trade) exitDecision {
	if d := m.checkDeltaBound(trade); d.Close || d.Rebalance {
		return d
	}
	if m.checkLiquidationDistance(ctx, trade) {
		return exitDecision{Close: true, Reason: types.CloseReasonLiquidationGuard}
	}

	netPnL, _ := m.netPnL(trade)
	exitCost := m.estimateExitCost(trade)

	if m.cfg.Trading.EarlyTPEnabled {
		threshold := m.cfg.Trading.MinProfitExitUSD + m.cfg.Trading.EarlyTPSlippageMult*toFloat(exitCost)
		if toFloat(netPnL) >= threshold {
			return exitDecision{Close: true, Reason: types.CloseReasonEarlyTakeProfit}
		}
	}

	held := time.Since(trade.OpenedAt)
	pastMinHold := held >= time.Duration(m.cfg.Trading.MinHoldSeconds)*time.Second
	if !pastMinHold {
		return exitDecision{}
	}

	if m.cfg.Trading.ATRTrailingEnabled && m.checkATRTrailing(trade, netPnL) {
		return exitDecision{Close: true, Reason: types.CloseReasonATRTrailingStop}
	}
	if toFloat(netPnL) >= m.cfg.Trading.MinProfitExitUSD {
		return exitDecision{Close: true, Reason: types.CloseReasonProfitTarget}
	}

	if m.cfg.Trading.FundingVelocityEnabled && m.checkFundingVelocity(ctx, trade) {
		return exitDecision{Close: true, Reason: types.CloseReasonFundingVelocity}
	}
	if m.cfg.Trading.ZScoreEnabled && m.checkZScore(ctx, trade) {
		return exitDecision{Close: true, Reason: types.CloseReasonZScoreExit}
	}
	if m.cfg.Trading.YieldMaxHours > 0 && m.checkYieldVsCost(trade, exitCost) {
		return exitDecision{Close: true, Reason: types.CloseReasonYieldVsCost}
	}
	if m.cfg.Trading.BasisConvergenceRatio > 0 && m.checkBasisConvergence(ctx, trade, netPnL) {
		return exitDecision{Close: true, Reason: types.CloseReasonBasisConvergence}
	}

	if m.cfg.Trading.OpportunityCostAPYDiff > 0 && m.checkOpportunityRotation(ctx, trade) {
		return exitDecision{Close: true, Reason: types.CloseReasonOpportunityRotate}
	}

	if m.checkFundingFlip(ctx, trade) {
		return exitDecision{Close: true, Reason: types.CloseReasonFundingFlip}
	}
	if m.cfg.Trading.MaxHoldHours > 0 && held.Hours() >= m.cfg.Trading.MaxHoldHours {
		return exitDecision{Close: true, Reason: types.CloseReasonMaxHold}
	}

	return exitDecision{}
}

// checkDeltaBound implements the emergency delta-bound check: beyond
// delta_bound_max_delta_pct drift, rebalance if the drift sits within the
// rebalance band, otherwise close the whole trade (spec §4.2).
func (m *Manager) checkDeltaBound(trade *types.Trade) exitDecision {
	n1 := trade.Leg1.Notional()
	n2 := trade.Leg2.Notional()
	maxN := n1
	if n2.GreaterThan(maxN) {
		maxN = n2
	}
	if maxN.IsZero() {
		return exitDecision{}
	}
	drift := n1.Sub(n2).Abs().Div(maxN)
	maxPct := decimal.NewFromFloat(m.cfg.Trading.DeltaBoundMaxDeltaPct)
	if drift.LessThanOrEqual(maxPct) {
		return exitDecision{}
	}

	minRebal := decimal.NewFromFloat(m.cfg.Trading.RebalanceMinDeltaPct)
	maxRebal := decimal.NewFromFloat(m.cfg.Trading.RebalanceMaxDeltaPct)
	if drift.GreaterThanOrEqual(minRebal) && drift.LessThanOrEqual(maxRebal) {
		return exitDecision{Rebalance: true, Reason: types.CloseReasonDeltaBound}
	}
	return exitDecision{Close: true, Reason: types.CloseReasonDeltaBound}
}

// checkLiquidationDistance closes if either leg's live position is closer
// to its liquidation price than liquidation_distance_min_pct (spec §4.2).
func (m *Manager) checkLiquidationDistance(ctx context.Context, trade *types.Trade) bool {
	thresh := m.cfg.Trading.LiquidationDistanceMinPct
	if thresh <= 0 {
		return false
	}
	for _, leg := range []types.TradeLeg{trade.Leg1, trade.Leg2} {
		venue, ok := m.venues[leg.Venue]
		if !ok {
			continue
		}
		pos, err := venue.GetPosition(ctx, trade.Symbol)
		if err != nil || pos == nil || !pos.HasLiquidationPrice || pos.LiquidationPrice.IsZero() {
			continue
		}
		l1, _ := m.md.Book(leg.Venue, trade.Symbol).L1()
		mark := l1.Mid()
		if mark.IsZero() {
			continue
		}
		dist := mark.Sub(pos.LiquidationPrice).Abs().Div(mark)
		if dist.LessThan(decimal.NewFromFloat(thresh)) {
			return true
		}
	}
	return false
}

// checkATRTrailing implements a profit high-watermark trailing stop. The
// core's external interfaces (spec §6) expose only a funding-rate history,
// not an OHLC price series, so a true ATR cannot be computed here; this
// tracks a trailing stop on net PnL itself once profit clears the
// activation threshold, which is the closest in-spec analogue.
func (m *Manager) checkATRTrailing(trade *types.Trade, netPnL decimal.Decimal) bool {
	activation := decimal.NewFromFloat(m.cfg.Trading.ATRTrailingActivationUSD)
	if netPnL.LessThan(activation) {
		m.peakMu.Lock()
		delete(m.peak, trade.ID)
		m.peakMu.Unlock()
		return false
	}

	m.peakMu.Lock()
	peak, ok := m.peak[trade.ID]
	if !ok || netPnL.GreaterThan(peak) {
		peak = netPnL
	}
	m.peak[trade.ID] = peak
	m.peakMu.Unlock()

	trailMult := decimal.NewFromFloat(m.cfg.Trading.ATRTrailingMultiple)
	drawdownAllowed := peak.Sub(activation).Mul(trailMult)
	if drawdownAllowed.IsNegative() {
		drawdownAllowed = decimal.Zero
	}
	trigger := peak.Sub(drawdownAllowed)
	return netPnL.LessThan(trigger)
}

// checkFundingVelocity flags a leading-indicator APY collapse: a negative
// funding-rate slope whose second difference is also negative (spec §4.2).
func (m *Manager) checkFundingVelocity(ctx context.Context, trade *types.Trade) bool {
	rates, err := m.store.GetFundingHistory(ctx, trade.Symbol, trade.LongVenue(), m.cfg.Trading.FundingVelocityLookbackHours)
	if err != nil || len(rates) < 3 {
		return false
	}
	series := make([]float64, len(rates))
	for i, r := range rates {
		series[i] = toFloat(r.RateHourly)
	}
	n := len(series)
	slope1 := series[n-1] - series[n-2]
	slope0 := series[n-2] - series[n-3]
	accel := slope1 - slope0
	return slope1 < -m.cfg.Trading.FundingVelocityThreshold && accel < 0
}

// checkZScore compares the current net hourly rate against its own
// historical mean/stddev over the lookback window (spec §4.2).
func (m *Manager) checkZScore(ctx context.Context, trade *types.Trade) bool {
	longRates, err := m.store.GetFundingHistory(ctx, trade.Symbol, trade.LongVenue(), m.cfg.Trading.ZScoreLookbackHours)
	if err != nil || len(longRates) < 2 {
		return false
	}
	shortRates, err := m.store.GetFundingHistory(ctx, trade.Symbol, trade.ShortVenue(), m.cfg.Trading.ZScoreLookbackHours)
	if err != nil || len(shortRates) < 2 {
		return false
	}
	n := len(longRates)
	if len(shortRates) < n {
		n = len(shortRates)
	}
	series := make([]float64, n)
	for i := 0; i < n; i++ {
		series[i] = toFloat(shortRates[i].RateHourly) - toFloat(longRates[i].RateHourly)
	}
	mean, std := meanStd(series)
	if std == 0 {
		return false
	}
	current := series[n-1]
	return current < mean-m.cfg.Trading.ZScoreThreshold*std
}

// checkYieldVsCost closes an unholdable position: one where the time to
// recoup the estimated close cost exceeds yield_vs_cost_max_hours.
func (m *Manager) checkYieldVsCost(trade *types.Trade, exitCost decimal.Decimal) bool {
	if !exitCost.IsPositive() {
		return false
	}
	notional := trade.Leg1.Notional()
	if notional.IsZero() {
		notional = trade.TargetNotional
	}
	if trade.EntryAPY.LessThanOrEqual(decimal.Zero) {
		return false
	}
	hourlyIncome := notional.Mul(trade.EntryAPY).Div(decimal.NewFromInt(365 * 24))
	if hourlyIncome.LessThanOrEqual(decimal.Zero) {
		return true
	}
	hoursToCover := exitCost.Div(hourlyIncome)
	return hoursToCover.GreaterThan(decimal.NewFromFloat(m.cfg.Trading.YieldMaxHours))
}

// checkBasisConvergence closes once the entry spread has compressed by at
// least basis_convergence_ratio and the minimum profit has been banked.
func (m *Manager) checkBasisConvergence(ctx context.Context, trade *types.Trade, netPnL decimal.Decimal) bool {
	minProfit := decimal.NewFromFloat(m.cfg.Trading.BasisConvergenceMinProfitUSD)
	if netPnL.LessThan(minProfit) {
		return false
	}
	if trade.EntrySpreadPct.IsZero() {
		return false
	}
	a, _ := m.md.Book(trade.Leg1.Venue, trade.Symbol).L1()
	b, _ := m.md.Book(trade.Leg2.Venue, trade.Symbol).L1()
	var longAsk, shortBid decimal.Decimal
	if trade.Leg1.Side == types.SideBuy {
		longAsk, shortBid = a.BestAsk, b.BestBid
	} else {
		longAsk, shortBid = b.BestAsk, a.BestBid
	}
	current := marketdata.SpreadPct(longAsk, shortBid)
	compression := trade.EntrySpreadPct.Sub(current).Div(trade.EntrySpreadPct)
	return compression.GreaterThanOrEqual(decimal.NewFromFloat(m.cfg.Trading.BasisConvergenceRatio))
}

// checkOpportunityRotation rotates out of the current trade if a better
// opportunity is available and the per-symbol rotation cooldown has
// elapsed (spec §4.2 opportunity layer).
func (m *Manager) checkOpportunityRotation(ctx context.Context, trade *types.Trade) bool {
	if m.opps == nil {
		return false
	}
	m.rotMu.Lock()
	last, ok := m.lastRotation[trade.Symbol]
	m.rotMu.Unlock()
	cooldown := time.Duration(m.cfg.Trading.RotationCooldownMinutes) * time.Minute
	if ok && time.Since(last) < cooldown {
		return false
	}

	best, found := m.opps.Best(ctx, []string{trade.Symbol})
	if !found {
		return false
	}
	diff := decimal.NewFromFloat(m.cfg.Trading.OpportunityCostAPYDiff)
	if best.APY.LessThan(trade.EntryAPY.Add(diff)) {
		return false
	}

	m.rotMu.Lock()
	m.lastRotation[trade.Symbol] = time.Now()
	m.rotMu.Unlock()
	return true
}

// checkFundingFlip closes once the net funding direction has flipped
// against the position and stayed flipped for funding_flip_hours_threshold
// (spec §4.2 time layer).
func (m *Manager) checkFundingFlip(ctx context.Context, trade *types.Trade) bool {
	threshHours := m.cfg.Trading.FundingFlipHoursThresh
	if threshHours <= 0 {
		return false
	}
	longV, okL := m.venues[trade.LongVenue()]
	shortV, okS := m.venues[trade.ShortVenue()]
	if !okL || !okS {
		return false
	}
	longRate, err1 := longV.GetFundingRate(ctx, trade.Symbol)
	shortRate, err2 := shortV.GetFundingRate(ctx, trade.Symbol)
	if err1 != nil || err2 != nil {
		return false
	}
	net := shortRate.RateHourly.Sub(longRate.RateHourly)

	m.flipMu.Lock()
	defer m.flipMu.Unlock()
	if !net.IsNegative() {
		delete(m.fundingFlipSince, trade.ID)
		return false
	}
	since, ok := m.fundingFlipSince[trade.ID]
	if !ok {
		m.fundingFlipSince[trade.ID] = time.Now()
		return false
	}
	return time.Since(since).Hours() >= threshHours
}

// netPnL returns realized + unrealized PnL plus funding collected, net of
// fees booked so far, and the unrealized component alone.
func (m *Manager) netPnL(trade *types.Trade) (net decimal.Decimal, unrealized decimal.Decimal) {
	l1a, _ := m.md.Book(trade.Leg1.Venue, trade.Symbol).L1()
	l1b, _ := m.md.Book(trade.Leg2.Venue, trade.Symbol).L1()

	u1 := signedPnL(trade.Leg1.Side, trade.Leg1.FilledQty, trade.Leg1.EntryPrice, l1a.Mid())
	u2 := signedPnL(trade.Leg2.Side, trade.Leg2.FilledQty, trade.Leg2.EntryPrice, l1b.Mid())
	unrealized = u1.Add(u2)

	fees := trade.Leg1.Fees.Add(trade.Leg2.Fees)
	net = trade.RealizedPnL.Add(unrealized).Add(trade.FundingCollected).Sub(fees)
	return net, unrealized
}

// estimateExitCost approximates the taker slippage cost of an emergency
// close on both legs, used by the profit and yield-vs-cost layers.
func (m *Manager) estimateExitCost(trade *types.Trade) decimal.Decimal {
	notional := trade.Leg1.Notional().Add(trade.Leg2.Notional())
	slippage := decimal.NewFromFloat(m.cfg.Execution.TakerOrderSlippage)
	return notional.Mul(slippage)
}

func signedPnL(side types.Side, qty, entry, mark decimal.Decimal) decimal.Decimal {
	if qty.IsZero() || entry.IsZero() || mark.IsZero() {
		return decimal.Zero
	}
	diff := mark.Sub(entry)
	if side == types.SideSell {
		diff = diff.Neg()
	}
	return diff.Mul(qty)
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func meanStd(series []float64) (mean, std float64) {
	if len(series) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range series {
		sum += v
	}
	mean = sum / float64(len(series))
	var variance float64
	for _, v := range series {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(series))
	std = math.Sqrt(variance)
	return mean, std
}
