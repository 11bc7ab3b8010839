// Package reconcile reconciles persisted Trades against live venue
// positions at startup and on a periodic schedule (spec §4.5).
package reconcile

import (
	"context"
	"fmt"
	"time"

	"deltaneutral/internal/config"
	"deltaneutral/internal/core"
	"deltaneutral/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Result is the outcome of one reconcile pass (spec §4.5 contract).
type Result struct {
	ZombiesClosed int
	GhostsClosed  int
	GhostsAdopted int
	Errors        []error
}

// Reconciler compares the Trade Store's OPEN trades against live venue
// positions and resolves any drift.
type Reconciler struct {
	cfg        config.Config
	venues     map[string]core.IVenue
	store      core.ITradeStore
	bus        types.EventBus
	logger     core.ILogger
	checkpoint *Checkpoint
}

// New builds a Reconciler wired to every configured venue.
func New(cfg config.Config, venues map[string]core.IVenue, store core.ITradeStore, bus types.EventBus, logger core.ILogger) *Reconciler {
	return &Reconciler{cfg: cfg, venues: venues, store: store, bus: bus, logger: logger}
}

// WithCheckpoint attaches a local sqlite watermark so a startup sweep right
// after a clean shutdown can skip redundant work. Optional: a Reconciler
// with no checkpoint attached always sweeps in full.
func (r *Reconciler) WithCheckpoint(cp *Checkpoint) *Reconciler {
	r.checkpoint = cp
	return r
}

// Reconcile runs one sweep. startup=true additionally allows ghost
// adoption (feature-flagged); periodic sweeps only flatten ghosts, since
// adopting a position into a fresh Trade outside of startup risks racing
// a trade the Execution Engine is mid-way through opening.
//
// A startup sweep within MinResweepIntervalSeconds of the last recorded
// checkpoint is skipped entirely: a crash-loop restarting every few
// seconds shouldn't hammer both venues' REST endpoints on every boot.
func (r *Reconciler) Reconcile(ctx context.Context, startup bool) Result {
	var res Result

	if startup && r.checkpoint != nil {
		last, err := r.checkpoint.LastSwept(ctx)
		if err != nil {
			r.logger.Warn("reconcile checkpoint read failed, sweeping anyway", "error", err)
		} else if !last.IsZero() && time.Since(last) < time.Duration(r.cfg.System.MinResweepIntervalSeconds)*time.Second {
			r.logger.Info("skipping startup reconcile: within checkpoint cooldown", "last_swept_at", last)
			return res
		}
	}

	trades, err := r.store.ListOpenTrades(ctx)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Errorf("list open trades: %w", err))
		return res
	}

	live := r.fetchLivePositions(ctx, &res)

	openSymbols := make(map[string]bool, len(trades))
	for _, t := range trades {
		if t.Status != types.TradeStatusOpen {
			continue
		}
		openSymbols[t.Symbol] = true

		byVenue := live[t.Symbol]
		_, haveLong := byVenue[t.Leg1.Venue]
		_, haveShort := byVenue[t.Leg2.Venue]

		switch {
		case !haveLong && !haveShort:
			r.closeZombie(ctx, t, &res)
		case haveLong != haveShort:
			reason := fmt.Sprintf("%s present=%v, %s present=%v", t.Leg1.Venue, haveLong, t.Leg2.Venue, haveShort)
			r.logger.Warn("reconcile side mismatch", "trade_id", t.ID, "symbol", t.Symbol, "reason", reason)
			if r.bus != nil {
				r.bus.Publish(types.MaintenanceViolation{TradeID: t.ID, Reason: reason})
			}
		}
	}

	for symbol, byVenue := range live {
		if openSymbols[symbol] {
			continue
		}
		if startup && len(byVenue) == 2 && r.cfg.System.GhostAdoptionEnabled {
			if _, ok := r.adoptGhost(ctx, symbol, byVenue); ok {
				res.GhostsAdopted++
				continue
			}
		}
		for venueName, pos := range byVenue {
			if err := r.flattenGhost(ctx, venueName, pos); err != nil {
				res.Errors = append(res.Errors, err)
				continue
			}
			res.GhostsClosed++
		}
	}

	if r.checkpoint != nil {
		if err := r.checkpoint.Record(ctx, time.Now(), res); err != nil {
			r.logger.Warn("reconcile checkpoint write failed", "error", err)
		}
	}

	return res
}

func (r *Reconciler) fetchLivePositions(ctx context.Context, res *Result) map[string]map[string]*types.Position {
	live := make(map[string]map[string]*types.Position)
	for name, venue := range r.venues {
		positions, err := venue.ListPositions(ctx)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("list positions %s: %w", name, err))
			continue
		}
		for i := range positions {
			p := positions[i]
			if p.Size.IsZero() {
				continue
			}
			if live[p.Symbol] == nil {
				live[p.Symbol] = make(map[string]*types.Position)
			}
			live[p.Symbol][name] = &p
		}
	}
	return live
}

// closeZombie closes a Trade marked OPEN in the store with no corresponding
// live position on either venue (spec §4.5 zombie).
func (r *Reconciler) closeZombie(ctx context.Context, trade *types.Trade, res *Result) {
	trade.Status = types.TradeStatusClosed
	trade.CloseReason = types.CloseReasonZombie
	trade.ClosedAt = time.Now()
	if err := r.store.SaveTrade(ctx, trade); err != nil {
		res.Errors = append(res.Errors, fmt.Errorf("close zombie %s: %w", trade.ID, err))
		return
	}
	if r.bus != nil {
		r.bus.Publish(types.TradeClosed{TradeID: trade.ID, RealizedPnL: trade.RealizedPnL})
	}
	r.logger.Warn("closed zombie trade", "trade_id", trade.ID, "symbol", trade.Symbol)
	res.ZombiesClosed++
}

// adoptGhost folds a delta-neutral pair of unaccounted-for positions into a
// fresh Trade record (spec §4.5 ghost adoption, feature-flagged).
func (r *Reconciler) adoptGhost(ctx context.Context, symbol string, byVenue map[string]*types.Position) (*types.Trade, bool) {
	if len(byVenue) != 2 {
		return nil, false
	}
	names := make([]string, 0, 2)
	for name := range byVenue {
		names = append(names, name)
	}
	p1, p2 := byVenue[names[0]], byVenue[names[1]]
	if p1.Side == p2.Side {
		return nil, false
	}

	maxSize := p1.Size
	if p2.Size.GreaterThan(maxSize) {
		maxSize = p2.Size
	}
	if maxSize.IsZero() {
		return nil, false
	}
	tolerance := decimal.NewFromFloat(r.cfg.Trading.NotionalTolerancePct)
	if p1.Size.Sub(p2.Size).Abs().GreaterThan(maxSize.Mul(tolerance)) {
		return nil, false
	}

	now := time.Now()
	trade := &types.Trade{
		ID:                uuid.NewString(),
		Symbol:            symbol,
		Status:            types.TradeStatusOpen,
		ExecutionState:    types.ExecutionStateComplete,
		CreatedAt:         now,
		OpenedAt:          now,
		TargetQty:         maxSize,
		TargetNotional:    maxSize.Mul(p1.EntryPrice),
		NotionalTolerance: tolerance,
	}
	trade.Leg1 = types.TradeLeg{Venue: names[0], Side: p1.Side, Qty: p1.Size, FilledQty: p1.Size, EntryPrice: p1.EntryPrice}
	trade.Leg2 = types.TradeLeg{Venue: names[1], Side: p2.Side, Qty: p2.Size, FilledQty: p2.Size, EntryPrice: p2.EntryPrice}

	if err := r.store.SaveTrade(ctx, trade); err != nil {
		r.logger.Error("ghost adoption: persist failed", "symbol", symbol, "error", err)
		return nil, false
	}
	r.logger.Info("adopted ghost position pair", "symbol", symbol, "trade_id", trade.ID)
	return trade, true
}

// flattenGhost closes out a position that has no corresponding Trade
// record, the default ghost-handling behavior (spec §4.5).
func (r *Reconciler) flattenGhost(ctx context.Context, venueName string, pos *types.Position) error {
	venue, ok := r.venues[venueName]
	if !ok {
		return fmt.Errorf("flatten ghost: unknown venue %s", venueName)
	}
	closeSide := types.SideSell
	if pos.Side == types.SideSell {
		closeSide = types.SideBuy
	}
	l1, err := venue.GetOrderbookL1(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("flatten ghost %s/%s: orderbook: %w", venueName, pos.Symbol, err)
	}
	price := l1.BestBid
	if closeSide == types.SideBuy {
		price = l1.BestAsk
	}
	if _, err := venue.PlaceOrder(ctx, core.PlaceOrderRequest{
		Symbol:     pos.Symbol,
		Side:       closeSide,
		Type:       types.OrderTypeLimitIOC,
		TIF:        types.TIFIOC,
		Qty:        pos.Size.Abs(),
		Price:      price,
		ReduceOnly: true,
	}); err != nil {
		return fmt.Errorf("flatten ghost %s/%s: %w", venueName, pos.Symbol, err)
	}
	r.logger.Warn("flattened ghost position", "venue", venueName, "symbol", pos.Symbol, "size", pos.Size)
	return nil
}
