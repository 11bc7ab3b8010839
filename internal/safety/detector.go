// Package safety implements the broken-hedge detector: it watches live
// positions for a presence/absence mismatch across venues, pauses new
// entries once confirmed, and attempts to self-heal by flattening the
// unmatched leg (spec §4.2 broken-hedge detection, §1 emergency safety
// layer).
package safety

import (
	"context"
	"sync"
	"time"

	"deltaneutral/internal/config"
	"deltaneutral/internal/core"
	"deltaneutral/internal/types"
)

type hedgeState struct {
	missingVenue    string
	presentVenue    string
	firstSeen       time.Time
	lastSeen        time.Time
	consecutiveHits int
}

// Detector tracks per-symbol broken-hedge observations and the global
// pause/cooldown state new trade entries must honor.
type Detector struct {
	cfg    config.RiskConfig
	venues map[string]core.IVenue
	bus    types.EventBus
	logger core.ILogger

	mu       sync.Mutex
	states   map[string]*hedgeState
	paused   bool
	pausedAt time.Time
}

// New builds a broken-hedge detector wired to both venue adapters.
func New(cfg config.RiskConfig, venues map[string]core.IVenue, bus types.EventBus, logger core.ILogger) *Detector {
	return &Detector{
		cfg:    cfg,
		venues: venues,
		bus:    bus,
		logger: logger,
		states: make(map[string]*hedgeState),
	}
}

// Observe checks live positions for symbol across the given venue names and
// updates the consecutive-hit counter. Call this periodically for every
// symbol with an open trade (spec §4.2: "consecutive_hits checks across a
// minimum observation window").
func (d *Detector) Observe(ctx context.Context, symbol string, venueNames []string) {
	present := make(map[string]*types.Position)
	for _, name := range venueNames {
		venue, ok := d.venues[name]
		if !ok {
			continue
		}
		pos, err := venue.GetPosition(ctx, symbol)
		if err != nil || pos == nil || pos.Size.IsZero() {
			continue
		}
		present[name] = pos
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if len(present) != 1 {
		delete(d.states, symbol)
		return
	}

	var have, missing string
	for _, name := range venueNames {
		if _, ok := present[name]; ok {
			have = name
		} else {
			missing = name
		}
	}

	st, ok := d.states[symbol]
	if !ok {
		st = &hedgeState{missingVenue: missing, presentVenue: have, firstSeen: time.Now()}
		d.states[symbol] = st
	}
	st.consecutiveHits++
	st.lastSeen = time.Now()

	minObs := time.Duration(d.cfg.BrokenHedgeMinObservationSeconds) * time.Second
	if st.consecutiveHits >= d.cfg.BrokenHedgeConsecutiveHits && time.Since(st.firstSeen) >= minObs {
		d.raise(ctx, symbol, st)
	}
}

// raise pauses new entries, emits BrokenHedgeDetected, and attempts to
// self-heal by flattening the position on the venue that still holds it.
func (d *Detector) raise(ctx context.Context, symbol string, st *hedgeState) {
	d.paused = true
	d.pausedAt = time.Now()
	d.logger.Error("broken hedge detected", "symbol", symbol, "missing_venue", st.missingVenue, "present_venue", st.presentVenue)
	if d.bus != nil {
		d.bus.Publish(types.BrokenHedgeDetected{
			Symbol:       symbol,
			MissingVenue: st.missingVenue,
			PresentVenue: st.presentVenue,
		})
	}

	venue, ok := d.venues[st.presentVenue]
	if !ok {
		return
	}
	pos, err := venue.GetPosition(ctx, symbol)
	if err != nil || pos == nil || pos.Size.IsZero() {
		return
	}
	closeSide := types.SideSell
	if pos.Side == types.SideSell {
		closeSide = types.SideBuy
	}
	l1, err := venue.GetOrderbookL1(ctx, symbol)
	if err != nil {
		d.logger.Error("broken hedge self-heal: orderbook unavailable", "symbol", symbol, "error", err)
		return
	}
	price := l1.BestBid
	if closeSide == types.SideBuy {
		price = l1.BestAsk
	}
	if _, err := venue.PlaceOrder(ctx, core.PlaceOrderRequest{
		Symbol:     symbol,
		Side:       closeSide,
		Type:       types.OrderTypeLimitIOC,
		TIF:        types.TIFIOC,
		Qty:        pos.Size.Abs(),
		Price:      price,
		ReduceOnly: true,
	}); err != nil {
		d.logger.Error("broken hedge self-heal: flatten failed", "symbol", symbol, "error", err)
	}
}

// Paused reports whether new entries are currently blocked. Resumes only
// after the cooldown elapses and every tracked symbol shows a clean
// balanced sweep (spec §4.2: "resume only after a clean all-balanced
// sweep").
func (d *Detector) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.paused {
		return false
	}
	cooldown := time.Duration(d.cfg.BrokenHedgeCooldownSeconds) * time.Second
	if time.Since(d.pausedAt) >= cooldown && len(d.states) == 0 {
		d.paused = false
		return false
	}
	return true
}
