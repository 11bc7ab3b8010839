// Command arbcore is the thin wiring binary: it loads configuration, builds
// the four subsystems (Execution Engine, Position Manager, Market Data
// Service, Reconciler/safety detector) and drives the supervisor main loop
// of spec §5 until an interrupt or a fatal error triggers shutdown.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"deltaneutral/internal/config"
	"deltaneutral/internal/core"
	"deltaneutral/internal/execution"
	"deltaneutral/internal/marketdata"
	"deltaneutral/internal/positionmgr"
	"deltaneutral/internal/reconcile"
	"deltaneutral/internal/safety"
	"deltaneutral/internal/types"
	"deltaneutral/internal/venue/lighterstyle"
	"deltaneutral/internal/venue/takerstyle"
	"deltaneutral/pkg/logging"
	"deltaneutral/pkg/telemetry"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Exit codes per spec §7.
const (
	exitClean  = 0
	exitFatal  = 1
	exitConfig = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "configs/arbcore.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfig
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		return exitConfig
	}
	defer logger.Sync()

	if cfg.Telemetry.EnableMetrics {
		if err := telemetry.InitMetrics(); err != nil {
			logger.Warn("metrics exporter init failed", "error", err)
		} else {
			logger.Info("metrics exporter initialized", "port", cfg.Telemetry.MetricsPort)
		}
	}

	venues, err := buildVenues(*cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "venue init error: %v\n", err)
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for name, v := range venues {
		if err := v.Initialize(ctx); err != nil {
			logger.Error("venue initialize failed", "venue", name, "error", err)
			return exitFatal
		}
	}

	md := marketdata.NewStore(time.Duration(cfg.WebSocket.FillCacheTTLSeconds) * time.Second)
	lifecycles := make(map[string]*marketdata.LifecycleManager, len(venues))
	for name, v := range venues {
		lifecycles[name] = marketdata.NewLifecycleManager(
			cfg.WebSocket.MaxOrderbookConnections,
			time.Duration(cfg.WebSocket.OrderbookTTLSeconds)*time.Second,
			cfg.WebSocket.CircuitBreakerThreshold,
			time.Duration(cfg.WebSocket.CircuitBreakerCooldownSeconds)*time.Second,
			subscribeFunc(name, v, md),
			logger,
		)
	}
	defer func() {
		for _, lc := range lifecycles {
			lc.Shutdown()
		}
	}()

	store := newMemoryTradeStore()
	bus := &loggingEventBus{logger: logger}
	opps := noopOpportunitySource{}

	leadV, hedgeV, err := leadHedge(venues, cfg.Execution.LeadVenue)
	if err != nil {
		fmt.Fprintf(os.Stderr, "venue init error: %v\n", err)
		return exitConfig
	}

	engine := execution.New(*cfg, leadV, hedgeV, store, bus, md, logger)
	posMgr := positionmgr.New(*cfg, venues, store, bus, md, opps, logger)
	defer posMgr.Shutdown()
	detector := safety.New(cfg.Risk, venues, bus, logger)
	reconciler := reconcile.New(*cfg, venues, store, bus, logger)
	if cfg.System.ReconcileCheckpointPath != "" {
		cp, err := reconcile.OpenCheckpoint(cfg.System.ReconcileCheckpointPath)
		if err != nil {
			logger.Warn("reconcile checkpoint unavailable, sweeping without it", "error", err)
		} else {
			defer cp.Close()
			reconciler = reconciler.WithCheckpoint(cp)
		}
	}

	for _, symbol := range cfg.Trading.Symbols {
		for name, lc := range lifecycles {
			lc.Ensure(ctx, name, symbol)
		}
	}

	startupResult := reconciler.Reconcile(ctx, true)
	logger.Info("startup reconcile complete",
		"zombies_closed", startupResult.ZombiesClosed,
		"ghosts_closed", startupResult.GhostsClosed,
		"ghosts_adopted", startupResult.GhostsAdopted,
		"errors", len(startupResult.Errors))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return opportunityLoop(gctx, cfg, engine, opps, logger) })
	g.Go(func() error { return positionCheckLoop(gctx, cfg, posMgr, detector, logger) })
	g.Go(func() error { return reconcileLoop(gctx, cfg, reconciler, logger) })
	g.Go(func() error { return sweepLoop(gctx, cfg, md, lifecycles) })
	for name, v := range venues {
		name, v := name, v
		g.Go(func() error { return fillFeedLoop(gctx, name, v, md, logger) })
	}

	waitErr := g.Wait()
	if waitErr != nil && ctx.Err() == nil {
		logger.Error("supervisor loop exited with fatal error", "error", waitErr)
		return exitFatal
	}

	logger.Info("shutdown signal received, draining")
	return shutdown(cfg, posMgr, logger)
}

// buildVenues constructs both venue adapters from configuration.
func buildVenues(cfg config.Config, logger core.ILogger) (map[string]core.IVenue, error) {
	venues := make(map[string]core.IVenue, len(cfg.Venues))
	for name, vcfg := range cfg.Venues {
		switch name {
		case "venue_a":
			seed, err := hex.DecodeString(string(vcfg.SecretKey))
			if err != nil || len(seed) != ed25519.SeedSize {
				return nil, fmt.Errorf("venue_a secret_key must be a %d-byte hex-encoded ed25519 seed", ed25519.SeedSize)
			}
			venues[name] = lighterstyle.New(vcfg, logger, ed25519.NewKeyFromSeed(seed))
		case "venue_b":
			venues[name] = takerstyle.New(vcfg, logger)
		default:
			return nil, fmt.Errorf("unrecognized venue %q in configuration", name)
		}
	}
	for _, name := range cfg.App.ActiveVenues {
		if _, ok := venues[name]; !ok {
			return nil, fmt.Errorf("active venue %q has no matching venue configuration", name)
		}
	}
	return venues, nil
}

func leadHedge(venues map[string]core.IVenue, leadName string) (lead, hedge core.IVenue, err error) {
	lead, ok := venues[leadName]
	if !ok {
		return nil, nil, fmt.Errorf("lead_exchange %q not found among configured venues", leadName)
	}
	for name, v := range venues {
		if name != leadName {
			hedge = v
			break
		}
	}
	if hedge == nil {
		return nil, nil, fmt.Errorf("no hedge venue available alongside lead venue %q", leadName)
	}
	return lead, hedge, nil
}

// subscribeFunc adapts one venue's orderbook stream into the Market Data
// Service's local book (spec §4.3). Each venue gets its own LifecycleManager
// bound to its own subscribeFunc closure. The continuity nonce comes from
// the venue's own update message (types.DepthSnapshot.BeginNonce/Nonce,
// parsed off the wire by the adapter) — this closure only tracks whether
// the current subscribe session has seen its first update yet, so that
// first update seeds the book as a snapshot rather than being nonce-checked.
// The depth snapshot's top level also feeds the book's L1 view: exitrules'
// netPnL/basis-convergence checks and BestL1 read L1, not Depth, so both
// must come from this one live feed rather than only the deeper side.
func subscribeFunc(venueName string, v core.IVenue, md *marketdata.Store) marketdata.SubscribeFunc {
	return func(ctx context.Context, symbol string) error {
		first := true
		book := md.Book(venueName, symbol)
		return v.SubscribeOrderbook(ctx, symbol, func(snapshot types.DepthSnapshot) {
			book.ApplyDepth(snapshot, first)
			first = false
			if len(snapshot.Bids) > 0 && len(snapshot.Asks) > 0 {
				book.ApplyL1(types.OrderbookL1{
					Venue:      venueName,
					BestBid:    snapshot.Bids[0].Price,
					BestAsk:    snapshot.Asks[0].Price,
					BidQty:     snapshot.Bids[0].Qty,
					AskQty:     snapshot.Asks[0].Qty,
					UpdateTime: snapshot.UpdateTime,
				})
			}
		})
	}
}

// fillFeedLoop keeps one venue's account-order stream hot so the Market Data
// Service's fill cache (spec §4.3) is populated by push/poll updates instead
// of only by the execution/position-close paths' own direct GetOrder calls.
// SubscribeOrders blocks until ctx is cancelled or returns an error; on an
// error while ctx is still live this re-subscribes after a short backoff
// rather than tearing down the whole supervisor loop.
func fillFeedLoop(ctx context.Context, venueName string, v core.IVenue, md *marketdata.Store, logger core.ILogger) error {
	for {
		err := v.SubscribeOrders(ctx, func(o *types.Order) {
			md.RecordFill(o)
		})
		if ctx.Err() != nil {
			return nil
		}
		logger.Warn("order subscription dropped, resubscribing", "venue", venueName, "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

func opportunityLoop(ctx context.Context, cfg *config.Config, engine *execution.Engine, opps core.IOpportunitySource, logger core.ILogger) error {
	scanInterval := time.Duration(cfg.Trading.CooldownMinutes) * time.Minute / 4
	if scanInterval <= 0 {
		scanInterval = 15 * time.Second
	}
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			active := engine.GetActiveExecutions()
			if len(active) >= cfg.Trading.MaxOpenTrades {
				continue
			}
			opp, ok := opps.Next(ctx)
			if !ok {
				continue
			}
			if opp.APY.LessThan(decimal.NewFromFloat(cfg.Trading.MinAPYFilter)) {
				continue
			}
			trade, err := engine.Execute(ctx, opp)
			if err != nil {
				logger.Warn("execution failed", "symbol", opp.Symbol, "error", err)
				continue
			}
			logger.Info("opened trade", "trade_id", trade.ID, "symbol", trade.Symbol)
		}
	}
}

func positionCheckLoop(ctx context.Context, cfg *config.Config, posMgr *positionmgr.Manager, detector *safety.Detector, logger core.ILogger) error {
	ticker := time.NewTicker(time.Duration(cfg.System.PositionCheckIntervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if detector.Paused() {
				logger.Warn("trading paused: broken-hedge cooldown in effect")
				continue
			}
			closed, err := posMgr.CheckTrades(ctx)
			if err != nil {
				logger.Error("position check failed", "error", err)
				continue
			}
			for _, t := range closed {
				logger.Info("closed trade", "trade_id", t.ID, "reason", t.CloseReason)
			}
		}
	}
}

func reconcileLoop(ctx context.Context, cfg *config.Config, reconciler *reconcile.Reconciler, logger core.ILogger) error {
	ticker := time.NewTicker(time.Duration(cfg.System.ReconcileIntervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res := reconciler.Reconcile(ctx, false)
			if res.ZombiesClosed+res.GhostsClosed+res.GhostsAdopted > 0 || len(res.Errors) > 0 {
				logger.Info("periodic reconcile",
					"zombies_closed", res.ZombiesClosed,
					"ghosts_closed", res.GhostsClosed,
					"ghosts_adopted", res.GhostsAdopted,
					"errors", len(res.Errors))
			}
		}
	}
}

func sweepLoop(ctx context.Context, cfg *config.Config, md *marketdata.Store, lifecycles map[string]*marketdata.LifecycleManager) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			md.Sweep()
			for _, lc := range lifecycles {
				lc.Sweep()
			}
		}
	}
}

// shutdown optionally emergency-closes open positions within the
// configured budget before returning the process's exit code (spec §5:
// "await active executions, optionally emergency-close positions within a
// bounded shutdown budget").
func shutdown(cfg *config.Config, posMgr *positionmgr.Manager, logger core.ILogger) int {
	if !cfg.Shutdown.ClosePositionsOnExit {
		logger.Info("shutdown complete")
		return exitClean
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Shutdown.TimeoutSeconds)*time.Second)
	defer cancel()
	n, err := posMgr.ForceCloseAll(shutdownCtx, types.CloseReasonManual)
	if err != nil {
		logger.Error("shutdown close-all encountered errors", "closed", n, "error", err)
		return exitFatal
	}
	logger.Info("shutdown complete", "positions_closed", n)
	return exitClean
}
