// Package positionmgr evaluates exit rules for open trades, executes close
// and rebalance operations, and tracks broken-hedge state, per spec §4.2.
package positionmgr

import (
	"context"
	"sync"
	"time"

	"deltaneutral/internal/config"
	"deltaneutral/internal/core"
	"deltaneutral/internal/marketdata"
	"deltaneutral/internal/types"
	"deltaneutral/pkg/concurrency"

	"github.com/shopspring/decimal"
)

// CloseResult is the outcome of a single close_trade invocation.
type CloseResult struct {
	Trade  *types.Trade
	Closed bool
	Reason types.CloseReason
	Err    error
}

// Manager drives the Position Manager's periodic check_trades tick and the
// close/rebalance operations it dispatches.
type Manager struct {
	cfg    config.Config
	venues map[string]core.IVenue
	store  core.ITradeStore
	bus    types.EventBus
	md     *marketdata.Store
	opps   core.IOpportunitySource
	logger core.ILogger
	pool   *concurrency.WorkerPool

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	peakMu sync.Mutex
	peak   map[string]decimal.Decimal

	flipMu           sync.Mutex
	fundingFlipSince map[string]time.Time

	rotMu        sync.Mutex
	lastRotation map[string]time.Time
}

// New builds a Position Manager wired to both venues and the bounded
// worker pool used by check_trades (spec §4.2, §5 concurrency model).
func New(cfg config.Config, venues map[string]core.IVenue, store core.ITradeStore, bus types.EventBus, md *marketdata.Store, opps core.IOpportunitySource, logger core.ILogger) *Manager {
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "position_manager",
		MaxWorkers:  cfg.System.CheckTradesPoolWorkers,
		MaxCapacity: cfg.Trading.MaxOpenTrades * 2,
	}, logger)

	return &Manager{
		cfg:              cfg,
		venues:           venues,
		store:            store,
		bus:              bus,
		md:               md,
		opps:             opps,
		logger:           logger,
		pool:             pool,
		locks:            make(map[string]*sync.Mutex),
		peak:             make(map[string]decimal.Decimal),
		fundingFlipSince: make(map[string]time.Time),
		lastRotation:     make(map[string]time.Time),
	}
}

// Shutdown drains the worker pool.
func (m *Manager) Shutdown() {
	m.pool.Stop()
}

func (m *Manager) lockFor(symbol string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	if l, ok := m.locks[symbol]; ok {
		return l
	}
	l := &sync.Mutex{}
	m.locks[symbol] = l
	return l
}

// CheckTrades evaluates all open trades in parallel, bounded by the worker
// pool, verifying CLOSING trades first and only then evaluating exit rules
// on OPEN trades (spec §4.2 check_trades).
func (m *Manager) CheckTrades(ctx context.Context) ([]*types.Trade, error) {
	trades, err := m.store.ListOpenTrades(ctx)
	if err != nil {
		return nil, err
	}

	var closing, open []*types.Trade
	for _, t := range trades {
		if t.Status == types.TradeStatusClosing {
			closing = append(closing, t)
		} else if t.Status == types.TradeStatusOpen {
			open = append(open, t)
		}
	}

	var mu sync.Mutex
	var closed []*types.Trade
	var wg sync.WaitGroup

	for _, t := range closing {
		t := t
		wg.Add(1)
		_ = m.pool.Submit(func() {
			defer wg.Done()
			if err := m.verifyClose(ctx, t); err == nil {
				t.Status = types.TradeStatusClosed
				t.ClosedAt = time.Now()
				m.persist(ctx, t)
				mu.Lock()
				closed = append(closed, t)
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	for _, t := range open {
		t := t
		wg.Add(1)
		_ = m.pool.Submit(func() {
			defer wg.Done()
			decision := m.evaluateExitRules(ctx, t)
			switch {
			case decision.Rebalance:
				if err := m.rebalance(ctx, t); err != nil {
					m.logger.Warn("rebalance failed", "trade_id", t.ID, "symbol", t.Symbol, "error", err)
				}
			case decision.Close:
				res := m.CloseTrade(ctx, t, decision.Reason)
				if res.Closed {
					mu.Lock()
					closed = append(closed, t)
					mu.Unlock()
				}
			}
		})
	}
	wg.Wait()

	return closed, nil
}

// CloseTrade runs the configured close strategy for trade, serialized per
// symbol (spec §4.2 close_trade, §5 per-symbol close lock).
func (m *Manager) CloseTrade(ctx context.Context, trade *types.Trade, reason types.CloseReason) *CloseResult {
	lock := m.lockFor(trade.Symbol)
	lock.Lock()
	defer lock.Unlock()

	if trade.Status == types.TradeStatusClosed {
		return &CloseResult{Trade: trade}
	}

	old := trade.Status
	trade.Status = types.TradeStatusClosing
	trade.CloseReason = reason
	m.publish(trade, old)
	m.persist(ctx, trade)

	var err error
	if reason == types.CloseReasonEarlyTakeProfit {
		err = m.earlyTPFastClose(ctx, trade)
	} else {
		err = m.coordinatedClose(ctx, trade)
		if err != nil {
			m.logger.Warn("coordinated close failed, falling back to sequential close",
				"trade_id", trade.ID, "symbol", trade.Symbol, "error", err)
			err = m.sequentialClose(ctx, trade)
		}
	}
	if err != nil {
		m.logger.Error("close strategy failed", "trade_id", trade.ID, "symbol", trade.Symbol, "error", err)
		m.persist(ctx, trade)
		return &CloseResult{Trade: trade, Err: err}
	}

	if err := m.verifyClose(ctx, trade); err != nil {
		m.logger.Error("close verification failed", "trade_id", trade.ID, "symbol", trade.Symbol, "error", err)
		m.persist(ctx, trade)
		return &CloseResult{Trade: trade, Err: err}
	}

	trade.Status = types.TradeStatusClosed
	trade.ClosedAt = time.Now()
	m.publish(trade, types.TradeStatusClosing)
	m.persist(ctx, trade)
	if m.bus != nil {
		m.bus.Publish(types.TradeClosed{TradeID: trade.ID, RealizedPnL: trade.RealizedPnL})
	}

	m.peakMu.Lock()
	delete(m.peak, trade.ID)
	m.peakMu.Unlock()
	m.flipMu.Lock()
	delete(m.fundingFlipSince, trade.ID)
	m.flipMu.Unlock()

	return &CloseResult{Trade: trade, Closed: true, Reason: reason}
}

// ForceCloseAll closes every currently open trade with the given reason,
// returning the count of trades closed (spec §4.2 force_close_all).
func (m *Manager) ForceCloseAll(ctx context.Context, reason types.CloseReason) (int, error) {
	trades, err := m.store.ListOpenTrades(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, t := range trades {
		if t.Status != types.TradeStatusOpen {
			continue
		}
		if res := m.CloseTrade(ctx, t, reason); res.Closed {
			count++
		}
	}
	return count, nil
}

func (m *Manager) publish(trade *types.Trade, old types.TradeStatus) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(types.TradeStateChanged{
		TradeID:        trade.ID,
		Symbol:         trade.Symbol,
		OldStatus:      old,
		NewStatus:      trade.Status,
		ExecutionState: trade.ExecutionState,
	})
}

func (m *Manager) persist(ctx context.Context, trade *types.Trade) {
	if err := m.store.SaveTrade(ctx, trade); err != nil {
		m.logger.Warn("failed to persist trade", "trade_id", trade.ID, "error", err)
	}
}
