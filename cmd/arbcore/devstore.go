package main

import (
	"context"
	"sort"
	"sync"

	"deltaneutral/internal/core"
	"deltaneutral/internal/types"
)

// memoryTradeStore is a process-local stand-in for the external Trade Store
// collaborator the spec places out of scope (persistence with CRUD +
// metrics is explicitly a Non-goal). It exists only so this binary is
// runnable on its own; a real deployment points the subsystems at a
// networked store implementing core.ITradeStore instead.
type memoryTradeStore struct {
	mu       sync.Mutex
	trades   map[string]*types.Trade
	attempts []types.ExecutionAttempt
	funding  map[string][]types.FundingRate
}

func newMemoryTradeStore() *memoryTradeStore {
	return &memoryTradeStore{
		trades:  make(map[string]*types.Trade),
		funding: make(map[string][]types.FundingRate),
	}
}

func (s *memoryTradeStore) GetTrade(_ context.Context, id string) (*types.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trades[id], nil
}

func (s *memoryTradeStore) ListOpenTrades(_ context.Context) ([]*types.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Trade, 0, len(s.trades))
	for _, t := range s.trades {
		if t.Status == types.TradeStatusOpen || t.Status == types.TradeStatusOpening || t.Status == types.TradeStatusClosing {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryTradeStore) SaveTrade(_ context.Context, trade *types.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades[trade.ID] = trade
	return nil
}

func (s *memoryTradeStore) RecordAttempt(_ context.Context, attempt types.ExecutionAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, attempt)
	return nil
}

func (s *memoryTradeStore) GetFundingHistory(_ context.Context, symbol, venue string, hours int) ([]types.FundingRate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.funding[key(symbol, venue)]
	if len(all) <= hours {
		return all, nil
	}
	return all[len(all)-hours:], nil
}

func key(symbol, venue string) string { return symbol + "|" + venue }

// loggingEventBus publishes events as structured log lines, a stand-in for
// the external event bus (spec §2, §6).
type loggingEventBus struct {
	logger core.ILogger
}

func (b *loggingEventBus) Publish(event types.Event) {
	b.logger.Info("event", "name", event.EventName(), "payload", event)
}

// noopOpportunitySource always reports no opportunities. Opportunity
// discovery/ranking is an external collaborator out of the core's scope
// (spec §1 Non-goals); this stand-in lets the supervisor loop run without
// one wired in.
type noopOpportunitySource struct{}

func (noopOpportunitySource) Next(_ context.Context) (*types.Opportunity, bool) { return nil, false }

func (noopOpportunitySource) Best(_ context.Context, _ []string) (*types.Opportunity, bool) {
	return nil, false
}

var _ core.ITradeStore = (*memoryTradeStore)(nil)
var _ types.EventBus = (*loggingEventBus)(nil)
var _ core.IOpportunitySource = noopOpportunitySource{}
