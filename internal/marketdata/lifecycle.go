package marketdata

import (
	"context"
	"sync"
	"time"

	"deltaneutral/internal/core"
	"deltaneutral/pkg/retry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
)

// SubscribeFunc opens a per-symbol WS subscription on one venue and blocks
// until ctx is cancelled or the connection drops.
type SubscribeFunc func(ctx context.Context, symbol string) error

// marketConn tracks one venue+symbol WS subscription's lifecycle: a
// breaker guarding repeated connect failures, last-use time for LRU
// eviction, and the cancel func for the running subscribe goroutine.
type marketConn struct {
	cancel   context.CancelFunc
	breaker  circuitbreaker.CircuitBreaker[any]
	lastUsed time.Time
}

// LifecycleManager opens per-market WS subscriptions lazily on first
// reference, evicts idle ones past TTL, and bounds the connection count
// with an LRU policy, per spec §4.3 "per-market lazy WS lifecycle".
type LifecycleManager struct {
	mu    sync.Mutex
	conns map[string]*marketConn

	maxConns        int
	ttl             time.Duration
	breakerThresh   uint
	breakerCooldown time.Duration

	subscribe SubscribeFunc
	logger    core.ILogger
}

// NewLifecycleManager builds a manager bounded to maxConns concurrent
// subscriptions, each torn down after ttl of no references.
func NewLifecycleManager(maxConns int, ttl time.Duration, breakerThreshold int, breakerCooldown time.Duration, subscribe SubscribeFunc, logger core.ILogger) *LifecycleManager {
	return &LifecycleManager{
		conns:           make(map[string]*marketConn),
		maxConns:        maxConns,
		ttl:             ttl,
		breakerThresh:   uint(breakerThreshold),
		breakerCooldown: breakerCooldown,
		subscribe:       subscribe,
		logger:          logger,
	}
}

// Ensure opens (or refreshes the last-used timestamp of) the subscription
// for venue+symbol. If the breaker for this market is open, Ensure returns
// immediately without attempting to connect.
func (m *LifecycleManager) Ensure(ctx context.Context, venue, symbol string) {
	k := key(venue, symbol)

	m.mu.Lock()
	if c, ok := m.conns[k]; ok {
		c.lastUsed = time.Now()
		m.mu.Unlock()
		return
	}

	if len(m.conns) >= m.maxConns {
		m.evictOldestLocked()
	}

	breaker := circuitbreaker.NewBuilder[any]().
		WithFailureThreshold(m.breakerThresh).
		WithDelay(m.breakerCooldown).
		Build()

	subCtx, cancel := context.WithCancel(ctx)
	conn := &marketConn{cancel: cancel, breaker: breaker, lastUsed: time.Now()}
	m.conns[k] = conn
	m.mu.Unlock()

	go m.run(subCtx, venue, symbol, conn)
}

func (m *LifecycleManager) run(ctx context.Context, venue, symbol string, conn *marketConn) {
	policy := retry.DefaultPolicy
	executor := failsafe.With[any](conn.breaker)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, err := executor.GetWithExecution(func(exec failsafe.Execution[any]) (any, error) {
			return nil, retry.Do(ctx, policy, func(error) bool { return true }, func() error {
				return m.subscribe(ctx, symbol)
			})
		})
		if err != nil {
			m.logger.Warn("market subscription dropped", "venue", venue, "symbol", symbol, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// evictOldestLocked drops the least-recently-used connection to make room
// for a new one. Caller must hold m.mu.
func (m *LifecycleManager) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time
	for k, c := range m.conns {
		if oldestKey == "" || c.lastUsed.Before(oldestTime) {
			oldestKey = k
			oldestTime = c.lastUsed
		}
	}
	if oldestKey != "" {
		m.conns[oldestKey].cancel()
		delete(m.conns, oldestKey)
	}
}

// Sweep tears down connections idle longer than ttl; called periodically.
func (m *LifecycleManager) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for k, c := range m.conns {
		if now.Sub(c.lastUsed) > m.ttl {
			c.cancel()
			delete(m.conns, k)
		}
	}
}

// Shutdown tears down every tracked subscription.
func (m *LifecycleManager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, c := range m.conns {
		c.cancel()
		delete(m.conns, k)
	}
}
