// Package base provides common functionality shared by every venue adapter:
// HTTP transport, request signing hooks, rate-limit pacing, and decimal/time
// parsing helpers (spec §4.4).
package base

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"deltaneutral/internal/config"
	"deltaneutral/internal/core"
	"deltaneutral/internal/types"
	"deltaneutral/pkg/retry"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// SignRequestFunc signs an outgoing HTTP request in place.
type SignRequestFunc func(req *http.Request, body []byte) error

// ParseErrorFunc maps a non-2xx response body to a typed error.
type ParseErrorFunc func(statusCode int, body []byte) error

// MapOrderStatusFunc maps a venue-specific status string to types.OrderStatus.
type MapOrderStatusFunc func(rawStatus string) types.OrderStatus

// AccountTier selects the request-rate budget and fee schedule (spec §4.4).
type AccountTier int

const (
	TierStandard AccountTier = iota
	TierPremium
)

// rateBudget returns requests/min, 85% of the venue's documented budget.
func (t AccountTier) rateBudget() float64 {
	switch t {
	case TierPremium:
		return 68
	default:
		return 51
	}
}

func (t AccountTier) backoffBase() time.Duration {
	switch t {
	case TierPremium:
		return 3 * time.Second
	default:
		return 10 * time.Second
	}
}

// Adapter provides common functionality for all venue adapters, wrapped by
// concrete per-venue implementations (lighterstyle, takerstyle).
type Adapter struct {
	Name       string
	Config     config.VenueConfig
	Logger     core.ILogger
	HTTPClient *http.Client

	SignRequest    SignRequestFunc
	ParseError     ParseErrorFunc
	MapOrderStatus MapOrderStatusFunc

	tier    AccountTier
	limiter *rate.Limiter

	mu           sync.Mutex
	tokenIssued  time.Time
	tokenRefresh func(ctx context.Context) error
}

// NewAdapter creates a new base adapter with default transport and pacing.
func NewAdapter(name string, cfg config.VenueConfig, logger core.ILogger) *Adapter {
	a := &Adapter{
		Name:   name,
		Config: cfg,
		Logger: logger.WithField("venue", name),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		tier: TierStandard,
	}
	a.limiter = rate.NewLimiter(rate.Limit(a.tier.rateBudget()/60.0), 1)
	return a
}

// SetTier updates the account tier and its derived rate budget, called once
// initialize() detects the account's tier from metadata.
func (a *Adapter) SetTier(tier AccountTier) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tier = tier
	a.limiter.SetLimit(rate.Limit(tier.rateBudget() / 60.0))
}

// SetTokenRefresher registers the venue-specific auth-token refresh callback
// and records the issue time used to decide proactive refresh (>7h of 8h TTL).
func (a *Adapter) SetTokenRefresher(issuedAt time.Time, fn func(ctx context.Context) error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokenIssued = issuedAt
	a.tokenRefresh = fn
}

// EnsureFreshToken proactively refreshes the auth token once it is older
// than 7 hours (8h documented expiry), per spec §4.4.
func (a *Adapter) EnsureFreshToken(ctx context.Context) error {
	a.mu.Lock()
	issued := a.tokenIssued
	refresh := a.tokenRefresh
	a.mu.Unlock()

	if refresh == nil || issued.IsZero() {
		return nil
	}
	if time.Since(issued) < 7*time.Hour {
		return nil
	}
	if err := refresh(ctx); err != nil {
		return fmt.Errorf("proactive token refresh failed: %w", err)
	}
	a.mu.Lock()
	a.tokenIssued = time.Now()
	a.mu.Unlock()
	return nil
}

// ExecuteRequest runs an HTTP request through rate pacing, signing, transient
// retry with the venue's tiered backoff, and a single reactive token refresh
// on 401 (spec §4.4 rate-limit & auth behavior).
func (a *Adapter) ExecuteRequest(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	policy := retry.RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: a.tier.backoffBase(),
		MaxBackoff:     a.tier.backoffBase() * 8,
	}

	reauthed := false
	var respBody []byte
	err := retry.Do(ctx, policy, isTransientHTTPError, func() error {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		if a.SignRequest != nil {
			if err := a.SignRequest(req, body); err != nil {
				return fmt.Errorf("sign request: %w", err)
			}
		}

		resp, err := a.HTTPClient.Do(req)
		if err != nil {
			return &transientErr{err}
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return &transientErr{fmt.Errorf("read body: %w", err)}
		}

		if resp.StatusCode == http.StatusUnauthorized && !reauthed {
			reauthed = true
			a.mu.Lock()
			refresh := a.tokenRefresh
			a.mu.Unlock()
			if refresh != nil && refresh(ctx) == nil {
				a.mu.Lock()
				a.tokenIssued = time.Now()
				a.mu.Unlock()
				return &transientErr{fmt.Errorf("auth expired, retrying once")}
			}
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return &transientErr{fmt.Errorf("HTTP %d", resp.StatusCode)}
		}

		if resp.StatusCode >= 400 {
			if a.ParseError != nil {
				if perr := a.ParseError(resp.StatusCode, data); perr != nil {
					return perr
				}
			}
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(data))
		}

		respBody = data
		return nil
	})

	return respBody, err
}

type transientErr struct{ err error }

func (t *transientErr) Error() string { return t.err.Error() }
func (t *transientErr) Unwrap() error { return t.err }

func isTransientHTTPError(err error) bool {
	var t *transientErr
	return asTransient(err, &t)
}

func asTransient(err error, target **transientErr) bool {
	for err != nil {
		if te, ok := err.(*transientErr); ok {
			*target = te
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// SafeMapOrderStatus maps a raw venue status string, defaulting to UNKNOWN.
func (a *Adapter) SafeMapOrderStatus(raw string) types.OrderStatus {
	if a.MapOrderStatus != nil {
		return a.MapOrderStatus(raw)
	}
	return types.OrderStatusUnknown
}

// ParseDecimal safely parses a string to decimal, logging and zeroing on failure.
func (a *Adapter) ParseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		a.Logger.Warn("failed to parse decimal", "value", s, "error", err)
		return decimal.Zero
	}
	return d
}

// ParseTimestampMillis safely parses a millisecond epoch timestamp.
func (a *Adapter) ParseTimestampMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
