package apperrors

import "errors"

// Standardized Exchange Errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrSystemOverload        = errors.New("system overload")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")

	// Core arbitrage errors
	ErrBrokenHedge        = errors.New("broken hedge: position present on exactly one venue")
	ErrOrderbookStale     = errors.New("orderbook depth invalidated pending resync")
	ErrSpreadInverted     = errors.New("spread inverted at preflight")
	ErrInsufficientDepth  = errors.New("insufficient depth for requested size")
	ErrExecutionAborted   = errors.New("execution aborted before any fill")
	ErrRollbackFailed     = errors.New("rollback flatten failed, manual intervention required")
	ErrReconcileMismatch  = errors.New("reconciliation side mismatch detected")
	ErrTradeNotOpen       = errors.New("trade is not in an open state")
	ErrCloseVerifyFailed  = errors.New("residual position remains after soft-close attempts")
)
