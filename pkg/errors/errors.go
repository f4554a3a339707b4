package apperrors

import "errors"

// Precondition errors. Rejected synchronously, never retried.
var (
	ErrNoPosition          = errors.New("no position for symbol")
	ErrProfitNotTriggered  = errors.New("first-stage take-profit not triggered")
	ErrDuplicateSession    = errors.New("active grid session already exists")
	ErrInvalidCenterPrice  = errors.New("invalid center price")
	ErrInvalidSessionParam = errors.New("invalid grid session parameter")
	ErrLockTimeout         = errors.New("lock acquire timed out")
	ErrSessionNotFound     = errors.New("grid session not found")
	ErrPendingOrderExists  = errors.New("pending sell order exists for symbol")
	ErrInsufficientVolume  = errors.New("insufficient volume for a round lot")
	ErrAutoTradingDisabled = errors.New("auto trading disabled")
)

// Broker and market-data errors.
var (
	ErrOrderRejected          = errors.New("order rejected")
	ErrOrderNotFound          = errors.New("order not found")
	ErrRateLimitExceeded      = errors.New("rate limit exceeded")
	ErrNetwork                = errors.New("network error")
	ErrBrokerUnavailable      = errors.New("broker gateway unavailable")
	ErrMarketDataUnavailable  = errors.New("market data unavailable")
	ErrCircuitOpen            = errors.New("market data circuit breaker open")
	ErrAuthenticationFailed   = errors.New("authentication failed")
	ErrInvalidOrderParameter  = errors.New("invalid order parameter")
	ErrSeqResolutionTimedOut  = errors.New("order sequence resolution timed out")
)

// Store errors.
var (
	ErrStoreClosed = errors.New("state store closed")
)

// ReasonCode maps precondition errors to the stable codes returned by
// the web API. Unknown errors map to "internal_error".
func ReasonCode(err error) string {
	switch {
	case errors.Is(err, ErrNoPosition):
		return "no_position"
	case errors.Is(err, ErrProfitNotTriggered):
		return "profit_not_triggered"
	case errors.Is(err, ErrDuplicateSession):
		return "duplicate_session"
	case errors.Is(err, ErrInvalidCenterPrice):
		return "invalid_center_price"
	case errors.Is(err, ErrInvalidSessionParam):
		return "invalid_session_param"
	case errors.Is(err, ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, ErrPendingOrderExists):
		return "pending_order_exists"
	case errors.Is(err, ErrInsufficientVolume):
		return "insufficient_volume"
	case errors.Is(err, ErrAutoTradingDisabled):
		return "auto_trading_disabled"
	default:
		return "internal_error"
	}
}
