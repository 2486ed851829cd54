package ports

import "errors"

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Gateway Errors. Timeouts and rate limits are retryable on the next tick;
	// rejections are terminal for the current tick.
	ErrGatewayTimeout       = errors.New("exchange gateway timed out")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrConnectionFailed     = errors.New("failed to connect to the exchange")
	ErrGatewayRejected      = errors.New("exchange gateway rejected the request")
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")
	ErrPositionNotFound     = errors.New("position not found on the exchange")
	ErrUnconfirmedFill      = errors.New("order was accepted but no fill was confirmed")

	// Policy Errors
	ErrInsufficientCapital        = errors.New("insufficient capital for operation")
	ErrTierLimitReached           = errors.New("tier position limit reached")
	ErrConcurrentActionInProgress = errors.New("another action is in progress for this position")
	ErrAnchorProtected            = errors.New("anchor positions cannot be fully closed automatically")
	ErrInvalidTransition          = errors.New("lifecycle transition not allowed")
	ErrInvalidReport              = errors.New("invalid position report")
	ErrOpenBlocked                = errors.New("open blocked by market regime")

	// Database Specific Errors
	ErrDuplicateEntry = errors.New("database record already exists")
	ErrQueryFailed    = errors.New("database query failed")
	ErrUpdateFailed   = errors.New("database update failed")
)

// IsRetryable reports whether err is a transient gateway failure that the
// next periodic tick may retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrGatewayTimeout) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrConnectionFailed)
}
