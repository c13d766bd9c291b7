package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the gateway core. Handlers translate these into HTTP
// status codes; orchestrators wrap them with context via fmt.Errorf and %w.
var (
	ErrNotFound               = errors.New("resource not found")
	ErrInvalidState           = errors.New("transaction is not in a valid state for this operation")
	ErrInvalidStateTransition = errors.New("status transition not allowed")
	ErrExcessiveAmount        = errors.New("refund amount exceeds refundable balance")
	ErrNoEligibleProvider     = errors.New("no eligible provider for currency")
	ErrConcurrentRequest      = errors.New("another request with the same idempotency key is in progress")
	ErrConcurrentModification = errors.New("transaction was modified concurrently")
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	ErrIdempotencyKeyReuse    = errors.New("idempotency key was already used with a different request body")
	ErrWebhookSignature       = errors.New("webhook signature verification failed")
	ErrRateLimited            = errors.New("rate limit exceeded")
	ErrProviderUnavailable    = errors.New("provider configuration unavailable")
	ErrCircuitOpen            = errors.New("provider circuit is open")
)

// ValidationError carries a field-level validation failure.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ErrorCode maps a domain error to its machine-readable surface code.
func ErrorCode(err error) string {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return "INVALID_ARGUMENT"
	case errors.Is(err, ErrIdempotencyKeyRequired):
		return "IDEMPOTENCY_KEY_REQUIRED"
	case errors.Is(err, ErrIdempotencyKeyReuse):
		return "IDEMPOTENCY_KEY_REUSE"
	case errors.Is(err, ErrConcurrentRequest), errors.Is(err, ErrConcurrentModification):
		return "CONFLICT"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrInvalidStateTransition):
		return "INVALID_STATE"
	case errors.Is(err, ErrExcessiveAmount):
		return "EXCESSIVE_AMOUNT"
	case errors.Is(err, ErrNoEligibleProvider), errors.Is(err, ErrCircuitOpen):
		return "NO_ELIGIBLE_PROVIDER"
	case errors.Is(err, ErrWebhookSignature):
		return "SIGNATURE_INVALID"
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMITED"
	case errors.Is(err, ErrProviderUnavailable):
		return "PROVIDER_UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}

// HTTPStatus maps a domain error to the HTTP status the API edge returns.
func HTTPStatus(err error) int {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, ErrIdempotencyKeyRequired),
		errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrInvalidStateTransition),
		errors.Is(err, ErrExcessiveAmount),
		errors.Is(err, ErrWebhookSignature):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConcurrentRequest),
		errors.Is(err, ErrConcurrentModification),
		errors.Is(err, ErrIdempotencyKeyReuse):
		return http.StatusConflict
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrNoEligibleProvider),
		errors.Is(err, ErrCircuitOpen),
		errors.Is(err, ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
