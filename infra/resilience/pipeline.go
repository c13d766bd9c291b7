package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/payrelay/payrelay/infra/logger"
)

// ErrCircuitOpen is returned without calling the provider when the breaker for
// the target key refuses the call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// permanentError marks a failure that must not be retried (provider 4xx,
// validation rejections).
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the retry policy gives up immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked non-retryable.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// RetryConfig tunes the retry policy.
type RetryConfig struct {
	MaxRetries     int
	BaseDelay      time.Duration
	AttemptTimeout time.Duration
}

// DefaultRetryConfig returns the standard retry tuning.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		BaseDelay:      time.Second,
		AttemptTimeout: 30 * time.Second,
	}
}

// Pipeline composes breaker -> retry -> per-attempt timeout around outbound
// provider calls, keyed per provider/region.
type Pipeline struct {
	breakers *BreakerSet
	retry    RetryConfig
}

// NewPipeline creates a pipeline over the given breaker set.
func NewPipeline(breakers *BreakerSet, retry RetryConfig) *Pipeline {
	if retry.MaxRetries == 0 && retry.BaseDelay == 0 {
		retry = DefaultRetryConfig()
	}
	return &Pipeline{breakers: breakers, retry: retry}
}

// BreakerState exposes the breaker state for a key; the routing engine skips
// providers whose breaker is open.
func (p *Pipeline) BreakerState(key string) BreakerState {
	return p.breakers.Get(key).State()
}

// Execute runs fn under the composite policy. The breaker admits or refuses
// the call once, up front; the retry loop then owns every attempt, so a call's
// own transient failures never cut its retry budget short. Each attempt result
// still feeds the breaker window for subsequent calls.
func (p *Pipeline) Execute(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	cb := p.breakers.Get(key)
	if !cb.Allow() {
		return ErrCircuitOpen
	}

	var lastErr error
	for attempt := 0; attempt <= p.retry.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, p.retry.AttemptTimeout)
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			cb.RecordSuccess()
			return nil
		}

		if IsPermanent(err) {
			// Provider made a decision; not a health signal.
			cb.RecordSuccess()
			return err
		}

		cb.RecordFailure()
		lastErr = err

		if attempt < p.retry.MaxRetries {
			delay := p.backoff(attempt)
			logger.Warn("provider call failed, retrying", logger.LogContext{
				Provider: key,
				Fields: map[string]any{
					"attempt": attempt + 1,
					"delay":   delay.String(),
					"error":   err.Error(),
				},
			})
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return lastErr
			}
		}
	}
	return lastErr
}

// backoff returns baseDelay * 2^attempt with up to 25% jitter.
func (p *Pipeline) backoff(attempt int) time.Duration {
	delay := p.retry.BaseDelay << uint(attempt)
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}
