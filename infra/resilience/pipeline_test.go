package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPipeline() (*Pipeline, *BreakerSet) {
	bs := NewBreakerSet(BreakerConfig{
		SamplingWindow: time.Minute,
		MinSamples:     2,
		FailureRatio:   0.5,
		BreakDuration:  time.Minute,
	})
	p := NewPipeline(bs, RetryConfig{
		MaxRetries:     2,
		BaseDelay:      time.Millisecond,
		AttemptTimeout: time.Second,
	})
	return p, bs
}

func TestPipelineSuccessFirstAttempt(t *testing.T) {
	p, bs := testPipeline()

	calls := 0
	err := p.Execute(context.Background(), "stripe", func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, BreakerClosed, bs.Get("stripe").State())
}

func TestPipelineRetriesTransientFailure(t *testing.T) {
	p, _ := testPipeline()

	calls := 0
	err := p.Execute(context.Background(), "stripe", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPipelineExhaustsRetries(t *testing.T) {
	p, _ := testPipeline()

	calls := 0
	boom := errors.New("i/o timeout")
	err := p.Execute(context.Background(), "stripe", func(ctx context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestPipelinePermanentErrorSkipsRetry(t *testing.T) {
	p, bs := testPipeline()

	calls := 0
	declined := errors.New("card declined")
	err := p.Execute(context.Background(), "stripe", func(ctx context.Context) error {
		calls++
		return Permanent(declined)
	})
	assert.ErrorIs(t, err, declined)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, calls)

	// A provider decision is recorded as breaker success, not failure.
	assert.Equal(t, BreakerClosed, bs.Get("stripe").State())
}

func TestPipelineFailuresTripBreaker(t *testing.T) {
	p, bs := testPipeline()

	_ = p.Execute(context.Background(), "stripe", func(ctx context.Context) error {
		return errors.New("down")
	})
	assert.Equal(t, BreakerOpen, bs.Get("stripe").State())

	// Subsequent calls are refused without invoking fn.
	calls := 0
	err := p.Execute(context.Background(), "stripe", func(ctx context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 0, calls)
}

func TestPipelineAdmitsCallOnceKeepingRetryBudget(t *testing.T) {
	p, bs := testPipeline()

	// Trip the breaker, then move past the break duration so the next call
	// is admitted as the half-open probe.
	cb := bs.Get("stripe")
	cb.RecordFailure()
	cb.RecordFailure()
	require.Equal(t, BreakerOpen, cb.State())
	cb.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	calls := 0
	err := p.Execute(context.Background(), "stripe", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPipelinePerAttemptTimeout(t *testing.T) {
	bs := NewBreakerSet(DefaultBreakerConfig())
	p := NewPipeline(bs, RetryConfig{
		MaxRetries:     0,
		BaseDelay:      time.Millisecond,
		AttemptTimeout: 20 * time.Millisecond,
	})

	err := p.Execute(context.Background(), "slowpay", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPipelineStopsOnCancelledContext(t *testing.T) {
	p, _ := testPipeline()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := p.Execute(ctx, "stripe", func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestPipelineBreakerStateExposure(t *testing.T) {
	p, bs := testPipeline()
	assert.Equal(t, BreakerClosed, p.BreakerState("stripe"))

	cb := bs.Get("stripe")
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, p.BreakerState("stripe"))
}

func TestPermanentNilIsNil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
	assert.False(t, IsPermanent(errors.New("plain")))
	assert.True(t, IsPermanent(Permanent(errors.New("x"))))
}
