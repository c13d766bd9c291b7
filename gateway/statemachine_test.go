package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransitionPayment(t *testing.T) {
	allowed := []struct {
		from, to PaymentStatus
	}{
		{PaymentPending, PaymentProcessing},
		{PaymentProcessing, PaymentCompleted},
		{PaymentProcessing, PaymentFailed},
		{PaymentCompleted, PaymentRefunded},
		{PaymentCompleted, PaymentPartiallyRefunded},
		{PaymentPartiallyRefunded, PaymentPartiallyRefunded},
		{PaymentPartiallyRefunded, PaymentRefunded},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}

	forbidden := []struct {
		from, to PaymentStatus
	}{
		{PaymentPending, PaymentCompleted},
		{PaymentPending, PaymentFailed},
		{PaymentProcessing, PaymentRefunded},
		{PaymentCompleted, PaymentFailed},
		{PaymentCompleted, PaymentProcessing},
		{PaymentFailed, PaymentProcessing},
		{PaymentFailed, PaymentCompleted},
		{PaymentRefunded, PaymentPartiallyRefunded},
		{PaymentRefunded, PaymentRefunded},
		{PaymentPartiallyRefunded, PaymentFailed},
	}
	for _, tc := range forbidden {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s should be forbidden", tc.from, tc.to)
	}
}

func TestValidateTransition(t *testing.T) {
	assert.NoError(t, ValidateTransition(PaymentPending, PaymentProcessing))

	err := ValidateTransition(PaymentFailed, PaymentCompleted)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	assert.Contains(t, err.Error(), "FAILED -> COMPLETED")
}

func TestCanTransitionRefund(t *testing.T) {
	assert.True(t, CanTransitionRefund(RefundPending, RefundProcessing))
	assert.True(t, CanTransitionRefund(RefundProcessing, RefundCompleted))
	assert.True(t, CanTransitionRefund(RefundProcessing, RefundFailed))

	assert.False(t, CanTransitionRefund(RefundPending, RefundCompleted))
	assert.False(t, CanTransitionRefund(RefundCompleted, RefundProcessing))
	assert.False(t, CanTransitionRefund(RefundCompleted, RefundFailed))
	assert.False(t, CanTransitionRefund(RefundFailed, RefundProcessing))
}

func TestPaymentStatusTerminal(t *testing.T) {
	assert.False(t, PaymentPending.Terminal())
	assert.False(t, PaymentProcessing.Terminal())
	assert.True(t, PaymentCompleted.Terminal())
	assert.True(t, PaymentFailed.Terminal())
	assert.True(t, PaymentRefunded.Terminal())
	assert.True(t, PaymentPartiallyRefunded.Terminal())
}
