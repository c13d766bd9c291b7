package gateway

import "fmt"

// paymentTransitions is the set of allowed payment status edges.
var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:    {PaymentProcessing},
	PaymentProcessing: {PaymentCompleted, PaymentFailed},
	PaymentCompleted:  {PaymentRefunded, PaymentPartiallyRefunded},
	PaymentPartiallyRefunded: {
		PaymentPartiallyRefunded,
		PaymentRefunded,
	},
}

// CanTransition reports whether prev -> next is an allowed payment edge.
func CanTransition(prev, next PaymentStatus) bool {
	for _, allowed := range paymentTransitions[prev] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidStateTransition for a disallowed edge.
func ValidateTransition(prev, next PaymentStatus) error {
	if !CanTransition(prev, next) {
		return fmt.Errorf("%s -> %s: %w", prev, next, ErrInvalidStateTransition)
	}
	return nil
}

// refundTransitions is the set of allowed refund status edges.
var refundTransitions = map[RefundStatus][]RefundStatus{
	RefundPending:    {RefundProcessing},
	RefundProcessing: {RefundCompleted, RefundFailed},
}

// CanTransitionRefund reports whether prev -> next is an allowed refund edge.
func CanTransitionRefund(prev, next RefundStatus) bool {
	for _, allowed := range refundTransitions[prev] {
		if allowed == next {
			return true
		}
	}
	return false
}
