package gateway

import (
	"context"
	"time"

	"github.com/payrelay/payrelay/infra/logger"
)

// Auditor writes the append-only transaction log. Audit failures are logged
// and swallowed; the state change they describe has already committed and
// must not be rolled back for a missing log row.
type Auditor struct {
	logs LogRepository
}

// NewAuditor creates an auditor over the log repository.
func NewAuditor(logs LogRepository) *Auditor {
	return &Auditor{logs: logs}
}

func (a *Auditor) append(ctx context.Context, l *TransactionLog) {
	l.CreatedAt = time.Now().UTC()
	if err := a.logs.Append(ctx, l); err != nil {
		logger.Error("append audit log", err, logger.LogContext{
			CorrelationID: l.CorrelationID,
			Fields: map[string]any{
				"paymentId": l.PaymentTransactionID,
				"eventType": l.EventType,
			},
		})
	}
}

// PaymentCreated records the creation of a payment transaction.
func (a *Auditor) PaymentCreated(ctx context.Context, t *PaymentTransaction) {
	a.append(ctx, &TransactionLog{
		PaymentTransactionID: t.ID,
		NewStatus:            string(t.Status),
		EventType:            EventPaymentCreated,
		Message:              "payment created via " + t.ProviderName,
		CorrelationID:        t.CorrelationID,
	})
}

// StatusChanged records a payment status transition.
func (a *Auditor) StatusChanged(ctx context.Context, t *PaymentTransaction, previous PaymentStatus, message, providerResponse, errorDetails string) {
	a.append(ctx, &TransactionLog{
		PaymentTransactionID: t.ID,
		PreviousStatus:       string(previous),
		NewStatus:            string(t.Status),
		EventType:            EventStatusUpdated,
		Message:              message,
		ProviderResponse:     providerResponse,
		ErrorDetails:         errorDetails,
		CorrelationID:        t.CorrelationID,
	})
}

// WebhookReceived records a webhook-driven change against its payment.
func (a *Auditor) WebhookReceived(ctx context.Context, paymentID, correlationID string, previous, next, eventType string) {
	a.append(ctx, &TransactionLog{
		PaymentTransactionID: paymentID,
		PreviousStatus:       previous,
		NewStatus:            next,
		EventType:            EventWebhookReceived,
		Message:              "webhook " + eventType,
		CorrelationID:        correlationID,
	})
}

// RefundCreated records the creation of a refund against its payment.
func (a *Auditor) RefundCreated(ctx context.Context, r *RefundTransaction) {
	a.append(ctx, &TransactionLog{
		PaymentTransactionID: r.PaymentTransactionID,
		NewStatus:            string(r.Status),
		EventType:            EventRefundCreated,
		Message:              "refund " + r.ID + " (" + string(r.RefundType) + ") for " + r.Amount.StringFixed(2) + " " + r.Currency,
		CorrelationID:        r.CorrelationID,
	})
}

// RefundUpdated records a refund status change against its payment.
func (a *Auditor) RefundUpdated(ctx context.Context, r *RefundTransaction, previous RefundStatus, errorDetails string) {
	a.append(ctx, &TransactionLog{
		PaymentTransactionID: r.PaymentTransactionID,
		PreviousStatus:       string(previous),
		NewStatus:            string(r.Status),
		EventType:            EventRefundUpdated,
		Message:              "refund " + r.ID,
		ErrorDetails:         errorDetails,
		CorrelationID:        r.CorrelationID,
	})
}

// Trail returns the audit rows for a payment, oldest first.
func (a *Auditor) Trail(ctx context.Context, paymentID string) ([]*TransactionLog, error) {
	return a.logs.ListByPayment(ctx, paymentID)
}
