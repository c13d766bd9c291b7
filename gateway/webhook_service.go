package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/payrelay/payrelay/infra/logger"
	"github.com/payrelay/payrelay/infra/metrics"
	"github.com/payrelay/payrelay/provider"
)

const (
	// webhookRetryBase is the first retry delay; each attempt doubles it up to
	// webhookRetryCap.
	webhookRetryBase = 30 * time.Second
	webhookRetryCap  = time.Hour

	// webhookMaxAttempts bounds processing retries before an event is left
	// FAILED for manual inspection.
	webhookMaxAttempts = 5
)

// WebhookService ingests provider notifications and applies them to payments
// and refunds. Ingest persists first and processes after; a processing
// failure never loses the event.
type WebhookService struct {
	webhooks WebhookRepository
	payments PaymentRepository
	refunds  RefundRepository
	registry *RegistryService
	builder  *AdapterBuilder
	audit    *Auditor
	bus      EventBus
}

// NewWebhookService creates the webhook processor.
func NewWebhookService(
	webhooks WebhookRepository,
	payments PaymentRepository,
	refunds RefundRepository,
	registry *RegistryService,
	builder *AdapterBuilder,
	audit *Auditor,
	bus EventBus,
) *WebhookService {
	return &WebhookService{
		webhooks: webhooks,
		payments: payments,
		refunds:  refunds,
		registry: registry,
		builder:  builder,
		audit:    audit,
		bus:      bus,
	}
}

// Ingest authenticates, deduplicates and persists an incoming webhook, then
// processes it inline. The returned event reflects the post-processing state.
func (s *WebhookService) Ingest(ctx context.Context, providerName string, req provider.WebhookRequest) (*WebhookEvent, error) {
	p, err := s.registry.GetByName(ctx, providerName)
	if err != nil {
		return nil, err
	}

	adapter, err := s.builder.Build(p, nil)
	if err != nil {
		return nil, err
	}

	event := newWebhookEvent(p, req)

	ok, err := adapter.VerifyWebhook(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("verify webhook: %w", err)
	}
	if !ok {
		metrics.WebhooksTotal.WithLabelValues(p.Name, "rejected").Inc()
		logger.Warn("webhook signature rejected", logger.LogContext{
			Provider: p.Name,
			Fields:   map[string]any{"sourceIp": req.SourceIP},
		})
		// Rejected deliveries stay on record for forensics. No retry is
		// scheduled; the row is terminal.
		now := event.CreatedAt
		event.SignatureValidated = false
		event.ProcessingStatus = WebhookFailed
		event.FailedAt = &now
		event.FailureReason = "signature verification failed"
		if err := s.webhooks.Create(ctx, event); err != nil {
			logger.Error("persist rejected webhook", err, logger.LogContext{Provider: p.Name})
		}
		return nil, ErrWebhookSignature
	}

	data, err := adapter.ExtractEvent(req.Body)
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues(p.Name, "malformed").Inc()
		return nil, &ValidationError{Field: "payload", Reason: err.Error()}
	}
	event.ProviderEventID = data.ProviderEventID
	event.EventType = data.EventType

	existing, err := s.webhooks.GetByProviderEventID(ctx, p.ID, data.ProviderEventID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		event.ProcessingStatus = WebhookDuplicate
		if err := s.webhooks.Create(ctx, event); err != nil {
			return nil, fmt.Errorf("persist duplicate webhook: %w", err)
		}
		metrics.WebhooksTotal.WithLabelValues(p.Name, "duplicate").Inc()
		return event, nil
	}

	if err := s.webhooks.Create(ctx, event); err != nil {
		return nil, fmt.Errorf("persist webhook: %w", err)
	}
	metrics.WebhooksTotal.WithLabelValues(p.Name, "accepted").Inc()

	if err := s.Process(ctx, event); err != nil {
		// Already persisted; the retry scheduler picks it up.
		logger.Error("webhook processing failed", err, logger.LogContext{
			Provider: p.Name,
			Fields:   map[string]any{"eventId": event.ID},
		})
	}
	return event, nil
}

// newWebhookEvent builds the persisted form of a raw delivery, before
// verification has decided its fate.
func newWebhookEvent(p *Provider, req provider.WebhookRequest) *WebhookEvent {
	return &WebhookEvent{
		ID:                 uuid.New().String(),
		ProviderID:         p.ID,
		RawPayload:         string(req.Body),
		Signature:          req.Headers["Stripe-Signature"] + req.Headers["X-Omise-Signature"] + req.Headers["X-SCB-Signature"] + req.Headers["Paypal-Transmission-Sig"],
		SignatureValidated: true,
		IPAddress:          req.SourceIP,
		UserAgent:          req.Headers["User-Agent"],
		ProcessingStatus:   WebhookPending,
		CreatedAt:          time.Now().UTC(),
	}
}

// Process applies one persisted webhook event to its payment or refund.
// Failures schedule a retry with exponential backoff until the attempt
// budget is spent.
func (s *WebhookService) Process(ctx context.Context, event *WebhookEvent) error {
	event.ProcessingStatus = WebhookProcessing
	event.ProcessingAttempts++
	if err := s.webhooks.Update(ctx, event); err != nil {
		return err
	}

	if err := s.apply(ctx, event); err != nil {
		s.markFailed(ctx, event, err)
		return err
	}

	now := time.Now().UTC()
	event.ProcessingStatus = WebhookCompleted
	event.ProcessedAt = &now
	event.NextRetryAt = nil
	event.FailureReason = ""
	return s.webhooks.Update(ctx, event)
}

// apply parses the stored payload and advances the referenced transaction.
func (s *WebhookService) apply(ctx context.Context, event *WebhookEvent) error {
	p, err := s.registry.Get(ctx, event.ProviderID)
	if err != nil {
		return err
	}
	adapter, err := s.builder.Build(p, nil)
	if err != nil {
		return err
	}
	data, err := adapter.ExtractEvent([]byte(event.RawPayload))
	if err != nil {
		return fmt.Errorf("extract event: %w", err)
	}

	parsed, _ := json.Marshal(data)
	event.ParsedPayload = string(parsed)

	if data.ProviderRefundID != "" {
		return s.applyRefund(ctx, event, data)
	}
	return s.applyPayment(ctx, event, p, data)
}

func (s *WebhookService) applyPayment(ctx context.Context, event *WebhookEvent, p *Provider, data *provider.WebhookData) error {
	tx, err := s.payments.GetByProviderTransactionID(ctx, data.ProviderTransactionID)
	if err != nil {
		return fmt.Errorf("payment for provider tx %s: %w", data.ProviderTransactionID, err)
	}
	event.PaymentID = tx.ID

	var next PaymentStatus
	switch {
	case data.Status.Settled():
		next = PaymentCompleted
	case data.Status == provider.StatusFailed:
		next = PaymentFailed
	default:
		// Intermediate notification; nothing to move.
		return nil
	}

	if tx.Status == next {
		return nil
	}
	if !CanTransition(tx.Status, next) {
		// Out-of-order delivery against an already-settled payment. The event
		// is stale, not wrong; swallow it.
		logger.Info("ignoring stale webhook transition", logger.LogContext{
			Provider:      p.Name,
			CorrelationID: tx.CorrelationID,
			Fields: map[string]any{
				"paymentId": tx.ID,
				"from":      tx.Status,
				"to":        next,
			},
		})
		return nil
	}

	previous := tx.Status
	tx.Status = next
	tx.UpdatedAt = time.Now().UTC()
	if next.Terminal() && tx.CompletedAt == nil {
		now := tx.UpdatedAt
		tx.CompletedAt = &now
	}
	if err := s.payments.Update(ctx, tx); err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			err = retryStalePayment(ctx, s.payments, tx, next, err)
		}
		if err != nil {
			tx.Status = previous
			return err
		}
	}

	s.audit.WebhookReceived(ctx, tx.ID, tx.CorrelationID, string(previous), string(next), event.EventType)
	metrics.PaymentsTotal.WithLabelValues(tx.ProviderName, string(next)).Inc()

	eventType := EventTypePaymentCompleted
	if next == PaymentFailed {
		eventType = EventTypePaymentFailed
	}
	s.bus.Publish(ctx, DomainEvent{
		Type:          eventType,
		TransactionID: tx.ID,
		ProviderName:  tx.ProviderName,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		Status:        string(next),
		CorrelationID: tx.CorrelationID,
		OccurredAt:    time.Now().UTC(),
	})
	return nil
}

func (s *WebhookService) applyRefund(ctx context.Context, event *WebhookEvent, data *provider.WebhookData) error {
	// Refund webhooks carry the provider's refund id; our refund row stored it
	// when the refund was created, or stays PROCESSING until this arrives.
	r, err := s.refundByProviderRefundID(ctx, data)
	if err != nil {
		return err
	}
	if r == nil {
		// Nothing to correlate yet; retry later in case the refund row is
		// still being written.
		return fmt.Errorf("%w: refund for provider refund %s", ErrNotFound, data.ProviderRefundID)
	}
	event.RefundID = r.ID
	event.PaymentID = r.PaymentTransactionID

	var next RefundStatus
	switch {
	case data.Status.Settled():
		next = RefundCompleted
	case data.Status == provider.StatusFailed:
		next = RefundFailed
	default:
		return nil
	}
	if r.Status == next || !CanTransitionRefund(r.Status, next) {
		return nil
	}

	previous := r.Status
	r.Status = next
	r.UpdatedAt = time.Now().UTC()
	now := r.UpdatedAt
	r.CompletedAt = &now
	if err := s.refunds.Update(ctx, r); err != nil {
		r.Status = previous
		return err
	}
	s.audit.RefundUpdated(ctx, r, previous, "")

	if next == RefundCompleted {
		if err := s.settleParent(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// refundByProviderRefundID scans the payment's refunds for the provider
// refund id carried by the webhook.
func (s *WebhookService) refundByProviderRefundID(ctx context.Context, data *provider.WebhookData) (*RefundTransaction, error) {
	if data.ProviderTransactionID == "" {
		return nil, nil
	}
	tx, err := s.payments.GetByProviderTransactionID(ctx, data.ProviderTransactionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	refunds, err := s.refunds.ListByPayment(ctx, tx.ID)
	if err != nil {
		return nil, err
	}
	for _, r := range refunds {
		if r.ProviderRefundID == data.ProviderRefundID {
			return r, nil
		}
	}
	// Fall back to the oldest refund still waiting on the provider.
	for _, r := range refunds {
		if r.Status == RefundProcessing && r.ProviderRefundID == "" {
			r.ProviderRefundID = data.ProviderRefundID
			return r, nil
		}
	}
	return nil, nil
}

// settleParent recomputes the parent payment's refund state after a refund
// completes via webhook.
func (s *WebhookService) settleParent(ctx context.Context, r *RefundTransaction) error {
	payment, err := s.payments.GetByID(ctx, r.PaymentTransactionID)
	if err != nil {
		return err
	}
	refunds, err := s.refunds.ListByPayment(ctx, payment.ID)
	if err != nil {
		return err
	}
	total := decimal.Zero
	for _, rf := range refunds {
		if rf.Status == RefundCompleted {
			total = total.Add(rf.Amount)
		}
	}

	next := PaymentPartiallyRefunded
	if total.GreaterThanOrEqual(payment.Amount) {
		next = PaymentRefunded
	}
	if payment.Status == next || !CanTransition(payment.Status, next) {
		return nil
	}

	previous := payment.Status
	payment.Status = next
	payment.UpdatedAt = time.Now().UTC()
	if err := s.payments.Update(ctx, payment); err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			err = retryStalePayment(ctx, s.payments, payment, next, err)
		}
		if err != nil {
			payment.Status = previous
			return err
		}
	}
	s.audit.StatusChanged(ctx, payment, previous, "refund settled via webhook", "", "")
	return nil
}

// markFailed records a processing failure and schedules the next retry, or
// parks the event FAILED for good once the attempt budget is spent.
func (s *WebhookService) markFailed(ctx context.Context, event *WebhookEvent, cause error) {
	now := time.Now().UTC()
	event.ProcessingStatus = WebhookFailed
	event.FailedAt = &now
	event.FailureReason = cause.Error()

	if event.ProcessingAttempts < webhookMaxAttempts {
		delay := webhookRetryBase << uint(event.ProcessingAttempts-1)
		if delay > webhookRetryCap {
			delay = webhookRetryCap
		}
		next := now.Add(delay)
		event.NextRetryAt = &next
	} else {
		event.NextRetryAt = nil
		logger.Error("webhook retries exhausted", cause, logger.LogContext{
			Fields: map[string]any{"eventId": event.ID, "attempts": event.ProcessingAttempts},
		})
	}

	if err := s.webhooks.Update(ctx, event); err != nil {
		logger.Error("persist webhook failure", err, logger.LogContext{
			Fields: map[string]any{"eventId": event.ID},
		})
	}
}

// RetryDue processes FAILED events whose retry time has arrived. It returns
// the number of events attempted.
func (s *WebhookService) RetryDue(ctx context.Context, now time.Time, limit int) (int, error) {
	due, err := s.webhooks.ListRetryable(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	for _, event := range due {
		if err := s.Process(ctx, event); err != nil {
			logger.Warn("webhook retry failed", logger.LogContext{
				Fields: map[string]any{"eventId": event.ID, "error": err.Error()},
			})
		}
	}
	return len(due), nil
}

// Cleanup deletes terminally processed events older than the cutoff.
func (s *WebhookService) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.webhooks.DeleteOlderThan(ctx, cutoff)
}

// GetEvent returns a webhook event by id.
func (s *WebhookService) GetEvent(ctx context.Context, id string) (*WebhookEvent, error) {
	return s.webhooks.GetByID(ctx, id)
}
