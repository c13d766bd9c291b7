package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/payrelay/payrelay/infra/idempotency"
	"github.com/payrelay/payrelay/infra/logger"
	"github.com/payrelay/payrelay/infra/metrics"
	"github.com/payrelay/payrelay/infra/resilience"
	"github.com/payrelay/payrelay/provider"
)

// RefundService orchestrates refunds against completed payments: idempotency
// gate, cumulative amount accounting, provider call under the resilience
// pipeline and the parent payment's refund transitions.
type RefundService struct {
	refunds  RefundRepository
	payments PaymentRepository
	registry *RegistryService
	builder  *AdapterBuilder
	pipeline *resilience.Pipeline
	idem     idempotency.Store
	audit    *Auditor
	bus      EventBus

	lockTTL   time.Duration
	lockWait  time.Duration
	resultTTL time.Duration
}

// RefundServiceConfig wires a refund service.
type RefundServiceConfig struct {
	Refunds  RefundRepository
	Payments PaymentRepository
	Registry *RegistryService
	Builder  *AdapterBuilder
	Pipeline *resilience.Pipeline
	Idem     idempotency.Store
	Audit    *Auditor
	Bus      EventBus

	LockTTL   time.Duration
	LockWait  time.Duration
	ResultTTL time.Duration
}

// NewRefundService creates the refund orchestrator.
func NewRefundService(cfg RefundServiceConfig) *RefundService {
	if cfg.LockTTL == 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.LockWait == 0 {
		cfg.LockWait = 5 * time.Second
	}
	if cfg.ResultTTL == 0 {
		cfg.ResultTTL = idempotency.DefaultResultTTL
	}
	return &RefundService{
		refunds:   cfg.Refunds,
		payments:  cfg.Payments,
		registry:  cfg.Registry,
		builder:   cfg.Builder,
		pipeline:  cfg.Pipeline,
		idem:      cfg.Idem,
		audit:     cfg.Audit,
		bus:       cfg.Bus,
		lockTTL:   cfg.LockTTL,
		lockWait:  cfg.LockWait,
		resultTTL: cfg.ResultTTL,
	}
}

// CreateRefundInput is the request to refund a payment. A zero Amount means a
// full refund of the remaining balance. RefundType may declare "full" or
// "partial"; left empty it is derived from the amount.
type CreateRefundInput struct {
	PaymentID      string
	IdempotencyKey string
	Amount         decimal.Decimal
	RefundType     string
	Reason         string
	CorrelationID  string
}

func (in *CreateRefundInput) validate() error {
	if in.IdempotencyKey == "" {
		return ErrIdempotencyKeyRequired
	}
	if in.PaymentID == "" {
		return &ValidationError{Field: "paymentId", Reason: "must not be empty"}
	}
	if in.Amount.IsNegative() {
		return &ValidationError{Field: "amount", Reason: "must not be negative"}
	}
	switch in.RefundType {
	case "", "full", "partial":
	default:
		return &ValidationError{Field: "refundType", Reason: `must be "full" or "partial"`}
	}
	if in.RefundType == "partial" && in.Amount.IsZero() {
		return &ValidationError{Field: "amount", Reason: "partial refund requires an amount"}
	}
	return nil
}

type storedRefund struct {
	*RefundTransaction
	IdempotencyKey string `json:"idempotencyKey"`
}

// CreateRefund runs the full refund flow.
func (s *RefundService) CreateRefund(ctx context.Context, in CreateRefundInput) (r *RefundTransaction, replayed bool, err error) {
	if err := in.validate(); err != nil {
		return nil, false, err
	}

	if r, err := s.replay(ctx, in.IdempotencyKey); err != nil || r != nil {
		return r, r != nil, err
	}

	acquired, err := s.idem.AcquireLock(ctx, idempotency.OpRefund, in.IdempotencyKey, s.lockTTL)
	if err != nil {
		return nil, false, fmt.Errorf("acquire idempotency lock: %w", err)
	}
	if !acquired {
		return s.awaitResult(ctx, in.IdempotencyKey)
	}
	defer func() {
		if rerr := s.idem.ReleaseLock(context.WithoutCancel(ctx), idempotency.OpRefund, in.IdempotencyKey); rerr != nil {
			logger.Warn("release idempotency lock", logger.LogContext{
				CorrelationID: in.CorrelationID,
				Fields:        map[string]any{"error": rerr.Error()},
			})
		}
	}()

	if r, err := s.replay(ctx, in.IdempotencyKey); err != nil || r != nil {
		return r, r != nil, err
	}

	r, err = s.process(ctx, in)
	if err != nil {
		return nil, false, err
	}

	s.storeResult(ctx, r)
	return r, false, nil
}

func (s *RefundService) replay(ctx context.Context, key string) (*RefundTransaction, error) {
	data, err := s.idem.GetResult(ctx, idempotency.OpRefund, key)
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	var r *RefundTransaction
	if data != nil {
		stored := storedRefund{RefundTransaction: &RefundTransaction{}}
		if err := json.Unmarshal(data, &stored); err != nil {
			return nil, fmt.Errorf("decode stored result: %w", err)
		}
		r = stored.RefundTransaction
		r.IdempotencyKey = stored.IdempotencyKey
	} else {
		r, err = s.refunds.GetByIdempotencyKey(ctx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if r == nil {
		return nil, nil
	}
	metrics.IdempotentReplays.WithLabelValues(string(idempotency.OpRefund)).Inc()
	return r, nil
}

func (s *RefundService) awaitResult(ctx context.Context, key string) (*RefundTransaction, bool, error) {
	deadline := time.Now().Add(s.lockWait)
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-ticker.C:
		}
		r, err := s.replay(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if r != nil {
			return r, true, nil
		}
	}
	return nil, false, ErrConcurrentRequest
}

// process validates the refundable balance, persists the refund and drives
// the provider call.
func (s *RefundService) process(ctx context.Context, in CreateRefundInput) (*RefundTransaction, error) {
	payment, err := s.payments.GetByID(ctx, in.PaymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != PaymentCompleted && payment.Status != PaymentPartiallyRefunded {
		return nil, fmt.Errorf("%w: payment is %s", ErrInvalidState, payment.Status)
	}

	refunded, err := s.refundedTotal(ctx, payment.ID)
	if err != nil {
		return nil, err
	}
	remaining := payment.Amount.Sub(refunded)

	amount := in.Amount
	if amount.IsZero() {
		amount = remaining
	}
	if amount.GreaterThan(remaining) {
		return nil, fmt.Errorf("%w: requested %s, refundable %s %s",
			ErrExcessiveAmount, amount.StringFixed(2), remaining.StringFixed(2), payment.Currency)
	}

	// A refund that clears the remaining balance is full, even after earlier
	// partials. A declared "full" must match that balance exactly.
	refundType := RefundPartial
	if amount.Equal(remaining) {
		refundType = RefundFull
	}
	switch in.RefundType {
	case "full":
		if !amount.Equal(remaining) {
			return nil, &ValidationError{Field: "amount", Reason: fmt.Sprintf(
				"full refund must equal the refundable %s %s", remaining.StringFixed(2), payment.Currency)}
		}
	case "partial":
		refundType = RefundPartial
	}

	now := time.Now().UTC()
	r := &RefundTransaction{
		ID:                   uuid.New().String(),
		IdempotencyKey:       in.IdempotencyKey,
		PaymentTransactionID: payment.ID,
		ProviderID:           payment.ProviderID,
		Amount:               amount,
		Currency:             payment.Currency,
		Status:               RefundPending,
		RefundType:           refundType,
		Reason:               in.Reason,
		CorrelationID:        in.CorrelationID,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.refunds.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("persist refund: %w", err)
	}
	s.audit.RefundCreated(ctx, r)
	s.bus.Publish(ctx, DomainEvent{
		Type:          EventTypeRefundCreated,
		TransactionID: payment.ID,
		RefundID:      r.ID,
		ProviderName:  payment.ProviderName,
		Amount:        r.Amount,
		Currency:      r.Currency,
		Status:        string(r.Status),
		CorrelationID: r.CorrelationID,
		OccurredAt:    now,
	})

	if err := s.transitionRefund(ctx, r, RefundProcessing, ""); err != nil {
		return nil, err
	}

	defer func() {
		metrics.RefundsTotal.WithLabelValues(payment.ProviderName, string(r.Status)).Inc()
	}()

	resp, err := s.execute(ctx, payment, r)
	if err != nil {
		if resilience.IsPermanent(err) {
			r.ErrorMessage = err.Error()
			if terr := s.transitionRefund(ctx, r, RefundFailed, err.Error()); terr != nil {
				return nil, terr
			}
			s.publish(ctx, payment, r, EventTypeRefundFailed)
			return r, nil
		}
		// Transport failure after retries: the provider may or may not have
		// received the refund. The refund stays PROCESSING for the webhook or
		// a later reconciliation to resolve.
		logger.Error("refund outcome unknown after retries", err, logger.LogContext{
			CorrelationID: r.CorrelationID,
			Provider:      payment.ProviderName,
			Fields:        map[string]any{"refundId": r.ID},
		})
		return r, nil
	}

	r.ProviderRefundID = resp.ProviderRefundID
	if !resp.Success {
		r.ErrorMessage = resp.ErrorMessage
		if err := s.transitionRefund(ctx, r, RefundFailed, resp.ErrorMessage); err != nil {
			return nil, err
		}
		s.publish(ctx, payment, r, EventTypeRefundFailed)
		return r, nil
	}

	if resp.Status.Settled() {
		if err := s.transitionRefund(ctx, r, RefundCompleted, ""); err != nil {
			return nil, err
		}
		if err := s.applyToPayment(ctx, payment, refunded.Add(amount)); err != nil {
			return nil, err
		}
		s.publish(ctx, payment, r, EventTypeRefundCompleted)
	}
	return r, nil
}

// refundedTotal sums completed and still-pending refunds so concurrent
// partials cannot overdraw the payment.
func (s *RefundService) refundedTotal(ctx context.Context, paymentID string) (decimal.Decimal, error) {
	existing, err := s.refunds.ListByPayment(ctx, paymentID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, r := range existing {
		if r.Status == RefundFailed {
			continue
		}
		total = total.Add(r.Amount)
	}
	return total, nil
}

func (s *RefundService) execute(ctx context.Context, payment *PaymentTransaction, r *RefundTransaction) (*provider.RefundResponse, error) {
	p, err := s.registry.Get(ctx, payment.ProviderID)
	if err != nil {
		return nil, err
	}
	adapter, err := s.builder.Build(p, nil)
	if err != nil {
		return nil, err
	}

	req := provider.RefundRequest{
		ProviderTransactionID: payment.ProviderTransactionID,
		ReferenceID:           r.ID,
		Amount:                r.Amount.StringFixed(2),
		Currency:              r.Currency,
		Reason:                r.Reason,
	}

	var resp *provider.RefundResponse
	err = s.pipeline.Execute(ctx, breakerKey(p, nil), func(attemptCtx context.Context) error {
		out, callErr := adapter.Refund(attemptCtx, req)
		if callErr != nil {
			return callErr
		}
		resp = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// applyToPayment moves the parent payment to REFUNDED or PARTIALLY_REFUNDED
// based on the cumulative refunded amount.
func (s *RefundService) applyToPayment(ctx context.Context, payment *PaymentTransaction, refunded decimal.Decimal) error {
	next := PaymentPartiallyRefunded
	if refunded.GreaterThanOrEqual(payment.Amount) {
		next = PaymentRefunded
	}
	if payment.Status == next && next == PaymentPartiallyRefunded {
		// Repeated partials keep the same status; bump the row anyway so the
		// audit trail records each one.
		payment.UpdatedAt = time.Now().UTC()
		if err := s.payments.Update(ctx, payment); err != nil {
			return err
		}
		s.audit.StatusChanged(ctx, payment, payment.Status, "partial refund applied", "", "")
		return nil
	}

	previous := payment.Status
	if err := ValidateTransition(payment.Status, next); err != nil {
		return err
	}
	payment.Status = next
	payment.UpdatedAt = time.Now().UTC()
	if err := s.payments.Update(ctx, payment); err != nil {
		payment.Status = previous
		return err
	}
	s.audit.StatusChanged(ctx, payment, previous, "refund applied", "", "")
	return nil
}

// transitionRefund moves the refund through its state machine and audits the
// change.
func (s *RefundService) transitionRefund(ctx context.Context, r *RefundTransaction, next RefundStatus, errorDetails string) error {
	if !CanTransitionRefund(r.Status, next) {
		return fmt.Errorf("%w: refund %s -> %s", ErrInvalidStateTransition, r.Status, next)
	}
	previous := r.Status
	r.Status = next
	r.UpdatedAt = time.Now().UTC()
	if next == RefundCompleted || next == RefundFailed {
		now := r.UpdatedAt
		r.CompletedAt = &now
	}
	if err := s.refunds.Update(ctx, r); err != nil {
		r.Status = previous
		return err
	}
	s.audit.RefundUpdated(ctx, r, previous, errorDetails)
	return nil
}

func (s *RefundService) publish(ctx context.Context, payment *PaymentTransaction, r *RefundTransaction, eventType string) {
	s.bus.Publish(ctx, DomainEvent{
		Type:          eventType,
		TransactionID: payment.ID,
		RefundID:      r.ID,
		ProviderName:  payment.ProviderName,
		Amount:        r.Amount,
		Currency:      r.Currency,
		Status:        string(r.Status),
		CorrelationID: r.CorrelationID,
		OccurredAt:    time.Now().UTC(),
	})
}

// storeResult caches the finished refund for idempotent replay.
func (s *RefundService) storeResult(ctx context.Context, r *RefundTransaction) {
	data, err := json.Marshal(storedRefund{RefundTransaction: r, IdempotencyKey: r.IdempotencyKey})
	if err != nil {
		return
	}
	if err := s.idem.StoreResult(ctx, idempotency.OpRefund, r.IdempotencyKey, data, s.resultTTL); err != nil {
		logger.Warn("store idempotency result", logger.LogContext{
			CorrelationID: r.CorrelationID,
			Fields:        map[string]any{"error": err.Error()},
		})
	}
}

// GetRefund returns a refund by id.
func (s *RefundService) GetRefund(ctx context.Context, id string) (*RefundTransaction, error) {
	return s.refunds.GetByID(ctx, id)
}

// ListByPayment returns all refunds against a payment, oldest first.
func (s *RefundService) ListByPayment(ctx context.Context, paymentID string) ([]*RefundTransaction, error) {
	if _, err := s.payments.GetByID(ctx, paymentID); err != nil {
		return nil, err
	}
	return s.refunds.ListByPayment(ctx, paymentID)
}
