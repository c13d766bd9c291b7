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

// lockPollInterval is how often a request blocked on another in-flight
// request with the same idempotency key re-checks for a stored result.
const lockPollInterval = 250 * time.Millisecond

// PaymentService orchestrates the payment lifecycle: idempotency gate,
// routing, provider call under the resilience pipeline, state machine
// transitions, audit and events.
type PaymentService struct {
	payments PaymentRepository
	registry *RegistryService
	router   *Router
	builder  *AdapterBuilder
	pipeline *resilience.Pipeline
	idem     idempotency.Store
	audit    *Auditor
	bus      EventBus

	lockTTL   time.Duration
	lockWait  time.Duration
	resultTTL time.Duration
}

// PaymentServiceConfig wires a payment service.
type PaymentServiceConfig struct {
	Payments PaymentRepository
	Registry *RegistryService
	Router   *Router
	Builder  *AdapterBuilder
	Pipeline *resilience.Pipeline
	Idem     idempotency.Store
	Audit    *Auditor
	Bus      EventBus

	LockTTL   time.Duration
	LockWait  time.Duration
	ResultTTL time.Duration
}

// NewPaymentService creates the payment orchestrator.
func NewPaymentService(cfg PaymentServiceConfig) *PaymentService {
	if cfg.LockTTL == 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.LockWait == 0 {
		cfg.LockWait = 5 * time.Second
	}
	if cfg.ResultTTL == 0 {
		cfg.ResultTTL = idempotency.DefaultResultTTL
	}
	return &PaymentService{
		payments:  cfg.Payments,
		registry:  cfg.Registry,
		router:    cfg.Router,
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

// CreatePaymentInput is the request to initiate a payment.
type CreatePaymentInput struct {
	IdempotencyKey string
	RequestHash    string // sha256 hex over the raw request body
	Amount         decimal.Decimal
	Currency       string
	CustomerID     string
	OrderID        string
	Description    string
	ReturnURL      string
	CancelURL      string
	Metadata       map[string]string
	Provider       string // preferred provider name, optional
	CorrelationID  string
}

func (in *CreatePaymentInput) validate() error {
	if in.IdempotencyKey == "" {
		return ErrIdempotencyKeyRequired
	}
	if !in.Amount.IsPositive() {
		return &ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	if len(in.Currency) != 3 {
		return &ValidationError{Field: "currency", Reason: "must be a three-letter ISO 4217 code"}
	}
	if in.CustomerID == "" {
		return &ValidationError{Field: "customerId", Reason: "must not be empty"}
	}
	return nil
}

// CreatePayment runs the full payment flow. The replayed return is true when
// the response was served from a previously stored result instead of a new
// provider call.
func (s *PaymentService) CreatePayment(ctx context.Context, in CreatePaymentInput) (tx *PaymentTransaction, replayed bool, err error) {
	if err := in.validate(); err != nil {
		return nil, false, err
	}

	if tx, err := s.replay(ctx, in.IdempotencyKey, in.RequestHash); err != nil || tx != nil {
		return tx, tx != nil, err
	}

	acquired, err := s.idem.AcquireLock(ctx, idempotency.OpPayment, in.IdempotencyKey, s.lockTTL)
	if err != nil {
		return nil, false, fmt.Errorf("acquire idempotency lock: %w", err)
	}
	if !acquired {
		return s.awaitResult(ctx, in.IdempotencyKey, in.RequestHash)
	}
	defer func() {
		if rerr := s.idem.ReleaseLock(context.WithoutCancel(ctx), idempotency.OpPayment, in.IdempotencyKey); rerr != nil {
			logger.Warn("release idempotency lock", logger.LogContext{
				CorrelationID: in.CorrelationID,
				Fields:        map[string]any{"error": rerr.Error()},
			})
		}
	}()

	// A concurrent holder may have finished between the fast path and the lock.
	if tx, err := s.replay(ctx, in.IdempotencyKey, in.RequestHash); err != nil || tx != nil {
		return tx, tx != nil, err
	}

	candidates, err := s.router.Candidates(ctx, in.Currency, in.Provider)
	if err != nil {
		return nil, false, err
	}

	tx, err = s.process(ctx, in, candidates)
	if err != nil {
		return nil, false, err
	}

	s.storeResult(ctx, tx)
	metrics.PaymentsTotal.WithLabelValues(tx.ProviderName, string(tx.Status)).Inc()
	return tx, false, nil
}

// storedPayment re-exposes fields the public JSON shape elides so a replay
// can re-check the request hash.
type storedPayment struct {
	*PaymentTransaction
	IdempotencyKey string `json:"idempotencyKey"`
	RequestHash    string `json:"requestHash"`
}

// replay serves the fast path: a stored result for the key, or the persisted
// transaction when the cache has expired. A body hash mismatch is a key
// reuse, never a silent replay of someone else's payment.
func (s *PaymentService) replay(ctx context.Context, key, hash string) (*PaymentTransaction, error) {
	data, err := s.idem.GetResult(ctx, idempotency.OpPayment, key)
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	var tx *PaymentTransaction
	if data != nil {
		stored := storedPayment{PaymentTransaction: &PaymentTransaction{}}
		if err := json.Unmarshal(data, &stored); err != nil {
			return nil, fmt.Errorf("decode stored result: %w", err)
		}
		tx = stored.PaymentTransaction
		tx.IdempotencyKey = stored.IdempotencyKey
		tx.RequestHash = stored.RequestHash
	} else {
		tx, err = s.payments.GetByIdempotencyKey(ctx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if tx == nil {
		return nil, nil
	}
	if tx.RequestHash != hash {
		return nil, ErrIdempotencyKeyReuse
	}
	metrics.IdempotentReplays.WithLabelValues(string(idempotency.OpPayment)).Inc()
	return tx, nil
}

// awaitResult polls for the in-flight holder's result for a bounded window.
func (s *PaymentService) awaitResult(ctx context.Context, key, hash string) (*PaymentTransaction, bool, error) {
	deadline := time.Now().Add(s.lockWait)
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-ticker.C:
		}
		tx, err := s.replay(ctx, key, hash)
		if err != nil {
			return nil, false, err
		}
		if tx != nil {
			return tx, true, nil
		}
	}
	return nil, false, ErrConcurrentRequest
}

// process persists the transaction and drives it through the provider call.
// Candidates are tried in routing order; a provider that is unreachable or
// circuit-broken yields to the next one, while an explicit rejection is
// final.
func (s *PaymentService) process(ctx context.Context, in CreatePaymentInput, candidates []*Provider) (*PaymentTransaction, error) {
	now := time.Now().UTC()
	tx := &PaymentTransaction{
		ID:             uuid.New().String(),
		IdempotencyKey: in.IdempotencyKey,
		RequestHash:    in.RequestHash,
		Amount:         in.Amount,
		Currency:       in.Currency,
		Status:         PaymentPending,
		CustomerID:     in.CustomerID,
		OrderID:        in.OrderID,
		Description:    in.Description,
		ReturnURL:      in.ReturnURL,
		CancelURL:      in.CancelURL,
		Metadata:       in.Metadata,
		ProviderID:     candidates[0].ID,
		ProviderName:   candidates[0].Name,
		CorrelationID:  in.CorrelationID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.payments.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("persist payment: %w", err)
	}
	s.audit.PaymentCreated(ctx, tx)
	s.bus.Publish(ctx, DomainEvent{
		Type:          EventTypePaymentCreated,
		TransactionID: tx.ID,
		ProviderName:  tx.ProviderName,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		Status:        string(tx.Status),
		CorrelationID: tx.CorrelationID,
		OccurredAt:    now,
	})

	if err := s.transition(ctx, tx, PaymentProcessing, "submitting to provider", "", ""); err != nil {
		return nil, err
	}

	var lastErr error
	for i, candidate := range candidates {
		if i > 0 {
			tx.ProviderID = candidate.ID
			tx.ProviderName = candidate.Name
			tx.RetryCount++
			if err := s.payments.Update(ctx, tx); err != nil {
				return nil, err
			}
			logger.Info("failing over to next provider", logger.LogContext{
				CorrelationID: tx.CorrelationID,
				Provider:      candidate.Name,
			})
		}

		resp, err := s.authorize(ctx, tx, candidate)
		if err == nil {
			return tx, s.settle(ctx, tx, resp)
		}
		if resilience.IsPermanent(err) {
			// The provider examined and rejected this payment.
			tx.ErrorMessage = err.Error()
			return tx, s.transition(ctx, tx, PaymentFailed, "provider rejected payment", "", err.Error())
		}
		lastErr = err
	}

	tx.ErrorMessage = lastErr.Error()
	if err := s.transition(ctx, tx, PaymentFailed, "all eligible providers unavailable", "", lastErr.Error()); err != nil {
		return nil, err
	}
	return tx, nil
}

// authorize runs the provider call under the resilience pipeline.
func (s *PaymentService) authorize(ctx context.Context, tx *PaymentTransaction, p *Provider) (*provider.AuthorizeResponse, error) {
	adapter, err := s.builder.Build(p, nil)
	if err != nil {
		return nil, err
	}

	req := provider.AuthorizeRequest{
		ReferenceID:   tx.ID,
		Amount:        tx.Amount.StringFixed(2),
		Currency:      tx.Currency,
		CustomerID:    tx.CustomerID,
		OrderID:       tx.OrderID,
		Description:   tx.Description,
		ReturnURL:     tx.ReturnURL,
		CancelURL:     tx.CancelURL,
		Metadata:      tx.Metadata,
		CorrelationID: tx.CorrelationID,
	}

	var resp *provider.AuthorizeResponse
	err = s.pipeline.Execute(ctx, breakerKey(p, nil), func(attemptCtx context.Context) error {
		r, callErr := adapter.Authorize(attemptCtx, req)
		if callErr != nil {
			return callErr
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// settle applies the provider's authorize outcome to the transaction.
func (s *PaymentService) settle(ctx context.Context, tx *PaymentTransaction, resp *provider.AuthorizeResponse) error {
	tx.ProviderTransactionID = resp.ProviderTransactionID
	tx.PaymentURL = resp.PaymentURL

	if !resp.Success {
		tx.ErrorMessage = resp.ErrorMessage
		tx.ProviderErrorCode = resp.ErrorCode
		return s.transition(ctx, tx, PaymentFailed, "provider declined payment", resp.RawResponse, resp.ErrorMessage)
	}
	if resp.Status.Settled() {
		return s.transition(ctx, tx, PaymentCompleted, "provider confirmed payment", resp.RawResponse, "")
	}

	// Asynchronous rails stay PROCESSING until a webhook or status poll
	// resolves them.
	tx.UpdatedAt = time.Now().UTC()
	return s.payments.Update(ctx, tx)
}

// transition moves the payment through the state machine, persists it with
// optimistic concurrency, audits the change and publishes terminal events.
func (s *PaymentService) transition(ctx context.Context, tx *PaymentTransaction, next PaymentStatus, message, providerResponse, errorDetails string) error {
	if err := ValidateTransition(tx.Status, next); err != nil {
		return err
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
	s.audit.StatusChanged(ctx, tx, previous, message, providerResponse, errorDetails)

	switch next {
	case PaymentCompleted:
		s.publish(ctx, tx, EventTypePaymentCompleted)
	case PaymentFailed:
		s.publish(ctx, tx, EventTypePaymentFailed)
	}
	return nil
}

// retryStalePayment re-runs a payment update once after a row-version
// conflict. The row is reloaded and the intended transition re-validated
// against the fresh status; when the concurrent writer already applied the
// same transition the conflict dissolves, otherwise the original error stands.
func retryStalePayment(ctx context.Context, repo PaymentRepository, tx *PaymentTransaction, next PaymentStatus, cause error) error {
	fresh, err := repo.GetByID(ctx, tx.ID)
	if err != nil {
		return cause
	}
	if fresh.Status == next {
		tx.RowVersion = fresh.RowVersion
		return nil
	}
	if !CanTransition(fresh.Status, next) {
		return cause
	}
	tx.RowVersion = fresh.RowVersion
	return repo.Update(ctx, tx)
}

func (s *PaymentService) publish(ctx context.Context, tx *PaymentTransaction, eventType string) {
	s.bus.Publish(ctx, DomainEvent{
		Type:          eventType,
		TransactionID: tx.ID,
		ProviderName:  tx.ProviderName,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		Status:        string(tx.Status),
		CorrelationID: tx.CorrelationID,
		OccurredAt:    time.Now().UTC(),
	})
}

// storeResult caches the finished transaction for idempotent replay.
func (s *PaymentService) storeResult(ctx context.Context, tx *PaymentTransaction) {
	data, err := json.Marshal(storedPayment{
		PaymentTransaction: tx,
		IdempotencyKey:     tx.IdempotencyKey,
		RequestHash:        tx.RequestHash,
	})
	if err != nil {
		return
	}
	if err := s.idem.StoreResult(ctx, idempotency.OpPayment, tx.IdempotencyKey, data, s.resultTTL); err != nil {
		logger.Warn("store idempotency result", logger.LogContext{
			CorrelationID: tx.CorrelationID,
			Fields:        map[string]any{"error": err.Error()},
		})
	}
}

// GetPayment returns a payment by id.
func (s *PaymentService) GetPayment(ctx context.Context, id string) (*PaymentTransaction, error) {
	return s.payments.GetByID(ctx, id)
}

// SyncStatus polls the provider for the current status of a non-terminal
// payment and applies the resulting transition. Terminal payments are
// returned unchanged.
func (s *PaymentService) SyncStatus(ctx context.Context, id string) (*PaymentTransaction, error) {
	tx, err := s.payments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status.Terminal() {
		return tx, nil
	}
	if tx.ProviderTransactionID == "" {
		return nil, fmt.Errorf("%w: payment has no provider transaction to poll", ErrInvalidState)
	}

	p, err := s.registry.Get(ctx, tx.ProviderID)
	if err != nil {
		return nil, err
	}
	adapter, err := s.builder.Build(p, nil)
	if err != nil {
		return nil, err
	}

	var status *provider.StatusResponse
	err = s.pipeline.Execute(ctx, breakerKey(p, nil), func(attemptCtx context.Context) error {
		r, callErr := adapter.GetStatus(attemptCtx, tx.ProviderTransactionID)
		if callErr != nil {
			return callErr
		}
		status = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch {
	case status.Status.Settled() && tx.Status != PaymentCompleted:
		if status.CompletedAt != nil {
			tx.CompletedAt = status.CompletedAt
		}
		if err := s.transition(ctx, tx, PaymentCompleted, "status poll confirmed payment", "", ""); err != nil {
			return nil, err
		}
		metrics.PaymentsTotal.WithLabelValues(tx.ProviderName, string(tx.Status)).Inc()
	case status.Status == provider.StatusFailed && tx.Status != PaymentFailed:
		tx.ErrorMessage = status.ErrorMessage
		if err := s.transition(ctx, tx, PaymentFailed, "status poll reported failure", "", status.ErrorMessage); err != nil {
			return nil, err
		}
		metrics.PaymentsTotal.WithLabelValues(tx.ProviderName, string(tx.Status)).Inc()
	}
	return tx, nil
}
