package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payrelay/payrelay/infra/idempotency"
	"github.com/payrelay/payrelay/infra/resilience"
	"github.com/payrelay/payrelay/provider"
)

func paymentInput(key string) CreatePaymentInput {
	return CreatePaymentInput{
		IdempotencyKey: key,
		RequestHash:    "hash-" + key,
		Amount:         decimal.NewFromFloat(150.50),
		Currency:       "THB",
		CustomerID:     "cust_1",
		OrderID:        "order_1",
		CorrelationID:  "corr_1",
	}
}

func TestCreatePaymentSynchronousSuccess(t *testing.T) {
	s := newStack(t)
	s.seedProvider(t, "fakepay", 1)

	tx, replayed, err := s.paymentSvc.CreatePayment(context.Background(), paymentInput("key-1"))
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, PaymentCompleted, tx.Status)
	assert.Equal(t, "fakepay", tx.ProviderName)
	assert.Equal(t, "ptx_"+tx.ID, tx.ProviderTransactionID)
	require.NotNil(t, tx.CompletedAt)

	stored, err := s.payments.GetByID(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentCompleted, stored.Status)

	assert.Equal(t, []string{EventTypePaymentCreated, EventTypePaymentCompleted}, s.bus.types())
	assert.Contains(t, s.logs.eventTypes(tx.ID), EventPaymentCreated)
}

func TestCreatePaymentAsynchronousStaysProcessing(t *testing.T) {
	s := newStack(t)
	s.seedProvider(t, "fakepay", 1)
	s.adapter.authorizeFunc = func(_ context.Context, req provider.AuthorizeRequest) (*provider.AuthorizeResponse, error) {
		return &provider.AuthorizeResponse{
			Success:               true,
			ProviderTransactionID: "ptx_async",
			Status:                provider.StatusPending,
			PaymentURL:            "https://pay.example/checkout/abc",
		}, nil
	}

	tx, _, err := s.paymentSvc.CreatePayment(context.Background(), paymentInput("key-async"))
	require.NoError(t, err)
	assert.Equal(t, PaymentProcessing, tx.Status)
	assert.Equal(t, "ptx_async", tx.ProviderTransactionID)
	assert.Equal(t, "https://pay.example/checkout/abc", tx.PaymentURL)
	assert.Nil(t, tx.CompletedAt)

	// No terminal event yet.
	assert.Equal(t, []string{EventTypePaymentCreated}, s.bus.types())
}

func TestCreatePaymentReplaysStoredResult(t *testing.T) {
	s := newStack(t)
	s.seedProvider(t, "fakepay", 1)

	calls := 0
	s.adapter.authorizeFunc = func(_ context.Context, req provider.AuthorizeRequest) (*provider.AuthorizeResponse, error) {
		calls++
		return &provider.AuthorizeResponse{
			Success:               true,
			ProviderTransactionID: "ptx_once",
			Status:                provider.StatusSucceeded,
		}, nil
	}

	in := paymentInput("key-replay")
	first, replayed, err := s.paymentSvc.CreatePayment(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, replayed)

	second, replayed, err := s.paymentSvc.CreatePayment(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, calls)
}

func TestCreatePaymentReplayFromDatabaseAfterCacheExpiry(t *testing.T) {
	s := newStack(t)
	s.seedProvider(t, "fakepay", 1)

	in := paymentInput("key-db-replay")
	first, _, err := s.paymentSvc.CreatePayment(context.Background(), in)
	require.NoError(t, err)

	// Simulate the cached result expiring; the persisted row still answers.
	s.idem = idempotency.NewMemoryStore()
	s.paymentSvc.idem = s.idem

	second, replayed, err := s.paymentSvc.CreatePayment(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.ID, second.ID)
}

func TestCreatePaymentKeyReuseWithDifferentBody(t *testing.T) {
	s := newStack(t)
	s.seedProvider(t, "fakepay", 1)

	in := paymentInput("key-reuse")
	_, _, err := s.paymentSvc.CreatePayment(context.Background(), in)
	require.NoError(t, err)

	in.RequestHash = "a-different-hash"
	_, _, err = s.paymentSvc.CreatePayment(context.Background(), in)
	assert.ErrorIs(t, err, ErrIdempotencyKeyReuse)
}

func TestCreatePaymentValidation(t *testing.T) {
	s := newStack(t)
	s.seedProvider(t, "fakepay", 1)
	ctx := context.Background()

	in := paymentInput("key-v1")
	in.IdempotencyKey = ""
	_, _, err := s.paymentSvc.CreatePayment(ctx, in)
	assert.ErrorIs(t, err, ErrIdempotencyKeyRequired)

	in = paymentInput("key-v2")
	in.Amount = decimal.Zero
	_, _, err = s.paymentSvc.CreatePayment(ctx, in)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "amount", ve.Field)

	in = paymentInput("key-v3")
	in.Amount = decimal.NewFromInt(-5)
	_, _, err = s.paymentSvc.CreatePayment(ctx, in)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "amount", ve.Field)

	in = paymentInput("key-v4")
	in.Currency = "BAHT"
	_, _, err = s.paymentSvc.CreatePayment(ctx, in)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "currency", ve.Field)

	in = paymentInput("key-v5")
	in.CustomerID = ""
	_, _, err = s.paymentSvc.CreatePayment(ctx, in)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "customerId", ve.Field)
}

func TestCreatePaymentPermanentRejectionDoesNotFailOver(t *testing.T) {
	s := newStack(t)
	fake := s.seedProvider(t, "fakepay", 1)
	s.seedProvider(t, "altpay", 2)

	calls := 0
	s.adapter.authorizeFunc = func(_ context.Context, req provider.AuthorizeRequest) (*provider.AuthorizeResponse, error) {
		calls++
		return nil, resilience.Permanent(errors.New("card declined"))
	}

	tx, _, err := s.paymentSvc.CreatePayment(context.Background(), paymentInput("key-perm"))
	require.NoError(t, err)
	assert.Equal(t, PaymentFailed, tx.Status)
	assert.Equal(t, "fakepay", tx.ProviderName)
	assert.Equal(t, 0, tx.RetryCount)
	assert.Equal(t, 1, calls)
	assert.Contains(t, tx.ErrorMessage, "card declined")

	// A rejection is not a health signal.
	assert.Equal(t, resilience.BreakerClosed, s.breakers.Get(breakerKey(fake, nil)).State())
}

func TestCreatePaymentFailsOverOnTransportError(t *testing.T) {
	s := newStack(t)
	s.seedProvider(t, "fakepay", 1)
	s.seedProvider(t, "altpay", 2)

	s.adapter.authorizeFunc = func(_ context.Context, req provider.AuthorizeRequest) (*provider.AuthorizeResponse, error) {
		// The same adapter instance serves both names; Initialize left the
		// current provider's credentials behind.
		if strings.HasSuffix(s.adapter.conf["secretKey"], "fakepay") {
			return nil, errors.New("connection reset by peer")
		}
		return &provider.AuthorizeResponse{
			Success:               true,
			ProviderTransactionID: "ptx_alt",
			Status:                provider.StatusSucceeded,
		}, nil
	}

	tx, _, err := s.paymentSvc.CreatePayment(context.Background(), paymentInput("key-failover"))
	require.NoError(t, err)
	assert.Equal(t, PaymentCompleted, tx.Status)
	assert.Equal(t, "altpay", tx.ProviderName)
	assert.Equal(t, 1, tx.RetryCount)
	assert.Equal(t, "ptx_alt", tx.ProviderTransactionID)
}

func TestCreatePaymentRetriesRowVersionConflictOnce(t *testing.T) {
	s := newStack(t)
	s.seedProvider(t, "fakepay", 1)

	// The first compare-and-set loses to a concurrent writer; the transition
	// is reloaded, re-validated and applied on the second attempt.
	s.payments.conflicts = 1

	tx, _, err := s.paymentSvc.CreatePayment(context.Background(), paymentInput("key-cas"))
	require.NoError(t, err)
	assert.Equal(t, PaymentCompleted, tx.Status)
}

func TestStalePaymentRetryKeepsConflictOnIllegalTransition(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	tx := &PaymentTransaction{ID: "pay_cas", Status: PaymentPending}
	require.NoError(t, s.payments.Create(ctx, tx))

	// A concurrent writer already failed the payment.
	other, err := s.payments.GetByID(ctx, "pay_cas")
	require.NoError(t, err)
	other.Status = PaymentFailed
	require.NoError(t, s.payments.Update(ctx, other))

	stale := *tx
	stale.Status = PaymentProcessing
	err = retryStalePayment(ctx, s.payments, &stale, PaymentProcessing, ErrConcurrentModification)
	assert.ErrorIs(t, err, ErrConcurrentModification)

	stored, err := s.payments.GetByID(ctx, "pay_cas")
	require.NoError(t, err)
	assert.Equal(t, PaymentFailed, stored.Status)
}

func TestCreatePaymentAllProvidersUnavailable(t *testing.T) {
	s := newStack(t)
	s.seedProvider(t, "fakepay", 1)
	s.seedProvider(t, "altpay", 2)

	s.adapter.authorizeFunc = func(_ context.Context, req provider.AuthorizeRequest) (*provider.AuthorizeResponse, error) {
		return nil, errors.New("dial tcp: i/o timeout")
	}

	tx, _, err := s.paymentSvc.CreatePayment(context.Background(), paymentInput("key-exhaust"))
	require.NoError(t, err)
	assert.Equal(t, PaymentFailed, tx.Status)
	assert.Equal(t, []string{EventTypePaymentCreated, EventTypePaymentFailed}, s.bus.types())
}

func TestCreatePaymentProviderDeclined(t *testing.T) {
	s := newStack(t)
	s.seedProvider(t, "fakepay", 1)

	s.adapter.authorizeFunc = func(_ context.Context, req provider.AuthorizeRequest) (*provider.AuthorizeResponse, error) {
		return &provider.AuthorizeResponse{
			Success:      false,
			ErrorMessage: "insufficient funds",
			ErrorCode:    "insufficient_funds",
		}, nil
	}

	tx, _, err := s.paymentSvc.CreatePayment(context.Background(), paymentInput("key-declined"))
	require.NoError(t, err)
	assert.Equal(t, PaymentFailed, tx.Status)
	assert.Equal(t, "insufficient funds", tx.ErrorMessage)
	assert.Equal(t, "insufficient_funds", tx.ProviderErrorCode)
}

func TestCreatePaymentNoEligibleProvider(t *testing.T) {
	s := newStack(t)

	_, _, err := s.paymentSvc.CreatePayment(context.Background(), paymentInput("key-none"))
	assert.ErrorIs(t, err, ErrNoEligibleProvider)
}

func TestCreatePaymentConcurrentHolderTimesOut(t *testing.T) {
	s := newStack(t)
	s.seedProvider(t, "fakepay", 1)
	ctx := context.Background()

	acquired, err := s.idem.AcquireLock(ctx, idempotency.OpPayment, "key-held", 30*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	_, _, err = s.paymentSvc.CreatePayment(ctx, paymentInput("key-held"))
	assert.ErrorIs(t, err, ErrConcurrentRequest)
}

func TestCreatePaymentBlockedRequestPicksUpHolderResult(t *testing.T) {
	s := newStack(t)
	s.seedProvider(t, "fakepay", 1)
	ctx := context.Background()
	in := paymentInput("key-waiter")

	acquired, err := s.idem.AcquireLock(ctx, idempotency.OpPayment, in.IdempotencyKey, 30*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	done := make(chan struct{})
	var waitTx *PaymentTransaction
	var waitReplayed bool
	var waitErr error
	go func() {
		defer close(done)
		waitTx, waitReplayed, waitErr = s.paymentSvc.CreatePayment(ctx, in)
	}()

	// While the waiter polls, the holder finishes and stores its result.
	now := time.Now().UTC()
	tx := &PaymentTransaction{
		ID:             "tx_holder",
		IdempotencyKey: in.IdempotencyKey,
		RequestHash:    in.RequestHash,
		Amount:         in.Amount,
		Currency:       in.Currency,
		Status:         PaymentCompleted,
		CustomerID:     in.CustomerID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, s.payments.Create(ctx, tx))
	s.paymentSvc.storeResult(ctx, tx)
	require.NoError(t, s.idem.ReleaseLock(ctx, idempotency.OpPayment, in.IdempotencyKey))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("waiter never returned")
	}
	require.NoError(t, waitErr)
	assert.True(t, waitReplayed)
	assert.Equal(t, "tx_holder", waitTx.ID)
}

func TestSyncStatusCompletesProcessingPayment(t *testing.T) {
	s := newStack(t)
	s.seedProvider(t, "fakepay", 1)
	s.adapter.authorizeFunc = func(_ context.Context, req provider.AuthorizeRequest) (*provider.AuthorizeResponse, error) {
		return &provider.AuthorizeResponse{
			Success:               true,
			ProviderTransactionID: "ptx_poll",
			Status:                provider.StatusProcessing,
		}, nil
	}

	tx, _, err := s.paymentSvc.CreatePayment(context.Background(), paymentInput("key-poll"))
	require.NoError(t, err)
	require.Equal(t, PaymentProcessing, tx.Status)

	s.adapter.statusFunc = func(_ context.Context, id string) (*provider.StatusResponse, error) {
		assert.Equal(t, "ptx_poll", id)
		return &provider.StatusResponse{Status: provider.StatusSucceeded}, nil
	}

	synced, err := s.paymentSvc.SyncStatus(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentCompleted, synced.Status)
	require.NotNil(t, synced.CompletedAt)
}

func TestSyncStatusLeavesTerminalPaymentAlone(t *testing.T) {
	s := newStack(t)
	s.seedProvider(t, "fakepay", 1)

	tx, _, err := s.paymentSvc.CreatePayment(context.Background(), paymentInput("key-done"))
	require.NoError(t, err)
	require.Equal(t, PaymentCompleted, tx.Status)

	polled := false
	s.adapter.statusFunc = func(_ context.Context, id string) (*provider.StatusResponse, error) {
		polled = true
		return &provider.StatusResponse{Status: provider.StatusFailed}, nil
	}

	synced, err := s.paymentSvc.SyncStatus(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentCompleted, synced.Status)
	assert.False(t, polled)
}

func TestGetPaymentNotFound(t *testing.T) {
	s := newStack(t)
	_, err := s.paymentSvc.GetPayment(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
