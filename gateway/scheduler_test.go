package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payrelay/payrelay/provider"
)

func TestSchedulerDefaults(t *testing.T) {
	s := NewScheduler(nil, 0, 0, 0)
	assert.Equal(t, 30*time.Second, s.retryInterval)
	assert.Equal(t, 50, s.retryBatch)
	assert.Equal(t, 90*24*time.Hour, s.retention)
}

func TestSchedulerRetriesDueWebhooks(t *testing.T) {
	s := newStack(t)
	tx := processingPayment(t, s)
	ctx := context.Background()

	// First delivery fails: the referenced transaction is unknown.
	s.adapter.extractFunc = paymentEvent("evt_sched", "ptx_unknown", provider.StatusSucceeded)
	event, err := s.webhookSvc.Ingest(ctx, "fakepay", webhookReq(`{"id":"evt_sched"}`))
	require.NoError(t, err)
	require.Equal(t, WebhookFailed, event.ProcessingStatus)

	// The payment shows up and the retry becomes due immediately.
	s.adapter.extractFunc = paymentEvent("evt_sched", "ptx_hook", provider.StatusSucceeded)
	stored, err := s.webhooks.GetByID(ctx, event.ID)
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Second)
	stored.NextRetryAt = &past
	require.NoError(t, s.webhooks.Update(ctx, stored))

	sched := NewScheduler(s.webhookSvc, 10*time.Millisecond, 10, time.Hour)
	sched.Start()
	defer sched.Stop()

	require.Eventually(t, func() bool {
		e, err := s.webhookSvc.GetEvent(ctx, event.ID)
		return err == nil && e.ProcessingStatus == WebhookCompleted
	}, 2*time.Second, 20*time.Millisecond)

	updated, err := s.payments.GetByID(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentCompleted, updated.Status)
}

func TestSchedulerStopDrains(t *testing.T) {
	s := newStack(t)
	sched := NewScheduler(s.webhookSvc, 10*time.Millisecond, 10, time.Hour)
	sched.Start()

	done := make(chan struct{})
	go func() {
		sched.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
