package gateway

import (
	"context"
	"time"
)

// ProviderRepository persists providers and their regional configurations.
type ProviderRepository interface {
	Create(ctx context.Context, p *Provider) error
	GetByID(ctx context.Context, id string) (*Provider, error)
	GetByName(ctx context.Context, name string) (*Provider, error)
	ListAll(ctx context.Context) ([]*Provider, error)
	// ListActiveByCurrency returns non-deleted ACTIVE providers supporting the
	// currency, ordered by priority ascending then name ascending.
	ListActiveByCurrency(ctx context.Context, currency string) ([]*Provider, error)
	Update(ctx context.Context, p *Provider) error
	UpdateStatus(ctx context.Context, id string, status ProviderStatus) error
	SoftDelete(ctx context.Context, id string) error
}

// PaymentRepository persists payment transactions. Update performs a
// compare-and-set on RowVersion and returns ErrConcurrentModification when the
// stored version differs.
type PaymentRepository interface {
	Create(ctx context.Context, t *PaymentTransaction) error
	GetByID(ctx context.Context, id string) (*PaymentTransaction, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*PaymentTransaction, error)
	GetByProviderTransactionID(ctx context.Context, providerTxID string) (*PaymentTransaction, error)
	Update(ctx context.Context, t *PaymentTransaction) error
}

// RefundRepository persists refund transactions with the same optimistic
// concurrency discipline as payments.
type RefundRepository interface {
	Create(ctx context.Context, r *RefundTransaction) error
	GetByID(ctx context.Context, id string) (*RefundTransaction, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*RefundTransaction, error)
	ListByPayment(ctx context.Context, paymentID string) ([]*RefundTransaction, error)
	Update(ctx context.Context, r *RefundTransaction) error
}

// WebhookRepository persists ingested webhook events.
type WebhookRepository interface {
	Create(ctx context.Context, e *WebhookEvent) error
	GetByID(ctx context.Context, id string) (*WebhookEvent, error)
	GetByProviderEventID(ctx context.Context, providerID, providerEventID string) (*WebhookEvent, error)
	Update(ctx context.Context, e *WebhookEvent) error
	// ListRetryable returns up to limit FAILED events whose next_retry_at is due,
	// oldest first.
	ListRetryable(ctx context.Context, now time.Time, limit int) ([]*WebhookEvent, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// LogRepository is the append-only audit trail. No updates, no deletes.
type LogRepository interface {
	Append(ctx context.Context, l *TransactionLog) error
	ListByPayment(ctx context.Context, paymentID string) ([]*TransactionLog, error)
}
