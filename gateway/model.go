package gateway

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ProviderStatus represents the operational state of a payment provider.
type ProviderStatus string

const (
	ProviderActive      ProviderStatus = "ACTIVE"
	ProviderDisabled    ProviderStatus = "DISABLED"
	ProviderDegraded    ProviderStatus = "DEGRADED"
	ProviderMaintenance ProviderStatus = "MAINTENANCE"
)

// PaymentStatus represents the current status of a payment transaction.
type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "PENDING"
	PaymentProcessing        PaymentStatus = "PROCESSING"
	PaymentCompleted         PaymentStatus = "COMPLETED"
	PaymentFailed            PaymentStatus = "FAILED"
	PaymentRefunded          PaymentStatus = "REFUNDED"
	PaymentPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
)

// Terminal reports whether the status carries a completion timestamp.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentCompleted, PaymentFailed, PaymentRefunded, PaymentPartiallyRefunded:
		return true
	}
	return false
}

// RefundStatus represents the current status of a refund transaction.
type RefundStatus string

const (
	RefundPending    RefundStatus = "PENDING"
	RefundProcessing RefundStatus = "PROCESSING"
	RefundCompleted  RefundStatus = "COMPLETED"
	RefundFailed     RefundStatus = "FAILED"
)

// RefundType distinguishes full from partial refunds.
type RefundType string

const (
	RefundFull    RefundType = "full"
	RefundPartial RefundType = "partial"
)

// WebhookStatus represents the processing state of an ingested webhook event.
type WebhookStatus string

const (
	WebhookPending    WebhookStatus = "PENDING"
	WebhookProcessing WebhookStatus = "PROCESSING"
	WebhookCompleted  WebhookStatus = "COMPLETED"
	WebhookFailed     WebhookStatus = "FAILED"
	WebhookDuplicate  WebhookStatus = "DUPLICATE"
)

// ProviderConfiguration is a regional endpoint configuration for a provider.
type ProviderConfiguration struct {
	ID         string        `json:"id"`
	ProviderID string        `json:"providerId"`
	Region     string        `json:"region"`
	BaseURL    string        `json:"baseUrl"`
	Active     bool          `json:"active"`
	MaxRetries int           `json:"maxRetries"`
	Timeout    time.Duration `json:"timeout"`
	Ordinal    int           `json:"ordinal"`
}

// Provider is a registered external payment provider.
type Provider struct {
	ID                  string                  `json:"id"`
	Name                string                  `json:"name"`
	DisplayName         string                  `json:"displayName"`
	Status              ProviderStatus          `json:"status"`
	SupportedCurrencies []string                `json:"supportedCurrencies"`
	Priority            int                     `json:"priority"`
	Credentials         map[string]string       `json:"-"`
	Configurations      []ProviderConfiguration `json:"configurations,omitempty"`
	CreatedAt           time.Time               `json:"createdAt"`
	UpdatedAt           time.Time               `json:"updatedAt"`
	DeletedAt           *time.Time              `json:"-"`
}

// SupportsCurrency reports whether the provider handles the given ISO-4217 code.
func (p *Provider) SupportsCurrency(currency string) bool {
	for _, c := range p.SupportedCurrencies {
		if c == currency {
			return true
		}
	}
	return false
}

// DefaultConfiguration returns the first active regional configuration.
func (p *Provider) DefaultConfiguration() *ProviderConfiguration {
	for i := range p.Configurations {
		if p.Configurations[i].Active {
			return &p.Configurations[i]
		}
	}
	return nil
}

// PaymentTransaction is the authoritative record of a single payment.
type PaymentTransaction struct {
	ID                    string            `json:"transactionId"`
	IdempotencyKey        string            `json:"-"`
	RequestHash           string            `json:"-"`
	Amount                decimal.Decimal   `json:"amount"`
	Currency              string            `json:"currency"`
	Status                PaymentStatus     `json:"status"`
	CustomerID            string            `json:"customerId"`
	OrderID               string            `json:"orderId"`
	Description           string            `json:"description,omitempty"`
	ReturnURL             string            `json:"returnUrl"`
	CancelURL             string            `json:"cancelUrl"`
	Metadata              map[string]string `json:"metadata,omitempty"`
	ProviderID            string            `json:"providerId"`
	ProviderName          string            `json:"providerName"`
	ProviderTransactionID string            `json:"providerTransactionId,omitempty"`
	PaymentURL            string            `json:"paymentUrl,omitempty"`
	ErrorMessage          string            `json:"errorMessage,omitempty"`
	ProviderErrorCode     string            `json:"providerErrorCode,omitempty"`
	RetryCount            int               `json:"retryCount"`
	CorrelationID         string            `json:"correlationId"`
	RowVersion            int64             `json:"-"`
	CreatedAt             time.Time         `json:"createdAt"`
	UpdatedAt             time.Time         `json:"updatedAt"`
	CompletedAt           *time.Time        `json:"completedAt,omitempty"`
}

// RefundTransaction is the authoritative record of a single refund.
type RefundTransaction struct {
	ID                   string          `json:"refundId"`
	IdempotencyKey       string          `json:"-"`
	PaymentTransactionID string          `json:"paymentTransactionId"`
	ProviderID           string          `json:"providerId"`
	ProviderRefundID     string          `json:"providerRefundId,omitempty"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	Status               RefundStatus    `json:"status"`
	RefundType           RefundType      `json:"refundType"`
	Reason               string          `json:"reason,omitempty"`
	ErrorMessage         string          `json:"errorMessage,omitempty"`
	CorrelationID        string          `json:"correlationId"`
	RowVersion           int64           `json:"-"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
	CompletedAt          *time.Time      `json:"completedAt,omitempty"`
}

// WebhookEvent is a provider-initiated notification, persisted before processing.
type WebhookEvent struct {
	ID                 string        `json:"id"`
	ProviderID         string        `json:"providerId"`
	ProviderEventID    string        `json:"providerEventId"`
	EventType          string        `json:"eventType"`
	RawPayload         string        `json:"-"`
	ParsedPayload      string        `json:"parsedPayload,omitempty"`
	Signature          string        `json:"-"`
	SignatureValidated bool          `json:"signatureValidated"`
	IPAddress          string        `json:"ipAddress,omitempty"`
	UserAgent          string        `json:"userAgent,omitempty"`
	ProcessingStatus   WebhookStatus `json:"processingStatus"`
	ProcessingAttempts int           `json:"processingAttempts"`
	PaymentID          string        `json:"paymentTransactionId,omitempty"`
	RefundID           string        `json:"refundTransactionId,omitempty"`
	ProcessedAt        *time.Time    `json:"processedAt,omitempty"`
	FailedAt           *time.Time    `json:"failedAt,omitempty"`
	FailureReason      string        `json:"failureReason,omitempty"`
	NextRetryAt        *time.Time    `json:"nextRetryAt,omitempty"`
	CreatedAt          time.Time     `json:"createdAt"`
}

// TransactionLog is one immutable audit row per status transition.
type TransactionLog struct {
	ID                   string    `json:"id"`
	PaymentTransactionID string    `json:"paymentTransactionId"`
	PreviousStatus       string    `json:"previousStatus,omitempty"`
	NewStatus            string    `json:"newStatus"`
	EventType            string    `json:"eventType"`
	Message              string    `json:"message,omitempty"`
	ProviderResponse     string    `json:"providerResponse,omitempty"`
	ErrorDetails         string    `json:"errorDetails,omitempty"`
	CorrelationID        string    `json:"correlationId"`
	CreatedAt            time.Time `json:"createdAt"`
}

// Audit event type labels.
const (
	EventPaymentCreated  = "PaymentCreated"
	EventStatusUpdated   = "StatusUpdated"
	EventWebhookReceived = "WebhookReceived"
	EventRefundCreated   = "RefundCreated"
	EventRefundUpdated   = "RefundUpdated"
)

// DomainEvent is the envelope published to the event bus on state changes.
type DomainEvent struct {
	Type          string          `json:"type"`
	TransactionID string          `json:"transactionId"`
	RefundID      string          `json:"refundId,omitempty"`
	ProviderName  string          `json:"providerName,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Status        string          `json:"status"`
	CorrelationID string          `json:"correlationId"`
	OccurredAt    time.Time       `json:"occurredAt"`
}

// EventBus receives domain events on state changes. Publishing is
// fire-and-forget; implementations never fail the state change that
// triggered the event.
type EventBus interface {
	Publish(ctx context.Context, event DomainEvent)
	Close()
}

// Domain event types.
const (
	EventTypePaymentCreated   = "payment.created"
	EventTypePaymentCompleted = "payment.completed"
	EventTypePaymentFailed    = "payment.failed"
	EventTypeRefundCreated    = "refund.created"
	EventTypeRefundCompleted  = "refund.completed"
	EventTypeRefundFailed     = "refund.failed"
)
