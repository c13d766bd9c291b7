// Package provider defines the uniform capability set every external payment
// provider adapter implements, plus the factory registry that produces
// configured instances.
package provider

import (
	"context"
	"time"
)

// TxStatus is the normalized provider-side transaction status.
type TxStatus string

const (
	StatusPending    TxStatus = "pending"
	StatusProcessing TxStatus = "processing"
	StatusCreated    TxStatus = "created"
	StatusSucceeded  TxStatus = "succeeded"
	StatusFailed     TxStatus = "failed"
)

// Settled reports whether the provider considers the money moved.
func (s TxStatus) Settled() bool {
	return s == StatusSucceeded
}

// AuthorizeRequest contains everything an adapter needs to initiate a
// provider-side transaction.
type AuthorizeRequest struct {
	ReferenceID   string // our transaction id, echoed to the provider
	Amount        string // decimal string, provider-facing
	Currency      string
	CustomerID    string
	OrderID       string
	Description   string
	ReturnURL     string
	CancelURL     string
	Metadata      map[string]string
	CorrelationID string
}

// AuthorizeResponse is the normalized result of an authorize call.
type AuthorizeResponse struct {
	Success               bool
	ProviderTransactionID string
	Status                TxStatus
	PaymentURL            string // out-of-band URL the end user must visit, if any
	ErrorMessage          string
	ErrorCode             string
	RawResponse           string
}

// StatusResponse is the normalized result of a status poll.
type StatusResponse struct {
	Status       TxStatus
	ErrorMessage string
	CompletedAt  *time.Time
}

// RefundRequest contains everything an adapter needs to refund.
type RefundRequest struct {
	ProviderTransactionID string
	ReferenceID           string // our refund id
	Amount                string
	Currency              string
	Reason                string
}

// RefundResponse is the normalized result of a refund call.
type RefundResponse struct {
	Success          bool
	ProviderRefundID string
	Status           TxStatus
	ErrorMessage     string
	ErrorCode        string
}

// WebhookRequest carries an incoming provider notification for verification.
type WebhookRequest struct {
	Body     []byte
	Headers  map[string]string
	SourceIP string
}

// WebhookData is what an adapter extracts from a verified webhook payload.
type WebhookData struct {
	ProviderEventID       string
	EventType             string
	ProviderTransactionID string
	ProviderRefundID      string
	Status                TxStatus
}

// PaymentProvider is the capability set every adapter implements. Adapters
// hold no mutable cross-request state; HTTP client, base URL and decrypted
// credentials are injected via Initialize.
type PaymentProvider interface {
	// Initialize sets up the adapter with decrypted credentials and the
	// regional base URL.
	Initialize(config map[string]string) error

	// Authorize initiates the provider-side transaction.
	Authorize(ctx context.Context, request AuthorizeRequest) (*AuthorizeResponse, error)

	// GetStatus polls the provider for the current transaction status.
	GetStatus(ctx context.Context, providerTransactionID string) (*StatusResponse, error)

	// Refund issues a full or partial refund.
	Refund(ctx context.Context, request RefundRequest) (*RefundResponse, error)

	// VerifyWebhook authenticates an incoming webhook notification.
	VerifyWebhook(ctx context.Context, request WebhookRequest) (bool, error)

	// ExtractEvent pulls the provider event id, type and status out of a
	// verified webhook payload.
	ExtractEvent(payload []byte) (*WebhookData, error)
}

// Factory is a function type that creates a new PaymentProvider.
type Factory func() PaymentProvider
