// Package stripe implements the payment provider adapter for Stripe.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/payrelay/payrelay/provider"
)

const (
	endpointPaymentIntents        = "/v1/payment_intents"
	endpointPaymentIntentRetrieve = "/v1/payment_intents/%s"
	endpointRefunds               = "/v1/refunds"

	statusRequiresPaymentMethod = "requires_payment_method"
	statusRequiresConfirmation  = "requires_confirmation"
	statusRequiresAction        = "requires_action"
	statusProcessing            = "processing"
	statusCanceled              = "canceled"
	statusSucceeded             = "succeeded"
)

// Provider implements provider.PaymentProvider for Stripe.
type Provider struct {
	secretKey     string
	webhookSecret string
	client        *provider.HTTPClient
}

// New creates an uninitialized Stripe adapter.
func New() provider.PaymentProvider {
	return &Provider{}
}

// Initialize sets up the adapter with credentials and the regional base URL.
func (p *Provider) Initialize(conf map[string]string) error {
	p.secretKey = conf["secretKey"]
	p.webhookSecret = conf["webhookSecret"]
	if p.secretKey == "" {
		return errors.New("stripe: secretKey is required")
	}

	timeout := 30 * time.Second
	if ms, err := strconv.Atoi(conf["timeoutMs"]); err == nil && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	p.client = provider.NewHTTPClient(&provider.HTTPClientConfig{
		BaseURL: conf["baseURL"],
		Timeout: timeout,
		DefaultHeaders: map[string]string{
			"Authorization": "Bearer " + p.secretKey,
		},
	})
	return nil
}

type paymentIntent struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	NextAction *struct {
		RedirectToURL *struct {
			URL string `json:"url"`
		} `json:"redirect_to_url"`
	} `json:"next_action"`
	LastPaymentError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

// Authorize creates a payment intent. Stripe amounts are integer minor units.
func (p *Provider) Authorize(ctx context.Context, request provider.AuthorizeRequest) (*provider.AuthorizeResponse, error) {
	form := map[string]string{
		"amount":                 toMinorUnits(request.Amount),
		"currency":               request.Currency,
		"description":            request.Description,
		"metadata[reference_id]": request.ReferenceID,
		"metadata[order_id]":     request.OrderID,
	}

	resp, err := p.client.SendForm(ctx, &provider.HTTPRequest{
		Method:   "POST",
		Endpoint: endpointPaymentIntents,
		FormData: form,
		Headers:  map[string]string{"Idempotency-Key": request.ReferenceID},
	})
	if err != nil {
		return nil, fmt.Errorf("stripe: create payment intent: %w", err)
	}

	var intent paymentIntent
	if err := p.client.ParseJSON(resp, &intent); err != nil {
		return nil, fmt.Errorf("stripe: parse payment intent: %w", err)
	}

	out := &provider.AuthorizeResponse{
		Success:               true,
		ProviderTransactionID: intent.ID,
		Status:                mapStatus(intent.Status),
		RawResponse:           string(resp.Body),
	}
	if intent.NextAction != nil && intent.NextAction.RedirectToURL != nil {
		out.PaymentURL = intent.NextAction.RedirectToURL.URL
	}
	if intent.LastPaymentError != nil {
		out.Success = false
		out.Status = provider.StatusFailed
		out.ErrorCode = intent.LastPaymentError.Code
		out.ErrorMessage = intent.LastPaymentError.Message
	}
	return out, nil
}

// GetStatus polls a payment intent.
func (p *Provider) GetStatus(ctx context.Context, providerTransactionID string) (*provider.StatusResponse, error) {
	if providerTransactionID == "" {
		return nil, errors.New("stripe: providerTransactionID is required")
	}

	resp, err := p.client.SendJSON(ctx, &provider.HTTPRequest{
		Method:   "GET",
		Endpoint: fmt.Sprintf(endpointPaymentIntentRetrieve, providerTransactionID),
	})
	if err != nil {
		return nil, fmt.Errorf("stripe: retrieve payment intent: %w", err)
	}

	var intent paymentIntent
	if err := p.client.ParseJSON(resp, &intent); err != nil {
		return nil, fmt.Errorf("stripe: parse payment intent: %w", err)
	}

	out := &provider.StatusResponse{Status: mapStatus(intent.Status)}
	if intent.LastPaymentError != nil {
		out.ErrorMessage = intent.LastPaymentError.Message
	}
	if out.Status == provider.StatusSucceeded {
		now := time.Now().UTC()
		out.CompletedAt = &now
	}
	return out, nil
}

// Refund refunds a payment intent, fully or partially.
func (p *Provider) Refund(ctx context.Context, request provider.RefundRequest) (*provider.RefundResponse, error) {
	form := map[string]string{
		"payment_intent": request.ProviderTransactionID,
		"amount":         toMinorUnits(request.Amount),
	}
	if request.Reason != "" {
		form["metadata[reason]"] = request.Reason
	}

	resp, err := p.client.SendForm(ctx, &provider.HTTPRequest{
		Method:   "POST",
		Endpoint: endpointRefunds,
		FormData: form,
		Headers:  map[string]string{"Idempotency-Key": request.ReferenceID},
	})
	if err != nil {
		return nil, fmt.Errorf("stripe: create refund: %w", err)
	}

	var refund struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := p.client.ParseJSON(resp, &refund); err != nil {
		return nil, fmt.Errorf("stripe: parse refund: %w", err)
	}

	out := &provider.RefundResponse{
		ProviderRefundID: refund.ID,
	}
	switch refund.Status {
	case "succeeded":
		out.Success = true
		out.Status = provider.StatusSucceeded
	case "pending":
		out.Success = true
		out.Status = provider.StatusProcessing
	default:
		out.Status = provider.StatusFailed
		out.ErrorMessage = "refund " + refund.Status
	}
	return out, nil
}

// VerifyWebhook validates the Stripe-Signature header (t=<unix>,v1=<hex> with
// a five-minute freshness window and constant-time comparison).
func (p *Provider) VerifyWebhook(_ context.Context, request provider.WebhookRequest) (bool, error) {
	if p.webhookSecret == "" {
		return false, errors.New("stripe: webhookSecret is not configured")
	}
	header := request.Headers["Stripe-Signature"]
	if header == "" {
		return false, nil
	}
	if _, err := webhook.ConstructEventWithOptions(request.Body, header, p.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                provider.SignatureTolerance,
		IgnoreAPIVersionMismatch: true,
	}); err != nil {
		return false, nil
	}
	return true, nil
}

// ExtractEvent pulls event id, type and intent status from an event payload.
func (p *Provider) ExtractEvent(payload []byte) (*provider.WebhookData, error) {
	var event struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object struct {
				ID     string `json:"id"`
				Status string `json:"status"`
				Object string `json:"object"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("stripe: parse event: %w", err)
	}
	if event.ID == "" {
		return nil, errors.New("stripe: event id missing")
	}

	data := &provider.WebhookData{
		ProviderEventID: event.ID,
		EventType:       event.Type,
		Status:          mapStatus(event.Data.Object.Status),
	}
	if event.Data.Object.Object == "refund" {
		data.ProviderRefundID = event.Data.Object.ID
	} else {
		data.ProviderTransactionID = event.Data.Object.ID
	}
	return data, nil
}

func mapStatus(status string) provider.TxStatus {
	switch status {
	case statusSucceeded:
		return provider.StatusSucceeded
	case statusProcessing:
		return provider.StatusProcessing
	case statusRequiresAction, statusRequiresConfirmation:
		return provider.StatusPending
	case statusRequiresPaymentMethod:
		return provider.StatusCreated
	case statusCanceled:
		return provider.StatusFailed
	default:
		return provider.StatusPending
	}
}

// toMinorUnits converts a "12.34" decimal string into Stripe's integer minor
// units ("1234"). Malformed input falls back to the raw string so the
// provider rejects it visibly.
func toMinorUnits(amount string) string {
	var major, minor int64
	var frac string
	if _, err := fmt.Sscanf(amount, "%d.%s", &major, &frac); err == nil {
		for len(frac) < 2 {
			frac += "0"
		}
		frac = frac[:2]
		minor, _ = strconv.ParseInt(frac, 10, 64)
		return strconv.FormatInt(major*100+minor, 10)
	}
	if v, err := strconv.ParseInt(amount, 10, 64); err == nil {
		return strconv.FormatInt(v*100, 10)
	}
	return amount
}
