// Package omise implements the payment provider adapter for Omise.
package omise

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/payrelay/payrelay/provider"
)

const (
	endpointCharges      = "/charges"
	endpointChargeDetail = "/charges/%s"
	endpointRefunds      = "/charges/%s/refunds"

	chargeSuccessful = "successful"
	chargeFailed     = "failed"
	chargePending    = "pending"
	chargeExpired    = "expired"
	chargeReversed   = "reversed"
)

// Webhook callbacks originate from Omise's published egress addresses.
var webhookAllowList = provider.NewIPAllowList(
	[]string{"52.74.36.109", "52.74.34.36", "54.169.80.142"},
	[]string{"52.74.0.0/16", "54.169.0.0/16", "13.229.0.0/16"},
)

// Provider implements provider.PaymentProvider for Omise.
type Provider struct {
	secretKey     string
	webhookSecret string
	client        *provider.HTTPClient
}

// New creates an uninitialized Omise adapter.
func New() provider.PaymentProvider {
	return &Provider{}
}

// Initialize sets up the adapter with credentials and the regional base URL.
// Omise authenticates with the secret key as basic-auth username.
func (p *Provider) Initialize(conf map[string]string) error {
	p.secretKey = conf["secretKey"]
	p.webhookSecret = conf["webhookSecret"]
	if p.secretKey == "" {
		return errors.New("omise: secretKey is required")
	}

	timeout := 30 * time.Second
	if ms, err := strconv.Atoi(conf["timeoutMs"]); err == nil && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	p.client = provider.NewHTTPClient(&provider.HTTPClientConfig{
		BaseURL: conf["baseURL"],
		Timeout: timeout,
		DefaultHeaders: map[string]string{
			"Authorization": "Basic " + basicAuth(p.secretKey),
		},
	})
	return nil
}

type charge struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	Paid           bool   `json:"paid"`
	AuthorizeURI   string `json:"authorize_uri"`
	FailureCode    string `json:"failure_code"`
	FailureMessage string `json:"failure_message"`
	PaidAt         string `json:"paid_at"`
}

// Authorize creates a charge. Omise amounts are integer subunits (satang).
func (p *Provider) Authorize(ctx context.Context, request provider.AuthorizeRequest) (*provider.AuthorizeResponse, error) {
	form := map[string]string{
		"amount":                toSubunits(request.Amount),
		"currency":              request.Currency,
		"description":           request.Description,
		"metadata[referenceId]": request.ReferenceID,
	}
	if request.ReturnURL != "" {
		form["return_uri"] = request.ReturnURL
	}

	resp, err := p.client.SendForm(ctx, &provider.HTTPRequest{
		Method:   "POST",
		Endpoint: endpointCharges,
		FormData: form,
	})
	if err != nil {
		return nil, fmt.Errorf("omise: create charge: %w", err)
	}

	var ch charge
	if err := p.client.ParseJSON(resp, &ch); err != nil {
		return nil, fmt.Errorf("omise: parse charge: %w", err)
	}

	out := &provider.AuthorizeResponse{
		Success:               ch.Status != chargeFailed,
		ProviderTransactionID: ch.ID,
		Status:                mapStatus(ch.Status, ch.Paid),
		PaymentURL:            ch.AuthorizeURI,
		RawResponse:           string(resp.Body),
	}
	if ch.FailureCode != "" {
		out.Success = false
		out.Status = provider.StatusFailed
		out.ErrorCode = ch.FailureCode
		out.ErrorMessage = ch.FailureMessage
	}
	return out, nil
}

// GetStatus polls a charge.
func (p *Provider) GetStatus(ctx context.Context, providerTransactionID string) (*provider.StatusResponse, error) {
	if providerTransactionID == "" {
		return nil, errors.New("omise: providerTransactionID is required")
	}

	resp, err := p.client.SendJSON(ctx, &provider.HTTPRequest{
		Method:   "GET",
		Endpoint: fmt.Sprintf(endpointChargeDetail, providerTransactionID),
	})
	if err != nil {
		return nil, fmt.Errorf("omise: get charge: %w", err)
	}

	var ch charge
	if err := p.client.ParseJSON(resp, &ch); err != nil {
		return nil, fmt.Errorf("omise: parse charge: %w", err)
	}

	out := &provider.StatusResponse{
		Status:       mapStatus(ch.Status, ch.Paid),
		ErrorMessage: ch.FailureMessage,
	}
	if ts, err := time.Parse(time.RFC3339, ch.PaidAt); err == nil {
		out.CompletedAt = &ts
	}
	return out, nil
}

// Refund refunds a charge, fully or partially.
func (p *Provider) Refund(ctx context.Context, request provider.RefundRequest) (*provider.RefundResponse, error) {
	resp, err := p.client.SendForm(ctx, &provider.HTTPRequest{
		Method:   "POST",
		Endpoint: fmt.Sprintf(endpointRefunds, request.ProviderTransactionID),
		FormData: map[string]string{
			"amount":           toSubunits(request.Amount),
			"metadata[reason]": request.Reason,
			"metadata[refund]": request.ReferenceID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("omise: create refund: %w", err)
	}

	var refund struct {
		ID     string `json:"id"`
		Voided bool   `json:"voided"`
	}
	if err := p.client.ParseJSON(resp, &refund); err != nil {
		return nil, fmt.Errorf("omise: parse refund: %w", err)
	}

	return &provider.RefundResponse{
		Success:          true,
		ProviderRefundID: refund.ID,
		Status:           provider.StatusSucceeded,
	}, nil
}

// VerifyWebhook requires both a trusted source IP and a valid
// base64 HMAC-SHA256 of the raw body.
func (p *Provider) VerifyWebhook(_ context.Context, request provider.WebhookRequest) (bool, error) {
	if p.webhookSecret == "" {
		return false, errors.New("omise: webhookSecret is not configured")
	}
	if !webhookAllowList.Allowed(request.SourceIP) {
		return false, nil
	}
	signature := request.Headers["X-Omise-Signature"]
	if signature == "" {
		return false, nil
	}
	expected := provider.HMACSHA256Base64([]byte(p.webhookSecret), request.Body)
	return provider.SecureCompare(expected, signature), nil
}

// ExtractEvent pulls event id, type and the charge from an event payload.
func (p *Provider) ExtractEvent(payload []byte) (*provider.WebhookData, error) {
	var event struct {
		ID   string `json:"id"`
		Key  string `json:"key"`
		Data struct {
			Object string `json:"object"`
			ID     string `json:"id"`
			Status string `json:"status"`
			Paid   bool   `json:"paid"`
			Charge string `json:"charge"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("omise: parse event: %w", err)
	}
	if event.ID == "" {
		return nil, errors.New("omise: event id missing")
	}

	data := &provider.WebhookData{
		ProviderEventID: event.ID,
		EventType:       event.Key,
		Status:          mapStatus(event.Data.Status, event.Data.Paid),
	}
	if event.Data.Object == "refund" {
		data.ProviderRefundID = event.Data.ID
		data.ProviderTransactionID = event.Data.Charge
		data.Status = provider.StatusSucceeded
	} else {
		data.ProviderTransactionID = event.Data.ID
	}
	return data, nil
}

func mapStatus(status string, paid bool) provider.TxStatus {
	switch status {
	case chargeSuccessful:
		return provider.StatusSucceeded
	case chargeFailed, chargeExpired, chargeReversed:
		return provider.StatusFailed
	case chargePending:
		if paid {
			return provider.StatusProcessing
		}
		return provider.StatusPending
	default:
		return provider.StatusPending
	}
}

func basicAuth(secretKey string) string {
	return base64.StdEncoding.EncodeToString([]byte(secretKey + ":"))
}

// toSubunits converts a "12.34" decimal string into integer subunits ("1234").
func toSubunits(amount string) string {
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
