// Package scb implements the payment provider adapter for SCB (Siam
// Commercial Bank) API gateway payments.
package scb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/payrelay/payrelay/provider"
)

const (
	endpointOAuthToken = "/v1/oauth/token"
	endpointQRCreate   = "/v1/payment/qrcode/create"
	endpointInquiry    = "/v2/transactions/%s"
	endpointRefund     = "/v1/payment/merchant/refund"

	txnPaid      = "PAID"
	txnPending   = "PENDING"
	txnProcessed = "PROCESSED"
	txnFailed    = "FAILED"
	txnExpired   = "EXPIRED"
)

// Provider implements provider.PaymentProvider for SCB.
type Provider struct {
	apiKey        string
	apiSecret     string
	merchantID    string
	terminalID    string
	billerID      string
	webhookSecret string
	client        *provider.HTTPClient

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// New creates an uninitialized SCB adapter.
func New() provider.PaymentProvider {
	return &Provider{}
}

// Initialize sets up the adapter with credentials and the regional base URL.
func (p *Provider) Initialize(conf map[string]string) error {
	p.apiKey = conf["apiKey"]
	p.apiSecret = conf["apiSecret"]
	p.merchantID = conf["merchantId"]
	p.terminalID = conf["terminalId"]
	p.billerID = conf["billerId"]
	p.webhookSecret = conf["webhookSecret"]
	if p.apiKey == "" || p.apiSecret == "" {
		return errors.New("scb: apiKey and apiSecret are required")
	}

	timeout := 30 * time.Second
	if ms, err := strconv.Atoi(conf["timeoutMs"]); err == nil && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	p.client = provider.NewHTTPClient(&provider.HTTPClientConfig{
		BaseURL: conf["baseURL"],
		Timeout: timeout,
		DefaultHeaders: map[string]string{
			"resourceOwnerId": p.apiKey,
		},
	})
	return nil
}

// token returns a cached OAuth token, refreshing when expired.
func (p *Provider) token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.accessToken != "" && time.Now().Before(p.tokenExpiry) {
		return p.accessToken, nil
	}

	resp, err := p.client.SendJSON(ctx, &provider.HTTPRequest{
		Method:   "POST",
		Endpoint: endpointOAuthToken,
		Body: map[string]string{
			"applicationKey":    p.apiKey,
			"applicationSecret": p.apiSecret,
		},
		Headers: map[string]string{"requestUId": uuid.New().String()},
	})
	if err != nil {
		return "", fmt.Errorf("scb: oauth token: %w", err)
	}

	var tok struct {
		Data struct {
			AccessToken string `json:"accessToken"`
			ExpiresIn   int64  `json:"expiresIn"`
		} `json:"data"`
	}
	if err := p.client.ParseJSON(resp, &tok); err != nil {
		return "", fmt.Errorf("scb: parse oauth token: %w", err)
	}
	if tok.Data.AccessToken == "" {
		return "", errors.New("scb: empty access token")
	}

	p.accessToken = tok.Data.AccessToken
	p.tokenExpiry = time.Now().Add(time.Duration(tok.Data.ExpiresIn)*time.Second - time.Minute)
	return p.accessToken, nil
}

// Authorize creates a Thai QR payment request.
func (p *Provider) Authorize(ctx context.Context, request provider.AuthorizeRequest) (*provider.AuthorizeResponse, error) {
	token, err := p.token(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.SendJSON(ctx, &provider.HTTPRequest{
		Method:   "POST",
		Endpoint: endpointQRCreate,
		Body: map[string]any{
			"qrType": "PP",
			"ppType": "BILLERID",
			"ppId":   p.billerID,
			"amount": request.Amount,
			"ref1":   request.ReferenceID,
			"ref2":   request.OrderID,
			"ref3":   p.merchantID,
		},
		Headers: map[string]string{
			"Authorization": "Bearer " + token,
			"requestUId":    request.ReferenceID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("scb: create qr payment: %w", err)
	}

	var created struct {
		Status struct {
			Code        int    `json:"code"`
			Description string `json:"description"`
		} `json:"status"`
		Data struct {
			QRRawData string `json:"qrRawData"`
			QRImage   string `json:"qrImage"`
		} `json:"data"`
	}
	if err := p.client.ParseJSON(resp, &created); err != nil {
		return nil, fmt.Errorf("scb: parse qr payment: %w", err)
	}

	out := &provider.AuthorizeResponse{
		ProviderTransactionID: request.ReferenceID,
		RawResponse:           string(resp.Body),
	}
	if created.Status.Code != 1000 {
		out.Status = provider.StatusFailed
		out.ErrorCode = strconv.Itoa(created.Status.Code)
		out.ErrorMessage = created.Status.Description
		return out, nil
	}
	out.Success = true
	out.Status = provider.StatusPending
	out.PaymentURL = created.Data.QRImage
	return out, nil
}

// GetStatus inquires about a transaction by our reference.
func (p *Provider) GetStatus(ctx context.Context, providerTransactionID string) (*provider.StatusResponse, error) {
	if providerTransactionID == "" {
		return nil, errors.New("scb: providerTransactionID is required")
	}
	token, err := p.token(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.SendJSON(ctx, &provider.HTTPRequest{
		Method:   "GET",
		Endpoint: fmt.Sprintf(endpointInquiry, providerTransactionID),
		Headers: map[string]string{
			"Authorization": "Bearer " + token,
			"requestUId":    uuid.New().String(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("scb: transaction inquiry: %w", err)
	}

	var inquiry struct {
		Data struct {
			StatusCode      string `json:"statusCode"`
			TransactionDate string `json:"transactionDateandTime"`
		} `json:"data"`
	}
	if err := p.client.ParseJSON(resp, &inquiry); err != nil {
		return nil, fmt.Errorf("scb: parse inquiry: %w", err)
	}

	out := &provider.StatusResponse{Status: mapStatus(inquiry.Data.StatusCode)}
	if ts, err := time.Parse(time.RFC3339, inquiry.Data.TransactionDate); err == nil {
		out.CompletedAt = &ts
	}
	return out, nil
}

// Refund reverses a settled merchant payment.
func (p *Provider) Refund(ctx context.Context, request provider.RefundRequest) (*provider.RefundResponse, error) {
	token, err := p.token(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.SendJSON(ctx, &provider.HTTPRequest{
		Method:   "POST",
		Endpoint: endpointRefund,
		Body: map[string]any{
			"merchantId":            p.merchantID,
			"terminalId":            p.terminalID,
			"originalTransactionId": request.ProviderTransactionID,
			"refundRequestId":       request.ReferenceID,
			"amount":                request.Amount,
			"reason":                request.Reason,
		},
		Headers: map[string]string{
			"Authorization": "Bearer " + token,
			"requestUId":    request.ReferenceID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("scb: refund: %w", err)
	}

	var refund struct {
		Status struct {
			Code        int    `json:"code"`
			Description string `json:"description"`
		} `json:"status"`
		Data struct {
			TransactionID string `json:"transactionId"`
		} `json:"data"`
	}
	if err := p.client.ParseJSON(resp, &refund); err != nil {
		return nil, fmt.Errorf("scb: parse refund: %w", err)
	}

	out := &provider.RefundResponse{ProviderRefundID: refund.Data.TransactionID}
	if refund.Status.Code != 1000 {
		out.Status = provider.StatusFailed
		out.ErrorCode = strconv.Itoa(refund.Status.Code)
		out.ErrorMessage = refund.Status.Description
		return out, nil
	}
	out.Success = true
	out.Status = provider.StatusSucceeded
	return out, nil
}

// VerifyWebhook validates an HMAC-SHA256 hex signature. When the timestamp
// and request id headers are present the signed string is
// "<ts>.<requestId>.<body>" and the timestamp must be fresh; otherwise the
// raw body is signed.
func (p *Provider) VerifyWebhook(_ context.Context, request provider.WebhookRequest) (bool, error) {
	if p.webhookSecret == "" {
		return false, errors.New("scb: webhookSecret is not configured")
	}
	signature := request.Headers["X-SCB-Signature"]
	if signature == "" {
		return false, nil
	}

	message := request.Body
	ts := request.Headers["X-SCB-Timestamp"]
	reqID := request.Headers["X-SCB-Request-ID"]
	if ts != "" && reqID != "" {
		if !provider.TimestampFresh(ts, time.Now(), provider.SignatureTolerance) {
			return false, nil
		}
		message = []byte(ts + "." + reqID + "." + string(request.Body))
	}

	expected := provider.HMACSHA256Hex([]byte(p.webhookSecret), message)
	return provider.SecureCompare(expected, signature), nil
}

// ExtractEvent pulls the payment confirmation out of a webhook payload. SCB
// confirmations carry our reference in ref1 and have no event id of their
// own, so one is derived from the bank transaction id.
func (p *Provider) ExtractEvent(payload []byte) (*provider.WebhookData, error) {
	var event struct {
		EventType     string `json:"eventType"`
		TransactionID string `json:"transactionId"`
		Ref1          string `json:"billPaymentRef1"`
		StatusCode    string `json:"statusCode"`
		Amount        string `json:"amount"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("scb: parse event: %w", err)
	}
	if event.TransactionID == "" {
		return nil, errors.New("scb: transaction id missing")
	}

	eventType := event.EventType
	if eventType == "" {
		eventType = "payment.confirmation"
	}
	status := mapStatus(event.StatusCode)
	if event.StatusCode == "" {
		// Confirmation callbacks only fire for settled payments.
		status = provider.StatusSucceeded
	}
	return &provider.WebhookData{
		ProviderEventID:       "scb_" + event.TransactionID,
		EventType:             eventType,
		ProviderTransactionID: event.Ref1,
		Status:                status,
	}, nil
}

func mapStatus(code string) provider.TxStatus {
	switch code {
	case txnPaid, txnProcessed:
		return provider.StatusSucceeded
	case txnPending:
		return provider.StatusPending
	case txnFailed, txnExpired:
		return provider.StatusFailed
	default:
		return provider.StatusPending
	}
}
