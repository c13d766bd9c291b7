// Package paypal implements the payment provider adapter for PayPal.
package paypal

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/payrelay/payrelay/provider"
)

const (
	endpointOAuthToken    = "/v1/oauth2/token"
	endpointOrders        = "/v2/checkout/orders"
	endpointOrderDetail   = "/v2/checkout/orders/%s"
	endpointCaptureRefund = "/v2/payments/captures/%s/refund"

	orderCreated   = "CREATED"
	orderSaved     = "SAVED"
	orderApproved  = "APPROVED"
	orderVoided    = "VOIDED"
	orderCompleted = "COMPLETED"

	headerTransmissionID  = "Paypal-Transmission-Id"
	headerTransmissionSig = "Paypal-Transmission-Sig"
	headerTransmissionTS  = "Paypal-Transmission-Time"
	headerCertURL         = "Paypal-Cert-Url"
)

// certURLPattern restricts signing certificates to PayPal-operated hosts.
var certURLPattern = regexp.MustCompile(`^(api|api-m)(\.sandbox)?\.paypal\.com$`)

// Provider implements provider.PaymentProvider for PayPal.
type Provider struct {
	clientID  string
	secret    string
	webhookID string
	client    *provider.HTTPClient

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time

	certMu    sync.Mutex
	certCache map[string]*rsa.PublicKey
}

// New creates an uninitialized PayPal adapter.
func New() provider.PaymentProvider {
	return &Provider{certCache: make(map[string]*rsa.PublicKey)}
}

// Initialize sets up the adapter with credentials and the regional base URL.
func (p *Provider) Initialize(conf map[string]string) error {
	p.clientID = conf["clientId"]
	p.secret = conf["clientSecret"]
	p.webhookID = conf["webhookId"]
	if p.clientID == "" || p.secret == "" {
		return errors.New("paypal: clientId and clientSecret are required")
	}

	timeout := 30 * time.Second
	if ms, err := strconv.Atoi(conf["timeoutMs"]); err == nil && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	p.client = provider.NewHTTPClient(&provider.HTTPClientConfig{
		BaseURL: conf["baseURL"],
		Timeout: timeout,
	})
	return nil
}

// token returns a cached OAuth2 access token, refreshing when expired.
func (p *Provider) token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.accessToken != "" && time.Now().Before(p.tokenExpiry) {
		return p.accessToken, nil
	}

	basic := base64.StdEncoding.EncodeToString([]byte(p.clientID + ":" + p.secret))
	resp, err := p.client.SendForm(ctx, &provider.HTTPRequest{
		Method:   "POST",
		Endpoint: endpointOAuthToken,
		FormData: map[string]string{"grant_type": "client_credentials"},
		Headers:  map[string]string{"Authorization": "Basic " + basic},
	})
	if err != nil {
		return "", fmt.Errorf("paypal: oauth token: %w", err)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := p.client.ParseJSON(resp, &tok); err != nil {
		return "", fmt.Errorf("paypal: parse oauth token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("paypal: empty access token")
	}

	p.accessToken = tok.AccessToken
	p.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - time.Minute)
	return p.accessToken, nil
}

type order struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Links         []link `json:"links"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

// Authorize creates a checkout order and returns the buyer approval URL.
func (p *Provider) Authorize(ctx context.Context, request provider.AuthorizeRequest) (*provider.AuthorizeResponse, error) {
	token, err := p.token(ctx)
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"reference_id": request.ReferenceID,
			"description":  request.Description,
			"amount": map[string]string{
				"currency_code": request.Currency,
				"value":         request.Amount,
			},
		}},
	}

	resp, err := p.client.SendJSON(ctx, &provider.HTTPRequest{
		Method:   "POST",
		Endpoint: endpointOrders,
		Body:     body,
		Headers: map[string]string{
			"Authorization":     "Bearer " + token,
			"PayPal-Request-Id": request.ReferenceID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("paypal: create order: %w", err)
	}

	var ord order
	if err := p.client.ParseJSON(resp, &ord); err != nil {
		return nil, fmt.Errorf("paypal: parse order: %w", err)
	}

	out := &provider.AuthorizeResponse{
		Success:               true,
		ProviderTransactionID: ord.ID,
		Status:                mapStatus(ord.Status),
		RawResponse:           string(resp.Body),
	}
	for _, l := range ord.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			out.PaymentURL = l.Href
			break
		}
	}
	return out, nil
}

// GetStatus polls an order.
func (p *Provider) GetStatus(ctx context.Context, providerTransactionID string) (*provider.StatusResponse, error) {
	if providerTransactionID == "" {
		return nil, errors.New("paypal: providerTransactionID is required")
	}
	token, err := p.token(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.SendJSON(ctx, &provider.HTTPRequest{
		Method:   "GET",
		Endpoint: fmt.Sprintf(endpointOrderDetail, providerTransactionID),
		Headers:  map[string]string{"Authorization": "Bearer " + token},
	})
	if err != nil {
		return nil, fmt.Errorf("paypal: get order: %w", err)
	}

	var ord order
	if err := p.client.ParseJSON(resp, &ord); err != nil {
		return nil, fmt.Errorf("paypal: parse order: %w", err)
	}

	out := &provider.StatusResponse{Status: mapStatus(ord.Status)}
	if out.Status == provider.StatusSucceeded {
		now := time.Now().UTC()
		out.CompletedAt = &now
	}
	return out, nil
}

// Refund refunds a captured payment. The capture id is resolved from the
// order when the stored transaction id is the order id.
func (p *Provider) Refund(ctx context.Context, request provider.RefundRequest) (*provider.RefundResponse, error) {
	token, err := p.token(ctx)
	if err != nil {
		return nil, err
	}

	captureID, err := p.resolveCapture(ctx, token, request.ProviderTransactionID)
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"amount": map[string]string{
			"currency_code": request.Currency,
			"value":         request.Amount,
		},
	}
	if request.Reason != "" {
		body["note_to_payer"] = request.Reason
	}

	resp, err := p.client.SendJSON(ctx, &provider.HTTPRequest{
		Method:   "POST",
		Endpoint: fmt.Sprintf(endpointCaptureRefund, captureID),
		Body:     body,
		Headers: map[string]string{
			"Authorization":     "Bearer " + token,
			"PayPal-Request-Id": request.ReferenceID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("paypal: refund capture: %w", err)
	}

	var refund struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := p.client.ParseJSON(resp, &refund); err != nil {
		return nil, fmt.Errorf("paypal: parse refund: %w", err)
	}

	out := &provider.RefundResponse{ProviderRefundID: refund.ID}
	switch refund.Status {
	case "COMPLETED":
		out.Success = true
		out.Status = provider.StatusSucceeded
	case "PENDING":
		out.Success = true
		out.Status = provider.StatusProcessing
	default:
		out.Status = provider.StatusFailed
		out.ErrorMessage = "refund " + refund.Status
	}
	return out, nil
}

func (p *Provider) resolveCapture(ctx context.Context, token, transactionID string) (string, error) {
	resp, err := p.client.SendJSON(ctx, &provider.HTTPRequest{
		Method:   "GET",
		Endpoint: fmt.Sprintf(endpointOrderDetail, transactionID),
		Headers:  map[string]string{"Authorization": "Bearer " + token},
	})
	if err != nil {
		// Not an order id; assume the caller stored a capture id directly.
		return transactionID, nil
	}
	var ord order
	if err := p.client.ParseJSON(resp, &ord); err != nil {
		return "", fmt.Errorf("paypal: parse order: %w", err)
	}
	for _, pu := range ord.PurchaseUnits {
		for _, c := range pu.Payments.Captures {
			return c.ID, nil
		}
	}
	return "", errors.New("paypal: order has no captured payment to refund")
}

// VerifyWebhook validates the transmission signature: SHA-256 RSA over
// "transmissionID|timestamp|webhookID|crc32(body)" with the signing
// certificate fetched from a PayPal-hosted URL.
func (p *Provider) VerifyWebhook(ctx context.Context, request provider.WebhookRequest) (bool, error) {
	if p.webhookID == "" {
		return false, errors.New("paypal: webhookId is not configured")
	}

	transmissionID := request.Headers[headerTransmissionID]
	transmissionSig := request.Headers[headerTransmissionSig]
	transmissionTS := request.Headers[headerTransmissionTS]
	certURL := request.Headers[headerCertURL]
	if transmissionID == "" || transmissionSig == "" || transmissionTS == "" || certURL == "" {
		return false, nil
	}

	pub, err := p.signingKey(ctx, certURL)
	if err != nil {
		return false, err
	}

	crc := crc32.ChecksumIEEE(request.Body)
	signed := fmt.Sprintf("%s|%s|%s|%d", transmissionID, transmissionTS, p.webhookID, crc)
	sig, err := base64.StdEncoding.DecodeString(transmissionSig)
	if err != nil {
		return false, nil
	}

	digest := sha256.Sum256([]byte(signed))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return false, nil
	}
	return true, nil
}

// signingKey fetches and caches the RSA public key behind an allow-listed
// certificate URL.
func (p *Provider) signingKey(ctx context.Context, certURL string) (*rsa.PublicKey, error) {
	u, err := url.Parse(certURL)
	if err != nil || u.Scheme != "https" || !certURLPattern.MatchString(u.Hostname()) {
		return nil, errors.New("paypal: certificate URL is not a trusted host")
	}

	p.certMu.Lock()
	defer p.certMu.Unlock()
	if key, ok := p.certCache[certURL]; ok {
		return key, nil
	}

	req, err := http.NewRequestWithContext(ctx, "GET", certURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("paypal: fetch signing certificate: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("paypal: certificate is not PEM encoded")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("paypal: parse certificate: %w", err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("paypal: certificate key is not RSA")
	}

	p.certCache[certURL] = pub
	return pub, nil
}

// ExtractEvent pulls event id, type and the affected resource from an event
// payload.
func (p *Provider) ExtractEvent(payload []byte) (*provider.WebhookData, error) {
	var event struct {
		ID           string `json:"id"`
		EventType    string `json:"event_type"`
		ResourceType string `json:"resource_type"`
		Resource     struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"resource"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("paypal: parse event: %w", err)
	}
	if event.ID == "" {
		return nil, errors.New("paypal: event id missing")
	}

	data := &provider.WebhookData{
		ProviderEventID: event.ID,
		EventType:       event.EventType,
		Status:          mapStatus(event.Resource.Status),
	}
	if event.ResourceType == "refund" {
		data.ProviderRefundID = event.Resource.ID
	} else {
		data.ProviderTransactionID = event.Resource.ID
	}
	return data, nil
}

func mapStatus(status string) provider.TxStatus {
	switch status {
	case orderCompleted:
		return provider.StatusSucceeded
	case orderApproved:
		return provider.StatusProcessing
	case orderCreated, orderSaved:
		return provider.StatusCreated
	case orderVoided, "DECLINED", "FAILED":
		return provider.StatusFailed
	default:
		return provider.StatusPending
	}
}
