package handler

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/payrelay/payrelay/gateway"
	"github.com/payrelay/payrelay/infra/middle"
	"github.com/payrelay/payrelay/infra/response"
	"github.com/payrelay/payrelay/provider"
)

// WebhookService is the slice of the processor the webhook handler needs.
type WebhookService interface {
	Ingest(ctx context.Context, providerName string, req provider.WebhookRequest) (*gateway.WebhookEvent, error)
	GetEvent(ctx context.Context, id string) (*gateway.WebhookEvent, error)
}

// WebhookHandler handles provider webhook ingress.
type WebhookHandler struct {
	webhooks WebhookService
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(webhooks WebhookService) *WebhookHandler {
	return &WebhookHandler{webhooks: webhooks}
}

// HandleWebhook handles POST /v1/webhooks/{provider}. The raw body is passed
// untouched to signature verification; any re-serialization would break the
// HMAC.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		response.Error(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "unreadable request body")
		return
	}

	headers := make(map[string]string, len(r.Header))
	for key := range r.Header {
		headers[http.CanonicalHeaderKey(key)] = r.Header.Get(key)
	}

	event, err := h.webhooks.Ingest(ctx, chi.URLParam(r, "provider"), provider.WebhookRequest{
		Body:     body,
		Headers:  headers,
		SourceIP: middle.GetClientIP(r),
	})
	if err != nil {
		response.DomainError(w, r, err)
		return
	}

	// Duplicates get a 200 so providers stop retrying; a first acceptance is
	// a 202, processing may still be in flight or scheduled for retry.
	if event.ProcessingStatus == gateway.WebhookDuplicate {
		response.Success(w, http.StatusOK, "Webhook already received", map[string]any{
			"eventId":     event.ID,
			"status":      string(event.ProcessingStatus),
			"isDuplicate": true,
		})
		return
	}
	response.Success(w, http.StatusAccepted, "Webhook accepted", map[string]any{
		"eventId":     event.ID,
		"status":      string(event.ProcessingStatus),
		"isDuplicate": false,
	})
}

// GetEvent handles GET /v1/webhooks/events/{eventID}.
func (h *WebhookHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.webhooks.GetEvent(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		response.DomainError(w, r, err)
		return
	}
	response.Success(w, http.StatusOK, "Webhook event", event)
}
