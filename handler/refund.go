package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/payrelay/payrelay/gateway"
	"github.com/payrelay/payrelay/infra/middle"
	"github.com/payrelay/payrelay/infra/response"
)

// RefundService is the slice of the orchestrator the refund handler needs.
type RefundService interface {
	CreateRefund(ctx context.Context, in gateway.CreateRefundInput) (*gateway.RefundTransaction, bool, error)
	GetRefund(ctx context.Context, id string) (*gateway.RefundTransaction, error)
	ListByPayment(ctx context.Context, paymentID string) ([]*gateway.RefundTransaction, error)
}

// RefundHandler handles refund HTTP requests.
type RefundHandler struct {
	refunds RefundService
}

// NewRefundHandler creates a refund handler.
func NewRefundHandler(refunds RefundService) *RefundHandler {
	return &RefundHandler{refunds: refunds}
}

type createRefundRequest struct {
	Amount     decimal.Decimal `json:"amount"`
	RefundType string          `json:"refundType"`
	Reason     string          `json:"reason"`
}

// CreateRefund handles POST /v1/payments/{paymentID}/refund. An absent or
// zero amount refunds the remaining balance in full.
func (h *RefundHandler) CreateRefund(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	var req createRefundRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			response.Error(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request format")
			return
		}
	}

	refund, replayed, err := h.refunds.CreateRefund(ctx, gateway.CreateRefundInput{
		PaymentID:      chi.URLParam(r, "paymentID"),
		IdempotencyKey: r.Header.Get(IdempotencyHeader),
		Amount:         req.Amount,
		RefundType:     req.RefundType,
		Reason:         req.Reason,
		CorrelationID:  middle.GetCorrelationID(ctx),
	})
	if err != nil {
		response.DomainError(w, r, err)
		return
	}

	if replayed {
		response.Success(w, http.StatusOK, "Refund replayed", refund)
		return
	}
	response.Success(w, http.StatusOK, "Refund created", refund)
}

// ListRefunds handles GET /v1/payments/{paymentID}/refunds.
func (h *RefundHandler) ListRefunds(w http.ResponseWriter, r *http.Request) {
	refunds, err := h.refunds.ListByPayment(r.Context(), chi.URLParam(r, "paymentID"))
	if err != nil {
		response.DomainError(w, r, err)
		return
	}
	response.Success(w, http.StatusOK, "Refunds", refunds)
}

// GetRefund handles GET /v1/refunds/{refundID}.
func (h *RefundHandler) GetRefund(w http.ResponseWriter, r *http.Request) {
	refund, err := h.refunds.GetRefund(r.Context(), chi.URLParam(r, "refundID"))
	if err != nil {
		response.DomainError(w, r, err)
		return
	}
	response.Success(w, http.StatusOK, "Refund", refund)
}
