// Package handler contains the HTTP handlers for the gateway API.
package handler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/payrelay/payrelay/gateway"
	"github.com/payrelay/payrelay/infra/middle"
	"github.com/payrelay/payrelay/infra/response"
)

// maxBodyBytes bounds request bodies read into memory.
const maxBodyBytes = 1 << 20

// IdempotencyHeader carries the client's idempotency key.
const IdempotencyHeader = "Idempotency-Key"

// PaymentService is the slice of the orchestrator the payment handler needs.
type PaymentService interface {
	CreatePayment(ctx context.Context, in gateway.CreatePaymentInput) (*gateway.PaymentTransaction, bool, error)
	GetPayment(ctx context.Context, id string) (*gateway.PaymentTransaction, error)
	SyncStatus(ctx context.Context, id string) (*gateway.PaymentTransaction, error)
}

// PaymentHandler handles payment HTTP requests.
type PaymentHandler struct {
	payments PaymentService
	audit    *gateway.Auditor
	validate *validator.Validate
}

// NewPaymentHandler creates a payment handler.
func NewPaymentHandler(payments PaymentService, audit *gateway.Auditor, validate *validator.Validate) *PaymentHandler {
	return &PaymentHandler{payments: payments, audit: audit, validate: validate}
}

type createPaymentRequest struct {
	Amount      decimal.Decimal   `json:"amount"`
	Currency    string            `json:"currency" validate:"required,len=3,uppercase"`
	CustomerID  string            `json:"customerId" validate:"required"`
	OrderID     string            `json:"orderId"`
	Description string            `json:"description"`
	ReturnURL   string            `json:"returnUrl" validate:"omitempty,url,startswith=https://"`
	CancelURL   string            `json:"cancelUrl" validate:"omitempty,url,startswith=https://"`
	Metadata    map[string]string `json:"metadata"`
	Provider    string            `json:"provider"`
}

// CreatePayment handles POST /v1/payments.
func (h *PaymentHandler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		response.Error(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "unreadable request body")
		return
	}

	var req createPaymentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		response.Error(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request format")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}

	hash := sha256.Sum256(body)
	tx, replayed, err := h.payments.CreatePayment(ctx, gateway.CreatePaymentInput{
		IdempotencyKey: r.Header.Get(IdempotencyHeader),
		RequestHash:    hex.EncodeToString(hash[:]),
		Amount:         req.Amount,
		Currency:       req.Currency,
		CustomerID:     req.CustomerID,
		OrderID:        req.OrderID,
		Description:    req.Description,
		ReturnURL:      req.ReturnURL,
		CancelURL:      req.CancelURL,
		Metadata:       req.Metadata,
		Provider:       req.Provider,
		CorrelationID:  middle.GetCorrelationID(ctx),
	})
	if err != nil {
		response.DomainError(w, r, err)
		return
	}

	// Replays echo the stored transaction with the same status code as the
	// first acceptance, so retrying clients cannot tell the two apart.
	if replayed {
		response.Success(w, http.StatusCreated, "Payment replayed", tx)
		return
	}
	response.Success(w, http.StatusCreated, "Payment created", tx)
}

// GetPayment handles GET /v1/payments/{paymentID}.
func (h *PaymentHandler) GetPayment(w http.ResponseWriter, r *http.Request) {
	tx, err := h.payments.GetPayment(r.Context(), chi.URLParam(r, "paymentID"))
	if err != nil {
		response.DomainError(w, r, err)
		return
	}
	response.Success(w, http.StatusOK, "Payment", tx)
}

// SyncStatus handles POST /v1/payments/{paymentID}/sync.
func (h *PaymentHandler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	tx, err := h.payments.SyncStatus(ctx, chi.URLParam(r, "paymentID"))
	if err != nil {
		response.DomainError(w, r, err)
		return
	}
	response.Success(w, http.StatusOK, "Payment status synced", tx)
}

// GetLogs handles GET /v1/payments/{paymentID}/logs.
func (h *PaymentHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentID")
	if _, err := h.payments.GetPayment(r.Context(), paymentID); err != nil {
		response.DomainError(w, r, err)
		return
	}
	logs, err := h.audit.Trail(r.Context(), paymentID)
	if err != nil {
		response.DomainError(w, r, err)
		return
	}
	response.Success(w, http.StatusOK, "Audit trail", logs)
}
