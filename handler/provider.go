package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/payrelay/payrelay/gateway"
	"github.com/payrelay/payrelay/infra/response"
)

// ProviderHandler handles provider registry administration.
type ProviderHandler struct {
	registry *gateway.RegistryService
	validate *validator.Validate
}

// NewProviderHandler creates a provider handler.
func NewProviderHandler(registry *gateway.RegistryService, validate *validator.Validate) *ProviderHandler {
	return &ProviderHandler{registry: registry, validate: validate}
}

// Register handles POST /v1/providers.
func (h *ProviderHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req gateway.RegisterProviderInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request format")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}

	p, err := h.registry.Register(r.Context(), req)
	if err != nil {
		response.DomainError(w, r, err)
		return
	}
	response.Success(w, http.StatusCreated, "Provider registered", p)
}

// Get handles GET /v1/providers/{providerID}. Credentials never serialize.
func (h *ProviderHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.registry.Get(r.Context(), chi.URLParam(r, "providerID"))
	if err != nil {
		response.DomainError(w, r, err)
		return
	}
	response.Success(w, http.StatusOK, "Provider", p)
}

// List handles GET /v1/providers.
func (h *ProviderHandler) List(w http.ResponseWriter, r *http.Request) {
	providers, err := h.registry.List(r.Context())
	if err != nil {
		response.DomainError(w, r, err)
		return
	}
	response.Success(w, http.StatusOK, "Providers", providers)
}

// Active handles GET /v1/providers/active?currency=XXX. It serves the same
// cached lookup the payment router uses, credentials elided.
func (h *ProviderHandler) Active(w http.ResponseWriter, r *http.Request) {
	currency := r.URL.Query().Get("currency")
	if len(currency) != 3 {
		response.Error(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "currency must be a three-letter ISO 4217 code")
		return
	}

	providers, err := h.registry.ActiveForCurrency(r.Context(), currency)
	if err != nil {
		response.DomainError(w, r, err)
		return
	}
	response.Success(w, http.StatusOK, "Active providers", providers)
}

// Update handles PUT /v1/providers/{providerID}.
func (h *ProviderHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req gateway.UpdateProviderInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request format")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}

	p, err := h.registry.Update(r.Context(), chi.URLParam(r, "providerID"), req)
	if err != nil {
		response.DomainError(w, r, err)
		return
	}
	response.Success(w, http.StatusOK, "Provider updated", p)
}

type setStatusRequest struct {
	Status gateway.ProviderStatus `json:"status" validate:"required"`
}

// SetStatus handles PATCH /v1/providers/{providerID}/status.
func (h *ProviderHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request format")
		return
	}

	if err := h.registry.SetStatus(r.Context(), chi.URLParam(r, "providerID"), req.Status); err != nil {
		response.DomainError(w, r, err)
		return
	}
	response.Success(w, http.StatusOK, "Provider status updated", nil)
}

// Delete handles DELETE /v1/providers/{providerID}.
func (h *ProviderHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Delete(r.Context(), chi.URLParam(r, "providerID")); err != nil {
		response.DomainError(w, r, err)
		return
	}
	response.Success(w, http.StatusOK, "Provider deleted", nil)
}
