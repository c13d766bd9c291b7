package handler

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payrelay/payrelay/gateway"
	"github.com/payrelay/payrelay/infra/vault"
)

type stubProviderRepo struct {
	byID map[string]*gateway.Provider
}

func newStubProviderRepo() *stubProviderRepo {
	return &stubProviderRepo{byID: make(map[string]*gateway.Provider)}
}

func (r *stubProviderRepo) Create(_ context.Context, p *gateway.Provider) error {
	cp := *p
	r.byID[p.ID] = &cp
	return nil
}

func (r *stubProviderRepo) GetByID(_ context.Context, id string) (*gateway.Provider, error) {
	p, ok := r.byID[id]
	if !ok || p.DeletedAt != nil {
		return nil, gateway.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *stubProviderRepo) GetByName(_ context.Context, name string) (*gateway.Provider, error) {
	for _, p := range r.byID {
		if p.Name == name && p.DeletedAt == nil {
			cp := *p
			return &cp, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (r *stubProviderRepo) ListAll(_ context.Context) ([]*gateway.Provider, error) {
	var out []*gateway.Provider
	for _, p := range r.byID {
		if p.DeletedAt == nil {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *stubProviderRepo) ListActiveByCurrency(_ context.Context, currency string) ([]*gateway.Provider, error) {
	var out []*gateway.Provider
	for _, p := range r.byID {
		if p.DeletedAt != nil || p.Status != gateway.ProviderActive {
			continue
		}
		for _, c := range p.SupportedCurrencies {
			if c == currency {
				cp := *p
				out = append(out, &cp)
				break
			}
		}
	}
	return out, nil
}

func (r *stubProviderRepo) Update(_ context.Context, p *gateway.Provider) error {
	cp := *p
	r.byID[p.ID] = &cp
	return nil
}

func (r *stubProviderRepo) UpdateStatus(_ context.Context, id string, status gateway.ProviderStatus) error {
	p, ok := r.byID[id]
	if !ok {
		return gateway.ErrNotFound
	}
	p.Status = status
	return nil
}

func (r *stubProviderRepo) SoftDelete(_ context.Context, id string) error {
	p, ok := r.byID[id]
	if !ok {
		return gateway.ErrNotFound
	}
	now := p.UpdatedAt
	p.DeletedAt = &now
	return nil
}

func providerRouter(t *testing.T) (chi.Router, *stubProviderRepo) {
	t.Helper()
	repo := newStubProviderRepo()
	v, err := vault.New("handler-test-secret")
	require.NoError(t, err)
	svc := gateway.NewRegistryService(repo, v)
	h := NewProviderHandler(svc, validator.New())

	r := chi.NewRouter()
	r.Post("/v1/providers", h.Register)
	r.Get("/v1/providers", h.List)
	r.Get("/v1/providers/active", h.Active)
	r.Get("/v1/providers/{providerID}", h.Get)
	r.Put("/v1/providers/{providerID}", h.Update)
	r.Patch("/v1/providers/{providerID}/status", h.SetStatus)
	r.Delete("/v1/providers/{providerID}", h.Delete)
	return r, repo
}

const registerBody = `{
	"name": "stripe",
	"displayName": "Stripe",
	"supportedCurrencies": ["USD", "EUR"],
	"priority": 1,
	"credentials": {"secretKey": "sk_live_supersecret"}
}`

func TestRegisterProvider(t *testing.T) {
	router, _ := providerRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/providers", strings.NewReader(registerBody)))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), "stripe")
}

func TestProviderResponsesNeverExposeCredentials(t *testing.T) {
	router, repo := providerRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/providers", strings.NewReader(registerBody)))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotContains(t, rec.Body.String(), "sk_live_supersecret")

	var id string
	for pid := range repo.byID {
		id = pid
	}
	require.NotEmpty(t, id)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/providers/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "sk_live_supersecret")
	assert.NotContains(t, rec.Body.String(), "credentials")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/providers", nil))
	assert.NotContains(t, rec.Body.String(), "sk_live_supersecret")
}

func TestRegisterProviderValidation(t *testing.T) {
	router, _ := providerRouter(t)

	// Uppercase name violates the lowercase rule.
	body := strings.Replace(registerBody, `"stripe"`, `"Stripe"`, 1)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/providers", strings.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/providers", strings.NewReader(`{broken`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetProviderStatus(t *testing.T) {
	router, repo := providerRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/providers", strings.NewReader(registerBody)))
	require.Equal(t, http.StatusCreated, rec.Code)

	var id string
	for pid := range repo.byID {
		id = pid
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/v1/providers/"+id+"/status",
		bytes.NewReader([]byte(`{"status":"MAINTENANCE"}`))))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, gateway.ProviderMaintenance, repo.byID[id].Status)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/v1/providers/"+id+"/status",
		bytes.NewReader([]byte(`{"status":"BROKEN"}`))))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestActiveProvidersForCurrency(t *testing.T) {
	router, _ := providerRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/providers", strings.NewReader(registerBody)))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/providers/active?currency=USD", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "stripe")
	assert.NotContains(t, rec.Body.String(), "sk_live_supersecret")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/providers/active?currency=THB", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "stripe")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/providers/active", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteProvider(t *testing.T) {
	router, repo := providerRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/providers", strings.NewReader(registerBody)))
	require.Equal(t, http.StatusCreated, rec.Code)

	var id string
	for pid := range repo.byID {
		id = pid
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/providers/"+id, nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/providers/"+id, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetProviderNotFound(t *testing.T) {
	router, _ := providerRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/providers/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
