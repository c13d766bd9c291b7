package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/payrelay/payrelay/infra/logger"
	"github.com/payrelay/payrelay/infra/vault"
)

// currencyCacheTTL bounds staleness of the per-currency provider lookup.
const currencyCacheTTL = 60 * time.Second

type currencyCacheEntry struct {
	providers []*Provider
	expiresAt time.Time
}

// RegistryService manages the provider catalogue. Credentials are encrypted
// at rest through the vault and never leave this service in plaintext; reads
// return providers with the stored ciphertext map intact so the adapter
// builder can decrypt just-in-time.
type RegistryService struct {
	repo  ProviderRepository
	vault *vault.Vault

	mu    sync.Mutex
	cache map[string]currencyCacheEntry
}

// NewRegistryService creates a registry service over the given repository.
func NewRegistryService(repo ProviderRepository, v *vault.Vault) *RegistryService {
	return &RegistryService{
		repo:  repo,
		vault: v,
		cache: make(map[string]currencyCacheEntry),
	}
}

// RegisterProviderInput is the request to register a provider.
type RegisterProviderInput struct {
	Name                string                  `json:"name" validate:"required,lowercase,alphanum"`
	DisplayName         string                  `json:"displayName" validate:"required"`
	SupportedCurrencies []string                `json:"supportedCurrencies" validate:"required,min=1,dive,len=3"`
	Priority            int                     `json:"priority"`
	Credentials         map[string]string       `json:"credentials" validate:"required"`
	Configurations      []ProviderConfiguration `json:"configurations"`
}

// Register encrypts the credentials and persists a new provider in ACTIVE
// state.
func (s *RegistryService) Register(ctx context.Context, in RegisterProviderInput) (*Provider, error) {
	if in.Name == "" {
		return nil, &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if len(in.SupportedCurrencies) == 0 {
		return nil, &ValidationError{Field: "supportedCurrencies", Reason: "at least one currency is required"}
	}
	if len(in.Credentials) == 0 {
		return nil, &ValidationError{Field: "credentials", Reason: "must not be empty"}
	}

	currencies := make([]string, len(in.SupportedCurrencies))
	for i, c := range in.SupportedCurrencies {
		currencies[i] = strings.ToUpper(c)
	}

	encrypted, err := s.vault.EncryptMap(in.Credentials)
	if err != nil {
		return nil, fmt.Errorf("encrypt credentials: %w", err)
	}

	now := time.Now().UTC()
	p := &Provider{
		ID:                  uuid.New().String(),
		Name:                strings.ToLower(in.Name),
		DisplayName:         in.DisplayName,
		Status:              ProviderActive,
		SupportedCurrencies: currencies,
		Priority:            in.Priority,
		Credentials:         encrypted,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	for i := range in.Configurations {
		cfg := in.Configurations[i]
		cfg.ID = uuid.New().String()
		cfg.ProviderID = p.ID
		if cfg.Timeout == 0 {
			cfg.Timeout = 30 * time.Second
		}
		p.Configurations = append(p.Configurations, cfg)
	}

	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}
	s.invalidate()

	logger.Info("provider registered", logger.LogContext{
		Provider: p.Name,
		Fields:   map[string]any{"id": p.ID, "currencies": currencies},
	})
	return p, nil
}

// Get returns a provider by id.
func (s *RegistryService) Get(ctx context.Context, id string) (*Provider, error) {
	return s.repo.GetByID(ctx, id)
}

// GetByName returns a provider by its short name.
func (s *RegistryService) GetByName(ctx context.Context, name string) (*Provider, error) {
	return s.repo.GetByName(ctx, strings.ToLower(name))
}

// List returns all non-deleted providers.
func (s *RegistryService) List(ctx context.Context) ([]*Provider, error) {
	return s.repo.ListAll(ctx)
}

// UpdateProviderInput carries mutable provider fields. Nil fields are left
// unchanged.
type UpdateProviderInput struct {
	DisplayName         *string           `json:"displayName"`
	SupportedCurrencies []string          `json:"supportedCurrencies" validate:"omitempty,min=1,dive,len=3"`
	Priority            *int              `json:"priority"`
	Credentials         map[string]string `json:"credentials"`
}

// Update applies a partial update. New credentials replace the stored
// ciphertext wholesale; there is no merge of individual secret fields.
func (s *RegistryService) Update(ctx context.Context, id string, in UpdateProviderInput) (*Provider, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.DisplayName != nil {
		p.DisplayName = *in.DisplayName
	}
	if len(in.SupportedCurrencies) > 0 {
		currencies := make([]string, len(in.SupportedCurrencies))
		for i, c := range in.SupportedCurrencies {
			currencies[i] = strings.ToUpper(c)
		}
		p.SupportedCurrencies = currencies
	}
	if in.Priority != nil {
		p.Priority = *in.Priority
	}
	if len(in.Credentials) > 0 {
		encrypted, err := s.vault.EncryptMap(in.Credentials)
		if err != nil {
			return nil, fmt.Errorf("encrypt credentials: %w", err)
		}
		p.Credentials = encrypted
	}
	p.UpdatedAt = time.Now().UTC()

	if err := s.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	s.invalidate()
	return p, nil
}

// SetStatus transitions a provider's operational status.
func (s *RegistryService) SetStatus(ctx context.Context, id string, status ProviderStatus) error {
	switch status {
	case ProviderActive, ProviderDisabled, ProviderDegraded, ProviderMaintenance:
	default:
		return &ValidationError{Field: "status", Reason: "unknown provider status"}
	}
	if err := s.repo.UpdateStatus(ctx, id, status); err != nil {
		return err
	}
	s.invalidate()
	logger.Info("provider status changed", logger.LogContext{
		Fields: map[string]any{"id": id, "status": status},
	})
	return nil
}

// Delete soft-deletes a provider. Historical transactions keep referring to
// the row.
func (s *RegistryService) Delete(ctx context.Context, id string) error {
	if err := s.repo.SoftDelete(ctx, id); err != nil {
		return err
	}
	s.invalidate()
	return nil
}

// ActiveForCurrency returns ACTIVE providers supporting the currency, ordered
// by priority then name. Results are cached briefly; every registry mutation
// invalidates the cache.
func (s *RegistryService) ActiveForCurrency(ctx context.Context, currency string) ([]*Provider, error) {
	currency = strings.ToUpper(currency)

	s.mu.Lock()
	entry, ok := s.cache[currency]
	s.mu.Unlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.providers, nil
	}

	providers, err := s.repo.ListActiveByCurrency(ctx, currency)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[currency] = currencyCacheEntry{
		providers: providers,
		expiresAt: time.Now().Add(currencyCacheTTL),
	}
	s.mu.Unlock()
	return providers, nil
}

func (s *RegistryService) invalidate() {
	s.mu.Lock()
	s.cache = make(map[string]currencyCacheEntry)
	s.mu.Unlock()
}
