package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterEncryptsCredentialsAtRest(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	p, err := s.registry.Register(ctx, RegisterProviderInput{
		Name:                "fakepay",
		DisplayName:         "FakePay",
		SupportedCurrencies: []string{"thb", "usd"},
		Credentials:         map[string]string{"secretKey": "sk_live_topsecret"},
	})
	require.NoError(t, err)
	assert.Equal(t, ProviderActive, p.Status)
	assert.Equal(t, []string{"THB", "USD"}, p.SupportedCurrencies)

	// The stored value is ciphertext, never the plaintext secret.
	assert.NotEqual(t, "sk_live_topsecret", p.Credentials["secretKey"])
	assert.NotEmpty(t, p.Credentials["secretKey"])

	plain, err := s.vault.DecryptMap(p.Credentials)
	require.NoError(t, err)
	assert.Equal(t, "sk_live_topsecret", plain["secretKey"])
}

func TestRegisterValidation(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	var ve *ValidationError

	_, err := s.registry.Register(ctx, RegisterProviderInput{
		SupportedCurrencies: []string{"THB"},
		Credentials:         map[string]string{"k": "v"},
	})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "name", ve.Field)

	_, err = s.registry.Register(ctx, RegisterProviderInput{
		Name:        "fakepay",
		Credentials: map[string]string{"k": "v"},
	})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "supportedCurrencies", ve.Field)

	_, err = s.registry.Register(ctx, RegisterProviderInput{
		Name:                "fakepay",
		SupportedCurrencies: []string{"THB"},
	})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "credentials", ve.Field)
}

func TestRegisterDefaultsRegionTimeout(t *testing.T) {
	s := newStack(t)

	p, err := s.registry.Register(context.Background(), RegisterProviderInput{
		Name:                "fakepay",
		DisplayName:         "FakePay",
		SupportedCurrencies: []string{"THB"},
		Credentials:         map[string]string{"k": "v"},
		Configurations: []ProviderConfiguration{
			{Region: "ap-southeast", BaseURL: "https://api.example", Active: true},
		},
	})
	require.NoError(t, err)
	require.Len(t, p.Configurations, 1)
	assert.Equal(t, 30*time.Second, p.Configurations[0].Timeout)
	assert.Equal(t, p.ID, p.Configurations[0].ProviderID)
	assert.NotEmpty(t, p.Configurations[0].ID)
}

func TestUpdateReplacesCredentialsWholesale(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	p := s.seedProvider(t, "fakepay", 1)

	updated, err := s.registry.Update(ctx, p.ID, UpdateProviderInput{
		Credentials: map[string]string{"apiKey": "new_key"},
	})
	require.NoError(t, err)

	plain, err := s.vault.DecryptMap(updated.Credentials)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"apiKey": "new_key"}, plain)
}

func TestUpdatePartialFields(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	p := s.seedProvider(t, "fakepay", 1, "THB")

	name := "FakePay 2"
	prio := 9
	updated, err := s.registry.Update(ctx, p.ID, UpdateProviderInput{
		DisplayName:         &name,
		Priority:            &prio,
		SupportedCurrencies: []string{"usd"},
	})
	require.NoError(t, err)
	assert.Equal(t, "FakePay 2", updated.DisplayName)
	assert.Equal(t, 9, updated.Priority)
	assert.Equal(t, []string{"USD"}, updated.SupportedCurrencies)

	// Untouched fields survive.
	assert.Equal(t, p.Credentials, updated.Credentials)
}

func TestSetStatusRejectsUnknownValue(t *testing.T) {
	s := newStack(t)
	p := s.seedProvider(t, "fakepay", 1)

	err := s.registry.SetStatus(context.Background(), p.ID, ProviderStatus("BROKEN"))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "status", ve.Field)

	require.NoError(t, s.registry.SetStatus(context.Background(), p.ID, ProviderMaintenance))
	got, err := s.registry.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, ProviderMaintenance, got.Status)
}

func TestDeleteHidesProviderFromReads(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	p := s.seedProvider(t, "fakepay", 1)

	require.NoError(t, s.registry.Delete(ctx, p.ID))

	_, err := s.registry.Get(ctx, p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.registry.GetByName(ctx, "fakepay")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := s.registry.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestActiveForCurrencyCacheInvalidatedByMutation(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	p := s.seedProvider(t, "fakepay", 1, "THB")

	first, err := s.registry.ActiveForCurrency(ctx, "THB")
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Mutating the registry must bust the cached lookup immediately.
	require.NoError(t, s.registry.SetStatus(ctx, p.ID, ProviderDisabled))

	second, err := s.registry.ActiveForCurrency(ctx, "THB")
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestActiveForCurrencyServesCachedResult(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	s.seedProvider(t, "fakepay", 1, "THB")

	_, err := s.registry.ActiveForCurrency(ctx, "THB")
	require.NoError(t, err)

	// Bypass the service and flip the row directly; without a mutation through
	// the registry the cached answer keeps being served.
	raw, err := s.providers.GetByName(ctx, "fakepay")
	require.NoError(t, err)
	raw.Status = ProviderDisabled
	require.NoError(t, s.providers.Update(ctx, raw))

	cached, err := s.registry.ActiveForCurrency(ctx, "THB")
	require.NoError(t, err)
	assert.Len(t, cached, 1)
}
