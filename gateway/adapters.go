package gateway

import (
	"fmt"

	"github.com/payrelay/payrelay/infra/vault"
	"github.com/payrelay/payrelay/provider"
)

// AdapterBuilder produces initialized adapter instances from provider rows.
// The chosen regional configuration supplies the base URL and timeout; the
// vault decrypts the stored credentials just-in-time, so plaintext secrets
// live only inside the adapter instance.
type AdapterBuilder struct {
	registry *provider.Registry
	vault    *vault.Vault
}

// NewAdapterBuilder creates a builder over the given adapter registry and vault.
func NewAdapterBuilder(registry *provider.Registry, v *vault.Vault) *AdapterBuilder {
	return &AdapterBuilder{registry: registry, vault: v}
}

// Build creates an initialized adapter for the provider's given region. A nil
// region selects the provider's default configuration.
func (b *AdapterBuilder) Build(p *Provider, region *ProviderConfiguration) (provider.PaymentProvider, error) {
	factory, err := b.registry.Get(p.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	if region == nil {
		region = p.DefaultConfiguration()
	}
	if region == nil {
		return nil, fmt.Errorf("%w: provider %s has no active configuration", ErrProviderUnavailable, p.Name)
	}

	creds, err := b.vault.DecryptMap(p.Credentials)
	if err != nil {
		// Undecryptable credentials are a configuration fault, not a caller error.
		return nil, fmt.Errorf("%w: decrypt credentials for %s: %v", ErrProviderUnavailable, p.Name, err)
	}

	conf := make(map[string]string, len(creds)+2)
	for k, v := range creds {
		conf[k] = v
	}
	conf["baseURL"] = region.BaseURL
	conf["timeoutMs"] = fmt.Sprintf("%d", region.Timeout.Milliseconds())

	adapter := factory()
	if err := adapter.Initialize(conf); err != nil {
		return nil, fmt.Errorf("%w: initialize %s: %v", ErrProviderUnavailable, p.Name, err)
	}
	return adapter, nil
}
