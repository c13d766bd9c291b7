package gateway

import (
	"context"
	"fmt"

	"github.com/payrelay/payrelay/infra/logger"
	"github.com/payrelay/payrelay/infra/resilience"
)

// Router selects the provider that should carry a payment. Selection order is
// the caller's preferred provider first, then ACTIVE providers by priority
// ascending and name ascending. Providers whose circuit breaker is open are
// skipped.
type Router struct {
	registry *RegistryService
	pipeline *resilience.Pipeline
}

// NewRouter creates a router over the registry and the resilience pipeline.
func NewRouter(registry *RegistryService, pipeline *resilience.Pipeline) *Router {
	return &Router{registry: registry, pipeline: pipeline}
}

// Candidates returns the ordered provider candidates for a currency. The
// preferred provider, when named and eligible, moves to the front regardless
// of priority. ErrNoEligibleProvider is returned when nothing can take the
// payment right now.
func (r *Router) Candidates(ctx context.Context, currency, preferred string) ([]*Provider, error) {
	providers, err := r.registry.ActiveForCurrency(ctx, currency)
	if err != nil {
		return nil, fmt.Errorf("list providers for %s: %w", currency, err)
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoEligibleProvider, currency)
	}

	ordered := make([]*Provider, 0, len(providers))
	if preferred != "" {
		for _, p := range providers {
			if p.Name == preferred {
				ordered = append(ordered, p)
				break
			}
		}
	}
	for _, p := range providers {
		if preferred != "" && p.Name == preferred {
			continue
		}
		ordered = append(ordered, p)
	}

	eligible := make([]*Provider, 0, len(ordered))
	for _, p := range ordered {
		if r.pipeline.BreakerState(breakerKey(p, nil)) == resilience.BreakerOpen {
			logger.Debug("routing around open circuit", logger.LogContext{Provider: p.Name})
			continue
		}
		eligible = append(eligible, p)
	}
	if len(eligible) == 0 {
		return nil, fmt.Errorf("%w: all providers for %s are circuit-broken", ErrNoEligibleProvider, currency)
	}
	return eligible, nil
}

// breakerKey names the circuit for a provider call. Circuits are scoped per
// provider id and region so one regional outage does not shade the rest of
// the provider's capacity. A nil region resolves to the default configuration.
func breakerKey(p *Provider, region *ProviderConfiguration) string {
	if region == nil {
		region = p.DefaultConfiguration()
	}
	if region == nil {
		return p.ID
	}
	return p.ID + ":" + region.Region
}
