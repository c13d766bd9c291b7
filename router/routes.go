// Package router wires the API surface onto chi.
package router

import (
	"github.com/go-chi/chi/v5"

	"github.com/payrelay/payrelay/infra/middle"
	v1 "github.com/payrelay/payrelay/router/v1"

	// Import for side-effect registration
	_ "github.com/payrelay/payrelay/provider/omise"
	_ "github.com/payrelay/payrelay/provider/paypal"
	_ "github.com/payrelay/payrelay/provider/scb"
	_ "github.com/payrelay/payrelay/provider/stripe"
)

// Deps carries everything the route tree needs.
type Deps = v1.Deps

// Routes registers the versioned API. Webhook ingress skips JWT (providers
// authenticate with signatures) but is rate limited per (provider, source IP).
func Routes(r chi.Router, deps Deps, jwtPublicKeyPEM, jwtIssuer, jwtAudience string, webhookLimiter middle.Limiter) {
	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middle.WebhookRateLimit(webhookLimiter))
			r.Post("/webhooks/{provider}", deps.Webhooks.HandleWebhook)
		})

		r.Group(func(r chi.Router) {
			r.Use(middle.JWTAuth(jwtPublicKeyPEM, jwtIssuer, jwtAudience))
			v1.Routes(r, deps)
		})
	})
}
