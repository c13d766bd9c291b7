// Package v1 registers the version 1 API routes.
package v1

import (
	"github.com/go-chi/chi/v5"

	"github.com/payrelay/payrelay/handler"
)

// Deps carries the handlers the route tree mounts.
type Deps struct {
	Payments  *handler.PaymentHandler
	Refunds   *handler.RefundHandler
	Webhooks  *handler.WebhookHandler
	Providers *handler.ProviderHandler
}

// Routes registers all authenticated v1 routes.
func Routes(r chi.Router, deps Deps) {
	r.Route("/payments", func(r chi.Router) {
		r.Post("/", deps.Payments.CreatePayment)
		r.Get("/{paymentID}", deps.Payments.GetPayment)
		r.Post("/{paymentID}/sync", deps.Payments.SyncStatus)
		r.Get("/{paymentID}/logs", deps.Payments.GetLogs)
		r.Post("/{paymentID}/refund", deps.Refunds.CreateRefund)
		r.Get("/{paymentID}/refunds", deps.Refunds.ListRefunds)
	})

	r.Get("/refunds/{refundID}", deps.Refunds.GetRefund)
	r.Get("/webhooks/events/{eventID}", deps.Webhooks.GetEvent)

	r.Route("/providers", func(r chi.Router) {
		r.Post("/", deps.Providers.Register)
		r.Get("/", deps.Providers.List)
		r.Get("/active", deps.Providers.Active)
		r.Get("/{providerID}", deps.Providers.Get)
		r.Put("/{providerID}", deps.Providers.Update)
		r.Patch("/{providerID}/status", deps.Providers.SetStatus)
		r.Delete("/{providerID}", deps.Providers.Delete)
	})
}
