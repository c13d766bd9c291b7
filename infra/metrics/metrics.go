// Package metrics exposes prometheus instrumentation for the gateway core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PaymentsTotal counts processed payments by provider and outcome status.
	PaymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payrelay",
		Name:      "payments_total",
		Help:      "Payments processed, labelled by provider and final status.",
	}, []string{"provider", "status"})

	// RefundsTotal counts processed refunds by provider and outcome status.
	RefundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payrelay",
		Name:      "refunds_total",
		Help:      "Refunds processed, labelled by provider and final status.",
	}, []string{"provider", "status"})

	// WebhooksTotal counts ingested webhooks by provider and disposition.
	WebhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payrelay",
		Name:      "webhooks_total",
		Help:      "Webhook events ingested, labelled by provider and disposition.",
	}, []string{"provider", "disposition"})

	// BreakerTransitions counts circuit breaker state changes per key.
	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payrelay",
		Name:      "breaker_transitions_total",
		Help:      "Circuit breaker state transitions, labelled by key and new state.",
	}, []string{"key", "to"})

	// IdempotentReplays counts requests answered from the idempotency cache.
	IdempotentReplays = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payrelay",
		Name:      "idempotent_replays_total",
		Help:      "Requests answered from a previously stored result.",
	}, []string{"operation"})
)
