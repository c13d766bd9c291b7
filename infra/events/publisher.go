// Package events publishes domain events to the durable bus. Publishing is
// fire-and-forget: a bus outage is logged and never fails the state change
// that triggered it.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/payrelay/payrelay/gateway"
	"github.com/payrelay/payrelay/infra/logger"
)

// Publisher emits domain events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, event gateway.DomainEvent)
	Close()
}

// NATSPublisher publishes JSON events on subjects derived from the event type
// ("payment.created" -> "payrelay.payment.created").
type NATSPublisher struct {
	conn *nats.Conn
}

// NewNATSPublisher connects to the bus.
func NewNATSPublisher(url string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("payrelay"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSPublisher{conn: conn}, nil
}

// Publish sends the event. Failures are logged; the caller's state change
// stays authoritative and can be replayed from the audit log.
func (p *NATSPublisher) Publish(_ context.Context, event gateway.DomainEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		logger.Error("marshal domain event", err, logger.LogContext{
			CorrelationID: event.CorrelationID,
			Fields:        map[string]any{"type": event.Type},
		})
		return
	}

	subject := "payrelay." + event.Type
	if err := p.conn.Publish(subject, payload); err != nil {
		logger.Error("publish domain event", err, logger.LogContext{
			CorrelationID: event.CorrelationID,
			Fields: map[string]any{
				"type":    event.Type,
				"subject": subject,
			},
		})
	}
}

// Close drains the connection.
func (p *NATSPublisher) Close() {
	if p.conn != nil {
		_ = p.conn.Drain()
	}
}

// NoopPublisher drops events, used when no bus is configured.
type NoopPublisher struct{}

// NewNoopPublisher logs that events will not be delivered.
func NewNoopPublisher() *NoopPublisher {
	logger.Warn("event bus not configured; domain events will be dropped")
	return &NoopPublisher{}
}

func (*NoopPublisher) Publish(context.Context, gateway.DomainEvent) {}
func (*NoopPublisher) Close()                                       {}
