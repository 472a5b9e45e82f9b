package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relayq/relay-go/contracts"
)

// PublishTransport is the broker-level publish surface this facade needs.
// Satisfied by *rabbitmq.Publisher.
type PublishTransport interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// EventPublisher serializes contract envelopes and hands them to the
// broker. The envelope's correlation ID is mirrored into the AMQP
// properties so broker tooling can trace a chain without parsing bodies.
//
// Publish success means the local channel accepted the write, not that the
// broker durably stored the message; see rabbitmq.Publisher.
type EventPublisher struct {
	transport PublishTransport
	logger    *slog.Logger
}

// EventPublisherOption configures the publisher facade.
type EventPublisherOption func(*EventPublisher)

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger *slog.Logger) EventPublisherOption {
	return func(p *EventPublisher) {
		p.logger = logger
	}
}

// NewEventPublisher creates an event publisher over the given transport.
func NewEventPublisher(transport PublishTransport, options ...EventPublisherOption) *EventPublisher {
	p := &EventPublisher{
		transport: transport,
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// PublishEvent serializes the envelope and publishes it to exchange with
// the given routing key. No retry is attempted here; the caller owns the
// retry policy.
func (p *EventPublisher) PublishEvent(ctx context.Context, exchange, routingKey string, env *contracts.Envelope) error {
	body, err := env.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize %s envelope: %w", env.Type, err)
	}

	msg := amqp.Publishing{
		ContentType:   "application/json",
		MessageId:     uuid.NewString(),
		Type:          env.Type,
		CorrelationId: env.CorrelationID,
		Body:          body,
	}

	if err := p.transport.Publish(ctx, exchange, routingKey, msg); err != nil {
		return err
	}

	p.logger.Info("event published",
		"type", env.Type,
		"exchange", exchange,
		"routingKey", routingKey,
		"correlationId", env.CorrelationID)
	return nil
}

// Emit builds an envelope for eventType/data and publishes it to exchange
// using the event type as the routing key. The created envelope is returned
// so follow-up events can propagate its correlation ID.
func (p *EventPublisher) Emit(ctx context.Context, exchange, eventType string, data any, opts ...contracts.EnvelopeOption) (*contracts.Envelope, error) {
	env, err := contracts.NewEnvelope(eventType, data, opts...)
	if err != nil {
		return nil, err
	}
	if err := p.PublishEvent(ctx, exchange, eventType, env); err != nil {
		return nil, err
	}
	return env, nil
}
