package messaging

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relayq/relay-go/contracts"
	"github.com/relayq/relay-go/internal/rabbitmq"
)

// Handler processes a deserialized envelope. A nil return acknowledges the
// delivery; an error sends it through the bounded redelivery path. Handlers
// must be idempotent: delivery is at-least-once and a retried message must
// not duplicate its side effect.
type Handler interface {
	Handle(ctx context.Context, env *contracts.Envelope) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, env *contracts.Envelope) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, env *contracts.Envelope) error {
	return f(ctx, env)
}

// SubscribeTransport is the broker-level consume surface this facade needs.
// Satisfied by *rabbitmq.Consumer in AckManual mode.
type SubscribeTransport interface {
	Subscribe(ctx context.Context, queue string, handler rabbitmq.MessageHandler) error
	Unsubscribe(queue string) error
}

// EventSubscriber delivers envelopes from a queue to a Handler and resolves
// every delivery exactly once:
//
//   - handler success: ack, the broker removes the message
//   - malformed payload: reject without requeue, so a message that can
//     never parse cannot loop forever; the handler is not invoked
//   - handler failure: bounded redelivery — the message is republished to
//     its queue with an incremented x-retry-count header and the original
//     acked; past the redelivery budget it is routed to the dead-letter
//     exchange instead of requeuing indefinitely
type EventSubscriber struct {
	consumer        SubscribeTransport
	publisher       PublishTransport
	maxRedeliveries int
	dlxExchange     string
	logger          *slog.Logger
}

// EventSubscriberOption configures the subscriber facade.
type EventSubscriberOption func(*EventSubscriber)

// WithMaxRedeliveries sets the redelivery budget before dead-lettering.
func WithMaxRedeliveries(max int) EventSubscriberOption {
	return func(s *EventSubscriber) {
		s.maxRedeliveries = max
	}
}

// WithDeadLetterExchange overrides the dead-letter destination.
func WithDeadLetterExchange(exchange string) EventSubscriberOption {
	return func(s *EventSubscriber) {
		s.dlxExchange = exchange
	}
}

// WithSubscriberLogger sets the logger.
func WithSubscriberLogger(logger *slog.Logger) EventSubscriberOption {
	return func(s *EventSubscriber) {
		s.logger = logger
	}
}

// NewEventSubscriber creates an event subscriber. The consumer transport
// must be in manual acknowledgment mode; the subscriber owns delivery
// resolution.
func NewEventSubscriber(consumer SubscribeTransport, publisher PublishTransport, options ...EventSubscriberOption) *EventSubscriber {
	s := &EventSubscriber{
		consumer:        consumer,
		publisher:       publisher,
		maxRedeliveries: 3,
		dlxExchange:     ExchangeDeadLetter,
		logger:          slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Subscribe attaches handler to queue. It fails with
// contracts.ErrNotConnected while the connection is down.
func (s *EventSubscriber) Subscribe(ctx context.Context, queue string, handler Handler) error {
	return s.consumer.Subscribe(ctx, queue, func(ctx context.Context, d amqp.Delivery) error {
		return s.handleDelivery(ctx, queue, d, handler)
	})
}

// Unsubscribe stops the subscription on queue.
func (s *EventSubscriber) Unsubscribe(queue string) error {
	return s.consumer.Unsubscribe(queue)
}

func (s *EventSubscriber) handleDelivery(ctx context.Context, queue string, d amqp.Delivery, handler Handler) error {
	env, err := contracts.Deserialize(d.Body)
	if err != nil {
		s.logger.Warn("rejecting malformed message",
			"queue", queue,
			"deliveryTag", d.DeliveryTag,
			"error", err)
		if rejectErr := d.Reject(false); rejectErr != nil {
			s.logger.Error("failed to reject malformed message", "error", rejectErr)
		}
		return err
	}

	if err := handler.Handle(ctx, env); err != nil {
		return s.redeliver(ctx, queue, d, env, err)
	}

	if ackErr := d.Ack(false); ackErr != nil {
		return fmt.Errorf("failed to ack %s: %w", env.Type, ackErr)
	}
	return nil
}

// redeliver resolves a failed delivery: requeue with an incremented retry
// counter while budget remains, dead-letter once it is spent. The original
// delivery is acked only after its replacement was accepted, so the message
// is never lost in between.
func (s *EventSubscriber) redeliver(ctx context.Context, queue string, d amqp.Delivery, env *contracts.Envelope, handlerErr error) error {
	count := retryCount(d.Headers) + 1

	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[HeaderRetryCount] = int32(count)
	headers[HeaderLastError] = handlerErr.Error()
	if _, ok := headers[HeaderOriginalQueue]; !ok {
		headers[HeaderOriginalQueue] = queue
	}

	msg := amqp.Publishing{
		ContentType:   d.ContentType,
		MessageId:     d.MessageId,
		Type:          d.Type,
		CorrelationId: d.CorrelationId,
		Headers:       headers,
		Body:          d.Body,
	}

	if count > s.maxRedeliveries {
		if err := s.publisher.Publish(ctx, s.dlxExchange, queue, msg); err != nil {
			// Could not park it; requeue so the message is not lost.
			s.nackRequeue(d)
			return fmt.Errorf("failed to dead-letter %s after %d attempts: %w", env.Type, count, err)
		}
		s.logger.Error("message dead-lettered",
			"queue", queue,
			"type", env.Type,
			"correlationId", env.CorrelationID,
			"attempts", count,
			"lastError", handlerErr)
		if ackErr := d.Ack(false); ackErr != nil {
			return fmt.Errorf("failed to ack dead-lettered message: %w", ackErr)
		}
		return handlerErr
	}

	// Republish to the queue directly through the default exchange.
	if err := s.publisher.Publish(ctx, "", queue, msg); err != nil {
		s.nackRequeue(d)
		return fmt.Errorf("failed to requeue %s for retry %d: %w", env.Type, count, err)
	}

	s.logger.Warn("message scheduled for redelivery",
		"queue", queue,
		"type", env.Type,
		"correlationId", env.CorrelationID,
		"retryCount", count,
		"error", handlerErr)
	if ackErr := d.Ack(false); ackErr != nil {
		return fmt.Errorf("failed to ack redelivered message: %w", ackErr)
	}
	return handlerErr
}

func (s *EventSubscriber) nackRequeue(d amqp.Delivery) {
	if err := d.Nack(false, true); err != nil {
		s.logger.Error("failed to nack message", "error", err)
	}
}

// retryCount reads the redelivery counter header, tolerating the integer
// widths different AMQP clients write.
func retryCount(headers amqp.Table) int {
	if headers == nil {
		return 0
	}
	switch v := headers[HeaderRetryCount].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
