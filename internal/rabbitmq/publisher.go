package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relayq/relay-go/contracts"
)

// Publisher hands serialized envelopes to a named exchange with a routing
// key. Deliveries are always persistent and stamped with a transmission
// timestamp.
//
// A nil error from Publish means the LOCAL channel accepted the write. In
// the default fire-and-forget mode it is NOT a broker-side durability
// confirmation: the broker may still lose the message before it is written
// to disk. Callers that need the stronger guarantee must enable confirm
// mode with WithConfirmMode(true) and accept the added round trip.
type Publisher struct {
	manager        *ConnectionManager
	pool           *ChannelPool
	confirmMode    bool
	confirmTimeout time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher.
type PublisherOption func(*Publisher)

// WithConfirmMode enables broker publisher-confirms per publish.
func WithConfirmMode(enabled bool) PublisherOption {
	return func(p *Publisher) {
		p.confirmMode = enabled
	}
}

// WithConfirmTimeout bounds the wait for a broker confirmation.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a publisher borrowing channels from pool.
func NewPublisher(manager *ConnectionManager, pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		manager:        manager,
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends one message. It fails with contracts.ErrNotConnected before
// any network I/O when the connection is down; the caller decides whether
// to retry after a reconnect — no implicit queuing or retry happens here.
// A declined write surfaces as a *PublishError wrapping
// contracts.ErrPublishRejected and the message must be resubmitted.
// Channel-acquisition failures (closed or exhausted pool, cancelled
// context) are not rejections and surface as-is.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if !p.manager.IsConnected() {
		return contracts.ErrNotConnected
	}

	// Durability across broker restarts requires persistent delivery mode;
	// enforce it regardless of what the caller set.
	msg.DeliveryMode = amqp.Persistent
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	ch, err := p.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer p.pool.Put(ch)

	if p.confirmMode {
		err = p.publishWithConfirm(ctx, ch.Channel, exchange, routingKey, msg)
	} else {
		err = ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
	}
	if err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        fmt.Errorf("%w: %v", contracts.ErrPublishRejected, err),
			Timestamp:  time.Now(),
		}
	}

	p.logger.Debug("published message",
		"exchange", exchange,
		"routingKey", routingKey,
		"correlationId", msg.CorrelationId)
	return nil
}

// publishWithConfirm publishes on a confirm-mode channel and waits for the
// broker's ack.
func (p *Publisher) publishWithConfirm(ctx context.Context, ch *amqp.Channel, exchange, routingKey string, msg amqp.Publishing) error {
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("failed to enable confirms: %w", err)
	}

	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return err
	}

	select {
	case confirm := <-confirms:
		if !confirm.Ack {
			return fmt.Errorf("broker nacked delivery tag %d", confirm.DeliveryTag)
		}
		return nil
	case <-time.After(p.confirmTimeout):
		return fmt.Errorf("timeout waiting for broker confirmation")
	case <-ctx.Done():
		return ctx.Err()
	}
}
