package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relayq/relay-go/contracts"
)

// MessageHandler processes one delivery. In AckOnSuccess mode the returned
// error decides acknowledgment; in AckManual mode the handler must resolve
// the delivery itself, exactly once.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// AckMode selects who resolves deliveries.
type AckMode int

const (
	// AckOnSuccess acks when the handler returns nil and nacks with
	// requeue when it returns an error. Beware: with a permanently failing
	// handler this redelivers without bound. The messaging layer's
	// subscriber uses AckManual with a bounded redelivery counter instead.
	AckOnSuccess AckMode = iota
	// AckManual leaves acknowledgment to the handler.
	AckManual
)

// Consumer subscribes handlers to queues. Deliveries for one subscription
// are processed sequentially in delivery order; a slow handler backs up its
// own queue but never blocks publishes or other subscriptions, which run on
// their own channels.
type Consumer struct {
	manager         *ConnectionManager
	pool            *ChannelPool
	prefetchCount   int
	ackMode         AckMode
	consumerTag     string
	logger          *slog.Logger
	activeConsumers sync.Map
}

// ConsumerOption configures the consumer.
type ConsumerOption func(*Consumer)

// WithPrefetchCount caps unacknowledged deliveries per subscription.
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithAckMode selects the acknowledgment mode.
func WithAckMode(mode AckMode) ConsumerOption {
	return func(c *Consumer) {
		c.ackMode = mode
	}
}

// WithConsumerTag sets the consumer tag reported to the broker.
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithConsumerLogger sets the logger.
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer borrowing channels from pool.
func NewConsumer(manager *ConnectionManager, pool *ChannelPool, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:       manager,
		pool:          pool,
		prefetchCount: 10,
		ackMode:       AckOnSuccess,
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// subscription tracks one active queue subscription.
type subscription struct {
	queue          string
	tag            string
	channel        *PooledChannel
	cancel         context.CancelFunc
	done           chan struct{}
	cancelConsumer func() error
}

// Subscribe starts consuming from queue with manual (non-automatic)
// acknowledgment. It fails with contracts.ErrNotConnected, before any
// network I/O, when the connection is down. The subscription stays active
// until ctx is cancelled, Unsubscribe is called, or the channel closes;
// closing the channel returns in-flight unacknowledged deliveries to the
// broker.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler MessageHandler) error {
	if !c.manager.IsConnected() {
		return contracts.ErrNotConnected
	}
	if _, exists := c.activeConsumers.Load(queue); exists {
		return &ConsumerError{
			Queue:     queue,
			Op:        "subscribe",
			Err:       fmt.Errorf("already subscribed"),
			Timestamp: time.Now(),
		}
	}

	ch, err := c.pool.Get(ctx)
	if err != nil {
		return &ConsumerError{
			Queue:       queue,
			ConsumerTag: c.consumerTag,
			Op:          "subscribe",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		c.pool.Put(ch)
		return &ConsumerError{
			Queue:     queue,
			Op:        "set qos",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	tag := c.consumerTag
	if tag == "" {
		tag = fmt.Sprintf("relay-%s", ch.ID())
	}

	deliveries, err := ch.Consume(
		queue,
		tag,
		false, // auto-ack off: acknowledgment is decided per message
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		c.pool.Put(ch)
		return &ConsumerError{
			Queue:       queue,
			ConsumerTag: tag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		queue:   queue,
		tag:     tag,
		channel: ch,
		cancel:  cancel,
		done:    make(chan struct{}),
		cancelConsumer: func() error {
			return ch.Cancel(tag, false)
		},
	}
	c.activeConsumers.Store(queue, sub)

	go c.processDeliveries(subCtx, sub, deliveries, handler)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount)
	return nil
}

// processDeliveries runs one subscription's sequential delivery loop.
func (c *Consumer) processDeliveries(ctx context.Context, sub *subscription, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	defer func() {
		// Stop broker dispatch for this tag before the channel goes back
		// to the pool; a recycled channel must not carry a live consumer.
		if err := sub.cancelConsumer(); err != nil {
			c.logger.Warn("failed to cancel consumer",
				"queue", sub.queue,
				"consumerTag", sub.tag,
				"error", err)
		}
		// The client closes the delivery channel once cancellation is
		// confirmed; nack anything still buffered so the broker
		// redelivers it instead of holding it unacknowledged.
		for delivery := range deliveries {
			if err := delivery.Nack(false, true); err != nil {
				c.logger.Error("failed to return buffered delivery",
					"queue", sub.queue,
					"deliveryTag", delivery.DeliveryTag,
					"error", err)
			}
		}
		c.pool.Put(sub.channel)
		c.activeConsumers.Delete(sub.queue)
		c.logger.Info("consumer stopped", "queue", sub.queue)
		close(sub.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", sub.queue)
				return
			}

			if err := c.handleDelivery(ctx, delivery, handler); err != nil {
				c.logger.Error("message handling failed",
					"queue", sub.queue,
					"deliveryTag", delivery.DeliveryTag,
					"redelivered", delivery.Redelivered,
					"error", err)
			}
		}
	}
}

// handleDelivery invokes the handler and resolves the delivery exactly once
// according to the acknowledgment mode.
func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery, handler MessageHandler) error {
	err := handler(ctx, delivery)

	if c.ackMode == AckManual {
		return err
	}

	if err != nil {
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			c.logger.Error("failed to nack message",
				"error", nackErr,
				"handlerError", err)
		}
		return err
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		c.logger.Error("failed to ack message", "error", ackErr)
		return ackErr
	}
	return nil
}

// Unsubscribe stops the subscription on queue and waits for its delivery
// loop to drain.
func (c *Consumer) Unsubscribe(queue string) error {
	value, ok := c.activeConsumers.Load(queue)
	if !ok {
		return fmt.Errorf("no active consumer for queue: %s", queue)
	}

	sub := value.(*subscription)
	sub.cancel()
	<-sub.done
	return nil
}

// UnsubscribeAll stops every active subscription.
func (c *Consumer) UnsubscribeAll() error {
	var wg sync.WaitGroup
	c.activeConsumers.Range(func(key, _ any) bool {
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			if err := c.Unsubscribe(queue); err != nil {
				c.logger.Error("failed to unsubscribe", "queue", queue, "error", err)
			}
		}(key.(string))
		return true
	})
	wg.Wait()
	return nil
}

// ActiveQueues lists the queues with a running subscription.
func (c *Consumer) ActiveQueues() []string {
	var queues []string
	c.activeConsumers.Range(func(key, _ any) bool {
		queues = append(queues, key.(string))
		return true
	})
	return queues
}
