// Package relay wires the broker client, topology contract, and event
// facades into one entry point for services participating in the
// registration → notification choreography.
package relay

import (
	"context"
	"log/slog"

	"github.com/relayq/relay-go/health"
	"github.com/relayq/relay-go/internal/rabbitmq"
	"github.com/relayq/relay-go/messaging"
)

// Client owns the connection to the broker and lends it to the publisher,
// subscriber, and topology manager. Construction performs no I/O; call
// Connect before publishing or subscribing.
type Client struct {
	manager    *rabbitmq.ConnectionManager
	pool       *rabbitmq.ChannelPool
	topology   *rabbitmq.TopologyManager
	consumer   *rabbitmq.Consumer
	publisher  *messaging.EventPublisher
	subscriber *messaging.EventSubscriber
	checker    *health.BrokerChecker
	declared   rabbitmq.Topology
	logger     *slog.Logger
}

// NewClient creates a client for the broker at url.
func NewClient(url string, options ...ClientOption) (*Client, error) {
	cfg := newClientConfig()
	for _, opt := range options {
		opt(cfg)
	}

	manager := rabbitmq.NewConnectionManager(url,
		append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.logger)}, cfg.connectionOptions...)...)

	pool, err := rabbitmq.NewChannelPool(manager)
	if err != nil {
		return nil, err
	}

	topology := rabbitmq.NewTopologyManager(pool, cfg.logger)

	brokerPublisher := rabbitmq.NewPublisher(manager, pool,
		rabbitmq.WithConfirmMode(cfg.confirmMode),
		rabbitmq.WithPublisherLogger(cfg.logger))

	// The subscriber facade owns delivery resolution, so the broker
	// consumer must stay in manual acknowledgment mode.
	consumer := rabbitmq.NewConsumer(manager, pool,
		rabbitmq.WithAckMode(rabbitmq.AckManual),
		rabbitmq.WithPrefetchCount(cfg.prefetchCount),
		rabbitmq.WithConsumerLogger(cfg.logger))

	c := &Client{
		manager:  manager,
		pool:     pool,
		topology: topology,
		consumer: consumer,
		publisher: messaging.NewEventPublisher(brokerPublisher,
			messaging.WithPublisherLogger(cfg.logger)),
		subscriber: messaging.NewEventSubscriber(consumer, brokerPublisher,
			messaging.WithMaxRedeliveries(cfg.maxRedeliveries),
			messaging.WithSubscriberLogger(cfg.logger)),
		checker:  health.NewBrokerChecker(manager),
		declared: messaging.CoreTopology().Merge(cfg.extraTopology),
		logger:   cfg.logger,
	}

	// Broker-side state does not survive every broker restart, so the
	// declared topology is re-provisioned on each successful reconnect.
	manager.AddStateListener(&topologyReprovisioner{client: c})

	return c, nil
}

// Connect establishes the connection and provisions the declared topology.
// A topology conflict is fatal: the connection is released and the error
// surfaced so startup aborts.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.manager.Connect(ctx); err != nil {
		return err
	}
	if err := c.topology.EnsureTopology(ctx, c.declared); err != nil {
		c.manager.Close()
		return err
	}
	return nil
}

// Reconnect runs the manager's bounded reconnect loop.
func (c *Client) Reconnect(ctx context.Context) error {
	return c.manager.Reconnect(ctx)
}

// Publisher returns the event publisher facade.
func (c *Client) Publisher() *messaging.EventPublisher {
	return c.publisher
}

// Subscriber returns the event subscriber facade.
func (c *Client) Subscriber() *messaging.EventSubscriber {
	return c.subscriber
}

// Healthy reports whether the broker connection is currently usable.
// Polled by the collaborating HTTP layer; performs no I/O.
func (c *Client) Healthy() bool {
	return c.checker.Healthy()
}

// HealthChecker returns the broker checker for diagnostics endpoints.
func (c *Client) HealthChecker() *health.BrokerChecker {
	return c.checker
}

// Close shuts down gracefully: stop accepting deliveries, drain by closing
// the channels (returning in-flight unacknowledged deliveries to the
// broker), then close the connection.
func (c *Client) Close() error {
	if err := c.consumer.UnsubscribeAll(); err != nil {
		c.logger.Error("failed to stop consumers", "error", err)
	}
	if err := c.pool.Close(); err != nil {
		c.logger.Error("failed to close channel pool", "error", err)
	}
	return c.manager.Close()
}

// topologyReprovisioner re-declares the topology after every reconnect.
type topologyReprovisioner struct {
	client *Client
}

func (r *topologyReprovisioner) OnConnected() {
	if err := r.client.topology.EnsureTopology(context.Background(), r.client.declared); err != nil {
		r.client.logger.Error("failed to re-provision topology after reconnect", "error", err)
	}
}

func (r *topologyReprovisioner) OnDisconnected(err error) {
	if err != nil {
		r.client.logger.Warn("broker connection lost", "error", err)
	}
}

func (r *topologyReprovisioner) OnReconnecting(attempt int) {
	r.client.logger.Info("reconnecting to broker", "attempt", attempt)
}
