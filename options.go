package relay

import (
	"log/slog"

	"github.com/relayq/relay-go/internal/rabbitmq"
	"github.com/relayq/relay-go/messaging"
)

type clientConfig struct {
	logger            *slog.Logger
	connectionOptions []rabbitmq.ConnectionOption
	extraTopology     rabbitmq.Topology
	maxRedeliveries   int
	prefetchCount     int
	confirmMode       bool
}

func newClientConfig() *clientConfig {
	return &clientConfig{
		logger:          slog.Default(),
		maxRedeliveries: 3,
		prefetchCount:   10,
	}
}

// ClientOption configures the client.
type ClientOption func(*clientConfig)

// WithClientLogger sets the logger used by every component.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithConnectionOptions forwards options to the connection manager, e.g.
// rabbitmq.WithMaxRetries or rabbitmq.WithReconnectDelay.
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connectionOptions = append(cfg.connectionOptions, opts...)
	}
}

// WithServiceQueue declares a durable queue for this service, bound to
// exchange with the given routing-key patterns. May be repeated.
func WithServiceQueue(queue, exchange string, patterns ...string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.extraTopology = cfg.extraTopology.Merge(
			messaging.ServiceTopology(queue, exchange, patterns...))
	}
}

// WithTopology merges additional declarations into the provisioned
// topology.
func WithTopology(topology rabbitmq.Topology) ClientOption {
	return func(cfg *clientConfig) {
		cfg.extraTopology = cfg.extraTopology.Merge(topology)
	}
}

// WithMaxRedeliveries sets the per-message redelivery budget before
// dead-lettering.
func WithMaxRedeliveries(max int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.maxRedeliveries = max
	}
}

// WithPrefetchCount caps unacknowledged deliveries per subscription.
func WithPrefetchCount(count int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.prefetchCount = count
	}
}

// WithConfirmMode enables broker publisher-confirms. Without it a
// successful publish only means the local channel accepted the write.
func WithConfirmMode(enabled bool) ClientOption {
	return func(cfg *clientConfig) {
		cfg.confirmMode = enabled
	}
}
