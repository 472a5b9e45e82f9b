package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relayq/relay-go/contracts"
)

// ExchangeDeclaration defines an exchange to be declared.
type ExchangeDeclaration struct {
	Name       string
	Type       string // "topic" for every relay exchange
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared.
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// BindingDeclaration subscribes a queue to an exchange via a routing-key
// pattern ("." separates segments, "*" matches one segment, "#" matches
// zero or more).
type BindingDeclaration struct {
	Queue     string
	Exchange  string
	Pattern   string
	Arguments amqp.Table
}

// Topology is the complete declarative shape the broker must match.
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []BindingDeclaration
}

// Merge combines two topologies into one declaration set.
func (t Topology) Merge(other Topology) Topology {
	return Topology{
		Exchanges: append(append([]ExchangeDeclaration{}, t.Exchanges...), other.Exchanges...),
		Queues:    append(append([]QueueDeclaration{}, t.Queues...), other.Queues...),
		Bindings:  append(append([]BindingDeclaration{}, t.Bindings...), other.Bindings...),
	}
}

// TopologyManager makes the broker's shape match the declared topology.
type TopologyManager struct {
	pool   *ChannelPool
	logger *slog.Logger
}

// NewTopologyManager creates a topology manager borrowing channels from pool.
func NewTopologyManager(pool *ChannelPool, logger *slog.Logger) *TopologyManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TopologyManager{pool: pool, logger: logger}
}

// declarer is the subset of *amqp.Channel used for declarations.
type declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// EnsureTopology declares every exchange, then every queue, then every
// binding (bindings depend on both endpoints existing). Declarations are
// idempotent: redeclaring with identical parameters never fails and never
// duplicates. A conflict with a differently configured broker object fails
// with a *TopologyError wrapping contracts.ErrTopologyConflict; that is a
// fatal startup condition. Safe to invoke repeatedly, including after every
// reconnect.
func (tm *TopologyManager) EnsureTopology(ctx context.Context, topology Topology) error {
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		return tm.declareAll(ch, topology)
	})
	if err != nil {
		return err
	}

	tm.logger.Debug("topology ensured",
		"exchanges", len(topology.Exchanges),
		"queues", len(topology.Queues),
		"bindings", len(topology.Bindings))
	return nil
}

func (tm *TopologyManager) declareAll(ch declarer, topology Topology) error {
	for _, exchange := range topology.Exchanges {
		err := ch.ExchangeDeclare(
			exchange.Name,
			exchange.Type,
			exchange.Durable,
			exchange.AutoDelete,
			false, // internal
			false, // no-wait
			exchange.Arguments,
		)
		if err != nil {
			return tm.wrap("exchange", exchange.Name, err)
		}
	}

	for _, queue := range topology.Queues {
		_, err := ch.QueueDeclare(
			queue.Name,
			queue.Durable,
			queue.AutoDelete,
			queue.Exclusive,
			false, // no-wait
			queue.Arguments,
		)
		if err != nil {
			return tm.wrap("queue", queue.Name, err)
		}
	}

	for _, binding := range topology.Bindings {
		err := ch.QueueBind(
			binding.Queue,
			binding.Pattern,
			binding.Exchange,
			false, // no-wait
			binding.Arguments,
		)
		if err != nil {
			return tm.wrap("binding", fmt.Sprintf("%s->%s", binding.Exchange, binding.Queue), err)
		}
	}

	return nil
}

// wrap classifies a declaration failure. AMQP 406 (precondition failed)
// means an inequivalent redeclare: same name, different configuration.
func (tm *TopologyManager) wrap(component, name string, err error) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed {
		err = fmt.Errorf("%w: %v", contracts.ErrTopologyConflict, err)
	}

	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        "declare",
		Err:       err,
		Timestamp: time.Now(),
	}
}
