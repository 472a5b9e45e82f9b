package messaging

import (
	"strings"

	"github.com/relayq/relay-go/internal/rabbitmq"
)

// Declared topology contract consumed by every collaborating producer and
// consumer process. All exchanges are topic exchanges and everything is
// durable; broker-side state is re-provisioned after every reconnect.
const (
	// ExchangeUserEvents carries origin-domain events emitted by the
	// registration service.
	ExchangeUserEvents = "user.events"
	// ExchangeNotificationEvents carries downstream-result events emitted
	// by the notification service.
	ExchangeNotificationEvents = "notification.events"
	// ExchangeDeadLetter receives messages that exhausted their redelivery
	// budget.
	ExchangeDeadLetter = "relay.dlx"
	// QueueDeadLetter parks dead-lettered messages for inspection.
	QueueDeadLetter = "relay.dlq"
)

// Event types threading the registration → notification choreography.
const (
	EventUserRegistered     = "user.registered"
	EventNotificationSent   = "notification.email.sent"
	EventNotificationFailed = "notification.email.failed"
)

// Headers stamped on redelivered and dead-lettered messages.
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalQueue = "x-original-queue"
	HeaderLastError     = "x-last-error"
)

// CoreTopology declares the exchanges every process depends on, plus the
// dead-letter destination.
func CoreTopology() rabbitmq.Topology {
	return rabbitmq.Topology{
		Exchanges: []rabbitmq.ExchangeDeclaration{
			{Name: ExchangeUserEvents, Type: "topic", Durable: true},
			{Name: ExchangeNotificationEvents, Type: "topic", Durable: true},
			{Name: ExchangeDeadLetter, Type: "topic", Durable: true},
		},
		Queues: []rabbitmq.QueueDeclaration{
			{Name: QueueDeadLetter, Durable: true},
		},
		Bindings: []rabbitmq.BindingDeclaration{
			{Queue: QueueDeadLetter, Exchange: ExchangeDeadLetter, Pattern: "#"},
		},
	}
}

// ServiceTopology declares one durable queue for a logical consumer role,
// bound to an exchange with one or more routing-key patterns.
func ServiceTopology(queue, exchange string, patterns ...string) rabbitmq.Topology {
	topology := rabbitmq.Topology{
		Queues: []rabbitmq.QueueDeclaration{
			{Name: queue, Durable: true},
		},
	}
	for _, pattern := range patterns {
		topology.Bindings = append(topology.Bindings, rabbitmq.BindingDeclaration{
			Queue:    queue,
			Exchange: exchange,
			Pattern:  pattern,
		})
	}
	return topology
}

// TopicMatch reports whether a routing key matches a binding pattern under
// topic-exchange rules: "." separates segments, "*" matches exactly one
// segment, "#" matches zero or more segments.
func TopicMatch(pattern, key string) bool {
	return matchSegments(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchSegments(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	if pattern[0] == "#" {
		if matchSegments(pattern[1:], key) {
			return true
		}
		if len(key) > 0 {
			return matchSegments(pattern, key[1:])
		}
		return false
	}
	if len(key) == 0 {
		return false
	}
	if pattern[0] == "*" || pattern[0] == key[0] {
		return matchSegments(pattern[1:], key[1:])
	}
	return false
}
