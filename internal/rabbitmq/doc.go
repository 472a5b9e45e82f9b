// Package rabbitmq provides the AMQP broker client underpinning the relay
// messaging core.
//
// This package includes:
//   - ConnectionManager: owns the broker connection, detects loss, and
//     restores it with a bounded, policy-driven reconnect loop
//   - ChannelPool: lends channels to the publisher, consumer, and topology
//     manager; only the pool creates or closes channels
//   - TopologyManager: idempotent declaration of exchanges, queues, and
//     bindings
//   - Publisher: persistent publishing with an optional confirm mode
//   - Consumer: queue subscriptions with manual acknowledgment
//
// The connection/channel pair is exclusively owned by the manager and pool;
// no other component may close or replace it.
package rabbitmq
