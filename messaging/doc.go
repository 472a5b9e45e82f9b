// Package messaging provides the event-level facades over the broker
// client: publishing contract envelopes, subscribing envelope handlers with
// bounded redelivery and dead-lettering, and the declared topology contract
// shared by the registration and notification services.
package messaging
