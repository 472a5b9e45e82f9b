// Package contracts defines the wire-level contracts shared by every
// producer and consumer on the bus:
//   - Envelope: the serialized unit of work crossing the broker
//   - CorrelationTracker: generates the identifier that threads a logical
//     operation across independently deployed services
//   - The sentinel errors surfaced by the messaging core
//
// The envelope schema is versioned and JSON-encoded so that collaborating
// services written against other runtimes can interoperate.
package contracts
