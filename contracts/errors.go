package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when a publish or subscribe is attempted
	// while the broker connection is down. The caller decides whether to
	// retry after a reconnect.
	ErrNotConnected = errors.New("relay: not connected to broker")

	// ErrReconnectExhausted is returned when a bounded reconnect loop has
	// used up its retry budget. No further automatic recovery is attempted.
	ErrReconnectExhausted = errors.New("relay: reconnect attempts exhausted")

	// ErrPublishRejected is returned when the local channel declined the
	// write. The message was NOT sent and must be resubmitted by the caller.
	ErrPublishRejected = errors.New("relay: publish rejected by channel")

	// ErrTopologyConflict is returned when a declaration conflicts with a
	// pre-existing, differently configured object on the broker. This is a
	// fatal startup condition and is never auto-resolved.
	ErrTopologyConflict = errors.New("relay: topology declaration conflict")

	// ErrSchemaValidation is returned when a payload is not a valid envelope.
	ErrSchemaValidation = errors.New("relay: envelope schema validation failed")
)

// SchemaError reports an envelope payload that failed to deserialize or
// lacked a required field. It always wraps ErrSchemaValidation.
type SchemaError struct {
	Field string // missing or invalid field, empty if the payload did not parse
	Err   error
}

func (e *SchemaError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("envelope schema error: missing or invalid field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("envelope schema error: %v", e.Err)
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}
