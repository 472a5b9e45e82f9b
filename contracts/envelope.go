package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SchemaVersion is the envelope schema version stamped on every envelope
// created by this process. Consumers tolerate unknown versions; producers
// never change the version of an envelope after creation.
const SchemaVersion = "1.0"

// Envelope is the unit of transmitted work. It is created by a producer,
// immutable once serialized, and read-only at the consumer.
//
// The wire format is JSON with no significance to field order:
//
//	{ "type": "user.registered", "data": {...}, "timestamp": "2026-01-02T15:04:05Z",
//	  "correlationId": "01J...", "version": "1.0" }
type Envelope struct {
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Version       string          `json:"version"`
}

// EnvelopeOption configures envelope creation.
type EnvelopeOption func(*Envelope)

// WithCorrelationID propagates an existing correlation ID instead of
// generating a fresh one. Downstream hops reacting to the same logical
// event must carry the origin's ID unchanged.
func WithCorrelationID(id string) EnvelopeOption {
	return func(e *Envelope) {
		e.CorrelationID = id
	}
}

// WithTimestamp overrides the creation instant.
func WithTimestamp(t time.Time) EnvelopeOption {
	return func(e *Envelope) {
		e.Timestamp = t.UTC()
	}
}

// NewEnvelope creates an envelope for the given event type and payload.
// The payload is marshaled immediately so later mutation of data does not
// leak into the envelope. When no correlation ID is supplied one is
// generated, marking this envelope as the origin of a causal chain.
func NewEnvelope(eventType string, data any, opts ...EnvelopeOption) (*Envelope, error) {
	if eventType == "" {
		return nil, fmt.Errorf("envelope: event type must not be empty")
	}

	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("envelope: failed to marshal data for %s: %w", eventType, err)
	}

	e := &Envelope{
		Type:      eventType,
		Data:      body,
		Timestamp: time.Now().UTC(),
		Version:   SchemaVersion,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.CorrelationID == "" {
		e.CorrelationID = DefaultTracker.NewID()
	}

	return e, nil
}

// Serialize encodes the envelope for transmission.
func (e *Envelope) Serialize() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Deserialize decodes a received payload into an envelope. It fails with a
// *SchemaError wrapping ErrSchemaValidation when the payload is not valid
// JSON or a required field (type, data, timestamp) is absent.
func Deserialize(payload []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, &SchemaError{Err: fmt.Errorf("%w: %v", ErrSchemaValidation, err)}
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// Validate checks the required envelope fields.
func (e *Envelope) Validate() error {
	switch {
	case e.Type == "":
		return &SchemaError{Field: "type", Err: ErrSchemaValidation}
	case len(e.Data) == 0 || string(e.Data) == "null":
		return &SchemaError{Field: "data", Err: ErrSchemaValidation}
	case e.Timestamp.IsZero():
		return &SchemaError{Field: "timestamp", Err: ErrSchemaValidation}
	}
	return nil
}

// DataAs unmarshals the envelope payload into v.
func (e *Envelope) DataAs(v any) error {
	if len(e.Data) == 0 {
		return errors.New("envelope: no data")
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("envelope: failed to unmarshal %s data: %w", e.Type, err)
	}
	return nil
}
