package es

import (
	"encoding/json"
	"fmt"
	"time"
)

// Well-known metadata keys.
const (
	MetaCorrelationID = "correlation_id"
	MetaCausationID   = "causation_id"
)

// Metadata carries out-of-band event context such as causation and
// correlation identifiers.
type Metadata map[string]string

// Envelope wraps an event with everything needed to persist, order and
// decode it. It is the unit of storage in the EventStore; envelopes are
// immutable once appended.
type Envelope struct {
	// ID is the unique identifier of this envelope.
	ID string `json:"id"`
	// Seq is the global sequence number assigned by the store at commit.
	// It totally orders events across all aggregates and is never reused
	// or skipped.
	Seq uint64 `json:"seq"`
	// Version is the per-aggregate stream position (1, 2, 3, ...).
	Version Version `json:"version"`
	// AggregateType identifies the kind of aggregate this event belongs to.
	AggregateType string `json:"aggregate"`
	// AggregateID identifies the aggregate instance.
	AggregateID string `json:"aggregate_id"`
	// Type is the event type name used for decode routing.
	Type string `json:"type"`
	// EventVersion is the schema version of the payload, used for
	// upcasting. Zero is treated as 1.
	EventVersion int `json:"event_version,omitempty"`
	// OccurredAt is when the event was raised.
	OccurredAt time.Time `json:"occurred_at"`
	// Metadata holds causation/correlation ids and similar context.
	Metadata Metadata `json:"metadata,omitempty"`
	// Data is the JSON-encoded event payload.
	Data json.RawMessage `json:"data"`
}

func (e Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("envelope id is empty")
	}
	if e.AggregateType == "" {
		return fmt.Errorf("envelope aggregate type is empty")
	}
	if e.AggregateID == "" {
		return fmt.Errorf("envelope aggregate id is empty")
	}
	if e.Type == "" {
		return fmt.Errorf("envelope type is empty")
	}
	if e.Version == 0 {
		return fmt.Errorf("envelope version is zero")
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("envelope occurred at is zero")
	}
	return nil
}

// Decoder turns a stored envelope back into a typed event.
type Decoder interface {
	Decode(e Envelope) (any, error)
}
