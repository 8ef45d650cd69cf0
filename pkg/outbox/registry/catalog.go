package registry

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/angelmondragon/eventpipe/pkg/db/models"
	"github.com/angelmondragon/eventpipe/pkg/enums"
	"github.com/angelmondragon/eventpipe/pkg/outbox"
)

// EventDescriptor declares one event type a service emits.
type EventDescriptor struct {
	EventType     enums.EventType
	AggregateType enums.AggregateType
	// PayloadFactory returns a pointer to decode data into. Nil for markers,
	// which carry no data.
	PayloadFactory func() any
}

// ResolvedEvent is the result of validating an outbox row against the catalog.
type ResolvedEvent struct {
	Descriptor EventDescriptor
	Envelope   outbox.PayloadEnvelope
}

// EventRegistry is the catalog of declared event types.
type EventRegistry struct {
	entries map[enums.EventType]EventDescriptor
}

// NonRetryableError marks a record that cannot succeed until the deployment
// changes. The relay keeps such records and blocks their partition.
type NonRetryableError struct {
	Err error
}

func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

func (e NonRetryableError) Unwrap() error {
	return e.Err
}

func NewNonRetryableError(err error) NonRetryableError {
	return NonRetryableError{Err: err}
}

// NewEventRegistry builds the catalog. Declaring a type twice is an error.
func NewEventRegistry(descriptors ...EventDescriptor) (*EventRegistry, error) {
	reg := &EventRegistry{entries: make(map[enums.EventType]EventDescriptor, len(descriptors))}
	for _, desc := range descriptors {
		if !desc.EventType.IsValid() {
			return nil, fmt.Errorf("unknown event type %q", desc.EventType)
		}
		if !desc.AggregateType.IsValid() {
			return nil, fmt.Errorf("event %s: unknown aggregate type %q", desc.EventType, desc.AggregateType)
		}
		if _, dup := reg.entries[desc.EventType]; dup {
			return nil, fmt.Errorf("event %s declared twice", desc.EventType)
		}
		reg.entries[desc.EventType] = desc
	}
	return reg, nil
}

func (r *EventRegistry) Lookup(eventType enums.EventType) (EventDescriptor, bool) {
	desc, ok := r.entries[eventType]
	return desc, ok
}

// EventTypes lists declared types for the given aggregate types (all when
// none are given), sorted.
func (r *EventRegistry) EventTypes(aggregateTypes ...enums.AggregateType) []enums.EventType {
	wanted := map[enums.AggregateType]bool{}
	for _, at := range aggregateTypes {
		wanted[at] = true
	}
	var out []enums.EventType
	for et, desc := range r.entries {
		if len(wanted) == 0 || wanted[desc.AggregateType] {
			out = append(out, et)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Resolve validates the row against its declaration before it is relayed.
func (r *EventRegistry) Resolve(record models.OutboxRecord) (*ResolvedEvent, error) {
	desc, ok := r.entries[record.EventType]
	if !ok {
		return nil, NewNonRetryableError(fmt.Errorf("undeclared event type %s", record.EventType))
	}
	if desc.AggregateType != record.AggregateType {
		return nil, NewNonRetryableError(fmt.Errorf("aggregate mismatch: expected %s got %s", desc.AggregateType, record.AggregateType))
	}
	if record.AggregateID == uuid.Nil {
		return nil, NewNonRetryableError(fmt.Errorf("missing aggregate_id"))
	}

	envelope, err := outbox.DecodeEnvelope(record.Payload)
	if err != nil {
		return nil, NewNonRetryableError(err)
	}
	if envelope.Type != record.EventType {
		return nil, NewNonRetryableError(fmt.Errorf("envelope type %s does not match row type %s", envelope.Type, record.EventType))
	}

	if desc.PayloadFactory != nil {
		trimmed := bytes.TrimSpace(envelope.Data)
		if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
			return nil, NewNonRetryableError(fmt.Errorf("payload missing for %s", record.EventType))
		}
		if err := decodeStrict(envelope.Data, desc.PayloadFactory()); err != nil {
			return nil, NewNonRetryableError(fmt.Errorf("decode %s payload: %w", record.EventType, err))
		}
	}

	return &ResolvedEvent{Descriptor: desc, Envelope: envelope}, nil
}
