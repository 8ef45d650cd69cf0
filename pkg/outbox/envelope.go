package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/eventpipe/pkg/db/models"
	"github.com/angelmondragon/eventpipe/pkg/enums"
	"github.com/angelmondragon/eventpipe/pkg/eventlog"
)

// EnvelopeVersion is the schema version written into every envelope.
const EnvelopeVersion = 1

// AggregateRef identifies the aggregate instance and the version the event produced.
type AggregateRef struct {
	Type    enums.AggregateType `json:"type"`
	ID      uuid.UUID           `json:"id"`
	Version uint64              `json:"version"`
}

// RootRef identifies the root context. Its id is the partition key.
type RootRef struct {
	Type enums.RootType `json:"type"`
	ID   uuid.UUID      `json:"id"`
}

// EventKey is the routing and ordering key of an event.
type EventKey struct {
	Aggregate     AggregateRef `json:"aggregate"`
	Root          RootRef      `json:"root"`
	TransactionID *uuid.UUID   `json:"transactionId,omitempty"`
}

// PartitionKey returns the key events are ordered by on the log.
func (k EventKey) PartitionKey() string {
	return k.Root.ID.String()
}

// PayloadEnvelope is the stable payload structure stored in outbox_records
// and carried on the event log.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    uuid.UUID       `json:"eventId"`
	Type       enums.EventType `json:"type"`
	Key        EventKey        `json:"key"`
	OccurredAt time.Time       `json:"occurredAt"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// DecodeEnvelope parses and sanity-checks an envelope.
func DecodeEnvelope(raw []byte) (PayloadEnvelope, error) {
	var env PayloadEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return PayloadEnvelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.EventID == uuid.Nil {
		return PayloadEnvelope{}, errors.New("envelope missing eventId")
	}
	if env.Type == "" {
		return PayloadEnvelope{}, errors.New("envelope missing type")
	}
	if env.Key.Aggregate.ID == uuid.Nil || env.Key.Root.ID == uuid.Nil {
		return PayloadEnvelope{}, errors.New("envelope missing key")
	}
	return env, nil
}

// LogHeaders are the event log headers the relay attaches to a record so
// consumers can route and dead-letter it without decoding the payload.
func LogHeaders(row models.OutboxRecord) map[string]string {
	headers := map[string]string{
		eventlog.HeaderEventID:       row.ID.String(),
		eventlog.HeaderEventType:     string(row.EventType),
		eventlog.HeaderAggregateType: string(row.AggregateType),
		eventlog.HeaderAggregateID:   row.AggregateID.String(),
	}
	if row.TransactionID != nil {
		headers[eventlog.HeaderTransactionID] = row.TransactionID.String()
	}
	return headers
}
