package registry

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/eventpipe/pkg/db/models"
	"github.com/angelmondragon/eventpipe/pkg/enums"
	"github.com/angelmondragon/eventpipe/pkg/outbox"
)

func newTestCatalog(t *testing.T) *EventRegistry {
	t.Helper()
	reg, err := NewEventRegistry(
		EventDescriptor{EventType: enums.EventTaskUpdated, AggregateType: enums.AggregateTask, PayloadFactory: func() any { return &statusChange{} }},
		EventDescriptor{EventType: enums.EventBusinessTransactionStarted, AggregateType: enums.AggregateBusinessTransaction},
	)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return reg
}

func buildRecord(t *testing.T, eventType enums.EventType, aggregateType enums.AggregateType, data json.RawMessage) models.OutboxRecord {
	t.Helper()
	aggID := uuid.New()
	env := outbox.PayloadEnvelope{
		Version:    outbox.EnvelopeVersion,
		EventID:    uuid.New(),
		Type:       eventType,
		Key:        outbox.EventKey{Aggregate: outbox.AggregateRef{Type: aggregateType, ID: aggID, Version: 1}, Root: outbox.RootRef{Type: enums.RootProject, ID: uuid.New()}},
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return models.OutboxRecord{
		ID:            env.EventID,
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   aggID,
		Payload:       raw,
	}
}

func TestEventRegistryResolveSuccess(t *testing.T) {
	reg := newTestCatalog(t)
	rec := buildRecord(t, enums.EventTaskUpdated, enums.AggregateTask, json.RawMessage(`{"status":"started"}`))

	resolved, err := reg.Resolve(rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.Descriptor.EventType != enums.EventTaskUpdated {
		t.Fatalf("unexpected descriptor %+v", resolved.Descriptor)
	}
	if resolved.Envelope.EventID != rec.ID {
		t.Fatalf("envelope id mismatch")
	}
}

func TestEventRegistryResolveMarkerWithoutData(t *testing.T) {
	reg := newTestCatalog(t)
	rec := buildRecord(t, enums.EventBusinessTransactionStarted, enums.AggregateBusinessTransaction, nil)
	if _, err := reg.Resolve(rec); err != nil {
		t.Fatalf("markers carry no data: %v", err)
	}
}

func TestEventRegistryResolveRejects(t *testing.T) {
	reg := newTestCatalog(t)
	cases := map[string]models.OutboxRecord{
		"undeclared":        buildRecord(t, enums.EventTaskDeleted, enums.AggregateTask, json.RawMessage(`{}`)),
		"aggregate":         buildRecord(t, enums.EventTaskUpdated, enums.AggregateBusinessTransaction, json.RawMessage(`{"status":"x"}`)),
		"missing payload":   buildRecord(t, enums.EventTaskUpdated, enums.AggregateTask, nil),
		"malformed payload": buildRecord(t, enums.EventTaskUpdated, enums.AggregateTask, json.RawMessage(`{"status":1}`)),
	}
	for name, rec := range cases {
		_, err := reg.Resolve(rec)
		var nonRetry NonRetryableError
		if !errors.As(err, &nonRetry) {
			t.Fatalf("%s: expected non-retryable error, got %v", name, err)
		}
	}
}

func TestNewEventRegistryRejectsDuplicates(t *testing.T) {
	desc := EventDescriptor{EventType: enums.EventTaskCreated, AggregateType: enums.AggregateTask}
	if _, err := NewEventRegistry(desc, desc); err == nil {
		t.Fatal("expected duplicate declaration error")
	}
}

func TestEventTypesFiltersByAggregate(t *testing.T) {
	reg := newTestCatalog(t)
	got := reg.EventTypes(enums.AggregateTask)
	if len(got) != 1 || got[0] != enums.EventTaskUpdated {
		t.Fatalf("unexpected event types %v", got)
	}
	if all := reg.EventTypes(); len(all) != 2 {
		t.Fatalf("expected all types, got %v", all)
	}
}
