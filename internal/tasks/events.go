package tasks

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/eventpipe/pkg/enums"
	"github.com/angelmondragon/eventpipe/pkg/outbox"
	"github.com/angelmondragon/eventpipe/pkg/outbox/payloads"
	"github.com/angelmondragon/eventpipe/pkg/outbox/registry"
)

// EventMeta is the envelope information every task event carries.
type EventMeta struct {
	EventID    uuid.UUID
	Key        outbox.EventKey
	OccurredAt time.Time
}

func (m EventMeta) Version() uint64 { return m.Key.Aggregate.Version }

// Event is a decoded task event. The set of kinds is closed; HandlerTable
// switches over it.
type Event interface {
	Meta() EventMeta
	isTaskEvent()
}

type TaskCreated struct {
	EventMeta
	Task payloads.TaskPayload
}

type TaskUpdated struct {
	EventMeta
	Task payloads.TaskPayload
}

// TaskDeleted is the tombstone.
type TaskDeleted struct {
	EventMeta
	Task payloads.TaskDeletedPayload
}

func (e TaskCreated) Meta() EventMeta { return e.EventMeta }
func (e TaskUpdated) Meta() EventMeta { return e.EventMeta }
func (e TaskDeleted) Meta() EventMeta { return e.EventMeta }

func (TaskCreated) isTaskEvent() {}
func (TaskUpdated) isTaskEvent() {}
func (TaskDeleted) isTaskEvent() {}

func metaOf(env outbox.PayloadEnvelope) EventMeta {
	return EventMeta{EventID: env.EventID, Key: env.Key, OccurredAt: env.OccurredAt}
}

// Catalog declares every event type the task service writes to the outbox,
// business transaction markers included.
func Catalog() (*registry.EventRegistry, error) {
	return registry.NewEventRegistry(
		registry.EventDescriptor{
			EventType:      enums.EventTaskCreated,
			AggregateType:  enums.AggregateTask,
			PayloadFactory: func() any { return &payloads.TaskPayload{} },
		},
		registry.EventDescriptor{
			EventType:      enums.EventTaskUpdated,
			AggregateType:  enums.AggregateTask,
			PayloadFactory: func() any { return &payloads.TaskPayload{} },
		},
		registry.EventDescriptor{
			EventType:      enums.EventTaskDeleted,
			AggregateType:  enums.AggregateTask,
			PayloadFactory: func() any { return &payloads.TaskDeletedPayload{} },
		},
		registry.EventDescriptor{
			EventType:     enums.EventBusinessTransactionStarted,
			AggregateType: enums.AggregateBusinessTransaction,
		},
		registry.EventDescriptor{
			EventType:     enums.EventBusinessTransactionFinished,
			AggregateType: enums.AggregateBusinessTransaction,
		},
	)
}

// NewDecoders claims every task event at the current envelope version.
func NewDecoders() (*registry.DecoderRegistry[Event], error) {
	decoders := registry.NewDecoderRegistry[Event]()
	if err := decoders.Register(enums.EventTaskCreated, outbox.EnvelopeVersion, decodeCreated); err != nil {
		return nil, err
	}
	if err := decoders.Register(enums.EventTaskUpdated, outbox.EnvelopeVersion, decodeUpdated); err != nil {
		return nil, err
	}
	if err := decoders.Register(enums.EventTaskDeleted, outbox.EnvelopeVersion, decodeDeleted); err != nil {
		return nil, err
	}
	return decoders, nil
}

func decodeCreated(env outbox.PayloadEnvelope) (Event, error) {
	task, err := registry.DecodeData[payloads.TaskPayload](env)
	if err != nil {
		return nil, err
	}
	return TaskCreated{EventMeta: metaOf(env), Task: task}, nil
}

func decodeUpdated(env outbox.PayloadEnvelope) (Event, error) {
	task, err := registry.DecodeData[payloads.TaskPayload](env)
	if err != nil {
		return nil, err
	}
	return TaskUpdated{EventMeta: metaOf(env), Task: task}, nil
}

func decodeDeleted(env outbox.PayloadEnvelope) (Event, error) {
	task, err := registry.DecodeData[payloads.TaskDeletedPayload](env)
	if err != nil {
		return nil, err
	}
	return TaskDeleted{EventMeta: metaOf(env), Task: task}, nil
}
