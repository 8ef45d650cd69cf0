package enums

import "fmt"

// AggregateType names the kind of aggregate an outbox record and event key refer to.
type AggregateType string

const (
	AggregateTask                AggregateType = "task"
	AggregateBusinessTransaction AggregateType = "business_transaction"
)

var validAggregateTypes = []AggregateType{
	AggregateTask,
	AggregateBusinessTransaction,
}

// IsValid reports whether the value matches a known aggregate type.
func (a AggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseAggregateType converts raw input into AggregateType.
func ParseAggregateType(value string) (AggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// RootType names the root context an aggregate belongs to. The root id is the
// partition key and the projection shard key.
type RootType string

const (
	RootProject RootType = "project"
)

// EventType names an event carried in the outbox and on the Event Log.
type EventType string

const (
	EventTaskCreated EventType = "task_created"
	EventTaskUpdated EventType = "task_updated"
	EventTaskDeleted EventType = "task_deleted"

	EventBusinessTransactionStarted  EventType = "business_transaction_started"
	EventBusinessTransactionFinished EventType = "business_transaction_finished"
)

var validEventTypes = []EventType{
	EventTaskCreated,
	EventTaskUpdated,
	EventTaskDeleted,
	EventBusinessTransactionStarted,
	EventBusinessTransactionFinished,
}

// IsValid reports whether the value matches a known event type.
func (e EventType) IsValid() bool {
	for _, candidate := range validEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// IsMarker reports whether the event delimits a business transaction.
func (e EventType) IsMarker() bool {
	return e == EventBusinessTransactionStarted || e == EventBusinessTransactionFinished
}

// ParseEventType converts raw input into EventType.
func ParseEventType(value string) (EventType, error) {
	for _, candidate := range validEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}
