package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/eventpipe/pkg/enums"
)

// OutboxRecord is a staged event awaiting relay to the Event Log. Sequence
// fixes insertion order; PartitionKey is the root id.
type OutboxRecord struct {
	Sequence         int64               `gorm:"column:sequence;primaryKey;autoIncrement"`
	ID               uuid.UUID           `gorm:"column:id;type:uuid;not null;uniqueIndex"`
	PartitionKey     string              `gorm:"column:partition_key;type:text;not null;index"`
	EventType        enums.EventType     `gorm:"column:event_type;type:text;not null"`
	AggregateType    enums.AggregateType `gorm:"column:aggregate_type;type:text;not null"`
	AggregateID      uuid.UUID           `gorm:"column:aggregate_id;type:uuid;not null"`
	AggregateVersion uint64              `gorm:"column:aggregate_version;not null"`
	RootType         enums.RootType      `gorm:"column:root_type;type:text;not null"`
	RootID           uuid.UUID           `gorm:"column:root_id;type:uuid;not null"`
	TransactionID    *uuid.UUID          `gorm:"column:transaction_id;type:uuid"`
	Payload          json.RawMessage     `gorm:"column:payload;type:jsonb;not null"`
	CreatedAt        time.Time           `gorm:"column:created_at;autoCreateTime"`
	RelayedAt        *time.Time          `gorm:"column:relayed_at;index"`
	AttemptCount     int                 `gorm:"column:attempt_count;not null;default:0"`
	LastError        *string             `gorm:"column:last_error"`
}

func (OutboxRecord) TableName() string { return "outbox_records" }
