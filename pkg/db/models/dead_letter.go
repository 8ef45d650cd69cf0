package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/eventpipe/pkg/enums"
)

// DeadLetter records an event a projection consumer could not apply. One row
// per consumer and event id; repeated failures bump AttemptCount.
type DeadLetter struct {
	ID            uuid.UUID              `gorm:"column:id;type:uuid;primaryKey"`
	Consumer      string                 `gorm:"column:consumer;type:text;not null;uniqueIndex:idx_dead_letter_consumer_event"`
	EventID       uuid.UUID              `gorm:"column:event_id;type:uuid;not null;uniqueIndex:idx_dead_letter_consumer_event"`
	EventType     string                 `gorm:"column:event_type;type:text;not null"`
	AggregateType string                 `gorm:"column:aggregate_type;type:text"`
	AggregateID   string                 `gorm:"column:aggregate_id;type:text"`
	Version       uint64                 `gorm:"column:aggregate_version"`
	TransactionID *uuid.UUID             `gorm:"column:transaction_id;type:uuid"`
	Partition     int                    `gorm:"column:partition;not null"`
	Offset        string                 `gorm:"column:log_offset;type:text;not null"`
	Reason        enums.DeadLetterReason `gorm:"column:reason;type:text;not null"`
	ErrorMessage  *string                `gorm:"column:error_message"`
	Payload       json.RawMessage        `gorm:"column:payload;type:jsonb"`
	AttemptCount  int                    `gorm:"column:attempt_count;not null;default:1"`
	FirstFailedAt time.Time              `gorm:"column:first_failed_at;not null"`
	LastFailedAt  time.Time              `gorm:"column:last_failed_at;not null;index"`
}

func (DeadLetter) TableName() string { return "projection_dead_letters" }
