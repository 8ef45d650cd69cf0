package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/eventpipe/pkg/enums"
)

// TaskProjection is the read model of a task. ShardKey is the project id.
type TaskProjection struct {
	ID          uuid.UUID        `gorm:"column:id;type:uuid;primaryKey"`
	ShardKey    uuid.UUID        `gorm:"column:shard_key;type:uuid;not null;index"`
	Version     uint64           `gorm:"column:version;not null"`
	Deleted     bool             `gorm:"column:deleted;not null;default:false"`
	Name        string           `gorm:"column:name;type:text;not null"`
	Status      enums.TaskStatus `gorm:"column:status;type:text;not null"`
	Assignee    *string          `gorm:"column:assignee;type:text"`
	Manpower    decimal.Decimal  `gorm:"column:manpower;type:numeric(12,2);not null"`
	LastEventAt time.Time        `gorm:"column:last_event_at;not null"`
}

func (TaskProjection) TableName() string { return "task_projections" }
