package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/eventpipe/pkg/enums"
)

// AggregateSnapshot is the latest state of one aggregate instance.
type AggregateSnapshot struct {
	AggregateType enums.AggregateType `gorm:"column:aggregate_type;type:text;primaryKey"`
	AggregateID   uuid.UUID           `gorm:"column:aggregate_id;type:uuid;primaryKey"`
	Version       uint64              `gorm:"column:version;not null"`
	RootType      enums.RootType      `gorm:"column:root_type;type:text;not null"`
	RootID        uuid.UUID           `gorm:"column:root_id;type:uuid;not null;index"`
	State         json.RawMessage     `gorm:"column:state;type:jsonb;not null"`
	Deleted       bool                `gorm:"column:deleted;not null;default:false"`
	CreatedAt     time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

func (AggregateSnapshot) TableName() string { return "aggregate_snapshots" }
