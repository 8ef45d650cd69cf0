package payloads

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/eventpipe/pkg/enums"
)

// TaskPayload carries the full task snapshot so a projection can be rebuilt
// from any single event.
type TaskPayload struct {
	TaskID    uuid.UUID        `json:"task_id"`
	ProjectID uuid.UUID        `json:"project_id"`
	Name      string           `json:"name"`
	Status    enums.TaskStatus `json:"status"`
	Assignee  *string          `json:"assignee,omitempty"`
	Manpower  decimal.Decimal  `json:"manpower"`
}

// TaskDeletedPayload is the tombstone body.
type TaskDeletedPayload struct {
	TaskID    uuid.UUID `json:"task_id"`
	ProjectID uuid.UUID `json:"project_id"`
}

// AssignmentChangedNotification is published to the notification topic when
// a task changes hands.
type AssignmentChangedNotification struct {
	EventID          uuid.UUID `json:"event_id"`
	TaskID           uuid.UUID `json:"task_id"`
	ProjectID        uuid.UUID `json:"project_id"`
	Version          uint64    `json:"version"`
	PreviousAssignee *string   `json:"previous_assignee,omitempty"`
	Assignee         *string   `json:"assignee,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
}
