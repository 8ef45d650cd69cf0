package tasks

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/eventpipe/internal/aggregate"
	"github.com/angelmondragon/eventpipe/pkg/enums"
	pkgerrors "github.com/angelmondragon/eventpipe/pkg/errors"
	"github.com/angelmondragon/eventpipe/pkg/outbox"
	"github.com/angelmondragon/eventpipe/pkg/outbox/payloads"
)

// State is the snapshot of one task.
type State struct {
	ProjectID uuid.UUID        `json:"project_id"`
	Name      string           `json:"name"`
	Status    enums.TaskStatus `json:"status"`
	Assignee  *string          `json:"assignee,omitempty"`
	Manpower  decimal.Decimal  `json:"manpower"`
}

const manpowerScale = 2

var maxManpower = decimal.NewFromInt(9_999_999_999)

type CreateTask struct {
	// TaskID is optional; a new id is generated when empty.
	TaskID    uuid.UUID       `json:"task_id"`
	ProjectID uuid.UUID       `json:"project_id" validate:"required"`
	Name      string          `json:"name" validate:"required,min=1,max=200"`
	Assignee  *string         `json:"assignee,omitempty" validate:"omitempty,min=1,max=120"`
	Manpower  decimal.Decimal `json:"manpower"`
}

type UpdateTask struct {
	TaskID          uuid.UUID         `json:"task_id" validate:"required"`
	ExpectedVersion uint64            `json:"expected_version" validate:"required"`
	Name            *string           `json:"name,omitempty" validate:"omitempty,min=1,max=200"`
	Status          *enums.TaskStatus `json:"status,omitempty" validate:"omitempty,oneof=open started closed"`
	Assignee        *string           `json:"assignee,omitempty" validate:"omitempty,min=1,max=120"`
	// ClearAssignee unassigns the task. It wins over Assignee.
	ClearAssignee bool             `json:"clear_assignee,omitempty"`
	Manpower      *decimal.Decimal `json:"manpower,omitempty"`
}

type DeleteTask struct {
	TaskID          uuid.UUID `json:"task_id" validate:"required"`
	ExpectedVersion uint64    `json:"expected_version" validate:"required"`
}

// BulkCreateTasks imports several tasks under one project atomically.
type BulkCreateTasks struct {
	ProjectID uuid.UUID    `json:"project_id" validate:"required"`
	Tasks     []CreateTask `json:"tasks" validate:"required,min=1,max=100"`
}

type TaskRef struct {
	TaskID          uuid.UUID `json:"task_id" validate:"required"`
	ExpectedVersion uint64    `json:"expected_version" validate:"required"`
}

// MoveAssignee hands several tasks of one project to Assignee in one
// business transaction. A nil Assignee unassigns them.
type MoveAssignee struct {
	ProjectID uuid.UUID `json:"project_id" validate:"required"`
	Assignee  *string   `json:"assignee,omitempty" validate:"omitempty,min=1,max=120"`
	Tasks     []TaskRef `json:"tasks" validate:"required,min=1,max=100,dive"`
}

func normalizeManpower(field string, m decimal.Decimal) (decimal.Decimal, error) {
	if m.IsNegative() {
		return m, pkgerrors.New(pkgerrors.CodeValidation, "validation failed").
			WithDetails(map[string]string{field: "must not be negative"})
	}
	if m.GreaterThan(maxManpower) {
		return m, pkgerrors.New(pkgerrors.CodeValidation, "validation failed").
			WithDetails(map[string]string{field: "is too large"})
	}
	return m.Round(manpowerScale), nil
}

func (c *CreateTask) normalize() error {
	if err := validateCommand(c); err != nil {
		return err
	}
	m, err := normalizeManpower("manpower", c.Manpower)
	if err != nil {
		return err
	}
	c.Manpower = m
	return nil
}

func (c *UpdateTask) normalize() error {
	if err := validateCommand(c); err != nil {
		return err
	}
	if c.Manpower != nil {
		m, err := normalizeManpower("manpower", *c.Manpower)
		if err != nil {
			return err
		}
		c.Manpower = &m
	}
	return nil
}

var statusRank = map[enums.TaskStatus]int{
	enums.TaskOpen:    0,
	enums.TaskStarted: 1,
	enums.TaskClosed:  2,
}

// checkTransition allows a task to move forward only. Closed is final.
func checkTransition(from, to enums.TaskStatus) error {
	if from == to {
		return nil
	}
	if from == enums.TaskClosed {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "task is closed")
	}
	if statusRank[to] < statusRank[from] {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "task status cannot move back").
			WithDetails(map[string]string{"from": string(from), "to": string(to)})
	}
	return nil
}

func taskData(id aggregate.Identifier, root outbox.RootRef, s State) any {
	return payloads.TaskPayload{
		TaskID:    id.ID,
		ProjectID: root.ID,
		Name:      s.Name,
		Status:    s.Status,
		Assignee:  s.Assignee,
		Manpower:  s.Manpower,
	}
}

func tombstoneData(id aggregate.Identifier, root outbox.RootRef, _ State) any {
	return payloads.TaskDeletedPayload{TaskID: id.ID, ProjectID: root.ID}
}
