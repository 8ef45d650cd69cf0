package tasks

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/angelmondragon/eventpipe/internal/projection"
	"github.com/angelmondragon/eventpipe/pkg/db/models"
	"github.com/angelmondragon/eventpipe/pkg/enums"
	pkgerrors "github.com/angelmondragon/eventpipe/pkg/errors"
	"github.com/angelmondragon/eventpipe/pkg/outbox"
	"github.com/angelmondragon/eventpipe/pkg/outbox/payloads"
)

type (
	CreatedHandler func(ctx context.Context, tx *gorm.DB, e TaskCreated) (projection.Outcome, error)
	UpdatedHandler func(ctx context.Context, tx *gorm.DB, e TaskUpdated) (projection.Outcome, error)
	DeletedHandler func(ctx context.Context, tx *gorm.DB, e TaskDeleted) (projection.Outcome, error)
)

// HandlerTable holds exactly one handler per task event kind for one
// consumer mode.
type HandlerTable struct {
	mode    enums.ConsumerMode
	Created CreatedHandler
	Updated UpdatedHandler
	Deleted DeletedHandler
}

func (t *HandlerTable) Mode() enums.ConsumerMode { return t.mode }

func (t *HandlerTable) Validate() error {
	var missing []string
	if t.Created == nil {
		missing = append(missing, string(enums.EventTaskCreated))
	}
	if t.Updated == nil {
		missing = append(missing, string(enums.EventTaskUpdated))
	}
	if t.Deleted == nil {
		missing = append(missing, string(enums.EventTaskDeleted))
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s handler table has no handler for %v", t.mode, missing)
	}
	return nil
}

func (t *HandlerTable) Apply(ctx context.Context, tx *gorm.DB, env outbox.PayloadEnvelope, event Event) (projection.Outcome, error) {
	switch e := event.(type) {
	case TaskCreated:
		return t.Created(ctx, tx, e)
	case TaskUpdated:
		return t.Updated(ctx, tx, e)
	case TaskDeleted:
		return t.Deleted(ctx, tx, e)
	default:
		return projection.Outcome{}, pkgerrors.New(pkgerrors.CodeUnsupportedEvent, fmt.Sprintf("no task handler for %T", event)).
			WithDetails(map[string]any{"eventId": env.EventID, "eventType": env.Type})
	}
}

// cleanHandlers only touch the projection.
type cleanHandlers struct {
	mode  enums.ConsumerMode
	store *ProjectionStore
}

// write stores the next projection row when the event is admitted. It
// returns the row as it was before, nil when absent.
func (h cleanHandlers) write(ctx context.Context, tx *gorm.DB, meta EventMeta, tombstone bool, next func(prev *models.TaskProjection) models.TaskProjection) (bool, *models.TaskProjection, error) {
	prev, err := h.store.Get(ctx, tx, meta.Key.Aggregate.ID)
	if err != nil {
		return false, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load task projection")
	}
	var current *uint64
	if prev != nil {
		current = &prev.Version
	}
	ok, err := projection.AdmitEvent(ctx, h.mode, meta.Key.Aggregate.ID, current, meta.Version(), tombstone)
	if err != nil || !ok {
		return false, prev, err
	}
	row := next(prev)
	row.ID = meta.Key.Aggregate.ID
	row.Version = meta.Version()
	row.LastEventAt = meta.OccurredAt.UTC()
	if err := h.store.Save(ctx, tx, &row); err != nil {
		return false, prev, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save task projection")
	}
	return true, prev, nil
}

func fromPayload(p payloads.TaskPayload) models.TaskProjection {
	return models.TaskProjection{
		ShardKey: p.ProjectID,
		Name:     p.Name,
		Status:   p.Status,
		Assignee: p.Assignee,
		Manpower: p.Manpower,
	}
}

func (h cleanHandlers) created(ctx context.Context, tx *gorm.DB, e TaskCreated) (projection.Outcome, error) {
	ok, _, err := h.write(ctx, tx, e.EventMeta, false, func(*models.TaskProjection) models.TaskProjection {
		return fromPayload(e.Task)
	})
	return projection.Outcome{Duplicate: !ok}, err
}

func (h cleanHandlers) updated(ctx context.Context, tx *gorm.DB, e TaskUpdated) (projection.Outcome, error) {
	ok, _, err := h.write(ctx, tx, e.EventMeta, false, func(*models.TaskProjection) models.TaskProjection {
		return fromPayload(e.Task)
	})
	return projection.Outcome{Duplicate: !ok}, err
}

func (h cleanHandlers) deleted(ctx context.Context, tx *gorm.DB, e TaskDeleted) (projection.Outcome, error) {
	ok, _, err := h.write(ctx, tx, e.EventMeta, true, tombstone)
	return projection.Outcome{Duplicate: !ok}, err
}

func tombstone(prev *models.TaskProjection) models.TaskProjection {
	row := *prev
	row.Deleted = true
	return row
}

// NewRestoreTable returns the table of clean handlers.
func NewRestoreTable(store *ProjectionStore) (*HandlerTable, error) {
	if store == nil {
		return nil, errors.New("projection store required")
	}
	clean := cleanHandlers{mode: enums.ModeRestore, store: store}
	return &HandlerTable{
		mode:    enums.ModeRestore,
		Created: clean.created,
		Updated: clean.updated,
		Deleted: clean.deleted,
	}, nil
}

// NewOnlineTable wraps the clean handlers with side effects that run after
// the projection commits.
func NewOnlineTable(store *ProjectionStore, effects *Effects) (*HandlerTable, error) {
	if store == nil {
		return nil, errors.New("projection store required")
	}
	if effects == nil {
		return nil, errors.New("effects required")
	}
	clean := cleanHandlers{mode: enums.ModeOnline, store: store}
	return &HandlerTable{
		mode: enums.ModeOnline,
		Created: func(ctx context.Context, tx *gorm.DB, e TaskCreated) (projection.Outcome, error) {
			ok, _, err := clean.write(ctx, tx, e.EventMeta, false, func(*models.TaskProjection) models.TaskProjection {
				return fromPayload(e.Task)
			})
			if err != nil || !ok {
				return projection.Outcome{Duplicate: !ok}, err
			}
			c := taskChange(e.EventMeta, enums.EventTaskCreated, e.Task, nil)
			return projection.Outcome{AfterCommit: effects.afterCommit(c)}, nil
		},
		Updated: func(ctx context.Context, tx *gorm.DB, e TaskUpdated) (projection.Outcome, error) {
			ok, prev, err := clean.write(ctx, tx, e.EventMeta, false, func(*models.TaskProjection) models.TaskProjection {
				return fromPayload(e.Task)
			})
			if err != nil || !ok {
				return projection.Outcome{Duplicate: !ok}, err
			}
			c := taskChange(e.EventMeta, enums.EventTaskUpdated, e.Task, prev)
			return projection.Outcome{AfterCommit: effects.afterCommit(c)}, nil
		},
		Deleted: func(ctx context.Context, tx *gorm.DB, e TaskDeleted) (projection.Outcome, error) {
			ok, _, err := clean.write(ctx, tx, e.EventMeta, true, tombstone)
			if err != nil || !ok {
				return projection.Outcome{Duplicate: !ok}, err
			}
			c := change{
				eventID:    e.EventID,
				eventType:  enums.EventTaskDeleted,
				taskID:     e.Task.TaskID,
				projectID:  e.Task.ProjectID,
				version:    e.Version(),
				occurredAt: e.OccurredAt,
			}
			return projection.Outcome{AfterCommit: effects.afterCommit(c)}, nil
		},
	}, nil
}

func taskChange(meta EventMeta, eventType enums.EventType, task payloads.TaskPayload, prev *models.TaskProjection) change {
	var previous *string
	if prev != nil {
		previous = prev.Assignee
	}
	return change{
		eventID:          meta.EventID,
		eventType:        eventType,
		taskID:           task.TaskID,
		projectID:        task.ProjectID,
		version:          meta.Version(),
		previousAssignee: previous,
		assignee:         task.Assignee,
		assigneeChanged:  !sameAssignee(previous, task.Assignee),
		occurredAt:       meta.OccurredAt,
	}
}

func sameAssignee(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
