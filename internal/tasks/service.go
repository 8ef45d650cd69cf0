package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/angelmondragon/eventpipe/internal/aggregate"
	"github.com/angelmondragon/eventpipe/internal/businesstx"
	"github.com/angelmondragon/eventpipe/pkg/db"
	"github.com/angelmondragon/eventpipe/pkg/enums"
	pkgerrors "github.com/angelmondragon/eventpipe/pkg/errors"
	"github.com/angelmondragon/eventpipe/pkg/logger"
	"github.com/angelmondragon/eventpipe/pkg/outbox"
)

// Service is the command side of the task aggregate.
type Service struct {
	handler *aggregate.Handler[State]
	coord   *businesstx.Coordinator
	logg    *logger.Logger
}

// NewService wires the task command handler and the business transaction
// coordinator over one database client and outbox writer.
func NewService(client *db.Client, emitter *outbox.Service, logg *logger.Logger) (*Service, error) {
	if client == nil {
		return nil, errors.New("db client required")
	}
	if emitter == nil {
		return nil, errors.New("outbox emitter required")
	}
	handler, err := aggregate.NewHandler[State](enums.AggregateTask, aggregate.NewSnapshotStore(client.DB()), client, emitter, logg)
	if err != nil {
		return nil, err
	}
	coord, err := businesstx.NewCoordinator(client, emitter, logg)
	if err != nil {
		return nil, err
	}
	return &Service{handler: handler, coord: coord, logg: logg}, nil
}

func projectRoot(id uuid.UUID) outbox.RootRef {
	return outbox.RootRef{Type: enums.RootProject, ID: id}
}

func (s *Service) Create(ctx context.Context, cmd CreateTask) (aggregate.Identifier, error) {
	if err := cmd.normalize(); err != nil {
		return aggregate.Identifier{}, err
	}
	return s.handler.Create(ctx, aggregate.Creation[State]{
		ID:   cmd.TaskID,
		Root: projectRoot(cmd.ProjectID),
		State: State{
			ProjectID: cmd.ProjectID,
			Name:      cmd.Name,
			Status:    enums.TaskOpen,
			Assignee:  cmd.Assignee,
			Manpower:  cmd.Manpower,
		},
		EventType: enums.EventTaskCreated,
		Data:      taskData,
	})
}

// Update applies the set fields. An update that changes nothing emits no
// event and returns the current identifier.
func (s *Service) Update(ctx context.Context, cmd UpdateTask) (aggregate.Identifier, error) {
	if err := cmd.normalize(); err != nil {
		return aggregate.Identifier{}, err
	}
	return s.handler.Update(ctx, cmd.TaskID, cmd.ExpectedVersion, func(steps *aggregate.Steps[State]) {
		steps.
			CheckPrecondition(func(state State) error {
				if cmd.Status == nil {
					if state.Status == enums.TaskClosed {
						return pkgerrors.New(pkgerrors.CodeStateConflict, "task is closed")
					}
					return nil
				}
				return checkTransition(state.Status, *cmd.Status)
			}).
			ApplyChanges(func(state *State) {
				if cmd.Name != nil {
					state.Name = *cmd.Name
				}
				if cmd.Status != nil {
					state.Status = *cmd.Status
				}
				switch {
				case cmd.ClearAssignee:
					state.Assignee = nil
				case cmd.Assignee != nil:
					assignee := *cmd.Assignee
					state.Assignee = &assignee
				}
				if cmd.Manpower != nil {
					state.Manpower = *cmd.Manpower
				}
			}).
			EmitEvent(enums.EventTaskUpdated, taskData)
	})
}

// Delete marks the task deleted and emits the tombstone.
func (s *Service) Delete(ctx context.Context, cmd DeleteTask) (aggregate.Identifier, error) {
	if err := validateCommand(&cmd); err != nil {
		return aggregate.Identifier{}, err
	}
	return s.handler.Update(ctx, cmd.TaskID, cmd.ExpectedVersion, func(steps *aggregate.Steps[State]) {
		steps.EmitTombstone(enums.EventTaskDeleted, tombstoneData)
	})
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*aggregate.Snapshot[State], error) {
	return s.handler.Get(ctx, id)
}

// BulkCreate creates every task or none. Consumers see the batch at once.
func (s *Service) BulkCreate(ctx context.Context, cmd BulkCreateTasks) (uuid.UUID, []aggregate.Identifier, error) {
	if err := validateCommand(&cmd); err != nil {
		return uuid.Nil, nil, err
	}
	for i := range cmd.Tasks {
		cmd.Tasks[i].ProjectID = cmd.ProjectID
		if err := cmd.Tasks[i].normalize(); err != nil {
			return uuid.Nil, nil, fmt.Errorf("task %d: %w", i, err)
		}
	}

	var ids []aggregate.Identifier
	txID, err := s.coord.Run(ctx, projectRoot(cmd.ProjectID), func(ctx context.Context) error {
		ids = ids[:0]
		for _, task := range cmd.Tasks {
			id, err := s.Create(ctx, task)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, nil, err
	}
	return txID, ids, nil
}

// MoveAssignee reassigns every listed task or none. Tasks already held by
// the assignee keep their version.
func (s *Service) MoveAssignee(ctx context.Context, cmd MoveAssignee) (uuid.UUID, []aggregate.Identifier, error) {
	if err := validateCommand(&cmd); err != nil {
		return uuid.Nil, nil, err
	}

	var ids []aggregate.Identifier
	txID, err := s.coord.Run(ctx, projectRoot(cmd.ProjectID), func(ctx context.Context) error {
		ids = ids[:0]
		for _, ref := range cmd.Tasks {
			id, err := s.handler.Update(ctx, ref.TaskID, ref.ExpectedVersion, func(steps *aggregate.Steps[State]) {
				steps.
					CheckPrecondition(func(state State) error {
						if steps.Current().Root.ID != cmd.ProjectID {
							return pkgerrors.New(pkgerrors.CodeStateConflict, "task belongs to another project").
								WithDetails(map[string]any{"taskId": ref.TaskID, "projectId": steps.Current().Root.ID})
						}
						if state.Status == enums.TaskClosed {
							return pkgerrors.New(pkgerrors.CodeStateConflict, "task is closed").
								WithDetails(map[string]any{"taskId": ref.TaskID})
						}
						return nil
					}).
					ApplyChanges(func(state *State) {
						if cmd.Assignee == nil {
							state.Assignee = nil
							return
						}
						assignee := *cmd.Assignee
						state.Assignee = &assignee
					}).
					EmitEvent(enums.EventTaskUpdated, taskData)
			})
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, nil, err
	}
	return txID, ids, nil
}
