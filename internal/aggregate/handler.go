package aggregate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/eventpipe/internal/businesstx"
	"github.com/angelmondragon/eventpipe/pkg/db/models"
	"github.com/angelmondragon/eventpipe/pkg/enums"
	pkgerrors "github.com/angelmondragon/eventpipe/pkg/errors"
	"github.com/angelmondragon/eventpipe/pkg/logger"
	"github.com/angelmondragon/eventpipe/pkg/outbox"
)

// Snapshot is the decoded latest state of one aggregate.
type Snapshot[S any] struct {
	Identifier Identifier
	Root       outbox.RootRef
	State      S
	Deleted    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type txRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx *gorm.DB) error) error
}

type emitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) (outbox.PayloadEnvelope, error)
}

// EventData builds the event body from the identifier the command produces
// and the next state.
type EventData[S any] func(id Identifier, root outbox.RootRef, state S) any

// Handler is the only writer of snapshots of one aggregate type. Every
// accepted command writes one snapshot and stages one outbox record in the
// same local transaction.
type Handler[S any] struct {
	aggregateType enums.AggregateType
	store         *SnapshotStore
	db            txRunner
	emitter       emitter
	logg          *logger.Logger
}

func NewHandler[S any](aggregateType enums.AggregateType, store *SnapshotStore, db txRunner, emitter emitter, logg *logger.Logger) (*Handler[S], error) {
	if !aggregateType.IsValid() {
		return nil, fmt.Errorf("unknown aggregate type %q", aggregateType)
	}
	if store == nil {
		return nil, errors.New("snapshot store required")
	}
	if db == nil {
		return nil, errors.New("transaction runner required")
	}
	if emitter == nil {
		return nil, errors.New("outbox emitter required")
	}
	return &Handler[S]{aggregateType: aggregateType, store: store, db: db, emitter: emitter, logg: logg}, nil
}

// Creation describes a command that brings an aggregate into existence.
type Creation[S any] struct {
	ID        uuid.UUID
	Root      outbox.RootRef
	State     S
	EventType enums.EventType
	Data      EventData[S]
}

// Create writes version 1 of a new aggregate. An existing id is a conflict.
func (h *Handler[S]) Create(ctx context.Context, cmd Creation[S]) (Identifier, error) {
	if cmd.ID == uuid.Nil {
		cmd.ID = uuid.New()
	}
	if cmd.Root.ID == uuid.Nil {
		return Identifier{}, pkgerrors.New(pkgerrors.CodeValidation, "root id is required")
	}
	if cmd.Data == nil {
		return Identifier{}, errors.New("creation event data required")
	}
	next := Identifier{Type: h.aggregateType, ID: cmd.ID, Version: 1}

	err := h.db.RunInTx(ctx, func(ctx context.Context, tx *gorm.DB) error {
		existing, err := h.store.Load(ctx, tx, h.aggregateType, cmd.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load snapshot")
		}
		if existing != nil {
			return NewConflictError(cmd.ID, 0, existing.Version)
		}
		state, err := json.Marshal(cmd.State)
		if err != nil {
			return err
		}
		row := models.AggregateSnapshot{
			AggregateType: h.aggregateType,
			AggregateID:   cmd.ID,
			Version:       next.Version,
			RootType:      cmd.Root.Type,
			RootID:        cmd.Root.ID,
			State:         state,
		}
		if err := h.store.Insert(ctx, tx, row); err != nil {
			return err
		}
		return h.emit(ctx, tx, cmd.EventType, next, cmd.Root, cmd.Data(next, cmd.Root, cmd.State))
	})
	if err != nil {
		return Identifier{}, err
	}
	h.logAccepted(ctx, next, cmd.EventType)
	return next, nil
}

// Update runs decide against the snapshot at expectedVersion. decide builds
// the step chain; the chain must end in exactly one event or tombstone
// unless it left the state unchanged.
func (h *Handler[S]) Update(ctx context.Context, id uuid.UUID, expectedVersion uint64, decide func(*Steps[S])) (Identifier, error) {
	if decide == nil {
		return Identifier{}, errors.New("decide function required")
	}
	var (
		result    Identifier
		eventType enums.EventType
	)
	err := h.db.RunInTx(ctx, func(ctx context.Context, tx *gorm.DB) error {
		current, err := h.load(ctx, tx, id)
		if err != nil {
			return err
		}

		next, err := cloneState(current.State)
		if err != nil {
			return err
		}
		steps := &Steps[S]{current: current, next: next}
		steps.assertVersion(expectedVersion)
		decide(steps)
		if err := steps.finalize(); err != nil {
			return err
		}
		if !steps.changed {
			result = current.Identifier
			return nil
		}

		nextID := current.Identifier.Next()
		state, err := json.Marshal(steps.next)
		if err != nil {
			return err
		}
		row := models.AggregateSnapshot{
			AggregateType: h.aggregateType,
			AggregateID:   id,
			Version:       nextID.Version,
			RootType:      current.Root.Type,
			RootID:        current.Root.ID,
			State:         state,
			Deleted:       steps.tombstone,
		}
		if err := h.store.CompareAndSwap(ctx, tx, row, current.Identifier.Version); err != nil {
			return err
		}
		if err := h.emit(ctx, tx, steps.eventType, nextID, current.Root, steps.data(nextID, current.Root, steps.next)); err != nil {
			return err
		}
		result = nextID
		eventType = steps.eventType
		return nil
	})
	if err != nil {
		return Identifier{}, err
	}
	if eventType != "" {
		h.logAccepted(ctx, result, eventType)
	}
	return result, nil
}

// Get returns the current snapshot. Deleted aggregates are not found.
func (h *Handler[S]) Get(ctx context.Context, id uuid.UUID) (*Snapshot[S], error) {
	var snap *Snapshot[S]
	err := h.db.RunInTx(ctx, func(ctx context.Context, tx *gorm.DB) error {
		var err error
		snap, err = h.load(ctx, tx, id)
		return err
	})
	return snap, err
}

func (h *Handler[S]) load(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*Snapshot[S], error) {
	ident := Identifier{Type: h.aggregateType, ID: id}
	row, err := h.store.Load(ctx, tx, h.aggregateType, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load snapshot")
	}
	if row == nil || row.Deleted {
		return nil, newNotFoundError(ident)
	}
	var state S
	if err := json.Unmarshal(row.State, &state); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode snapshot state")
	}
	ident.Version = row.Version
	return &Snapshot[S]{
		Identifier: ident,
		Root:       outbox.RootRef{Type: row.RootType, ID: row.RootID},
		State:      state,
		Deleted:    row.Deleted,
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	}, nil
}

// cloneState deep-copies state so steps never write through to the loaded snapshot.
func cloneState[S any](state S) (S, error) {
	var out S
	raw, err := json.Marshal(state)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(raw, &out)
	return out, err
}

func (h *Handler[S]) emit(ctx context.Context, tx *gorm.DB, eventType enums.EventType, id Identifier, root outbox.RootRef, data any) error {
	key := outbox.EventKey{
		Aggregate: outbox.AggregateRef{Type: id.Type, ID: id.ID, Version: id.Version},
		Root:      root,
	}
	if txID, ok := businesstx.TransactionID(ctx); ok {
		key.TransactionID = &txID
	}
	_, err := h.emitter.Emit(ctx, tx, outbox.DomainEvent{EventType: eventType, Key: key, Data: data})
	return err
}

func (h *Handler[S]) logAccepted(ctx context.Context, id Identifier, eventType enums.EventType) {
	if h.logg == nil {
		return
	}
	ctx = h.logg.WithAggregate(ctx, string(id.Type), id.ID.String(), id.Version)
	ctx = h.logg.WithField(ctx, "event_type", eventType)
	h.logg.Info(ctx, "command accepted")
}

// Steps is the chain a command runs against the loaded snapshot. The first
// failing step short-circuits the rest.
type Steps[S any] struct {
	current   *Snapshot[S]
	next      S
	err       error
	eventType enums.EventType
	data      EventData[S]
	emitted   int
	tombstone bool
	changed   bool
}

// Current returns the snapshot the command runs against.
func (s *Steps[S]) Current() *Snapshot[S] {
	return s.current
}

func (s *Steps[S]) assertVersion(expected uint64) {
	if s.current.Identifier.Version != expected {
		s.err = NewConflictError(s.current.Identifier.ID, expected, s.current.Identifier.Version)
	}
}

// CheckPrecondition rejects the command with a state conflict when check fails.
func (s *Steps[S]) CheckPrecondition(check func(state S) error) *Steps[S] {
	if s.err != nil {
		return s
	}
	if err := check(s.next); err != nil {
		if typed := pkgerrors.As(err); typed != nil {
			s.err = err
			return s
		}
		s.err = pkgerrors.Wrap(pkgerrors.CodeStateConflict, err, err.Error())
	}
	return s
}

// ApplyChanges mutates a copy of the state.
func (s *Steps[S]) ApplyChanges(apply func(state *S)) *Steps[S] {
	if s.err != nil {
		return s
	}
	apply(&s.next)
	return s
}

// EmitEvent records the event describing the change. It is dropped, together
// with the snapshot write, when the changes left the state as it was.
func (s *Steps[S]) EmitEvent(eventType enums.EventType, data EventData[S]) *Steps[S] {
	if s.err != nil {
		return s
	}
	s.emitted++
	s.eventType = eventType
	s.data = data
	return s
}

// EmitTombstone records the event that deletes the aggregate.
func (s *Steps[S]) EmitTombstone(eventType enums.EventType, data EventData[S]) *Steps[S] {
	if s.err != nil {
		return s
	}
	s.emitted++
	s.eventType = eventType
	s.data = data
	s.tombstone = true
	return s
}

func (s *Steps[S]) finalize() error {
	if s.err != nil {
		return s.err
	}
	if s.emitted != 1 || s.data == nil {
		return fmt.Errorf("command must emit exactly one event or tombstone, got %d", s.emitted)
	}
	if s.tombstone {
		s.changed = true
		return nil
	}
	before, err := json.Marshal(s.current.State)
	if err != nil {
		return err
	}
	after, err := json.Marshal(s.next)
	if err != nil {
		return err
	}
	s.changed = !bytes.Equal(before, after)
	return nil
}
