// Package businesstx brackets commands against several aggregates with a
// started and a finished marker sharing one transaction id, so projection
// consumers can reveal the whole batch at once.
package businesstx

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"gorm.io/gorm"

	pkgerrors "github.com/angelmondragon/eventpipe/pkg/errors"
	"github.com/angelmondragon/eventpipe/pkg/enums"
	"github.com/angelmondragon/eventpipe/pkg/logger"
	"github.com/angelmondragon/eventpipe/pkg/outbox"
)

// Propagation decides what Begin does when ctx already carries a transaction.
type Propagation int

const (
	// Required joins an open transaction. Only the outermost Finish emits the
	// finished marker.
	Required Propagation = iota
	// RequiresNew refuses to start while another transaction is open.
	RequiresNew
)

// Marker versions. The started marker is version 1 of the transaction
// "aggregate", the finished marker version 2.
const (
	startedVersion  uint64 = 1
	finishedVersion uint64 = 2
)

type txRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx *gorm.DB) error) error
}

type emitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) (outbox.PayloadEnvelope, error)
}

type Coordinator struct {
	db      txRunner
	emitter emitter
	logg    *logger.Logger
	newID   func() uuid.UUID
}

func NewCoordinator(db txRunner, emitter emitter, logg *logger.Logger) (*Coordinator, error) {
	if db == nil {
		return nil, errors.New("transaction runner required")
	}
	if emitter == nil {
		return nil, errors.New("outbox emitter required")
	}
	return &Coordinator{db: db, emitter: emitter, logg: logg, newID: uuid.New}, nil
}

// open is the state of one business transaction shared by every context
// derived from the one Begin returned.
type open struct {
	mu       sync.Mutex
	id       uuid.UUID
	root     outbox.RootRef
	depth    int
	finished bool
}

type ctxKey struct{}

// TransactionID returns the id of the business transaction open in ctx.
func TransactionID(ctx context.Context) (uuid.UUID, bool) {
	state := fromContext(ctx)
	if state == nil {
		return uuid.Nil, false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.finished {
		return uuid.Nil, false
	}
	return state.id, true
}

func fromContext(ctx context.Context) *open {
	if ctx == nil {
		return nil
	}
	state, _ := ctx.Value(ctxKey{}).(*open)
	return state
}

// Begin opens a business transaction under root and stages its started
// marker. Commands issued with the returned context carry the transaction id.
func (c *Coordinator) Begin(ctx context.Context, root outbox.RootRef, propagation Propagation) (context.Context, uuid.UUID, error) {
	if root.ID == uuid.Nil {
		return ctx, uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, "business transaction root is required")
	}
	if current := fromContext(ctx); current != nil {
		current.mu.Lock()
		defer current.mu.Unlock()
		if !current.finished {
			if propagation == RequiresNew {
				return ctx, uuid.Nil, pkgerrors.New(pkgerrors.CodeStateConflict, "business transaction already open").
					WithDetails(map[string]any{"transactionId": current.id})
			}
			if current.root.ID != root.ID {
				return ctx, uuid.Nil, pkgerrors.New(pkgerrors.CodeStateConflict, "business transaction spans another root").
					WithDetails(map[string]any{"transactionId": current.id, "rootId": current.root.ID})
			}
			current.depth++
			return ctx, current.id, nil
		}
	}

	state := &open{id: c.newID(), root: root, depth: 1}
	if err := c.emitMarker(ctx, state, enums.EventBusinessTransactionStarted, startedVersion); err != nil {
		return ctx, uuid.Nil, err
	}
	ctx = context.WithValue(ctx, ctxKey{}, state)
	if c.logg != nil {
		ctx = c.logg.WithTransactionID(ctx, state.id.String())
		c.logg.Debug(ctx, "business transaction started")
	}
	return ctx, state.id, nil
}

// Finish closes the transaction opened in ctx. A joined transaction only
// unwinds one level.
func (c *Coordinator) Finish(ctx context.Context) error {
	state := fromContext(ctx)
	if state == nil {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "no business transaction open")
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.finished {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "business transaction already finished").
			WithDetails(map[string]any{"transactionId": state.id})
	}
	if state.depth > 1 {
		state.depth--
		return nil
	}
	if err := c.emitMarker(ctx, state, enums.EventBusinessTransactionFinished, finishedVersion); err != nil {
		return err
	}
	state.depth = 0
	state.finished = true
	if c.logg != nil {
		c.logg.Debug(ctx, "business transaction finished")
	}
	return nil
}

// Run begins a transaction, runs fn and finishes it, all in one local
// database transaction. When fn fails nothing is staged, markers included,
// and a joined transaction is left open at its previous depth.
func (c *Coordinator) Run(ctx context.Context, root outbox.RootRef, fn func(ctx context.Context) error) (uuid.UUID, error) {
	var txID uuid.UUID
	err := c.db.RunInTx(ctx, func(ctx context.Context, _ *gorm.DB) error {
		txCtx, id, err := c.Begin(ctx, root, Required)
		if err != nil {
			return err
		}
		txID = id
		joined := fromContext(ctx) == fromContext(txCtx)
		if err := fn(txCtx); err != nil {
			if joined {
				leave(txCtx)
			}
			return err
		}
		return c.Finish(txCtx)
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("business transaction: %w", err)
	}
	return txID, nil
}

// leave unwinds one joined level without finishing the transaction.
func leave(ctx context.Context) {
	state := fromContext(ctx)
	state.mu.Lock()
	defer state.mu.Unlock()
	if !state.finished && state.depth > 1 {
		state.depth--
	}
}

func (c *Coordinator) emitMarker(ctx context.Context, state *open, eventType enums.EventType, version uint64) error {
	id := state.id
	key := outbox.EventKey{
		Aggregate:     outbox.AggregateRef{Type: enums.AggregateBusinessTransaction, ID: id, Version: version},
		Root:          state.root,
		TransactionID: &id,
	}
	return c.db.RunInTx(ctx, func(ctx context.Context, tx *gorm.DB) error {
		_, err := c.emitter.Emit(ctx, tx, outbox.DomainEvent{EventType: eventType, Key: key})
		return err
	})
}
