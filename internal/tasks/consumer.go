package tasks

import (
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/eventpipe/internal/projection"
	"github.com/angelmondragon/eventpipe/pkg/db"
	"github.com/angelmondragon/eventpipe/pkg/enums"
	"github.com/angelmondragon/eventpipe/pkg/logger"
	"github.com/angelmondragon/eventpipe/pkg/metrics"
)

// ConsumerDeps wires a task projection consumer. Effects is required in
// online mode and ignored in restore mode.
type ConsumerDeps struct {
	Name        string
	DB          *db.Client
	Store       *ProjectionStore
	DeadLetters *projection.DeadLetterRepository
	Effects     *Effects
	Metrics     *metrics.ProjectionMetrics
	Logger      *logger.Logger

	// EffectAttempts and EffectBackoff tune side effect retries; zero keeps
	// the consumer defaults.
	EffectAttempts int
	EffectBackoff  time.Duration
}

// NewConsumer builds the task projection consumer for mode, checked against
// the event catalog.
func NewConsumer(mode enums.ConsumerMode, deps ConsumerDeps) (*projection.Consumer[Event], error) {
	if deps.DB == nil {
		return nil, errors.New("db client required")
	}
	store := deps.Store
	if store == nil {
		store = NewProjectionStore(deps.DB.DB())
	}
	deadLetters := deps.DeadLetters
	if deadLetters == nil {
		deadLetters = projection.NewDeadLetterRepository(deps.DB.DB())
	}

	var (
		table *HandlerTable
		err   error
	)
	switch mode {
	case enums.ModeOnline:
		table, err = NewOnlineTable(store, deps.Effects)
	case enums.ModeRestore:
		table, err = NewRestoreTable(store)
	default:
		return nil, fmt.Errorf("invalid consumer mode %q", mode)
	}
	if err != nil {
		return nil, err
	}

	catalog, err := Catalog()
	if err != nil {
		return nil, err
	}
	decoders, err := NewDecoders()
	if err != nil {
		return nil, err
	}
	name := deps.Name
	if name == "" {
		name = "task-projection-" + string(mode)
	}
	return projection.NewConsumer(projection.ConsumerParams[Event]{
		Name:           name,
		Mode:           mode,
		DB:             deps.DB,
		Catalog:        catalog,
		AggregateTypes: []enums.AggregateType{enums.AggregateTask},
		Decoders:       decoders,
		Table:          table,
		DeadLetters:    deadLetters,
		Metrics:        deps.Metrics,
		Logger:         deps.Logger,
		EffectAttempts: deps.EffectAttempts,
		EffectBackoff:  deps.EffectBackoff,
	})
}
