package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/eventpipe/pkg/db/models"
	"github.com/angelmondragon/eventpipe/pkg/enums"
	pkgerrors "github.com/angelmondragon/eventpipe/pkg/errors"
	"github.com/angelmondragon/eventpipe/pkg/eventlog"
	"github.com/angelmondragon/eventpipe/pkg/logger"
	"github.com/angelmondragon/eventpipe/pkg/metrics"
	"github.com/angelmondragon/eventpipe/pkg/outbox/registry"
)

type txRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx *gorm.DB) error) error
}

type deadLetterRecorder interface {
	Record(ctx context.Context, row models.DeadLetter) error
	WithheldVersions(ctx context.Context, aggregateID uuid.UUID, after, before uint64) ([]uint64, error)
}

const (
	defaultEffectAttempts = 5
	defaultEffectBackoff  = 200 * time.Millisecond
	maxEffectBackoff      = 5 * time.Second
)

// ConsumerParams wires one projection consumer.
type ConsumerParams[E any] struct {
	Name           string
	Mode           enums.ConsumerMode
	DB             txRunner
	Catalog        *registry.EventRegistry
	AggregateTypes []enums.AggregateType
	Decoders       *registry.DecoderRegistry[E]
	Table          Table[E]
	DeadLetters    deadLetterRecorder
	Metrics        *metrics.ProjectionMetrics
	Logger         *logger.Logger
	// EffectAttempts bounds how often a failed side effect runs before the
	// delivery is acknowledged anyway. EffectBackoff is the first pause.
	EffectAttempts int
	EffectBackoff  time.Duration
}

// Consumer applies decoded events to a read model through the handler table
// of its mode. Each delivery is applied in one database transaction; a
// finished business transaction is applied as a single delivery.
type Consumer[E any] struct {
	name        string
	mode        enums.ConsumerMode
	db          txRunner
	decoders    *registry.DecoderRegistry[E]
	table       Table[E]
	deadLetters deadLetterRecorder
	metrics     *metrics.ProjectionMetrics
	logg        *logger.Logger

	effectAttempts int
	effectBackoff  time.Duration
	sleep          func(context.Context, time.Duration) error
}

// NewConsumer validates the wiring. It fails when the table does not match
// the mode, when the table is missing a handler, or when an event type the
// catalog declares for the consumed aggregates has no decoder.
func NewConsumer[E any](p ConsumerParams[E]) (*Consumer[E], error) {
	if p.Name == "" {
		return nil, errors.New("consumer name required")
	}
	if !p.Mode.IsValid() {
		return nil, fmt.Errorf("invalid consumer mode %q", p.Mode)
	}
	if p.DB == nil || p.Decoders == nil || p.Table == nil || p.DeadLetters == nil {
		return nil, errors.New("consumer requires db, decoders, table and dead letters")
	}
	if p.Table.Mode() != p.Mode {
		return nil, fmt.Errorf("handler table for %s mode used by a %s consumer", p.Table.Mode(), p.Mode)
	}
	if err := p.Table.Validate(); err != nil {
		return nil, fmt.Errorf("handler table: %w", err)
	}
	if p.EffectAttempts <= 0 {
		p.EffectAttempts = defaultEffectAttempts
	}
	if p.EffectBackoff <= 0 {
		p.EffectBackoff = defaultEffectBackoff
	}
	if p.Catalog != nil {
		if err := registry.CheckCompleteness(p.Catalog, p.Decoders.Claims(), p.AggregateTypes...); err != nil {
			return nil, err
		}
	}
	return &Consumer[E]{
		name:        p.Name,
		mode:        p.Mode,
		db:          p.DB,
		decoders:    p.Decoders,
		table:       p.Table,
		deadLetters: p.DeadLetters,
		metrics:     p.Metrics,
		logg:        orDiscard(p.Logger),

		effectAttempts: p.EffectAttempts,
		effectBackoff:  p.EffectBackoff,
		sleep:          sleepContext,
	}, nil
}

func (c *Consumer[E]) Name() string { return c.name }

func (c *Consumer[E]) Mode() enums.ConsumerMode { return c.mode }

func (c *Consumer[E]) OnTransactionStarted(ctx context.Context, started Message) error {
	c.logg.Debug(c.withTransaction(ctx, started), "business transaction opened")
	return nil
}

// OnTransactionalEvent only checks that the event can be decoded; it is
// applied when the transaction finishes.
func (c *Consumer[E]) OnTransactionalEvent(ctx context.Context, msg Message) error {
	_, err := c.decode(ctx, msg)
	return err
}

func (c *Consumer[E]) OnTransactionFinished(ctx context.Context, started Message, events []Message, finished Message) error {
	ctx = c.withTransaction(ctx, started)
	if err := c.apply(ctx, events); err != nil {
		return err
	}
	ctx = c.logg.WithField(ctx, "events", len(events))
	c.logg.Info(ctx, "business transaction applied")
	return nil
}

func (c *Consumer[E]) OnNonTransactionalEvent(ctx context.Context, msg Message) error {
	return c.apply(ctx, []Message{msg})
}

// TransactionEvicted dead-letters every event of a dropped transaction.
func (c *Consumer[E]) TransactionEvicted(ctx context.Context, ev Eviction) error {
	ctx = c.logg.WithFields(ctx, map[string]any{
		"transaction_id": ev.TransactionID.String(),
		"reason":         ev.Reason,
		"events":         len(ev.Events),
		"age":            ev.Age.String(),
	})
	cause := fmt.Errorf("business transaction %s evicted (%s)", ev.TransactionID, ev.Reason)
	c.logg.Error(ctx, "business transaction evicted before it finished", cause)
	c.metrics.IncEvicted(string(ev.Reason))

	reason := enums.DeadLetterReasonForEviction(ev.Reason)
	letters := ev.Events
	if len(letters) == 0 && ev.Started.Record.Offset != "" {
		letters = []Message{ev.Started}
	}
	for _, msg := range letters {
		if err := c.deadLetters.Record(ctx, deadLetterFor(c.name, msg, reason, cause)); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record dead letter")
		}
	}
	return nil
}

func (c *Consumer[E]) RecordRejected(ctx context.Context, rec eventlog.Record, cause error) error {
	c.metrics.IncApplied(string(c.mode), metrics.ResultUnsupported)
	ctx = c.logg.WithFields(ctx, map[string]any{"partition": rec.Partition, "offset": rec.Offset})
	c.logg.Error(ctx, "record rejected", cause)
	if err := c.deadLetters.Record(ctx, rejectedDeadLetter(c.name, rec, cause)); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record dead letter")
	}
	return nil
}

func (c *Consumer[E]) decode(ctx context.Context, msg Message) (E, error) {
	event, err := c.decoders.Decode(msg.Envelope)
	if err == nil {
		return event, nil
	}
	ctx = c.withEvent(ctx, msg)
	c.metrics.IncApplied(string(c.mode), metrics.ResultUnsupported)
	c.logg.Error(ctx, "event not supported by consumer", err)
	if dlErr := c.deadLetters.Record(ctx, deadLetterFor(c.name, msg, enums.DeadLetterUnsupportedEvent, err)); dlErr != nil {
		return event, pkgerrors.Wrap(pkgerrors.CodeDependency, dlErr, "record dead letter")
	}
	return event, pkgerrors.Wrap(pkgerrors.CodeUnsupportedEvent, err, err.Error())
}

func (c *Consumer[E]) apply(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	events := make([]E, len(msgs))
	for i, msg := range msgs {
		event, err := c.decode(ctx, msg)
		if err != nil {
			return err
		}
		events[i] = event
	}

	// A bridged gap reruns the delivery, at most once per message.
	var (
		outcomes []Outcome
		failed   int
		err      error
	)
	for bridged := 0; ; bridged++ {
		outcomes, failed, err = c.applyOnce(ctx, msgs, events)
		if err == nil || failed < 0 || bridged >= len(msgs) {
			break
		}
		next, ok := c.bridge(ctx, msgs[failed], err)
		if !ok {
			break
		}
		ctx = next
	}
	if err != nil {
		c.metrics.IncApplied(string(c.mode), metrics.ResultError)
		if failed >= 0 {
			ctx = c.withEvent(ctx, msgs[failed])
			if pkgerrors.HasCode(err, pkgerrors.CodeUnsupportedEvent) {
				if dlErr := c.deadLetters.Record(ctx, deadLetterFor(c.name, msgs[failed], enums.DeadLetterUnsupportedEvent, err)); dlErr != nil {
					c.logg.Error(ctx, "record dead letter", dlErr)
				}
			}
		}
		c.logg.Error(ctx, "projection apply failed", err)
		return err
	}

	for i, out := range outcomes {
		result := metrics.ResultApplied
		if out.Duplicate {
			result = metrics.ResultDuplicate
			c.logg.Debug(c.withEvent(ctx, msgs[i]), "duplicate event skipped")
		}
		c.metrics.IncApplied(string(c.mode), result)
		if c.mode != enums.ModeOnline || out.AfterCommit == nil {
			continue
		}
		if err := c.runEffect(c.withEvent(ctx, msgs[i]), out.AfterCommit); err != nil {
			return err
		}
	}
	return nil
}

func (c *Consumer[E]) applyOnce(ctx context.Context, msgs []Message, events []E) ([]Outcome, int, error) {
	outcomes := make([]Outcome, len(msgs))
	failed := -1
	err := c.db.RunInTx(ctx, func(ctx context.Context, tx *gorm.DB) error {
		for i, msg := range msgs {
			out, err := c.table.Apply(ctx, tx, msg.Envelope, events[i])
			if err != nil {
				failed = i
				return err
			}
			outcomes[i] = out
		}
		return nil
	})
	return outcomes, failed, err
}

// bridge lets msg skip a version gap when every missing version was
// withheld because its business transaction was evicted. Each of those
// versions is dead-lettered and msg carries the full aggregate state.
func (c *Consumer[E]) bridge(ctx context.Context, msg Message, err error) (context.Context, bool) {
	current, eventVersion, ok := versionGap(err)
	key := msg.Envelope.Key.Aggregate
	if !ok || eventVersion != key.Version || eventVersion <= current+1 {
		return ctx, false
	}
	withheld, lookupErr := c.deadLetters.WithheldVersions(ctx, key.ID, current, eventVersion)
	if lookupErr != nil {
		c.logg.Error(c.withEvent(ctx, msg), "load withheld versions", lookupErr)
		return ctx, false
	}
	if uint64(len(withheld)) != eventVersion-current-1 {
		return ctx, false
	}
	logCtx := c.logg.WithFields(c.withEvent(ctx, msg), map[string]any{
		"projection_version": current,
		"withheld":           len(withheld),
	})
	c.logg.Warn(logCtx, "skipping versions withheld by evicted business transactions")
	c.metrics.IncApplied(string(c.mode), metrics.ResultBridged)
	return withBridge(ctx, key.ID, eventVersion-1), true
}

// runEffect retries a failed side effect with backoff. The delivery stays
// unacknowledged while it retries; once the attempts are spent the failure
// is logged and the delivery acknowledged.
func (c *Consumer[E]) runEffect(ctx context.Context, effect func(context.Context) error) error {
	backoff := c.effectBackoff
	var err error
	for attempt := 1; ; attempt++ {
		if err = effect(ctx); err == nil {
			return nil
		}
		if attempt >= c.effectAttempts {
			break
		}
		c.logg.Warn(c.logg.WithFields(ctx, map[string]any{"attempt": attempt, "error": err.Error()}), "side effect failed, retrying")
		if sleepErr := c.sleep(ctx, backoff); sleepErr != nil {
			return sleepErr
		}
		backoff = nextBackoff(backoff, c.effectBackoff, maxEffectBackoff)
	}
	c.metrics.IncApplied(string(c.mode), metrics.ResultEffectFailed)
	c.logg.Error(c.logg.WithField(ctx, "attempts", c.effectAttempts), "side effect failed", err)
	return nil
}

func (c *Consumer[E]) withEvent(ctx context.Context, msg Message) context.Context {
	key := msg.Envelope.Key.Aggregate
	ctx = c.logg.WithAggregate(ctx, string(key.Type), key.ID.String(), key.Version)
	ctx = c.logg.WithEvent(ctx, msg.Envelope.EventID.String(), string(msg.Envelope.Type))
	return c.logg.WithField(ctx, "consumer", c.name)
}

func (c *Consumer[E]) withTransaction(ctx context.Context, started Message) context.Context {
	return c.logg.WithTransactionID(ctx, markerTransactionID(started).String())
}
