package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/eventpipe/pkg/enums"
	"github.com/angelmondragon/eventpipe/pkg/logger"
	"github.com/angelmondragon/eventpipe/pkg/outbox/payloads"
)

const summaryCacheScope = "task-summary"

type notificationPublisher interface {
	Publish(ctx context.Context, orderingKey string, data []byte, attrs map[string]string) (string, error)
}

type cacheInvalidator interface {
	Del(ctx context.Context, keys ...string) error
	CacheKey(parts ...string) string
}

type onceRunner interface {
	RunOnce(ctx context.Context, consumer string, eventID uuid.UUID, fn func(context.Context) error) (bool, error)
}

// Effects are the side effects of the online consumer. They never run in
// restore mode.
type Effects struct {
	consumer  string
	publisher notificationPublisher
	cache     cacheInvalidator
	once      onceRunner
	logg      *logger.Logger
}

type EffectsParams struct {
	// Consumer scopes the idempotency marks.
	Consumer  string
	Publisher notificationPublisher
	Cache     cacheInvalidator
	Once      onceRunner
	Logger    *logger.Logger
}

func NewEffects(p EffectsParams) (*Effects, error) {
	if p.Consumer == "" {
		return nil, errors.New("consumer name required")
	}
	if p.Publisher == nil {
		return nil, errors.New("notification publisher required")
	}
	if p.Cache == nil {
		return nil, errors.New("cache required")
	}
	if p.Once == nil {
		return nil, errors.New("idempotency manager required")
	}
	return &Effects{
		consumer:  p.Consumer,
		publisher: p.Publisher,
		cache:     p.Cache,
		once:      p.Once,
		logg:      p.Logger,
	}, nil
}

// change describes what one applied event did to a task.
type change struct {
	eventID          uuid.UUID
	eventType        enums.EventType
	taskID           uuid.UUID
	projectID        uuid.UUID
	version          uint64
	previousAssignee *string
	assignee         *string
	assigneeChanged  bool
	occurredAt       time.Time
}

func (e *Effects) afterCommit(c change) func(context.Context) error {
	return func(ctx context.Context) error {
		ran, err := e.once.RunOnce(ctx, e.consumer, c.eventID, func(ctx context.Context) error {
			var errs error
			if c.assigneeChanged {
				errs = multierr.Append(errs, e.notifyAssignment(ctx, c))
			}
			errs = multierr.Append(errs, e.invalidateSummary(ctx, c.projectID))
			return errs
		})
		if err == nil && !ran && e.logg != nil {
			e.logg.Debug(e.logg.WithField(ctx, "event_id", c.eventID.String()), "side effects already ran")
		}
		return err
	}
}

func (e *Effects) notifyAssignment(ctx context.Context, c change) error {
	body, err := json.Marshal(payloads.AssignmentChangedNotification{
		EventID:          c.eventID,
		TaskID:           c.taskID,
		ProjectID:        c.projectID,
		Version:          c.version,
		PreviousAssignee: c.previousAssignee,
		Assignee:         c.assignee,
		OccurredAt:       c.occurredAt,
	})
	if err != nil {
		return err
	}
	attrs := map[string]string{
		"event_id":   c.eventID.String(),
		"event_type": string(c.eventType),
		"task_id":    c.taskID.String(),
	}
	if _, err := e.publisher.Publish(ctx, c.taskID.String(), body, attrs); err != nil {
		return fmt.Errorf("publish assignment notification: %w", err)
	}
	return nil
}

func (e *Effects) invalidateSummary(ctx context.Context, projectID uuid.UUID) error {
	if err := e.cache.Del(ctx, summaryKey(e.cache, projectID)); err != nil {
		return fmt.Errorf("invalidate task summary: %w", err)
	}
	return nil
}

func summaryKey(keys interface{ CacheKey(parts ...string) string }, projectID uuid.UUID) string {
	return keys.CacheKey(summaryCacheScope, projectID.String())
}
