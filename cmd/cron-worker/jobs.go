package main

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/eventpipe/internal/cron"
	"github.com/angelmondragon/eventpipe/pkg/config"
	"github.com/angelmondragon/eventpipe/pkg/logger"
	"github.com/angelmondragon/eventpipe/pkg/metrics"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxStore interface {
	DeleteRelayedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
	CountUnrelayed(ctx context.Context) (int64, error)
}

type deadLetterStore interface {
	DeleteBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
}

// maintenanceJobs prunes the relayed outbox and old projection dead letters.
func maintenanceJobs(cfg *config.Config, logg *logger.Logger, db txRunner, outbox outboxStore, deadLetters deadLetterStore) (*cron.Registry, error) {
	outboxJob, err := cron.NewOutboxRetentionJob(cron.RetentionJobParams{
		Logger:    logg,
		DB:        db,
		Retention: cfg.Outbox.RetentionDays,
	}, outbox)
	if err != nil {
		return nil, err
	}
	deadLetterJob, err := cron.NewDeadLetterRetentionJob(cron.RetentionJobParams{
		Logger:    logg,
		DB:        db,
		Retention: cfg.Projection.DeadLetterRetentionDays,
	}, deadLetters)
	if err != nil {
		return nil, err
	}
	return cron.NewRegistry(outboxJob, deadLetterJob), nil
}

// samplerJobs feeds the outbox backlog gauge.
func samplerJobs(cfg *config.Config, logg *logger.Logger, outbox outboxStore, m *metrics.OutboxMetrics) (*cron.Registry, error) {
	backlog, err := cron.NewBacklogJob(cron.BacklogJobParams{
		Logger:    logg,
		Outbox:    outbox,
		Metrics:   m,
		Service:   cfg.Service.Name,
		WarnAbove: int64(cfg.Outbox.BatchSize) * backlogWarnBatches,
	})
	if err != nil {
		return nil, err
	}
	return cron.NewRegistry(backlog), nil
}

// A backlog of this many relay batches is worth a warning.
const backlogWarnBatches = 20
