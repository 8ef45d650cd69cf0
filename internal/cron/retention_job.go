package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/eventpipe/pkg/logger"
)

const (
	outboxRetentionDays     = 7
	deadLetterRetentionDays = 30
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxRetentionRepo interface {
	DeleteRelayedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
}

type deadLetterRetentionRepo interface {
	DeleteBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
}

type deleteFunc func(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)

type RetentionJobParams struct {
	Logger *logger.Logger
	DB     txRunner
	// Retention is in days. Zero uses the job's default.
	Retention int
}

// NewOutboxRetentionJob deletes relayed outbox records older than the
// retention. Unrelayed records are never touched.
func NewOutboxRetentionJob(params RetentionJobParams, repo outboxRetentionRepo) (Job, error) {
	if repo == nil {
		return nil, errors.New("outbox repository required")
	}
	return newRetentionJob("outbox-retention", outboxRetentionDays, params, repo.DeleteRelayedBefore)
}

// NewDeadLetterRetentionJob deletes projection dead letters whose last
// failure is older than the retention.
func NewDeadLetterRetentionJob(params RetentionJobParams, repo deadLetterRetentionRepo) (Job, error) {
	if repo == nil {
		return nil, errors.New("dead letter repository required")
	}
	return newRetentionJob("dead-letter-retention", deadLetterRetentionDays, params, repo.DeleteBefore)
}

func newRetentionJob(name string, defaultDays int, params RetentionJobParams, del deleteFunc) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	retention := params.Retention
	if retention <= 0 {
		retention = defaultDays
	}
	return &retentionJob{
		name:      name,
		logg:      params.Logger,
		db:        params.DB,
		del:       del,
		retention: retention,
		now:       time.Now,
	}, nil
}

type retentionJob struct {
	name      string
	logg      *logger.Logger
	db        txRunner
	del       deleteFunc
	retention int
	now       func() time.Time
}

func (j *retentionJob) Name() string { return j.name }

func (j *retentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-time.Duration(j.retention) * 24 * time.Hour)
	var deleted int64
	err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
		rows, err := j.del(ctx, tx, cutoff)
		if err != nil {
			return err
		}
		deleted = rows
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", j.name, err)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":         cutoff,
		"retention_days": j.retention,
		"rows_deleted":   deleted,
	})
	j.logg.Info(logCtx, "retention cleanup complete")
	return nil
}
