package cron

import (
	"context"
	"errors"
	"fmt"

	"github.com/angelmondragon/eventpipe/pkg/logger"
	"github.com/angelmondragon/eventpipe/pkg/metrics"
)

type unrelayedCounter interface {
	CountUnrelayed(ctx context.Context) (int64, error)
}

type BacklogJobParams struct {
	Logger  *logger.Logger
	Outbox  unrelayedCounter
	Metrics *metrics.OutboxMetrics
	Service string
	// WarnAbove logs a warning when the backlog exceeds it. Zero disables.
	WarnAbove int64
}

// NewBacklogJob samples the unrelayed outbox backlog into the
// outbox_unrelayed_records gauge.
func NewBacklogJob(params BacklogJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.Outbox == nil {
		return nil, errors.New("outbox repository required")
	}
	if params.Service == "" {
		return nil, errors.New("service name required")
	}
	return &backlogJob{
		logg:      params.Logger,
		outbox:    params.Outbox,
		metrics:   params.Metrics,
		service:   params.Service,
		warnAbove: params.WarnAbove,
	}, nil
}

type backlogJob struct {
	logg      *logger.Logger
	outbox    unrelayedCounter
	metrics   *metrics.OutboxMetrics
	service   string
	warnAbove int64
}

func (j *backlogJob) Name() string { return "outbox-backlog" }

func (j *backlogJob) Run(ctx context.Context) error {
	count, err := j.outbox.CountUnrelayed(ctx)
	if err != nil {
		return fmt.Errorf("count unrelayed: %w", err)
	}
	j.metrics.SetUnrelayed(j.service, count)
	if j.warnAbove > 0 && count > j.warnAbove {
		j.logg.Warn(j.logg.WithField(ctx, "unrelayed", count), "outbox backlog above threshold")
	}
	return nil
}
