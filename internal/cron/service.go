package cron

import (
	"context"
	"errors"
	"time"

	"github.com/angelmondragon/eventpipe/pkg/logger"
	"github.com/angelmondragon/eventpipe/pkg/metrics"
)

const defaultInterval = time.Hour

type ServiceParams struct {
	// Name labels the service in logs and metrics; a worker may run several.
	Name     string
	Logger   *logger.Logger
	Registry *Registry
	Lock     Lock
	Metrics  *metrics.CronJobMetrics
	Interval time.Duration
}

// Service runs the jobs of a registry once per interval on whichever
// instance holds the lock.
type Service struct {
	name     string
	logg     *logger.Logger
	registry *Registry
	lock     Lock
	metrics  *metrics.CronJobMetrics
	interval time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.Lock == nil {
		return nil, errors.New("lock required")
	}
	s := &Service{
		name:     params.Name,
		logg:     params.Logger,
		registry: params.Registry,
		lock:     params.Lock,
		metrics:  params.Metrics,
		interval: params.Interval,
	}
	if s.name == "" {
		s.name = "cron"
	}
	if s.registry == nil {
		s.registry = NewRegistry()
	}
	if s.interval <= 0 {
		s.interval = defaultInterval
	}
	return s, nil
}

// Run runs a cycle immediately and then on every tick until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	ctx = s.logg.WithFields(ctx, map[string]any{
		"cron_service": s.name,
		"interval":     s.interval.String(),
	})
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.runCycle(ctx); err != nil {
			s.logg.Error(ctx, "cron cycle failed", err)
		}
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "cron service stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Service) runCycle(ctx context.Context) error {
	locked, err := s.lock.Acquire(ctx)
	if err != nil {
		return err
	}
	if !locked {
		s.metrics.IncSkipped(s.name, metrics.SkipLocked)
		s.logg.Debug(ctx, "cron lock held elsewhere; skipping cycle")
		return nil
	}
	defer func() {
		if err := s.lock.Release(context.WithoutCancel(ctx)); err != nil {
			s.logg.Error(ctx, "failed to release cron lock", err)
		}
	}()

	jobs := s.registry.Jobs()
	for i, job := range jobs {
		if i > 0 && !s.stillOwner(ctx) {
			s.metrics.IncSkipped(s.name, metrics.SkipLeaseLost)
			s.logg.Warn(s.logg.WithField(ctx, "jobs_skipped", len(jobs)-i), "cron lock lost mid-cycle")
			return nil
		}
		s.runJob(ctx, job)
	}
	return nil
}

// runJob never fails the cycle; one job's error does not stop the rest.
func (s *Service) runJob(ctx context.Context, job Job) {
	ctx = s.logg.WithField(ctx, "job", job.Name())
	start := time.Now()
	err := job.Run(ctx)
	took := time.Since(start)
	s.metrics.ObserveRun(s.name, job.Name(), took, err)

	ctx = s.logg.WithField(ctx, "duration_ms", took.Milliseconds())
	if err != nil {
		s.logg.Error(ctx, "cron job failed", err)
		return
	}
	s.logg.Info(ctx, "cron job complete")
}

// stillOwner refreshes a lease lock between jobs. Plain locks are held for
// the whole cycle.
func (s *Service) stillOwner(ctx context.Context) bool {
	lease, ok := s.lock.(LeaseLock)
	if !ok {
		return true
	}
	held, err := lease.Refresh(ctx)
	if err != nil {
		s.logg.Error(ctx, "failed to refresh cron lock", err)
		return false
	}
	return held
}
