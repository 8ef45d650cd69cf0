package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"github.com/angelmondragon/eventpipe/pkg/logger"
	"github.com/angelmondragon/eventpipe/pkg/metrics"
)

type fakeRetentionRepo struct {
	lastCutoff time.Time
	called     int
	err        error
}

func (f *fakeRetentionRepo) DeleteRelayedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error) {
	return f.delete(cutoff)
}

func (f *fakeRetentionRepo) DeleteBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error) {
	return f.delete(cutoff)
}

func (f *fakeRetentionRepo) delete(cutoff time.Time) (int64, error) {
	f.called++
	f.lastCutoff = cutoff
	if f.err != nil {
		return 0, f.err
	}
	return 7, nil
}

type passthroughTx struct{}

func (passthroughTx) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "cron-test"})
}

func TestRetentionJobsUseTheirCutoff(t *testing.T) {
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		days int
		make func(RetentionJobParams, *fakeRetentionRepo) (Job, error)
	}{
		{"outbox-retention", outboxRetentionDays, func(p RetentionJobParams, r *fakeRetentionRepo) (Job, error) {
			return NewOutboxRetentionJob(p, r)
		}},
		{"dead-letter-retention", deadLetterRetentionDays, func(p RetentionJobParams, r *fakeRetentionRepo) (Job, error) {
			return NewDeadLetterRetentionJob(p, r)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := &fakeRetentionRepo{}
			jobIface, err := tc.make(RetentionJobParams{Logger: testLogger(), DB: passthroughTx{}}, repo)
			if err != nil {
				t.Fatalf("new job: %v", err)
			}
			job := jobIface.(*retentionJob)
			job.now = func() time.Time { return now }
			if job.Name() != tc.name {
				t.Fatalf("expected name %s, got %s", tc.name, job.Name())
			}
			if err := job.Run(context.Background()); err != nil {
				t.Fatalf("Run: %v", err)
			}
			want := now.Add(-time.Duration(tc.days) * 24 * time.Hour)
			if !repo.lastCutoff.Equal(want) || repo.called != 1 {
				t.Fatalf("expected one delete before %s, got %d before %s", want, repo.called, repo.lastCutoff)
			}
		})
	}
}

func TestRetentionJobPropagatesError(t *testing.T) {
	job, err := NewOutboxRetentionJob(RetentionJobParams{Logger: testLogger(), DB: passthroughTx{}, Retention: 3}, &fakeRetentionRepo{err: errors.New("boom")})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

type fakeCounter struct {
	count int64
	err   error
}

func (f fakeCounter) CountUnrelayed(context.Context) (int64, error) { return f.count, f.err }

func TestBacklogJobSetsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	job, err := NewBacklogJob(BacklogJobParams{
		Logger:    testLogger(),
		Outbox:    fakeCounter{count: 42},
		Metrics:   metrics.NewOutboxMetrics(reg),
		Service:   "tasks",
		WarnAbove: 10,
	})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "outbox_unrelayed_records" {
			continue
		}
		if got := mf.GetMetric()[0].GetGauge().GetValue(); got != 42 {
			t.Fatalf("expected gauge 42, got %v", got)
		}
		return
	}
	t.Fatal("outbox_unrelayed_records not gathered")
}

func TestBacklogJobPropagatesError(t *testing.T) {
	job, err := NewBacklogJob(BacklogJobParams{Logger: testLogger(), Outbox: fakeCounter{err: errors.New("db down")}, Service: "tasks"})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
