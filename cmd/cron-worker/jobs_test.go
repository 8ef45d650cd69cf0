package main

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"github.com/angelmondragon/eventpipe/pkg/config"
	"github.com/angelmondragon/eventpipe/pkg/logger"
	"github.com/angelmondragon/eventpipe/pkg/metrics"
)

type stubStore struct{}

func (stubStore) DeleteRelayedBefore(context.Context, *gorm.DB, time.Time) (int64, error) { return 0, nil }
func (stubStore) DeleteBefore(context.Context, *gorm.DB, time.Time) (int64, error)       { return 0, nil }
func (stubStore) CountUnrelayed(context.Context) (int64, error)                          { return 0, nil }

type stubTx struct{}

func (stubTx) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error { return fn(nil) }

func TestMaintenanceJobs(t *testing.T) {
	cfg := &config.Config{}
	registry, err := maintenanceJobs(cfg, logger.New(logger.Options{ServiceName: "cron-test"}), stubTx{}, stubStore{}, stubStore{})
	if err != nil {
		t.Fatalf("maintenance jobs: %v", err)
	}
	jobs := registry.Jobs()
	if len(jobs) != 2 || jobs[0].Name() != "outbox-retention" || jobs[1].Name() != "dead-letter-retention" {
		t.Fatalf("unexpected jobs %v", jobs)
	}
}

func TestSamplerJobs(t *testing.T) {
	cfg := &config.Config{Service: config.ServiceConfig{Name: "tasks"}}
	registry, err := samplerJobs(cfg, logger.New(logger.Options{ServiceName: "cron-test"}), stubStore{}, metrics.NewOutboxMetrics(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("sampler jobs: %v", err)
	}
	jobs := registry.Jobs()
	if len(jobs) != 1 || jobs[0].Name() != "outbox-backlog" {
		t.Fatalf("unexpected jobs %v", jobs)
	}
	if err := jobs[0].Run(context.Background()); err != nil {
		t.Fatalf("run backlog job: %v", err)
	}
}
