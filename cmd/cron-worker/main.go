package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/eventpipe/api"
	"github.com/angelmondragon/eventpipe/api/controllers"
	"github.com/angelmondragon/eventpipe/api/routes"
	"github.com/angelmondragon/eventpipe/internal/cron"
	"github.com/angelmondragon/eventpipe/internal/projection"
	"github.com/angelmondragon/eventpipe/pkg/config"
	"github.com/angelmondragon/eventpipe/pkg/db"
	"github.com/angelmondragon/eventpipe/pkg/logger"
	"github.com/angelmondragon/eventpipe/pkg/metrics"
	"github.com/angelmondragon/eventpipe/pkg/migrate"
	"github.com/angelmondragon/eventpipe/pkg/outbox"
	"github.com/angelmondragon/eventpipe/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Env:         cfg.App.Env,
		Format:      cfg.App.LogFormat,
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	outboxRepo := outbox.NewRepository(dbClient.DB())
	cronMetrics := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)

	maintenance, err := maintenanceJobs(cfg, logg, dbClient, outboxRepo, projection.NewDeadLetterRepository(dbClient.DB()))
	if err != nil {
		logg.Error(context.Background(), "failed to build maintenance jobs", err)
		os.Exit(1)
	}
	sampler, err := samplerJobs(cfg, logg, outboxRepo, metrics.NewOutboxMetrics(prometheus.DefaultRegisterer))
	if err != nil {
		logg.Error(context.Background(), "failed to build sampler jobs", err)
		os.Exit(1)
	}

	services := make([]*cron.Service, 0, 2)
	for _, svc := range []struct {
		name     string
		registry *cron.Registry
		interval time.Duration
		lockTTL  time.Duration
	}{
		{"maintenance", maintenance, cfg.Cron.MaintenanceInterval, 0},
		{"sampler", sampler, cfg.Cron.SampleInterval, 2 * cfg.Cron.SampleInterval},
	} {
		lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey("cron", cfg.App.Env, svc.name), svc.lockTTL)
		if err != nil {
			logg.Error(context.Background(), "failed to create cron lock", err)
			os.Exit(1)
		}
		service, err := cron.NewService(cron.ServiceParams{
			Name:     svc.name,
			Logger:   logg,
			Registry: svc.registry,
			Lock:     lock,
			Metrics:  cronMetrics,
			Interval: svc.interval,
		})
		if err != nil {
			logg.Error(context.Background(), "failed to create cron service", err)
			os.Exit(1)
		}
		services = append(services, service)
	}

	router := routes.NewRouter(cfg, logg, routes.Options{Checks: []controllers.Check{
		{Name: "database", Ping: dbClient.Ping},
		{Name: "redis", Ping: redisClient.Ping},
	}})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting cron worker")

	group, groupCtx := errgroup.WithContext(ctx)
	for _, service := range services {
		group.Go(func() error { return service.Run(groupCtx) })
	}
	group.Go(func() error { return api.Serve(groupCtx, net.JoinHostPort("", cfg.App.Port), router, logg) })

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}
