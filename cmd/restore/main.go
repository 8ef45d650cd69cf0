package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/eventpipe/internal/projection"
	"github.com/angelmondragon/eventpipe/internal/tasks"
	"github.com/angelmondragon/eventpipe/pkg/config"
	"github.com/angelmondragon/eventpipe/pkg/db"
	"github.com/angelmondragon/eventpipe/pkg/enums"
	"github.com/angelmondragon/eventpipe/pkg/eventlog/redisstream"
	"github.com/angelmondragon/eventpipe/pkg/logger"
	"github.com/angelmondragon/eventpipe/pkg/metrics"
	"github.com/angelmondragon/eventpipe/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "restore"})

	_ = godotenv.Load()

	shardsFlag := flag.String("shards", "", "comma-separated project ids to rebuild")
	all := flag.Bool("all", false, "rebuild every shard (truncates the projection)")
	flag.Parse()

	shards, err := parseShards(*shardsFlag, *all)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	requireResource(context.Background(), logg, "config", err)

	cfg.Service.Kind = "restore"

	logg = logger.New(logger.Options{
		ServiceName: "restore",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Env:         cfg.App.Env,
		Format:      cfg.App.LogFormat,
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	requireResource(context.Background(), logg, "database", err)
	defer dbClient.Close()

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	requireResource(context.Background(), logg, "redis", err)
	defer redisClient.Close()

	eventLog, err := redisstream.New(redisClient, cfg.EventLog.Topic, cfg.EventLog.Partitions, cfg.EventLog.BlockTimeout)
	requireResource(context.Background(), logg, "event log", err)

	projectionMetrics := metrics.NewProjectionMetrics(prometheus.NewRegistry())
	store := tasks.NewProjectionStore(dbClient.DB())
	consumer, err := tasks.NewConsumer(enums.ModeRestore, tasks.ConsumerDeps{
		Name:    cfg.Projection.ConsumerName + "-restore",
		DB:      dbClient,
		Store:   store,
		Metrics: projectionMetrics,
		Logger:  logg,
	})
	requireResource(context.Background(), logg, "restore consumer", err)

	restorer, err := projection.NewRestorer(
		eventLog,
		store,
		projection.Dispatchers(consumer, projection.BufferConfig{
			TTL:       cfg.Projection.TransactionTTL,
			MaxOpen:   cfg.Projection.MaxOpenTransactions,
			MaxEvents: cfg.Projection.MaxTransactionEvents,
		}, logg),
		projection.RestoreConfig{
			MaxAttempts: cfg.Restore.MaxAttempts,
			Parallelism: cfg.Restore.Parallelism,
			ReadBatch:   cfg.Restore.ReadBatch,
		},
		projectionMetrics,
		logg,
	)
	requireResource(context.Background(), logg, "restorer", err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"shards":      len(shards),
		"all":         *all,
	})

	start := time.Now()
	logg.Info(ctx, "starting restore")
	if err := restorer.Restore(ctx, shards); err != nil {
		logg.Error(ctx, "restore failed", err)
		os.Exit(1)
	}
	logg.Info(logg.WithField(ctx, "duration_ms", time.Since(start).Milliseconds()), "restore complete")
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
