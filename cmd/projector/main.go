package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/eventpipe/api"
	"github.com/angelmondragon/eventpipe/api/controllers"
	"github.com/angelmondragon/eventpipe/api/routes"
	"github.com/angelmondragon/eventpipe/internal/cron"
	"github.com/angelmondragon/eventpipe/internal/projection"
	"github.com/angelmondragon/eventpipe/internal/tasks"
	"github.com/angelmondragon/eventpipe/pkg/config"
	"github.com/angelmondragon/eventpipe/pkg/db"
	"github.com/angelmondragon/eventpipe/pkg/enums"
	"github.com/angelmondragon/eventpipe/pkg/eventlog/redisstream"
	"github.com/angelmondragon/eventpipe/pkg/instance"
	"github.com/angelmondragon/eventpipe/pkg/logger"
	"github.com/angelmondragon/eventpipe/pkg/metrics"
	"github.com/angelmondragon/eventpipe/pkg/migrate"
	"github.com/angelmondragon/eventpipe/pkg/outbox/idempotency"
	"github.com/angelmondragon/eventpipe/pkg/pubsub"
	"github.com/angelmondragon/eventpipe/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "projector"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "projector"

	logg = logger.New(logger.Options{
		ServiceName: "projector",
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

	checks := []controllers.Check{
		{Name: "database", Ping: dbClient.Ping},
		{Name: "redis", Ping: redisClient.Ping},
	}
	var (
		notifier     notificationPublisher = disabledPublisher{logg: logg}
		pubsubPinger pinger
	)
	if cfg.FeatureFlags.Notifications {
		pubsubClient, err := pubsub.NewClient(context.Background(), cfg.GCP, cfg.PubSub, logg)
		if err != nil {
			logg.Error(context.Background(), "failed to bootstrap pubsub", err)
			os.Exit(1)
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing pubsub client", err)
			}
		}()
		notifier = pubsubClient.NotificationPublisher()
		pubsubPinger = pubsubClient
		checks = append(checks, controllers.Check{Name: "pubsub", Ping: pubsubClient.Ping})
	}

	eventLog, err := redisstream.New(redisClient, cfg.EventLog.Topic, cfg.EventLog.Partitions, cfg.EventLog.BlockTimeout)
	if err != nil {
		logg.Error(context.Background(), "failed to build event log", err)
		os.Exit(1)
	}

	once, err := idempotency.NewManager(redisClient, cfg.Eventing.IdempotencyTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to build idempotency manager", err)
		os.Exit(1)
	}
	effects, err := tasks.NewEffects(tasks.EffectsParams{
		Consumer:  cfg.Projection.ConsumerName,
		Publisher: notifier,
		Cache:     redisClient,
		Once:      once,
		Logger:    logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to build side effects", err)
		os.Exit(1)
	}

	projectionMetrics := metrics.NewProjectionMetrics(prometheus.DefaultRegisterer)
	store := tasks.NewProjectionStore(dbClient.DB())
	deadLetters := projection.NewDeadLetterRepository(dbClient.DB())
	consumer, err := tasks.NewConsumer(enums.ModeOnline, tasks.ConsumerDeps{
		Name:        cfg.Projection.ConsumerName,
		DB:          dbClient,
		Store:       store,
		DeadLetters: deadLetters,
		Effects:     effects,
		Metrics:     projectionMetrics,
		Logger:      logg,

		EffectAttempts: cfg.Projection.EffectAttempts,
		EffectBackoff:  cfg.Projection.EffectBackoff,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to build projection consumer", err)
		os.Exit(1)
	}

	partitions := make([]int, eventLog.Partitions())
	for i := range partitions {
		partitions[i] = i
	}
	locks := func(partition int) (projection.Lock, error) {
		key := redisClient.LockKey("partition", cfg.EventLog.Topic, cfg.Projection.ConsumerName, strconv.Itoa(partition))
		lock, err := cron.NewRedisLock(redisClient, key, cfg.Projection.PartitionLockTTL)
		if err != nil {
			return nil, err
		}
		return lock, nil
	}
	runner, err := projection.NewRunner(
		eventLog,
		locks,
		projection.Dispatchers(consumer, projection.BufferConfig{
			TTL:       cfg.Projection.TransactionTTL,
			MaxOpen:   cfg.Projection.MaxOpenTransactions,
			MaxEvents: cfg.Projection.MaxTransactionEvents,
		}, logg),
		projection.RunnerConfig{
			Group:      cfg.Projection.ConsumerName,
			Partitions: partitions,
			BatchSize:  cfg.EventLog.ReadBatch,
		},
		projectionMetrics,
		logg,
	)
	if err != nil {
		logg.Error(context.Background(), "failed to build partition runner", err)
		os.Exit(1)
	}

	service, err := NewService(ServiceParams{
		Logger: logg,
		DB:     dbClient,
		Redis:  redisClient,
		PubSub: pubsubPinger,
		Runner: runner,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create projector", err)
		os.Exit(1)
	}

	router := routes.NewRouter(cfg, logg, routes.Options{
		Checks:  checks,
		Summary: tasks.NewSummaryReader(store, redisClient, 0, logg),

		DeadLetters:        deadLetters,
		DeadLetterConsumer: cfg.Projection.ConsumerName,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"consumer":    cfg.Projection.ConsumerName,
		"instance":    instance.GetID(),
	})
	logg.Info(ctx, "starting projector")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return service.Run(groupCtx) })
	group.Go(func() error { return api.Serve(groupCtx, net.JoinHostPort("", cfg.App.Port), router, logg) })

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "projector stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "projector shutting down gracefully")
}
