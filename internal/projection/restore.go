package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/eventpipe/pkg/eventlog"
	"github.com/angelmondragon/eventpipe/pkg/logger"
	"github.com/angelmondragon/eventpipe/pkg/metrics"
)

const (
	defaultRestoreAttempts    = 3
	defaultRestoreParallelism = 4
	defaultRestoreBatch       = 500
	defaultRestoreBackoff     = 2 * time.Second
)

// ShardStore discards the read-model rows a restore rebuilds.
type ShardStore interface {
	DeleteShards(ctx context.Context, shards []uuid.UUID) error
	DeleteAll(ctx context.Context) error
}

type RestoreConfig struct {
	MaxAttempts int
	Parallelism int
	ReadBatch   int
	Backoff     time.Duration
}

// Restorer rebuilds read models from the log with a restore-mode dispatcher.
type Restorer struct {
	reader        eventlog.Reader
	store         ShardStore
	newDispatcher DispatcherFactory
	cfg           RestoreConfig
	metrics       *metrics.ProjectionMetrics
	logg          *logger.Logger
	sleep         func(ctx context.Context, d time.Duration) error
}

func NewRestorer(reader eventlog.Reader, store ShardStore, newDispatcher DispatcherFactory, cfg RestoreConfig, m *metrics.ProjectionMetrics, logg *logger.Logger) (*Restorer, error) {
	if reader == nil {
		return nil, errors.New("event log reader required")
	}
	if store == nil {
		return nil, errors.New("shard store required")
	}
	if newDispatcher == nil {
		return nil, errors.New("dispatcher factory required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultRestoreAttempts
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = defaultRestoreParallelism
	}
	if cfg.ReadBatch <= 0 {
		cfg.ReadBatch = defaultRestoreBatch
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultRestoreBackoff
	}
	return &Restorer{
		reader:        reader,
		store:         store,
		newDispatcher: newDispatcher,
		cfg:           cfg,
		metrics:       m,
		logg:          orDiscard(logg),
		sleep:         sleepContext,
	}, nil
}

// Restore rebuilds the given shards, or every shard when none are given.
// Each attempt first discards the shards, then replays every affected
// partition up to the offset it had when the attempt started. A failed
// attempt is retried from scratch.
func (r *Restorer) Restore(ctx context.Context, shards []uuid.UUID) error {
	filter := newShardFilter(shards)
	partitions := r.partitionsFor(filter)
	ctx = r.logg.WithFields(ctx, map[string]any{"shards": len(shards), "partitions": len(partitions)})

	var errs error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		attemptCtx := r.logg.WithField(ctx, "attempt", attempt)
		err := r.attempt(attemptCtx, shards, filter, partitions)
		if err == nil {
			r.metrics.IncRestoreAttempt("success")
			r.logg.Info(attemptCtx, "restore completed")
			return nil
		}
		r.metrics.IncRestoreAttempt("failure")
		r.logg.Error(attemptCtx, "restore attempt failed", err)
		errs = multierr.Append(errs, fmt.Errorf("attempt %d: %w", attempt, err))
		if ctx.Err() != nil {
			return multierr.Append(errs, ctx.Err())
		}
		if attempt < r.cfg.MaxAttempts {
			if err := r.sleep(ctx, r.cfg.Backoff); err != nil {
				return multierr.Append(errs, err)
			}
		}
	}
	return fmt.Errorf("restore failed after %d attempts: %w", r.cfg.MaxAttempts, errs)
}

func (r *Restorer) attempt(ctx context.Context, shards []uuid.UUID, filter shardFilter, partitions []int) error {
	if err := r.discard(ctx, shards); err != nil {
		return err
	}

	highWater := make(map[int]string, len(partitions))
	for _, p := range partitions {
		hw, err := r.reader.HighWater(ctx, p)
		if err != nil {
			return fmt.Errorf("partition %d high water: %w", p, err)
		}
		if hw != "" {
			highWater[p] = hw
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Parallelism)
	for p, hw := range highWater {
		g.Go(func() error {
			return r.replay(gctx, p, hw, filter)
		})
	}
	return g.Wait()
}

func (r *Restorer) discard(ctx context.Context, shards []uuid.UUID) error {
	if len(shards) == 0 {
		if err := r.store.DeleteAll(ctx); err != nil {
			return fmt.Errorf("discard read model: %w", err)
		}
		return nil
	}
	if err := r.store.DeleteShards(ctx, shards); err != nil {
		return fmt.Errorf("discard shards: %w", err)
	}
	return nil
}

func (r *Restorer) replay(ctx context.Context, partition int, highWater string, filter shardFilter) error {
	ctx = r.logg.WithPartition(ctx, partition)
	dispatcher, err := r.newDispatcher()
	if err != nil {
		return err
	}

	after := ""
	replayed := 0
	for {
		records, err := r.reader.Read(ctx, partition, after, highWater, r.cfg.ReadBatch)
		if err != nil {
			return fmt.Errorf("partition %d read: %w", partition, err)
		}
		if len(records) == 0 {
			break
		}
		for _, rec := range records {
			after = rec.Offset
			if !filter.matches(rec.Key) {
				continue
			}
			if _, err := dispatcher.Dispatch(ctx, rec); err != nil {
				return fmt.Errorf("partition %d offset %s: %w", partition, rec.Offset, err)
			}
			replayed++
		}
		if eventlog.CompareOffsets(after, highWater) >= 0 {
			break
		}
	}

	if open := dispatcher.OpenTransactions(); open > 0 {
		r.logg.Warn(r.logg.WithField(ctx, "open_transactions", open), "business transactions still open at the high water mark were not applied")
	}
	r.logg.Info(r.logg.WithFields(ctx, map[string]any{"records": replayed, "high_water": highWater}), "partition restored")
	return nil
}

func (r *Restorer) partitionsFor(filter shardFilter) []int {
	count := r.reader.Partitions()
	if filter.all() {
		out := make([]int, count)
		for i := range out {
			out[i] = i
		}
		return out
	}
	partitioner := eventlog.NewPartitioner(count)
	seen := map[int]bool{}
	var out []int
	for key := range filter {
		p := partitioner.Partition(key)
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// shardFilter matches records by partition key, the root id.
type shardFilter map[string]struct{}

func newShardFilter(shards []uuid.UUID) shardFilter {
	filter := make(shardFilter, len(shards))
	for _, id := range shards {
		filter[id.String()] = struct{}{}
	}
	return filter
}

func (f shardFilter) all() bool { return len(f) == 0 }

func (f shardFilter) matches(key string) bool {
	if f.all() {
		return true
	}
	_, ok := f[key]
	return ok
}
