package projection

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/eventpipe/pkg/eventlog"
	"github.com/angelmondragon/eventpipe/pkg/logger"
	"github.com/angelmondragon/eventpipe/pkg/metrics"
)

const (
	defaultRunnerBatch = 100
	defaultLockRetry   = 5 * time.Second
	defaultMinBackoff  = 500 * time.Millisecond
	defaultMaxBackoff  = 30 * time.Second
	jitterWindow       = 250 * time.Millisecond
)

// Lock grants one instance exclusive consumption of a partition.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Refresh(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type LockFactory func(partition int) (Lock, error)

// DispatcherFactory builds the dispatcher of a newly owned partition.
type DispatcherFactory func() (*Dispatcher, error)

type RunnerConfig struct {
	Group      string
	Partitions []int
	BatchSize  int
	LockRetry  time.Duration
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Runner consumes the partitions it can lock, one goroutine per partition.
// A failed record blocks its partition: the dispatcher is reset, the
// subscription rewound and the record retried after a backoff.
type Runner struct {
	log           eventlog.Subscriber
	locks         LockFactory
	newDispatcher DispatcherFactory
	cfg           RunnerConfig
	metrics       *metrics.ProjectionMetrics
	logg          *logger.Logger
	sleep         func(ctx context.Context, d time.Duration) error
}

func NewRunner(log eventlog.Subscriber, locks LockFactory, newDispatcher DispatcherFactory, cfg RunnerConfig, m *metrics.ProjectionMetrics, logg *logger.Logger) (*Runner, error) {
	if log == nil {
		return nil, errors.New("event log required")
	}
	if locks == nil {
		return nil, errors.New("lock factory required")
	}
	if newDispatcher == nil {
		return nil, errors.New("dispatcher factory required")
	}
	if cfg.Group == "" {
		return nil, errors.New("consumer group required")
	}
	if len(cfg.Partitions) == 0 {
		return nil, errors.New("at least one partition required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultRunnerBatch
	}
	if cfg.LockRetry <= 0 {
		cfg.LockRetry = defaultLockRetry
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	return &Runner{
		log:           log,
		locks:         locks,
		newDispatcher: newDispatcher,
		cfg:           cfg,
		metrics:       m,
		logg:          orDiscard(logg),
		sleep:         sleepContext,
	}, nil
}

// Run blocks until ctx is canceled or a partition hits an unrecoverable
// setup error.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, partition := range r.cfg.Partitions {
		g.Go(func() error {
			return r.runPartition(ctx, partition)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) runPartition(ctx context.Context, partition int) error {
	ctx = r.logg.WithPartition(ctx, partition)
	lock, err := r.locks(partition)
	if err != nil {
		return fmt.Errorf("partition %d lock: %w", partition, err)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		owned, err := lock.Acquire(ctx)
		if err != nil {
			r.logg.Error(ctx, "partition lock acquire failed", err)
		}
		if !owned {
			if err := r.sleep(ctx, withJitter(r.cfg.LockRetry)); err != nil {
				return err
			}
			continue
		}

		r.metrics.SetPartitionOwned(partition, true)
		r.logg.Info(ctx, "partition acquired")
		err = r.consume(ctx, partition, lock)
		r.metrics.SetPartitionOwned(partition, false)
		if releaseErr := lock.Release(context.WithoutCancel(ctx)); releaseErr != nil {
			r.logg.Warn(r.logg.WithField(ctx, "error", releaseErr.Error()), "partition lock release failed")
		}
		if err != nil && ctx.Err() == nil {
			r.logg.Error(ctx, "partition consumer stopped", err)
			if err := r.sleep(ctx, withJitter(r.cfg.MaxBackoff)); err != nil {
				return err
			}
		}
	}
}

// consume returns nil when the lock is lost or ctx ends.
func (r *Runner) consume(ctx context.Context, partition int, lock Lock) error {
	sub, err := r.log.Subscribe(ctx, r.cfg.Group, partitionMember(partition), partition)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	dispatcher, err := r.newDispatcher()
	if err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}

	backoff := r.cfg.MinBackoff
	for {
		if ctx.Err() != nil {
			return nil
		}
		owned, err := lock.Refresh(ctx)
		if err != nil || !owned {
			if err != nil {
				r.logg.Error(ctx, "partition lock refresh failed", err)
			}
			r.logg.Warn(ctx, "partition lock lost")
			return nil
		}

		if err := r.step(ctx, sub, dispatcher); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logg.Error(r.logg.WithField(ctx, "backoff", backoff.String()), "partition blocked, rewinding", err)
			dispatcher.Reset()
			sub.Rewind()
			if err := r.sleep(ctx, withJitter(backoff)); err != nil {
				return nil
			}
			backoff = nextBackoff(backoff, r.cfg.MinBackoff, r.cfg.MaxBackoff)
			continue
		}
		backoff = r.cfg.MinBackoff
	}
}

func (r *Runner) step(ctx context.Context, sub eventlog.Subscription, dispatcher *Dispatcher) error {
	records, err := sub.Fetch(ctx, r.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	if len(records) == 0 {
		acks, err := dispatcher.Expire(ctx)
		return ackAll(ctx, sub, acks, err)
	}
	for _, rec := range records {
		acks, err := dispatcher.Dispatch(ctx, rec)
		if err := ackAll(ctx, sub, acks, err); err != nil {
			return err
		}
	}
	return nil
}

// partitionMember names the group member reading partition. Whichever
// instance holds the partition lock reads as this member, so records a
// previous owner left unacknowledged are redelivered to the next one.
func partitionMember(partition int) string {
	return "p" + strconv.Itoa(partition)
}

func ackAll(ctx context.Context, sub eventlog.Subscription, acks []eventlog.Record, cause error) error {
	if len(acks) > 0 {
		if err := sub.Ack(ctx, acks...); err != nil && cause == nil {
			return fmt.Errorf("ack: %w", err)
		}
	}
	return cause
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d + time.Duration(rand.Int63n(int64(jitterWindow)))
}
