package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/eventpipe/internal/cron"
	"github.com/angelmondragon/eventpipe/pkg/config"
	"github.com/angelmondragon/eventpipe/pkg/db/models"
	"github.com/angelmondragon/eventpipe/pkg/eventlog"
	"github.com/angelmondragon/eventpipe/pkg/logger"
	"github.com/angelmondragon/eventpipe/pkg/metrics"
	"github.com/angelmondragon/eventpipe/pkg/outbox"
	"github.com/angelmondragon/eventpipe/pkg/outbox/registry"
)

const (
	defaultBatchSize     = 50
	defaultPollMs        = 500
	defaultAppendTimeout = 15 * time.Second
	maxBackoff           = 10 * time.Second
	jitterWindow         = 250 * time.Millisecond
)

type pinger interface {
	Ping(context.Context) error
}

type outboxRepository interface {
	FetchUnrelayed(ctx context.Context, limit int, skipKeys ...string) ([]models.OutboxRecord, error)
	MarkRelayed(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, cause error) error
	CountUnrelayed(ctx context.Context) (int64, error)
}

type registryResolver interface {
	Resolve(models.OutboxRecord) (*registry.ResolvedEvent, error)
}

type ServiceParams struct {
	Config     *config.Config
	Logger     *logger.Logger
	DB         pinger
	Broker     pinger
	Repository outboxRepository
	Registry   registryResolver
	Log        eventlog.Writer
	Lock       cron.LeaseLock
	Metrics    *metrics.OutboxMetrics
}

// Service relays committed outbox records onto the event log. Only the
// instance holding the lock relays; a short overlap after the lease expires
// can duplicate records, never lose them.
type Service struct {
	logg         *logger.Logger
	db           pinger
	broker       pinger
	repo         outboxRepository
	registry     registryResolver
	log          eventlog.Writer
	lock         cron.LeaseLock
	metrics      *metrics.OutboxMetrics
	serviceName  string
	batchSize    int
	pollInterval time.Duration
	leader       bool
	now          func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Repository == nil {
		return nil, errors.New("outbox repository is required")
	}
	if params.Registry == nil {
		return nil, errors.New("event registry is required")
	}
	if params.Log == nil {
		return nil, errors.New("event log is required")
	}
	if params.Lock == nil {
		return nil, errors.New("relay lock is required")
	}

	batch := params.Config.Outbox.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	interval := params.Config.Outbox.PollInterval()
	if interval <= 0 {
		interval = time.Duration(defaultPollMs) * time.Millisecond
	}

	return &Service{
		logg:         params.Logger,
		db:           params.DB,
		broker:       params.Broker,
		repo:         params.Repository,
		registry:     params.Registry,
		log:          params.Log,
		lock:         params.Lock,
		metrics:      params.Metrics,
		serviceName:  params.Config.Service.Name,
		batchSize:    batch,
		pollInterval: interval,
		now:          time.Now,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	if err := pingDependency(ctx, s.logg, "database", s.db.Ping); err != nil {
		return err
	}
	if s.broker != nil {
		if err := pingDependency(ctx, s.logg, "event log", s.broker.Ping); err != nil {
			return err
		}
	}
	return nil
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}

func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}
	defer s.stepDown()

	backoff := s.pollInterval
	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "outbox relay context canceled")
			return ctx.Err()
		default:
		}

		leader, err := s.holdLease(ctx)
		if err != nil {
			s.logg.Error(ctx, "outbox relay lock error", err)
		}
		if !leader {
			if err := s.sleep(ctx, withJitter(s.pollInterval)); err != nil {
				return err
			}
			continue
		}

		processed, err := s.processBatch(ctx)
		if err != nil {
			s.logg.Error(ctx, "outbox relay batch error", err)
			backoff = nextBackoff(backoff, s.pollInterval, maxBackoff)
			if err := s.sleep(ctx, withJitter(backoff)); err != nil {
				return err
			}
			continue
		}

		backoff = s.pollInterval
		if processed {
			continue
		}
		if err := s.sleep(ctx, withJitter(s.pollInterval)); err != nil {
			return err
		}
	}
}

// holdLease acquires the relay lock or refreshes it when already held.
func (s *Service) holdLease(ctx context.Context) (bool, error) {
	if s.leader {
		ok, err := s.lock.Refresh(ctx)
		if err != nil {
			return s.leader, err
		}
		if !ok {
			s.leader = false
			s.logg.Warn(ctx, "outbox relay lost leadership")
		}
		return s.leader, nil
	}
	ok, err := s.lock.Acquire(ctx)
	if err != nil {
		return false, err
	}
	if ok {
		s.leader = true
		s.logg.Info(ctx, "outbox relay acquired leadership")
	}
	return s.leader, nil
}

func (s *Service) stepDown() {
	if !s.leader {
		return
	}
	s.leader = false
	if err := s.lock.Release(context.Background()); err != nil {
		s.logg.Error(context.Background(), "outbox relay lock release failed", err)
	}
}

// processBatch relays unrelayed records in sequence order. A failure on a
// partition key skips the rest of that key's records so the log never sees
// them out of order; other keys continue, refetching past the blocked keys
// when a full batch was taken up by them. It reports whether the caller
// should poll again immediately.
func (s *Service) processBatch(ctx context.Context) (bool, error) {
	blocked := map[string]struct{}{}
	relayed := 0
	full := false
	for {
		records, err := s.repo.FetchUnrelayed(ctx, s.batchSize, keys(blocked)...)
		if err != nil {
			return false, fmt.Errorf("fetch unrelayed: %w", err)
		}
		blockedBefore := len(blocked)
		for _, record := range records {
			if _, skip := blocked[record.PartitionKey]; skip {
				continue
			}
			ok, err := s.relay(ctx, record)
			if err != nil {
				return false, err
			}
			if !ok {
				blocked[record.PartitionKey] = struct{}{}
				continue
			}
			relayed++
		}
		full = len(records) == s.batchSize
		// Refetch only when new keys were blocked out of a full batch.
		if !full || len(blocked) == blockedBefore {
			break
		}
	}

	s.sampleBacklog(ctx)
	if len(blocked) > 0 {
		return false, fmt.Errorf("%d partition key(s) blocked", len(blocked))
	}
	return relayed > 0 && full, nil
}

// relay appends one record and marks it relayed. It returns false when the
// record could not be relayed and its key must be held back.
func (s *Service) relay(ctx context.Context, record models.OutboxRecord) (bool, error) {
	fields := s.recordFields(record)

	if _, err := s.registry.Resolve(record); err != nil {
		s.metrics.IncFailure(string(record.EventType))
		s.logg.Error(s.logg.WithFields(ctx, fields), "outbox record rejected by event catalog, partition blocked", err)
		if markErr := s.repo.MarkFailed(ctx, record.ID, err); markErr != nil {
			return false, fmt.Errorf("mark failure %s: %w", record.ID, markErr)
		}
		return false, nil
	}

	if err := s.append(ctx, record); err != nil {
		s.metrics.IncFailure(string(record.EventType))
		fields["attempt_count"] = record.AttemptCount + 1
		ctxWithFields := s.logg.WithField(s.logg.WithFields(ctx, fields), "error", err.Error())
		s.logg.Warn(ctxWithFields, "outbox relay append failed")
		if markErr := s.repo.MarkFailed(ctx, record.ID, err); markErr != nil {
			return false, fmt.Errorf("mark failure %s: %w", record.ID, markErr)
		}
		return false, nil
	}

	// The record is on the log. Failing here only means it is appended
	// again on the next pass.
	if err := s.repo.MarkRelayed(ctx, record.ID, s.now()); err != nil {
		return false, fmt.Errorf("mark relayed %s: %w", record.ID, err)
	}
	s.metrics.IncPublished(string(record.EventType))
	s.logg.Debug(s.logg.WithFields(ctx, fields), "outbox record relayed")
	return true, nil
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

func (s *Service) append(ctx context.Context, record models.OutboxRecord) error {
	appendCtx, cancel := context.WithTimeout(ctx, defaultAppendTimeout)
	defer cancel()
	_, err := s.log.Append(appendCtx, record.PartitionKey, record.Payload, outbox.LogHeaders(record))
	return err
}

func (s *Service) sampleBacklog(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	count, err := s.repo.CountUnrelayed(ctx)
	if err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "outbox backlog sample failed")
		return
	}
	s.metrics.SetUnrelayed(s.serviceName, count)
}

func (s *Service) recordFields(record models.OutboxRecord) map[string]any {
	fields := map[string]any{
		"event_id":          record.ID.String(),
		"sequence":          record.Sequence,
		"event_type":        record.EventType,
		"aggregate_type":    record.AggregateType,
		"aggregate_id":      record.AggregateID.String(),
		"aggregate_version": record.AggregateVersion,
		"partition_key":     record.PartitionKey,
		"attempt_count":     record.AttemptCount,
	}
	if record.TransactionID != nil {
		fields["transaction_id"] = record.TransactionID.String()
	}
	if record.LastError != nil {
		fields["last_error"] = *record.LastError
	}
	return fields
}

func (s *Service) sleep(ctx context.Context, d time.Duration) error {
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
