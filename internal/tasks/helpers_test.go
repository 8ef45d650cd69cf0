package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/eventpipe/internal/projection"
	"github.com/angelmondragon/eventpipe/pkg/db"
	"github.com/angelmondragon/eventpipe/pkg/db/dbtest"
	"github.com/angelmondragon/eventpipe/pkg/db/models"
	"github.com/angelmondragon/eventpipe/pkg/enums"
	"github.com/angelmondragon/eventpipe/pkg/eventlog"
	"github.com/angelmondragon/eventpipe/pkg/outbox"
	"github.com/angelmondragon/eventpipe/pkg/outbox/idempotency"
	"github.com/angelmondragon/eventpipe/pkg/outbox/payloads"
)

// memoryRedis covers the cache and idempotency calls the task side effects
// make.
type memoryRedis struct {
	mu      sync.Mutex
	values  map[string]string
	deleted []string
}

func newMemoryRedis() *memoryRedis {
	return &memoryRedis{values: map[string]string{}}
}

func (m *memoryRedis) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return "", goredis.Nil
	}
	return v, nil
}

func (m *memoryRedis) Set(_ context.Context, key string, value any, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = fmt.Sprint(value)
	return nil
}

func (m *memoryRedis) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = fmt.Sprint(value)
	return true, nil
}

func (m *memoryRedis) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
		m.deleted = append(m.deleted, k)
	}
	return nil
}

func (m *memoryRedis) IdempotencyKey(scope, id string) string {
	return "ep:idempotency:" + scope + ":" + id
}

func (m *memoryRedis) CacheKey(parts ...string) string {
	return "ep:cache:" + strings.Join(parts, ":")
}

func (m *memoryRedis) deletedKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

type fakePublisher struct {
	mu   sync.Mutex
	fail error
	sent []payloads.AssignmentChangedNotification
	keys []string

	// failures makes that many publishes fail before any succeeds.
	failures int
}

func (p *fakePublisher) Publish(_ context.Context, orderingKey string, data []byte, _ map[string]string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return "", p.fail
	}
	if p.failures > 0 {
		p.failures--
		return "", errPublish
	}
	var n payloads.AssignmentChangedNotification
	if err := json.Unmarshal(data, &n); err != nil {
		return "", err
	}
	p.sent = append(p.sent, n)
	p.keys = append(p.keys, orderingKey)
	return fmt.Sprintf("msg-%d", len(p.sent)), nil
}

func (p *fakePublisher) notifications() []payloads.AssignmentChangedNotification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]payloads.AssignmentChangedNotification(nil), p.sent...)
}

// pipeline wires the write side, a relay pump, the in-memory event log and
// an online consumer reading it, all over one SQLite database.
type pipeline struct {
	t          *testing.T
	client     *db.Client
	service    *Service
	outbox     *outbox.Repository
	log        *eventlog.Memory
	store      *ProjectionStore
	redis      *memoryRedis
	publisher  *fakePublisher
	dispatcher *projection.Dispatcher
	cursors    map[int]string
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	return newPipelineWithBuffer(t, projection.BufferConfig{})
}

func newPipelineWithBuffer(t *testing.T, buffer projection.BufferConfig) *pipeline {
	t.Helper()
	client := dbtest.New(t, &models.AggregateSnapshot{}, &models.OutboxRecord{}, &models.TaskProjection{}, &models.DeadLetter{})
	repo := outbox.NewRepository(client.DB())
	service, err := NewService(client, outbox.NewService(repo, nil), nil)
	require.NoError(t, err)

	p := &pipeline{
		t:         t,
		client:    client,
		service:   service,
		outbox:    repo,
		log:       eventlog.NewMemory(2),
		store:     NewProjectionStore(client.DB()),
		redis:     newMemoryRedis(),
		publisher: &fakePublisher{},
		cursors:   map[int]string{},
	}
	once, err := idempotency.NewManager(p.redis, time.Hour)
	require.NoError(t, err)
	effects, err := NewEffects(EffectsParams{Consumer: "task-projection-online", Publisher: p.publisher, Cache: p.redis, Once: once})
	require.NoError(t, err)
	consumer, err := NewConsumer(enums.ModeOnline, ConsumerDeps{
		DB:             client,
		Store:          p.store,
		Effects:        effects,
		EffectAttempts: 3,
		EffectBackoff:  time.Millisecond,
	})
	require.NoError(t, err)
	p.dispatcher, err = projection.Dispatchers(consumer, buffer, nil)()
	require.NoError(t, err)
	return p
}

// relay moves unrelayed outbox records to the log. Without mark the records
// stay unrelayed, as when the relay crashes before MarkRelayed.
func (p *pipeline) relay(mark bool) int {
	p.t.Helper()
	ctx := context.Background()
	rows, err := p.outbox.FetchUnrelayed(ctx, 1000)
	require.NoError(p.t, err)
	for _, row := range rows {
		_, err := p.log.Append(ctx, row.PartitionKey, row.Payload, outbox.LogHeaders(row))
		require.NoError(p.t, err)
		if mark {
			require.NoError(p.t, p.outbox.MarkRelayed(ctx, row.ID, time.Now()))
		}
	}
	return len(rows)
}

// consume dispatches everything appended since the last call, record by
// record, calling after for each one.
func (p *pipeline) consume(after func(eventlog.Record)) {
	p.t.Helper()
	ctx := context.Background()
	for partition := 0; partition < p.log.Partitions(); partition++ {
		recs, err := p.log.Read(ctx, partition, p.cursors[partition], "", 0)
		require.NoError(p.t, err)
		for _, rec := range recs {
			_, err := p.dispatcher.Dispatch(ctx, rec)
			require.NoError(p.t, err, "dispatch %s", rec.Offset)
			p.cursors[partition] = rec.Offset
			if after != nil {
				after(rec)
			}
		}
	}
}

func (p *pipeline) sync() {
	p.t.Helper()
	p.relay(true)
	p.consume(nil)
}

func (p *pipeline) projection(id uuid.UUID) *models.TaskProjection {
	p.t.Helper()
	var row *models.TaskProjection
	require.NoError(p.t, p.client.RunInTx(context.Background(), func(ctx context.Context, tx *gorm.DB) error {
		var err error
		row, err = p.store.Get(ctx, tx, id)
		return err
	}))
	return row
}

// restoreInto replays the whole log into a fresh database with the restore
// table and returns its projection rows.
func restoreInto(t *testing.T, log eventlog.Reader, shards ...uuid.UUID) (*ProjectionStore, []models.TaskProjection) {
	t.Helper()
	client := dbtest.New(t, &models.TaskProjection{}, &models.DeadLetter{})
	store := NewProjectionStore(client.DB())
	consumer, err := NewConsumer(enums.ModeRestore, ConsumerDeps{DB: client, Store: store})
	require.NoError(t, err)
	restorer, err := projection.NewRestorer(log, store, projection.Dispatchers(consumer, projection.BufferConfig{}, nil),
		projection.RestoreConfig{MaxAttempts: 1}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, restorer.Restore(context.Background(), shards))
	rows, err := store.All(context.Background())
	require.NoError(t, err)
	return store, rows
}

func strPtr(s string) *string { return &s }

var errPublish = errors.New("pubsub unavailable")
