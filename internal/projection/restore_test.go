package projection

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/eventpipe/pkg/enums"
	"github.com/angelmondragon/eventpipe/pkg/eventlog"
)

type fakeShardStore struct {
	mu        sync.Mutex
	deleteAll int
	deleted   [][]uuid.UUID
}

func (s *fakeShardStore) DeleteShards(ctx context.Context, shards []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, shards)
	return nil
}

func (s *fakeShardStore) DeleteAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteAll++
	return nil
}

// growingReader appends a record right after the high water mark of a
// partition is captured, as a concurrent writer would.
type growingReader struct {
	*eventlog.Memory
	t    *testing.T
	late eventSpec
	once sync.Once
}

func (r *growingReader) HighWater(ctx context.Context, partition int) (string, error) {
	hw, err := r.Memory.HighWater(ctx, partition)
	if err == nil && hw != "" {
		r.once.Do(func() { appendAll(r.t, r.Memory, r.late) })
	}
	return hw, err
}

func newTestRestorer(t *testing.T, reader eventlog.Reader, store ShardStore, l *recordingListener, attempts int) *Restorer {
	t.Helper()
	r, err := NewRestorer(reader, store,
		func() (*Dispatcher, error) { return NewDispatcher(l, l, BufferConfig{}, nil) },
		RestoreConfig{MaxAttempts: attempts, Parallelism: 2, ReadBatch: 2},
		nil, nil)
	if err != nil {
		t.Fatalf("new restorer: %v", err)
	}
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r
}

func onRoot(s eventSpec, root uuid.UUID) eventSpec {
	s.root = root
	return s
}

func TestRestoreReplaysEveryPartition(t *testing.T) {
	log := eventlog.NewMemory(4)
	rootA, rootB := uuid.New(), uuid.New()
	taskA, taskB := uuid.New(), uuid.New()
	appendAll(t, log,
		onRoot(taskEvent(enums.EventTaskCreated, taskA, 1), rootA),
		onRoot(taskEvent(enums.EventTaskCreated, taskB, 1), rootB),
		onRoot(taskEvent(enums.EventTaskUpdated, taskA, 2), rootA),
		onRoot(taskEvent(enums.EventTaskUpdated, taskA, 3), rootA),
		onRoot(taskEvent(enums.EventTaskUpdated, taskB, 2), rootB),
	)
	store := &fakeShardStore{}
	l := newRecordingListener()
	if err := newTestRestorer(t, log, store, l, 1).Restore(context.Background(), nil); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if store.deleteAll != 1 || len(store.deleted) != 0 {
		t.Fatalf("full restore should truncate once, got %+v", store)
	}
	if got := len(l.appliedTypes()); got != 5 {
		t.Fatalf("expected 5 events applied, got %d", got)
	}
}

func TestRestoreFiltersShards(t *testing.T) {
	log := eventlog.NewMemory(1)
	rootA, rootB := uuid.New(), uuid.New()
	appendAll(t, log,
		onRoot(taskEvent(enums.EventTaskCreated, uuid.New(), 1), rootA),
		onRoot(taskEvent(enums.EventTaskCreated, uuid.New(), 1), rootB),
		onRoot(taskEvent(enums.EventTaskDeleted, uuid.New(), 2), rootA),
	)
	store := &fakeShardStore{}
	l := newRecordingListener()
	if err := newTestRestorer(t, log, store, l, 1).Restore(context.Background(), []uuid.UUID{rootA}); err != nil {
		t.Fatalf("restore: %v", err)
	}
	want := []enums.EventType{enums.EventTaskCreated, enums.EventTaskDeleted}
	if got := l.appliedTypes(); !reflect.DeepEqual(got, want) {
		t.Fatalf("applied %v want %v", got, want)
	}
	if store.deleteAll != 0 || len(store.deleted) != 1 || store.deleted[0][0] != rootA {
		t.Fatalf("only the requested shard should be discarded, got %+v", store)
	}
}

func TestRestoreStopsAtHighWater(t *testing.T) {
	mem := eventlog.NewMemory(1)
	task := uuid.New()
	appendAll(t, mem, taskEvent(enums.EventTaskCreated, task, 1))
	reader := &growingReader{Memory: mem, t: t, late: taskEvent(enums.EventTaskUpdated, task, 2)}

	l := newRecordingListener()
	if err := newTestRestorer(t, reader, &fakeShardStore{}, l, 1).Restore(context.Background(), nil); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := l.appliedTypes(); !reflect.DeepEqual(got, []enums.EventType{enums.EventTaskCreated}) {
		t.Fatalf("records past the high water mark must be left to the online consumer, got %v", got)
	}
	if hw, _ := mem.HighWater(context.Background(), 0); hw != "0-2" {
		t.Fatalf("late record should exist, high water %s", hw)
	}
}

func TestRestoreSkipsTransactionOpenAtHighWater(t *testing.T) {
	log := eventlog.NewMemory(1)
	txID := uuid.New()
	appendAll(t, log,
		taskEvent(enums.EventTaskCreated, uuid.New(), 1),
		marker(enums.EventBusinessTransactionStarted, txID),
		taskEvent(enums.EventTaskCreated, uuid.New(), 1).inTx(txID),
	)
	l := newRecordingListener()
	if err := newTestRestorer(t, log, &fakeShardStore{}, l, 1).Restore(context.Background(), nil); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := len(l.appliedTypes()); got != 1 {
		t.Fatalf("open transaction must not be applied, applied %d", got)
	}
}

func TestRestoreRetriesFromScratch(t *testing.T) {
	log := eventlog.NewMemory(1)
	task := uuid.New()
	appendAll(t, log,
		taskEvent(enums.EventTaskCreated, task, 1),
		taskEvent(enums.EventTaskUpdated, task, 2),
	)
	store := &fakeShardStore{}
	l := newRecordingListener()
	l.failTimes(enums.EventTaskUpdated, 1)
	if err := newTestRestorer(t, log, store, l, 3).Restore(context.Background(), nil); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if store.deleteAll != 2 {
		t.Fatalf("each attempt must discard first, got %d discards", store.deleteAll)
	}
}

func TestRestoreGivesUpAfterMaxAttempts(t *testing.T) {
	log := eventlog.NewMemory(1)
	appendAll(t, log, taskEvent(enums.EventTaskCreated, uuid.New(), 1))
	l := newRecordingListener()
	l.failTimes(enums.EventTaskCreated, 5)
	err := newTestRestorer(t, log, &fakeShardStore{}, l, 2).Restore(context.Background(), nil)
	if err == nil {
		t.Fatal("expected restore to fail")
	}
	for _, want := range []string{"after 2 attempts", "attempt 1", "attempt 2"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q should mention %q", err, want)
		}
	}
}
