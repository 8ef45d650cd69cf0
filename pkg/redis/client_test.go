package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestSetNXGetDel(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	client := &Client{store: mock}

	ok, err := client.SetNX(ctx, "ep:lock:relay", "owner-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first setnx to win, got %v %v", ok, err)
	}
	ok, err = client.SetNX(ctx, "ep:lock:relay", "owner-b", time.Minute)
	if err != nil || ok {
		t.Fatalf("expected second setnx to lose, got %v %v", ok, err)
	}
	if v, _ := client.Get(ctx, "ep:lock:relay"); v != "owner-a" {
		t.Fatalf("expected owner-a, got %q", v)
	}

	if err := client.Del(ctx, "ep:lock:relay"); err != nil {
		t.Fatalf("del failed: %v", err)
	}
	if _, err := client.Get(ctx, "ep:lock:relay"); !errors.Is(err, redis.Nil) {
		t.Fatalf("expected redis.Nil after delete, got %v", err)
	}
}

func TestKeyBuilders(t *testing.T) {
	client := &Client{}
	if got := client.IdempotencyKey("scope", "id"); got != "ep:idempotency:scope:id" {
		t.Fatalf("unexpected idempotency key %s", got)
	}
	if got := client.LockKey("projector", "tasks", "3"); got != "ep:lock:projector:tasks:3" {
		t.Fatalf("unexpected lock key %s", got)
	}
	if got := client.CacheKey("task", "", "abc"); got != "ep:cache:task:abc" {
		t.Fatalf("cache key should skip empty parts, got %s", got)
	}
	if got := client.StreamKey("tasks", 5); got != "ep:log:tasks:5" {
		t.Fatalf("unexpected stream key %s", got)
	}
}

func TestStreamAppendRangeAndLastID(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	client := &Client{store: mock}

	last, err := client.XLastID(ctx, "ep:log:tasks:0")
	if err != nil || last != "" {
		t.Fatalf("empty stream should have no last id, got %q %v", last, err)
	}

	first, err := client.XAdd(ctx, "ep:log:tasks:0", map[string]any{"key": "p1"})
	if err != nil {
		t.Fatalf("xadd failed: %v", err)
	}
	second, _ := client.XAdd(ctx, "ep:log:tasks:0", map[string]any{"key": "p1"})

	msgs, err := client.XRange(ctx, "ep:log:tasks:0", "-", "+", 10)
	if err != nil || len(msgs) != 2 || msgs[0].ID != first {
		t.Fatalf("unexpected range %v %v", msgs, err)
	}
	last, err = client.XLastID(ctx, "ep:log:tasks:0")
	if err != nil || last != second {
		t.Fatalf("expected last id %s, got %s %v", second, last, err)
	}
}

func TestXReadGroupTimeoutYieldsEmpty(t *testing.T) {
	mock := newMockCmdable()
	mock.readGroupErr = redis.Nil
	client := &Client{store: mock}

	msgs, err := client.XReadGroup(context.Background(), "s", "g", "c", ">", 10, time.Second)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("expected empty result on timeout, got %v %v", msgs, err)
	}
	if mock.lastReadGroup.Block != time.Second {
		t.Fatalf("expected block to be forwarded, got %v", mock.lastReadGroup.Block)
	}

	_, _ = client.XReadGroup(context.Background(), "s", "g", "c", "0", 10, 0)
	if mock.lastReadGroup.Block >= 0 {
		t.Fatalf("zero block should be sent as non-blocking, got %v", mock.lastReadGroup.Block)
	}
}

func TestEnsureGroupIgnoresBusyGroup(t *testing.T) {
	mock := newMockCmdable()
	client := &Client{store: mock}
	mock.groupErr = errors.New("BUSYGROUP Consumer Group name already exists")
	if err := client.EnsureGroup(context.Background(), "s", "g"); err != nil {
		t.Fatalf("busy group should be ignored, got %v", err)
	}
	mock.groupErr = errors.New("WRONGTYPE")
	if err := client.EnsureGroup(context.Background(), "s", "g"); err == nil {
		t.Fatal("expected other errors to surface")
	}
}

func TestXClaimAllFollowsCursor(t *testing.T) {
	mock := newMockCmdable()
	client := &Client{store: mock}
	mock.claimPages = []claimPage{
		{ids: []string{"1-1", "1-2"}, next: "1-3"},
		{ids: []string{"1-3"}, next: "0-0"},
	}

	n, err := client.XClaimAll(context.Background(), "ep:log:tasks:0", "projector", "p0")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 claimed, got %d", n)
	}
	if len(mock.claims) != 2 || mock.claims[0].Start != "0-0" || mock.claims[1].Start != "1-3" {
		t.Fatalf("unexpected claim calls %+v", mock.claims)
	}
	if mock.claims[0].Consumer != "p0" || mock.claims[0].MinIdle != 0 {
		t.Fatalf("claim must target the new member without idle threshold, got %+v", mock.claims[0])
	}
}

type mockCmdable struct {
	data          map[string]string
	streams       map[string][]redis.XMessage
	seq           int64
	readGroupErr  error
	groupErr      error
	lastReadGroup redis.XReadGroupArgs
	claimPages    []claimPage
	claims        []redis.XAutoClaimArgs
}

type claimPage struct {
	ids  []string
	next string
}

func newMockCmdable() *mockCmdable {
	return &mockCmdable{
		data:    make(map[string]string),
		streams: make(map[string][]redis.XMessage),
	}
}

func (m *mockCmdable) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (m *mockCmdable) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	m.data[key] = fmt.Sprint(value)
	return redis.NewStatusResult("OK", nil)
}

func (m *mockCmdable) Get(ctx context.Context, key string) *redis.StringCmd {
	v, ok := m.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (m *mockCmdable) SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd {
	if _, exists := m.data[key]; exists {
		return redis.NewBoolResult(false, nil)
	}
	m.data[key] = fmt.Sprint(value)
	return redis.NewBoolResult(true, nil)
}

func (m *mockCmdable) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	for _, key := range keys {
		delete(m.data, key)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func (m *mockCmdable) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	m.seq++
	id := "1700000000000-" + strconv.FormatInt(m.seq, 10)
	values, _ := a.Values.(map[string]any)
	m.streams[a.Stream] = append(m.streams[a.Stream], redis.XMessage{ID: id, Values: values})
	return redis.NewStringResult(id, nil)
}

func (m *mockCmdable) XRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd {
	msgs := m.streams[stream]
	if int64(len(msgs)) > count {
		msgs = msgs[:count]
	}
	return redis.NewXMessageSliceCmdResult(msgs, nil)
}

func (m *mockCmdable) XRevRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd {
	msgs := m.streams[stream]
	if len(msgs) == 0 {
		return redis.NewXMessageSliceCmdResult(nil, nil)
	}
	return redis.NewXMessageSliceCmdResult([]redis.XMessage{msgs[len(msgs)-1]}, nil)
}

func (m *mockCmdable) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	m.lastReadGroup = *a
	if m.readGroupErr != nil {
		return redis.NewXStreamSliceCmdResult(nil, m.readGroupErr)
	}
	return redis.NewXStreamSliceCmdResult([]redis.XStream{{Stream: a.Streams[0], Messages: m.streams[a.Streams[0]]}}, nil)
}

func (m *mockCmdable) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	return redis.NewIntResult(int64(len(ids)), nil)
}

func (m *mockCmdable) XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd {
	if m.groupErr != nil {
		return redis.NewStatusResult("", m.groupErr)
	}
	return redis.NewStatusResult("OK", nil)
}

func (m *mockCmdable) XAutoClaimJustID(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimJustIDCmd {
	m.claims = append(m.claims, *a)
	cmd := redis.NewXAutoClaimJustIDCmd(ctx)
	if len(m.claimPages) == 0 {
		cmd.SetVal(nil, "0-0")
		return cmd
	}
	page := m.claimPages[0]
	m.claimPages = m.claimPages[1:]
	cmd.SetVal(page.ids, page.next)
	return cmd
}
