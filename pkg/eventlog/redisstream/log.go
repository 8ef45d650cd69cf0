// Package redisstream stores the event log in Redis Streams, one stream per
// partition.
package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/eventpipe/pkg/eventlog"
	"github.com/angelmondragon/eventpipe/pkg/redis"
)

const (
	fieldKey     = "key"
	fieldPayload = "payload"
	fieldHeaders = "headers"

	defaultBlock = 2 * time.Second
)

// Log implements eventlog.Log on Redis Streams.
type Log struct {
	store       redis.StreamStore
	topic       string
	partitioner eventlog.Partitioner
	block       time.Duration
}

func New(store redis.StreamStore, topic string, partitions int, block time.Duration) (*Log, error) {
	if store == nil {
		return nil, errors.New("stream store is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if partitions <= 0 {
		return nil, errors.New("partitions must be positive")
	}
	if block <= 0 {
		block = defaultBlock
	}
	return &Log{
		store:       store,
		topic:       topic,
		partitioner: eventlog.NewPartitioner(partitions),
		block:       block,
	}, nil
}

func (l *Log) Partitions() int { return l.partitioner.Count() }

func (l *Log) stream(partition int) string {
	return l.store.StreamKey(l.topic, partition)
}

func (l *Log) Append(ctx context.Context, key string, payload []byte, headers map[string]string) (eventlog.Record, error) {
	if key == "" {
		return eventlog.Record{}, errors.New("partition key is required")
	}
	encodedHeaders, err := json.Marshal(headers)
	if err != nil {
		return eventlog.Record{}, fmt.Errorf("encode headers: %w", err)
	}
	partition := l.partitioner.Partition(key)
	id, err := l.store.XAdd(ctx, l.stream(partition), map[string]any{
		fieldKey:     key,
		fieldPayload: string(payload),
		fieldHeaders: string(encodedHeaders),
	})
	if err != nil {
		return eventlog.Record{}, fmt.Errorf("xadd partition %d: %w", partition, err)
	}
	return eventlog.Record{
		Partition: partition,
		Offset:    id,
		Key:       key,
		Payload:   payload,
		Headers:   headers,
	}, nil
}

func (l *Log) Read(ctx context.Context, partition int, after, until string, limit int) ([]eventlog.Record, error) {
	if partition < 0 || partition >= l.Partitions() {
		return nil, fmt.Errorf("partition %d out of range", partition)
	}
	start := "-"
	if after != "" {
		start = "(" + after
	}
	stop := "+"
	if until != "" {
		if eventlog.CompareOffsets(after, until) >= 0 && after != "" {
			return nil, nil
		}
		stop = until
	}
	if limit <= 0 {
		limit = 100
	}
	msgs, err := l.store.XRange(ctx, l.stream(partition), start, stop, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("xrange partition %d: %w", partition, err)
	}
	return decodeMessages(partition, msgs)
}

func (l *Log) HighWater(ctx context.Context, partition int) (string, error) {
	id, err := l.store.XLastID(ctx, l.stream(partition))
	if err != nil {
		return "", fmt.Errorf("last id partition %d: %w", partition, err)
	}
	return id, nil
}

func (l *Log) Subscribe(ctx context.Context, group, consumer string, partition int) (eventlog.Subscription, error) {
	if group == "" || consumer == "" {
		return nil, errors.New("group and consumer are required")
	}
	if partition < 0 || partition >= l.Partitions() {
		return nil, fmt.Errorf("partition %d out of range", partition)
	}
	stream := l.stream(partition)
	if err := l.store.EnsureGroup(ctx, stream, group); err != nil {
		return nil, err
	}
	if _, err := l.store.XClaimAll(ctx, stream, group, consumer); err != nil {
		return nil, fmt.Errorf("take over pending partition %d: %w", partition, err)
	}
	return &subscription{
		store:         l.store,
		stream:        stream,
		group:         group,
		consumer:      consumer,
		partition:     partition,
		block:         l.block,
		replayPending: true,
		pendingAfter:  "0",
	}, nil
}

type subscription struct {
	store         redis.StreamStore
	stream        string
	group         string
	consumer      string
	partition     int
	block         time.Duration
	replayPending bool
	// pendingAfter is the id pending reads resume from. XREADGROUP with an
	// explicit id returns this consumer's pending entries after it.
	pendingAfter string
}

func (s *subscription) Partition() int { return s.partition }

func (s *subscription) Rewind() {
	s.replayPending = true
	s.pendingAfter = "0"
}

func (s *subscription) Fetch(ctx context.Context, count int) ([]eventlog.Record, error) {
	if count <= 0 {
		count = 1
	}
	if s.replayPending {
		msgs, err := s.store.XReadGroup(ctx, s.stream, s.group, s.consumer, s.pendingAfter, int64(count), -1)
		if err != nil {
			return nil, fmt.Errorf("read pending: %w", err)
		}
		if len(msgs) > 0 {
			s.pendingAfter = msgs[len(msgs)-1].ID
			msgs, err = s.dropTrimmed(ctx, msgs)
			if err != nil {
				return nil, err
			}
			// a page of only trimmed entries returns empty; the next call keeps draining
			return decodeMessages(s.partition, msgs)
		}
		s.replayPending = false
	}
	msgs, err := s.store.XReadGroup(ctx, s.stream, s.group, s.consumer, ">", int64(count), s.block)
	if err != nil {
		return nil, fmt.Errorf("read new: %w", err)
	}
	return decodeMessages(s.partition, msgs)
}

// dropTrimmed acks pending entries whose payload was trimmed from the stream.
func (s *subscription) dropTrimmed(ctx context.Context, msgs []goredis.XMessage) ([]goredis.XMessage, error) {
	kept := msgs[:0]
	var gone []string
	for _, msg := range msgs {
		if len(msg.Values) == 0 {
			gone = append(gone, msg.ID)
			continue
		}
		kept = append(kept, msg)
	}
	if len(gone) > 0 {
		if err := s.store.XAck(ctx, s.stream, s.group, gone...); err != nil {
			return nil, fmt.Errorf("ack trimmed: %w", err)
		}
	}
	return kept, nil
}

func (s *subscription) Ack(ctx context.Context, records ...eventlog.Record) error {
	if len(records) == 0 {
		return nil
	}
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.Offset)
	}
	if err := s.store.XAck(ctx, s.stream, s.group, ids...); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

func decodeMessages(partition int, msgs []goredis.XMessage) ([]eventlog.Record, error) {
	out := make([]eventlog.Record, 0, len(msgs))
	for _, msg := range msgs {
		rec, err := decodeMessage(partition, msg)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeMessage(partition int, msg goredis.XMessage) (eventlog.Record, error) {
	rec := eventlog.Record{Partition: partition, Offset: msg.ID}
	rec.Key = stringValue(msg.Values[fieldKey])
	rec.Payload = []byte(stringValue(msg.Values[fieldPayload]))
	if raw := stringValue(msg.Values[fieldHeaders]); raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &rec.Headers); err != nil {
			return eventlog.Record{}, fmt.Errorf("decode headers of %s: %w", msg.ID, err)
		}
	}
	return rec, nil
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
