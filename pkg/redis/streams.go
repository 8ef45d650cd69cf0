package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const claimBatch = 100

// StreamStore exposes the stream operations used by the Redis event log.
type StreamStore interface {
	XAdd(ctx context.Context, stream string, values map[string]any) (string, error)
	XRange(ctx context.Context, stream, start, stop string, count int64) ([]redis.XMessage, error)
	XLastID(ctx context.Context, stream string) (string, error)
	XReadGroup(ctx context.Context, stream, group, consumer, start string, count int64, block time.Duration) ([]redis.XMessage, error)
	XAck(ctx context.Context, stream, group string, ids ...string) error
	EnsureGroup(ctx context.Context, stream, group string) error
	XClaimAll(ctx context.Context, stream, group, consumer string) (int, error)
	StreamKey(topic string, partition int) string
}

// XAdd appends values to stream and returns the assigned entry id.
func (c *Client) XAdd(ctx context.Context, stream string, values map[string]any) (string, error) {
	if c.store == nil {
		return "", errors.New("redis client not initialized")
	}
	return c.store.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
}

// XRange returns up to count entries between start and stop inclusive. A start
// prefixed with "(" is exclusive.
func (c *Client) XRange(ctx context.Context, stream, start, stop string, count int64) ([]redis.XMessage, error) {
	if c.store == nil {
		return nil, errors.New("redis client not initialized")
	}
	return c.store.XRangeN(ctx, stream, start, stop, count).Result()
}

// XLastID returns the id of the newest entry, or "" for an empty stream.
func (c *Client) XLastID(ctx context.Context, stream string) (string, error) {
	if c.store == nil {
		return "", errors.New("redis client not initialized")
	}
	msgs, err := c.store.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", err
	}
	if len(msgs) == 0 {
		return "", nil
	}
	return msgs[0].ID, nil
}

// XReadGroup reads entries for consumer in group. start "0" returns the
// consumer's pending entries, ">" returns new ones. A negative block returns
// immediately. A timeout with no entries yields an empty slice.
func (c *Client) XReadGroup(ctx context.Context, stream, group, consumer, start string, count int64, block time.Duration) ([]redis.XMessage, error) {
	if c.store == nil {
		return nil, errors.New("redis client not initialized")
	}
	if block == 0 {
		block = -1
	}
	streams, err := c.store.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, start},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var msgs []redis.XMessage
	for _, s := range streams {
		if s.Stream == stream {
			msgs = append(msgs, s.Messages...)
		}
	}
	return msgs, nil
}

// XAck acknowledges entries for group.
func (c *Client) XAck(ctx context.Context, stream, group string, ids ...string) error {
	if c.store == nil {
		return errors.New("redis client not initialized")
	}
	if len(ids) == 0 {
		return nil
	}
	return c.store.XAck(ctx, stream, group, ids...).Err()
}

// EnsureGroup creates the consumer group at the start of stream, creating the
// stream when missing. An existing group is not an error.
func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	if c.store == nil {
		return errors.New("redis client not initialized")
	}
	err := c.store.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// XClaimAll moves every pending entry of group onto consumer regardless of
// idle time, and returns how many moved.
func (c *Client) XClaimAll(ctx context.Context, stream, group, consumer string) (int, error) {
	if c.store == nil {
		return 0, errors.New("redis client not initialized")
	}
	claimed := 0
	start := "0-0"
	for {
		ids, next, err := c.store.XAutoClaimJustID(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: consumer,
			Start:    start,
			Count:    claimBatch,
		}).Result()
		if err != nil {
			return claimed, fmt.Errorf("autoclaim %s on %s: %w", group, stream, err)
		}
		claimed += len(ids)
		if next == "" || next == "0-0" {
			return claimed, nil
		}
		start = next
	}
}
