// Package eventlog defines the partitioned, replayable log that carries
// committed events from the outbox relay to projection consumers.
package eventlog

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
)

// Header names set by the relay on every record.
const (
	HeaderEventID       = "event_id"
	HeaderEventType     = "event_type"
	HeaderAggregateType = "aggregate_type"
	HeaderAggregateID   = "aggregate_id"
	HeaderTransactionID = "transaction_id"
)

// Record is one entry of a partition. Offsets are only comparable within a
// partition, see CompareOffsets.
type Record struct {
	Partition int
	Offset    string
	Key       string
	Payload   []byte
	Headers   map[string]string
}

type Writer interface {
	Append(ctx context.Context, key string, payload []byte, headers map[string]string) (Record, error)
}

type Reader interface {
	Partitions() int
	// Read returns up to limit records with after < offset <= until. An empty
	// after starts at the beginning, an empty until has no upper bound.
	Read(ctx context.Context, partition int, after, until string, limit int) ([]Record, error)
	// HighWater returns the newest offset of partition, or "" when empty.
	HighWater(ctx context.Context, partition int) (string, error)
}

type Subscriber interface {
	// Subscribe makes consumer the member of group reading partition. Records
	// other members left unacknowledged move to consumer, so the caller must
	// own the partition exclusively.
	Subscribe(ctx context.Context, group, consumer string, partition int) (Subscription, error)
}

// Subscription delivers a partition to one member of a consumer group. Fetch
// returns unacknowledged records first, then new ones, blocking briefly when
// nothing is available.
type Subscription interface {
	Partition() int
	Fetch(ctx context.Context, count int) ([]Record, error)
	Ack(ctx context.Context, records ...Record) error
	// Rewind makes the next Fetch redeliver every unacknowledged record.
	Rewind()
}

type Log interface {
	Writer
	Reader
	Subscriber
}

// Partitioner maps a partition key onto a fixed number of partitions.
type Partitioner struct {
	count int
}

func NewPartitioner(count int) Partitioner {
	if count <= 0 {
		count = 1
	}
	return Partitioner{count: count}
}

func (p Partitioner) Count() int { return p.count }

// Partition hashes key with FNV-1a.
func (p Partitioner) Partition(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(p.count))
}

// CompareOffsets orders two "<ms>-<seq>" offsets. It returns -1, 0 or 1.
// The empty offset sorts before everything.
func CompareOffsets(a, b string) int {
	if a == b {
		return 0
	}
	if a == "" {
		return -1
	}
	if b == "" {
		return 1
	}
	am, as := splitOffset(a)
	bm, bs := splitOffset(b)
	switch {
	case am < bm:
		return -1
	case am > bm:
		return 1
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func splitOffset(offset string) (uint64, uint64) {
	ms, seq, _ := strings.Cut(offset, "-")
	m, _ := strconv.ParseUint(ms, 10, 64)
	s, _ := strconv.ParseUint(seq, 10, 64)
	return m, s
}

func checkPartition(partition, count int) error {
	if partition < 0 || partition >= count {
		return fmt.Errorf("partition %d out of range [0,%d)", partition, count)
	}
	return nil
}
