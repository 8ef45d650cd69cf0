package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const defaultMemoryBlock = 50 * time.Millisecond

// Memory is an in-process Log. Offsets are "0-<n>" with n starting at 1.
type Memory struct {
	partitioner Partitioner
	block       time.Duration

	mu         sync.Mutex
	partitions [][]Record
	notify     []chan struct{}
	groups     map[groupPartition]*memoryGroup
}

type groupPartition struct {
	group     string
	partition int
}

type memoryGroup struct {
	next    int
	pending []pendingEntry
}

// pendingEntry is a delivered, unacknowledged record and the member holding it.
type pendingEntry struct {
	idx      int
	consumer string
}

type MemoryOption func(*Memory)

// WithBlockTimeout bounds how long Fetch waits for new records.
func WithBlockTimeout(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			m.block = d
		}
	}
}

func NewMemory(partitions int, opts ...MemoryOption) *Memory {
	p := NewPartitioner(partitions)
	m := &Memory{
		partitioner: p,
		block:       defaultMemoryBlock,
		partitions:  make([][]Record, p.Count()),
		notify:      make([]chan struct{}, p.Count()),
		groups:      map[groupPartition]*memoryGroup{},
	}
	for i := range m.notify {
		m.notify[i] = make(chan struct{})
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Partitions() int { return m.partitioner.Count() }

func (m *Memory) Append(ctx context.Context, key string, payload []byte, headers map[string]string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if key == "" {
		return Record{}, errors.New("partition key is required")
	}
	partition := m.partitioner.Partition(key)

	m.mu.Lock()
	defer m.mu.Unlock()
	rec := Record{
		Partition: partition,
		Offset:    fmt.Sprintf("0-%d", len(m.partitions[partition])+1),
		Key:       key,
		Payload:   append([]byte(nil), payload...),
		Headers:   copyHeaders(headers),
	}
	m.partitions[partition] = append(m.partitions[partition], rec)
	close(m.notify[partition])
	m.notify[partition] = make(chan struct{})
	return rec, nil
}

func (m *Memory) Read(ctx context.Context, partition int, after, until string, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkPartition(partition, m.Partitions()); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.partitions[partition] {
		if CompareOffsets(rec.Offset, after) <= 0 {
			continue
		}
		if until != "" && CompareOffsets(rec.Offset, until) > 0 {
			break
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) HighWater(ctx context.Context, partition int) (string, error) {
	if err := checkPartition(partition, m.Partitions()); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.partitions[partition]
	if len(recs) == 0 {
		return "", nil
	}
	return recs[len(recs)-1].Offset, nil
}

func (m *Memory) Subscribe(ctx context.Context, group, consumer string, partition int) (Subscription, error) {
	if group == "" || consumer == "" {
		return nil, errors.New("group and consumer are required")
	}
	if err := checkPartition(partition, m.Partitions()); err != nil {
		return nil, err
	}
	m.mu.Lock()
	key := groupPartition{group: group, partition: partition}
	g, ok := m.groups[key]
	if !ok {
		g = &memoryGroup{}
		m.groups[key] = g
	}
	for i := range g.pending {
		g.pending[i].consumer = consumer
	}
	m.mu.Unlock()
	return &memorySubscription{log: m, key: key, consumer: consumer, replayPending: true}, nil
}

type memorySubscription struct {
	log           *Memory
	key           groupPartition
	consumer      string
	replayPending bool
	// pendingAfter is the last pending offset handed out since the last rewind.
	pendingAfter string
}

func (s *memorySubscription) Partition() int { return s.key.partition }

func (s *memorySubscription) Rewind() {
	s.replayPending = true
	s.pendingAfter = ""
}

func (s *memorySubscription) Fetch(ctx context.Context, count int) ([]Record, error) {
	if count <= 0 {
		count = 1
	}
	if s.replayPending {
		if recs := s.pending(count); len(recs) > 0 {
			s.pendingAfter = recs[len(recs)-1].Offset
			return recs, nil
		}
		s.replayPending = false
	}

	recs, wait := s.next(count)
	if len(recs) > 0 {
		return recs, nil
	}

	timer := time.NewTimer(s.log.block)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case <-wait:
	}
	recs, _ = s.next(count)
	return recs, nil
}

func (s *memorySubscription) pending(count int) []Record {
	s.log.mu.Lock()
	defer s.log.mu.Unlock()
	g := s.log.groups[s.key]
	stream := s.log.partitions[s.key.partition]
	var out []Record
	for _, p := range g.pending {
		if p.consumer != s.consumer || CompareOffsets(stream[p.idx].Offset, s.pendingAfter) <= 0 {
			continue
		}
		out = append(out, stream[p.idx])
		if len(out) == count {
			break
		}
	}
	return out
}

func (s *memorySubscription) next(count int) ([]Record, <-chan struct{}) {
	s.log.mu.Lock()
	defer s.log.mu.Unlock()
	g := s.log.groups[s.key]
	stream := s.log.partitions[s.key.partition]
	var out []Record
	for g.next < len(stream) && len(out) < count {
		out = append(out, stream[g.next])
		g.pending = append(g.pending, pendingEntry{idx: g.next, consumer: s.consumer})
		g.next++
	}
	return out, s.log.notify[s.key.partition]
}

func (s *memorySubscription) Ack(ctx context.Context, records ...Record) error {
	if len(records) == 0 {
		return nil
	}
	acked := map[string]struct{}{}
	for _, rec := range records {
		acked[rec.Offset] = struct{}{}
	}
	s.log.mu.Lock()
	defer s.log.mu.Unlock()
	g := s.log.groups[s.key]
	stream := s.log.partitions[s.key.partition]
	kept := g.pending[:0]
	for _, p := range g.pending {
		if _, ok := acked[stream[p.idx].Offset]; !ok {
			kept = append(kept, p)
		}
	}
	g.pending = kept
	return nil
}

func copyHeaders(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
