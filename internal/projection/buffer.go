package projection

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/eventpipe/pkg/enums"
)

const (
	defaultTransactionTTL   = 15 * time.Minute
	defaultMaxOpen          = 256
	defaultMaxTransactionEv = 10000
)

// BufferConfig bounds the transaction buffer.
type BufferConfig struct {
	TTL       time.Duration
	MaxOpen   int
	MaxEvents int
}

// Eviction is an open transaction dropped without being applied.
type Eviction struct {
	TransactionID uuid.UUID
	Reason        enums.EvictionReason
	Started       Message
	Events        []Message
	Age           time.Duration
}

// Records returns every log record the eviction releases.
func (e Eviction) Records() []Message {
	out := make([]Message, 0, len(e.Events)+1)
	if e.Started.Record.Offset != "" {
		out = append(out, e.Started)
	}
	return append(out, e.Events...)
}

type pendingTransaction struct {
	started  Message
	events   []Message
	openedAt time.Time
}

// Buffer holds the events of open business transactions of one partition.
// It is not safe for concurrent use; each partition owns one.
type Buffer struct {
	cfg   BufferConfig
	open  map[uuid.UUID]*pendingTransaction
	order []uuid.UUID

	// evicted remembers recently dropped transactions so their late events
	// are not applied on their own.
	evicted      map[uuid.UUID]enums.EvictionReason
	evictedOrder []uuid.UUID
}

func NewBuffer(cfg BufferConfig) *Buffer {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTransactionTTL
	}
	if cfg.MaxOpen <= 0 {
		cfg.MaxOpen = defaultMaxOpen
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = defaultMaxTransactionEv
	}
	return &Buffer{
		cfg:     cfg,
		open:    map[uuid.UUID]*pendingTransaction{},
		evicted: map[uuid.UUID]enums.EvictionReason{},
	}
}

func (b *Buffer) Len() int { return len(b.open) }

func (b *Buffer) IsOpen(id uuid.UUID) bool {
	_, ok := b.open[id]
	return ok
}

// WasEvicted reports whether id was dropped from the buffer recently.
func (b *Buffer) WasEvicted(id uuid.UUID) (enums.EvictionReason, bool) {
	reason, ok := b.evicted[id]
	return reason, ok
}

// Open starts buffering id. When the buffer is full the oldest open
// transaction is evicted to make room.
func (b *Buffer) Open(id uuid.UUID, started Message, now time.Time) []Eviction {
	var evicted []Eviction
	for len(b.open) >= b.cfg.MaxOpen && len(b.order) > 0 {
		evicted = append(evicted, b.evict(b.order[0], enums.EvictionCapacity, now))
	}
	b.open[id] = &pendingTransaction{started: started, openedAt: now}
	b.order = append(b.order, id)
	return evicted
}

// Append buffers msg under id. Exceeding the per-transaction cap evicts the
// whole transaction, msg included.
func (b *Buffer) Append(id uuid.UUID, msg Message, now time.Time) *Eviction {
	tx, ok := b.open[id]
	if !ok {
		return nil
	}
	tx.events = append(tx.events, msg)
	if len(tx.events) > b.cfg.MaxEvents {
		ev := b.evict(id, enums.EvictionEventCap, now)
		return &ev
	}
	return nil
}

// Get returns the buffered transaction without removing it.
func (b *Buffer) Get(id uuid.UUID) (Message, []Message, bool) {
	tx, ok := b.open[id]
	if !ok {
		return Message{}, nil, false
	}
	return tx.started, tx.events, true
}

func (b *Buffer) Remove(id uuid.UUID) {
	if _, ok := b.open[id]; !ok {
		return
	}
	delete(b.open, id)
	for i, candidate := range b.order {
		if candidate == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Expire evicts every transaction opened more than the TTL before now.
func (b *Buffer) Expire(now time.Time) []Eviction {
	var evicted []Eviction
	for len(b.order) > 0 {
		oldest := b.open[b.order[0]]
		if now.Sub(oldest.openedAt) <= b.cfg.TTL {
			break
		}
		evicted = append(evicted, b.evict(b.order[0], enums.EvictionTTL, now))
	}
	return evicted
}

// Reset drops open transactions without reporting evictions. Used when the
// partition rewinds and the records will be delivered again. Evicted ids are
// kept; their records were already released.
func (b *Buffer) Reset() {
	b.open = map[uuid.UUID]*pendingTransaction{}
	b.order = nil
}

func (b *Buffer) evict(id uuid.UUID, reason enums.EvictionReason, now time.Time) Eviction {
	tx := b.open[id]
	b.Remove(id)
	b.remember(id, reason)
	return Eviction{
		TransactionID: id,
		Reason:        reason,
		Started:       tx.started,
		Events:        tx.events,
		Age:           now.Sub(tx.openedAt),
	}
}

func (b *Buffer) remember(id uuid.UUID, reason enums.EvictionReason) {
	if _, ok := b.evicted[id]; !ok {
		b.evictedOrder = append(b.evictedOrder, id)
	}
	b.evicted[id] = reason
	for len(b.evictedOrder) > 4*b.cfg.MaxOpen {
		delete(b.evicted, b.evictedOrder[0])
		b.evictedOrder = b.evictedOrder[1:]
	}
}
