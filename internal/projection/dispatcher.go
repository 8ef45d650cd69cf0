package projection

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/eventpipe/pkg/enums"
	pkgerrors "github.com/angelmondragon/eventpipe/pkg/errors"
	"github.com/angelmondragon/eventpipe/pkg/eventlog"
	"github.com/angelmondragon/eventpipe/pkg/logger"
)

// Dispatcher routes the records of one partition to a Listener, holding the
// events of open business transactions until their finished marker arrives.
type Dispatcher struct {
	listener Listener
	sink     FailureSink
	buffer   *Buffer
	logg     *logger.Logger
	now      func() time.Time
}

func NewDispatcher(listener Listener, sink FailureSink, cfg BufferConfig, logg *logger.Logger) (*Dispatcher, error) {
	if listener == nil {
		return nil, errors.New("listener required")
	}
	if sink == nil {
		return nil, errors.New("failure sink required")
	}
	return &Dispatcher{
		listener: listener,
		sink:     sink,
		buffer:   NewBuffer(cfg),
		logg:     orDiscard(logg),
		now:      time.Now,
	}, nil
}

// Dispatchers returns a factory building a fresh dispatcher, with an empty
// buffer, over the same consumer.
func Dispatchers(consumer interface {
	Listener
	FailureSink
}, cfg BufferConfig, logg *logger.Logger) DispatcherFactory {
	return func() (*Dispatcher, error) {
		return NewDispatcher(consumer, consumer, cfg, logg)
	}
}

// OpenTransactions is the number of transactions waiting for their marker.
func (d *Dispatcher) OpenTransactions() int { return d.buffer.Len() }

// Reset forgets every open transaction. Call it before rewinding the
// subscription after a failed dispatch.
func (d *Dispatcher) Reset() { d.buffer.Reset() }

// Expire evicts transactions that outlived the TTL. The returned records can
// be acknowledged.
func (d *Dispatcher) Expire(ctx context.Context) ([]eventlog.Record, error) {
	return d.release(ctx, d.buffer.Expire(d.now()))
}

// Dispatch handles one record. The returned records are done with and must
// be acknowledged even when err is not nil; a record held in an open
// transaction is acknowledged once the transaction resolves.
func (d *Dispatcher) Dispatch(ctx context.Context, rec eventlog.Record) ([]eventlog.Record, error) {
	now := d.now()
	acks, err := d.release(ctx, d.buffer.Expire(now))
	if err != nil {
		return acks, err
	}

	msg, err := DecodeMessage(rec)
	if err != nil {
		if sinkErr := d.sink.RecordRejected(ctx, rec, err); sinkErr != nil {
			return acks, sinkErr
		}
		return acks, pkgerrors.Wrap(pkgerrors.CodeUnsupportedEvent, err, "record is not a valid envelope")
	}
	ctx = d.logg.WithEvent(ctx, msg.Envelope.EventID.String(), string(msg.Envelope.Type))
	ctx = d.logg.WithField(ctx, "offset", rec.Offset)

	switch msg.Envelope.Type {
	case enums.EventBusinessTransactionStarted:
		return d.started(ctx, msg, now, acks)
	case enums.EventBusinessTransactionFinished:
		return d.finished(ctx, msg, acks)
	}

	txID, inTx := msg.TransactionID()
	if inTx {
		if d.buffer.IsOpen(txID) {
			if err := d.listener.OnTransactionalEvent(ctx, msg); err != nil {
				return acks, err
			}
			if ev := d.buffer.Append(txID, msg, now); ev != nil {
				released, err := d.release(ctx, []Eviction{*ev})
				return append(acks, released...), err
			}
			return acks, nil
		}
		if reason, ok := d.buffer.WasEvicted(txID); ok {
			late := Eviction{TransactionID: txID, Reason: reason, Events: []Message{msg}}
			released, err := d.release(ctx, []Eviction{late})
			return append(acks, released...), err
		}
	}

	if err := d.listener.OnNonTransactionalEvent(ctx, msg); err != nil {
		return acks, err
	}
	return append(acks, rec), nil
}

func (d *Dispatcher) started(ctx context.Context, msg Message, now time.Time, acks []eventlog.Record) ([]eventlog.Record, error) {
	txID := markerTransactionID(msg)
	if d.buffer.IsOpen(txID) {
		d.logg.Debug(ctx, "duplicate business transaction start")
		return append(acks, msg.Record), nil
	}
	released, err := d.release(ctx, d.buffer.Open(txID, msg, now))
	acks = append(acks, released...)
	if err != nil {
		d.buffer.Remove(txID)
		return acks, err
	}
	if err := d.listener.OnTransactionStarted(ctx, msg); err != nil {
		d.buffer.Remove(txID)
		return acks, err
	}
	return acks, nil
}

func (d *Dispatcher) finished(ctx context.Context, msg Message, acks []eventlog.Record) ([]eventlog.Record, error) {
	txID := markerTransactionID(msg)
	started, events, ok := d.buffer.Get(txID)
	if !ok {
		// Already applied, evicted, or a duplicate marker.
		d.logg.Debug(ctx, "finished marker for a transaction that is not open")
		return append(acks, msg.Record), nil
	}
	if err := d.listener.OnTransactionFinished(ctx, started, events, msg); err != nil {
		return acks, err
	}
	d.buffer.Remove(txID)
	acks = append(acks, started.Record)
	for _, ev := range events {
		acks = append(acks, ev.Record)
	}
	return append(acks, msg.Record), nil
}

func (d *Dispatcher) release(ctx context.Context, evictions []Eviction) ([]eventlog.Record, error) {
	var acks []eventlog.Record
	for _, ev := range evictions {
		if err := d.sink.TransactionEvicted(ctx, ev); err != nil {
			return acks, err
		}
		for _, m := range ev.Records() {
			acks = append(acks, m.Record)
		}
	}
	return acks, nil
}

func markerTransactionID(msg Message) uuid.UUID {
	if id, ok := msg.TransactionID(); ok {
		return id
	}
	return msg.Envelope.Key.Aggregate.ID
}

func orDiscard(logg *logger.Logger) *logger.Logger {
	if logg != nil {
		return logg
	}
	return logger.New(logger.Options{ServiceName: "projection", Output: io.Discard})
}
