package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/eventpipe/pkg/enums"
	"github.com/angelmondragon/eventpipe/pkg/eventlog"
	"github.com/angelmondragon/eventpipe/pkg/outbox"
)

var testRoot = uuid.MustParse("6a3c7c7e-0f4b-4d55-9b0e-4d0c2b1f5e21")

type eventSpec struct {
	eventType enums.EventType
	aggID     uuid.UUID
	version   uint64
	txID      *uuid.UUID
	root      uuid.UUID
}

func taskEvent(eventType enums.EventType, aggID uuid.UUID, version uint64) eventSpec {
	return eventSpec{eventType: eventType, aggID: aggID, version: version, root: testRoot}
}

func (s eventSpec) inTx(id uuid.UUID) eventSpec {
	s.txID = &id
	return s
}

func marker(eventType enums.EventType, txID uuid.UUID) eventSpec {
	version := uint64(1)
	if eventType == enums.EventBusinessTransactionFinished {
		version = 2
	}
	return eventSpec{eventType: eventType, aggID: txID, version: version, txID: &txID, root: testRoot}
}

func (s eventSpec) envelope() outbox.PayloadEnvelope {
	aggType := enums.AggregateTask
	if s.eventType.IsMarker() {
		aggType = enums.AggregateBusinessTransaction
	}
	env := outbox.PayloadEnvelope{
		Version: outbox.EnvelopeVersion,
		EventID: uuid.New(),
		Type:    s.eventType,
		Key: outbox.EventKey{
			Aggregate:     outbox.AggregateRef{Type: aggType, ID: s.aggID, Version: s.version},
			Root:          outbox.RootRef{Type: enums.RootProject, ID: s.root},
			TransactionID: s.txID,
		},
		OccurredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if !s.eventType.IsMarker() {
		env.Data = json.RawMessage(fmt.Sprintf(`{"id":%q}`, s.aggID))
	}
	return env
}

func payload(t *testing.T, env outbox.PayloadEnvelope) []byte {
	t.Helper()
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return raw
}

// records builds a contiguous run of records on one partition.
func records(t *testing.T, specs ...eventSpec) []eventlog.Record {
	t.Helper()
	out := make([]eventlog.Record, len(specs))
	for i, s := range specs {
		env := s.envelope()
		out[i] = eventlog.Record{
			Offset:  fmt.Sprintf("0-%d", i+1),
			Key:     s.root.String(),
			Payload: payload(t, env),
			Headers: map[string]string{eventlog.HeaderEventID: env.EventID.String()},
		}
	}
	return out
}

func appendAll(t *testing.T, log eventlog.Writer, specs ...eventSpec) {
	t.Helper()
	for _, s := range specs {
		env := s.envelope()
		headers := map[string]string{
			eventlog.HeaderEventID:   env.EventID.String(),
			eventlog.HeaderEventType: string(env.Type),
		}
		if _, err := log.Append(context.Background(), s.root.String(), payload(t, env), headers); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
}

type applied struct {
	kind    string
	types   []enums.EventType
	started *Message
}

// recordingListener records callbacks. failTimes makes it reject deliveries
// containing an event type a number of times.
type recordingListener struct {
	mu        sync.Mutex
	calls     []applied
	evictions []Eviction
	rejected  []eventlog.Record
	failOn    map[enums.EventType]int
	failErr   error
}

func newRecordingListener() *recordingListener {
	return &recordingListener{failOn: map[enums.EventType]int{}, failErr: fmt.Errorf("apply failed")}
}

func (l *recordingListener) failTimes(eventType enums.EventType, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failOn[eventType] = n
}

func (l *recordingListener) shouldFail(msgs ...Message) error {
	for _, m := range msgs {
		if l.failOn[m.Envelope.Type] > 0 {
			l.failOn[m.Envelope.Type]--
			return l.failErr
		}
	}
	return nil
}

func types(msgs []Message) []enums.EventType {
	out := make([]enums.EventType, len(msgs))
	for i, m := range msgs {
		out[i] = m.Envelope.Type
	}
	return out
}

func (l *recordingListener) OnTransactionStarted(ctx context.Context, started Message) error {
	return nil
}

func (l *recordingListener) OnTransactionalEvent(ctx context.Context, msg Message) error {
	return nil
}

func (l *recordingListener) OnTransactionFinished(ctx context.Context, started Message, events []Message, finished Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.shouldFail(events...); err != nil {
		return err
	}
	l.calls = append(l.calls, applied{kind: "tx", types: types(events), started: &started})
	return nil
}

func (l *recordingListener) OnNonTransactionalEvent(ctx context.Context, msg Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.shouldFail(msg); err != nil {
		return err
	}
	l.calls = append(l.calls, applied{kind: "single", types: []enums.EventType{msg.Envelope.Type}})
	return nil
}

func (l *recordingListener) TransactionEvicted(ctx context.Context, ev Eviction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictions = append(l.evictions, ev)
	return nil
}

func (l *recordingListener) RecordRejected(ctx context.Context, rec eventlog.Record, cause error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rejected = append(l.rejected, rec)
	return nil
}

func (l *recordingListener) snapshot() []applied {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]applied(nil), l.calls...)
}

func (l *recordingListener) appliedTypes() []enums.EventType {
	var out []enums.EventType
	for _, c := range l.snapshot() {
		out = append(out, c.types...)
	}
	return out
}

func newTestDispatcher(t *testing.T, l *recordingListener, cfg BufferConfig) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(l, l, cfg, nil)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return d
}

func offsets(recs []eventlog.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Offset
	}
	return out
}
