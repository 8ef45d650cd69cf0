// Package projection turns the event log into read models. The same
// dispatcher drives online consumption and full restores; the mode decides
// which handler table runs.
package projection

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/eventpipe/pkg/enums"
	pkgerrors "github.com/angelmondragon/eventpipe/pkg/errors"
	"github.com/angelmondragon/eventpipe/pkg/eventlog"
	"github.com/angelmondragon/eventpipe/pkg/outbox"
)

// Message is a log record with its decoded envelope.
type Message struct {
	Record   eventlog.Record
	Envelope outbox.PayloadEnvelope
}

// DecodeMessage parses the envelope carried by rec.
func DecodeMessage(rec eventlog.Record) (Message, error) {
	env, err := outbox.DecodeEnvelope(rec.Payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Record: rec, Envelope: env}, nil
}

// TransactionID returns the business transaction the event belongs to.
func (m Message) TransactionID() (uuid.UUID, bool) {
	if m.Envelope.Key.TransactionID == nil || *m.Envelope.Key.TransactionID == uuid.Nil {
		return uuid.Nil, false
	}
	return *m.Envelope.Key.TransactionID, true
}

func (m Message) IsMarker() bool {
	return m.Envelope.Type.IsMarker()
}

// Listener receives events once the dispatcher has decided how business
// transactions bracket them.
type Listener interface {
	OnTransactionStarted(ctx context.Context, started Message) error
	OnTransactionalEvent(ctx context.Context, msg Message) error
	OnTransactionFinished(ctx context.Context, started Message, events []Message, finished Message) error
	OnNonTransactionalEvent(ctx context.Context, msg Message) error
}

// FailureSink is told about records that will never be applied.
type FailureSink interface {
	TransactionEvicted(ctx context.Context, eviction Eviction) error
	RecordRejected(ctx context.Context, rec eventlog.Record, cause error) error
}

// Outcome is what a handler did with one event.
type Outcome struct {
	// Duplicate is set when the projection was already at or past the event.
	Duplicate bool
	// AfterCommit runs once the projection transaction committed. Only
	// online tables set it.
	AfterCommit func(ctx context.Context) error
}

// Table is the handler table of one consumer mode, built once at startup.
type Table[E any] interface {
	Mode() enums.ConsumerMode
	// Validate fails when any event kind has no handler.
	Validate() error
	Apply(ctx context.Context, tx *gorm.DB, envelope outbox.PayloadEnvelope, event E) (Outcome, error)
}

// Admit decides whether an event at eventVersion may be applied to a
// projection currently at current (nil when absent). It reports false for
// duplicates and an error for gaps.
func Admit(mode enums.ConsumerMode, current *uint64, eventVersion uint64, tombstone bool) (bool, error) {
	if current == nil {
		switch {
		case tombstone && mode == enums.ModeRestore:
			return false, nil
		case eventVersion == 1 && !tombstone:
			return true, nil
		default:
			return false, outOfOrder(0, eventVersion)
		}
	}
	switch {
	case eventVersion <= *current:
		return false, nil
	case eventVersion == *current+1:
		return true, nil
	default:
		return false, outOfOrder(*current, eventVersion)
	}
}

// AdmitEvent is Admit for an event of aggregate id. A gap is admitted when
// the consumer bridged the aggregate over versions that evicted business
// transactions withheld; a tombstone for an absent row is then skipped.
func AdmitEvent(ctx context.Context, mode enums.ConsumerMode, id uuid.UUID, current *uint64, eventVersion uint64, tombstone bool) (bool, error) {
	ok, err := Admit(mode, current, eventVersion, tombstone)
	if !pkgerrors.HasCode(err, pkgerrors.CodeOutOfOrder) {
		return ok, err
	}
	bridges, _ := ctx.Value(bridgeKey{}).(map[uuid.UUID]uint64)
	through, bridged := bridges[id]
	if !bridged || through+1 != eventVersion {
		return false, err
	}
	if current == nil && tombstone {
		return false, nil
	}
	return true, nil
}

type bridgeKey struct{}

// withBridge allows the next event of aggregate id to follow version through.
func withBridge(ctx context.Context, id uuid.UUID, through uint64) context.Context {
	prev, _ := ctx.Value(bridgeKey{}).(map[uuid.UUID]uint64)
	bridges := make(map[uuid.UUID]uint64, len(prev)+1)
	for k, v := range prev {
		bridges[k] = v
	}
	bridges[id] = through
	return context.WithValue(ctx, bridgeKey{}, bridges)
}

// versionGap extracts the versions of an out of order error.
func versionGap(err error) (current, event uint64, ok bool) {
	for err != nil {
		typed := pkgerrors.As(err)
		if typed == nil {
			return 0, 0, false
		}
		if typed.Code() == pkgerrors.CodeOutOfOrder {
			details, _ := typed.Details().(map[string]any)
			var okCurrent, okEvent bool
			current, okCurrent = details["projectionVersion"].(uint64)
			event, okEvent = details["eventVersion"].(uint64)
			return current, event, okCurrent && okEvent
		}
		err = typed.Unwrap()
	}
	return 0, 0, false
}

func outOfOrder(current, event uint64) error {
	return pkgerrors.New(pkgerrors.CodeOutOfOrder, fmt.Sprintf("event version %d cannot follow projection version %d", event, current)).
		WithDetails(map[string]any{"projectionVersion": current, "eventVersion": event})
}
