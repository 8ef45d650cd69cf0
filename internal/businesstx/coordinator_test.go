package businesstx

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/eventpipe/pkg/enums"
	pkgerrors "github.com/angelmondragon/eventpipe/pkg/errors"
	"github.com/angelmondragon/eventpipe/pkg/outbox"
)

type fakeRunner struct {
	staged  []outbox.DomainEvent
	pending []outbox.DomainEvent
	depth   int
}

func (f *fakeRunner) RunInTx(ctx context.Context, fn func(ctx context.Context, tx *gorm.DB) error) error {
	f.depth++
	defer func() { f.depth-- }()
	outer := f.depth == 1
	if err := fn(ctx, nil); err != nil {
		if outer {
			f.pending = nil
		}
		return err
	}
	if outer {
		f.staged = append(f.staged, f.pending...)
		f.pending = nil
	}
	return nil
}

func (f *fakeRunner) Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) (outbox.PayloadEnvelope, error) {
	f.pending = append(f.pending, event)
	return outbox.PayloadEnvelope{EventID: uuid.New(), Type: event.EventType, Key: event.Key}, nil
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeRunner) {
	t.Helper()
	runner := &fakeRunner{}
	coord, err := NewCoordinator(runner, runner, nil)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return coord, runner
}

var root = outbox.RootRef{Type: enums.RootProject, ID: uuid.MustParse("1f0e5a52-7c8e-4f3e-9e55-5f2a4c3e0a11")}

func TestBeginFinishEmitsMarkerPair(t *testing.T) {
	coord, runner := newTestCoordinator(t)
	ctx, id, err := coord.Begin(context.Background(), root, RequiresNew)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if got, ok := TransactionID(ctx); !ok || got != id {
		t.Fatalf("context should carry the transaction id")
	}
	if err := coord.Finish(ctx); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if _, ok := TransactionID(ctx); ok {
		t.Fatal("finished transaction should no longer be open")
	}

	if len(runner.staged) != 2 {
		t.Fatalf("expected two markers, got %d", len(runner.staged))
	}
	started, finished := runner.staged[0], runner.staged[1]
	if started.EventType != enums.EventBusinessTransactionStarted || finished.EventType != enums.EventBusinessTransactionFinished {
		t.Fatalf("unexpected marker types %s %s", started.EventType, finished.EventType)
	}
	for _, m := range runner.staged {
		if m.Key.TransactionID == nil || *m.Key.TransactionID != id {
			t.Fatalf("marker missing transaction id: %+v", m.Key)
		}
		if m.Key.Root != root || m.Key.Aggregate.ID != id || m.Data != nil {
			t.Fatalf("unexpected marker key %+v", m.Key)
		}
	}
	if started.Key.Aggregate.Version != 1 || finished.Key.Aggregate.Version != 2 {
		t.Fatalf("unexpected marker versions")
	}
	if err := coord.Finish(ctx); err == nil {
		t.Fatal("second finish should fail")
	}
}

func TestRequiredJoinsOpenTransaction(t *testing.T) {
	coord, runner := newTestCoordinator(t)
	outer, id, _ := coord.Begin(context.Background(), root, Required)
	inner, innerID, err := coord.Begin(outer, root, Required)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if innerID != id {
		t.Fatalf("joined transaction should share the id")
	}
	if err := coord.Finish(inner); err != nil {
		t.Fatalf("inner finish: %v", err)
	}
	if len(runner.staged) != 1 {
		t.Fatalf("inner finish must not emit, staged %d", len(runner.staged))
	}
	if err := coord.Finish(outer); err != nil {
		t.Fatalf("outer finish: %v", err)
	}
	if len(runner.staged) != 2 {
		t.Fatalf("outer finish should emit the finished marker")
	}
}

func TestRequiresNewRejectsNesting(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	ctx, _, _ := coord.Begin(context.Background(), root, Required)
	_, _, err := coord.Begin(ctx, root, RequiresNew)
	if !pkgerrors.HasCode(err, pkgerrors.CodeStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

func TestJoinUnderAnotherRootIsRejected(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	ctx, _, _ := coord.Begin(context.Background(), root, Required)
	other := outbox.RootRef{Type: enums.RootProject, ID: uuid.New()}
	if _, _, err := coord.Begin(ctx, other, Required); err == nil {
		t.Fatal("expected error joining under another root")
	}
}

func TestRunRollsBackEverythingOnFailure(t *testing.T) {
	coord, runner := newTestCoordinator(t)
	_, err := coord.Run(context.Background(), root, func(ctx context.Context) error {
		_, _ = runner.Emit(ctx, nil, outbox.DomainEvent{EventType: enums.EventTaskCreated})
		return errors.New("second command rejected")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(runner.staged) != 0 {
		t.Fatalf("failed batch must stage nothing, got %d", len(runner.staged))
	}
}

func TestFailedJoinedRunLeavesOuterFinishable(t *testing.T) {
	coord, runner := newTestCoordinator(t)
	ctx, id, err := coord.Begin(context.Background(), root, RequiresNew)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	boom := errors.New("command failed")
	if _, err := coord.Run(ctx, root, func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected command error, got %v", err)
	}
	if got, ok := TransactionID(ctx); !ok || got != id {
		t.Fatal("outer transaction must stay open")
	}

	if err := coord.Finish(ctx); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if _, ok := TransactionID(ctx); ok {
		t.Fatal("outer finish must close the transaction")
	}
	if len(runner.staged) != 2 || runner.staged[1].EventType != enums.EventBusinessTransactionFinished {
		t.Fatalf("expected started and finished markers, got %+v", runner.staged)
	}
}

func TestRunBracketsCommands(t *testing.T) {
	coord, runner := newTestCoordinator(t)
	first, err := coord.Run(context.Background(), root, func(ctx context.Context) error {
		id, _ := TransactionID(ctx)
		key := outbox.EventKey{TransactionID: &id}
		_, _ = runner.Emit(ctx, nil, outbox.DomainEvent{EventType: enums.EventTaskCreated, Key: key})
		_, _ = runner.Emit(ctx, nil, outbox.DomainEvent{EventType: enums.EventTaskCreated, Key: key})
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	second, _ := coord.Run(context.Background(), root, func(context.Context) error { return nil })
	if first == second {
		t.Fatal("transactions in sequence must get different ids")
	}

	want := []enums.EventType{
		enums.EventBusinessTransactionStarted, enums.EventTaskCreated, enums.EventTaskCreated, enums.EventBusinessTransactionFinished,
		enums.EventBusinessTransactionStarted, enums.EventBusinessTransactionFinished,
	}
	if len(runner.staged) != len(want) {
		t.Fatalf("expected %d staged events, got %d", len(want), len(runner.staged))
	}
	for i, et := range want {
		if runner.staged[i].EventType != et {
			t.Fatalf("event %d: expected %s got %s", i, et, runner.staged[i].EventType)
		}
	}
}

func TestBeginRequiresRoot(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	if _, _, err := coord.Begin(context.Background(), outbox.RootRef{}, Required); !pkgerrors.HasCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
