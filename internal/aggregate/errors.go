package aggregate

import (
	"github.com/google/uuid"

	pkgerrors "github.com/angelmondragon/eventpipe/pkg/errors"
)

// ConflictDetails is attached to every stale-version rejection.
type ConflictDetails struct {
	AggregateID     uuid.UUID `json:"aggregateId"`
	ExpectedVersion uint64    `json:"expectedVersion"`
	ActualVersion   uint64    `json:"actualVersion"`
}

// NewConflictError reports a command issued against a stale version.
func NewConflictError(id uuid.UUID, expected, actual uint64) *pkgerrors.Error {
	return pkgerrors.New(pkgerrors.CodeConflict, "aggregate version does not match").
		WithDetails(ConflictDetails{AggregateID: id, ExpectedVersion: expected, ActualVersion: actual})
}

func newNotFoundError(id Identifier) *pkgerrors.Error {
	return pkgerrors.New(pkgerrors.CodeNotFound, string(id.Type)+" not found").
		WithDetails(map[string]any{"aggregateId": id.ID})
}
