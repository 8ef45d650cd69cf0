package aggregate

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/angelmondragon/eventpipe/pkg/enums"
)

// Identifier names one aggregate instance at one point in its history.
// Version 0 means the aggregate does not exist yet.
type Identifier struct {
	Type    enums.AggregateType `json:"type"`
	ID      uuid.UUID           `json:"id"`
	Version uint64              `json:"version"`
}

// Next returns the identifier the next accepted command produces.
func (i Identifier) Next() Identifier {
	i.Version++
	return i
}

func (i Identifier) String() string {
	return fmt.Sprintf("%s/%s@v%d", i.Type, i.ID, i.Version)
}
