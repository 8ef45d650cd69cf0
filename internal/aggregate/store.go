package aggregate

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/eventpipe/pkg/db"
	"github.com/angelmondragon/eventpipe/pkg/db/models"
	"github.com/angelmondragon/eventpipe/pkg/enums"
)

// SnapshotStore persists aggregate snapshots. Every write is conditional on
// the version the caller read.
type SnapshotStore struct {
	db *gorm.DB
}

func NewSnapshotStore(conn *gorm.DB) *SnapshotStore {
	return &SnapshotStore{db: conn}
}

// Load returns the snapshot or nil when the aggregate does not exist.
func (s *SnapshotStore) Load(ctx context.Context, tx *gorm.DB, aggregateType enums.AggregateType, id uuid.UUID) (*models.AggregateSnapshot, error) {
	if tx == nil {
		tx = s.db
	}
	var row models.AggregateSnapshot
	err := tx.WithContext(ctx).
		Where("aggregate_type = ? AND aggregate_id = ?", aggregateType, id).
		Take(&row).Error
	if err != nil {
		if db.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// Insert writes the first snapshot of an aggregate. A concurrent creation of
// the same id is reported as a conflict.
func (s *SnapshotStore) Insert(ctx context.Context, tx *gorm.DB, row models.AggregateSnapshot) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if err := tx.WithContext(ctx).Create(&row).Error; err != nil {
		if db.IsUniqueViolation(err, "") {
			return NewConflictError(row.AggregateID, 0, row.Version)
		}
		return err
	}
	return nil
}

// CompareAndSwap replaces the snapshot only if it is still at expected.
func (s *SnapshotStore) CompareAndSwap(ctx context.Context, tx *gorm.DB, row models.AggregateSnapshot, expected uint64) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	res := tx.WithContext(ctx).
		Model(&models.AggregateSnapshot{}).
		Where("aggregate_type = ? AND aggregate_id = ? AND version = ?", row.AggregateType, row.AggregateID, expected).
		Updates(map[string]any{
			"version":    row.Version,
			"state":      row.State,
			"deleted":    row.Deleted,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		current, err := s.Load(ctx, tx, row.AggregateType, row.AggregateID)
		if err != nil {
			return err
		}
		var actual uint64
		if current != nil {
			actual = current.Version
		}
		return NewConflictError(row.AggregateID, expected, actual)
	}
	return nil
}
