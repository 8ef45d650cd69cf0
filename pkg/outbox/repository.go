package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/eventpipe/pkg/db/models"
)

const maxLastErrorLen = 1024

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Insert(tx *gorm.DB, record models.OutboxRecord) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	return tx.Create(&record).Error
}

// FetchUnrelayed returns the oldest unrelayed records in insertion order,
// leaving out the given partition keys.
func (r *Repository) FetchUnrelayed(ctx context.Context, limit int, skipKeys ...string) ([]models.OutboxRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.OutboxRecord
	query := r.db.WithContext(ctx).Where("relayed_at IS NULL")
	if len(skipKeys) > 0 {
		query = query.Where("partition_key NOT IN ?", skipKeys)
	}
	err := query.
		Order("sequence ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *Repository) MarkRelayed(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.OutboxRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"relayed_at": at.UTC(),
			"last_error": nil,
		}).Error
}

func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	if len(msg) > maxLastErrorLen {
		msg = msg[:maxLastErrorLen]
	}
	return r.db.WithContext(ctx).Model(&models.OutboxRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_error":    msg,
			"attempt_count": gorm.Expr("attempt_count + 1"),
		}).Error
}

// CountUnrelayed reports the backlog of committed but unrelayed records.
func (r *Repository) CountUnrelayed(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.OutboxRecord{}).
		Where("relayed_at IS NULL").
		Count(&count).Error
	return count, err
}

// DeleteRelayedBefore removes relayed records older than cutoff. Unrelayed
// records are never deleted.
func (r *Repository) DeleteRelayedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error) {
	if tx == nil {
		return 0, errors.New("transaction required")
	}
	res := tx.WithContext(ctx).
		Where("relayed_at IS NOT NULL AND relayed_at < ?", cutoff.UTC()).
		Delete(&models.OutboxRecord{})
	return res.RowsAffected, res.Error
}
