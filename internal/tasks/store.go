package tasks

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/eventpipe/pkg/db/models"
)

// ProjectionStore reads and writes task_projections. Writes always go
// through the consumer's transaction.
type ProjectionStore struct {
	db *gorm.DB
}

func NewProjectionStore(conn *gorm.DB) *ProjectionStore {
	return &ProjectionStore{db: conn}
}

// Get returns nil when the task has no projection yet.
func (s *ProjectionStore) Get(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.TaskProjection, error) {
	var row models.TaskProjection
	err := tx.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *ProjectionStore) Save(ctx context.Context, tx *gorm.DB, row *models.TaskProjection) error {
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(row).Error
}

// ListShard returns the live tasks of one project ordered by id.
func (s *ProjectionStore) ListShard(ctx context.Context, shard uuid.UUID) ([]models.TaskProjection, error) {
	var rows []models.TaskProjection
	err := s.db.WithContext(ctx).
		Where("shard_key = ? AND deleted = ?", shard, false).
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}

// All returns every projection row, tombstones included, ordered by id.
func (s *ProjectionStore) All(ctx context.Context) ([]models.TaskProjection, error) {
	var rows []models.TaskProjection
	err := s.db.WithContext(ctx).Order("id ASC").Find(&rows).Error
	return rows, err
}

func (s *ProjectionStore) DeleteShards(ctx context.Context, shards []uuid.UUID) error {
	if len(shards) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Where("shard_key IN ?", shards).Delete(&models.TaskProjection{}).Error
}

func (s *ProjectionStore) DeleteAll(ctx context.Context) error {
	return s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.TaskProjection{}).Error
}
