package projection

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/eventpipe/pkg/db/models"
	"github.com/angelmondragon/eventpipe/pkg/enums"
	"github.com/angelmondragon/eventpipe/pkg/eventlog"
	"github.com/angelmondragon/eventpipe/pkg/pagination"
)

const maxDeadLetterErrorLen = 1024

// DeadLetterRepository stores events a consumer will not apply.
type DeadLetterRepository struct {
	db *gorm.DB
}

func NewDeadLetterRepository(db *gorm.DB) *DeadLetterRepository {
	return &DeadLetterRepository{db: db}
}

// Record inserts the dead letter or, when the consumer already recorded the
// event, bumps its attempt count.
func (r *DeadLetterRepository) Record(ctx context.Context, row models.DeadLetter) error {
	if row.Consumer == "" || row.EventID == uuid.Nil {
		return errors.New("dead letter requires consumer and event id")
	}
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	now := time.Now().UTC()
	if row.FirstFailedAt.IsZero() {
		row.FirstFailedAt = now
	}
	if row.LastFailedAt.IsZero() {
		row.LastFailedAt = now
	}
	if row.AttemptCount == 0 {
		row.AttemptCount = 1
	}
	if row.ErrorMessage != nil && len(*row.ErrorMessage) > maxDeadLetterErrorLen {
		trimmed := (*row.ErrorMessage)[:maxDeadLetterErrorLen]
		row.ErrorMessage = &trimmed
	}

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "consumer"}, {Name: "event_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"attempt_count":  gorm.Expr("projection_dead_letters.attempt_count + 1"),
			"last_failed_at": row.LastFailedAt,
			"reason":         row.Reason,
			"error_message":  row.ErrorMessage,
		}),
	}).Create(&row).Error
}

// List returns the dead letters of consumer, oldest first.
func (r *DeadLetterRepository) List(ctx context.Context, consumer string) ([]models.DeadLetter, error) {
	var rows []models.DeadLetter
	err := r.db.WithContext(ctx).
		Where("consumer = ?", consumer).
		Order("first_failed_at ASC").
		Find(&rows).Error
	return rows, err
}

// Page returns one page of the dead letters of consumer, oldest first, and
// the cursor of the next page when more rows remain.
func (r *DeadLetterRepository) Page(ctx context.Context, consumer string, limit int, cursor *pagination.Cursor) ([]models.DeadLetter, *pagination.Cursor, error) {
	normalized := pagination.NormalizeLimit(limit)
	query := r.db.WithContext(ctx).Where("consumer = ?", consumer)
	if cursor != nil {
		query = query.Where("(first_failed_at, id) >= (?, ?)", cursor.CreatedAt.UTC(), cursor.ID)
	}

	var rows []models.DeadLetter
	err := query.Order("first_failed_at ASC, id ASC").Limit(pagination.LimitWithBuffer(limit)).Find(&rows).Error
	if err != nil {
		return nil, nil, err
	}
	if len(rows) > normalized {
		next := rows[normalized]
		return rows[:normalized], &pagination.Cursor{CreatedAt: next.FirstFailedAt, ID: next.ID}, nil
	}
	return rows, nil, nil
}

// WithheldVersions returns the distinct versions of aggregateID strictly
// between after and before that any consumer dead-lettered because their
// business transaction was evicted.
func (r *DeadLetterRepository) WithheldVersions(ctx context.Context, aggregateID uuid.UUID, after, before uint64) ([]uint64, error) {
	var versions []uint64
	err := r.db.WithContext(ctx).
		Model(&models.DeadLetter{}).
		Distinct("aggregate_version").
		Where("aggregate_id = ? AND reason IN ?", aggregateID.String(), enums.EvictionDeadLetterReasons()).
		Where("aggregate_version > ? AND aggregate_version < ?", after, before).
		Order("aggregate_version ASC").
		Pluck("aggregate_version", &versions).Error
	return versions, err
}

// DeleteBefore removes dead letters that last failed before cutoff. Events
// of evicted business transactions are kept: later events of the same
// aggregate rely on them to skip the withheld versions.
func (r *DeadLetterRepository) DeleteBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error) {
	if tx == nil {
		return 0, errors.New("transaction required")
	}
	res := tx.WithContext(ctx).
		Where("last_failed_at < ?", cutoff.UTC()).
		Where("reason NOT IN ?", enums.EvictionDeadLetterReasons()).
		Delete(&models.DeadLetter{})
	return res.RowsAffected, res.Error
}

func deadLetterFor(consumer string, msg Message, reason enums.DeadLetterReason, cause error) models.DeadLetter {
	row := models.DeadLetter{
		Consumer:      consumer,
		EventID:       msg.Envelope.EventID,
		EventType:     string(msg.Envelope.Type),
		AggregateType: string(msg.Envelope.Key.Aggregate.Type),
		AggregateID:   msg.Envelope.Key.Aggregate.ID.String(),
		Version:       msg.Envelope.Key.Aggregate.Version,
		TransactionID: msg.Envelope.Key.TransactionID,
		Partition:     msg.Record.Partition,
		Offset:        msg.Record.Offset,
		Reason:        reason,
		Payload:       msg.Record.Payload,
	}
	if cause != nil {
		text := cause.Error()
		row.ErrorMessage = &text
	}
	return row
}

// rejectedDeadLetter describes a record whose envelope could not be read.
// The event id header set by the relay identifies it.
func rejectedDeadLetter(consumer string, rec eventlog.Record, cause error) models.DeadLetter {
	eventID, err := uuid.Parse(rec.Headers[eventlog.HeaderEventID])
	if err != nil {
		eventID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(rec.Offset+"/"+rec.Key))
	}
	text := cause.Error()
	return models.DeadLetter{
		Consumer:      consumer,
		EventID:       eventID,
		EventType:     rec.Headers[eventlog.HeaderEventType],
		AggregateType: rec.Headers[eventlog.HeaderAggregateType],
		AggregateID:   rec.Headers[eventlog.HeaderAggregateID],
		Partition:     rec.Partition,
		Offset:        rec.Offset,
		Reason:        enums.DeadLetterUnsupportedEvent,
		ErrorMessage:  &text,
	}
}
