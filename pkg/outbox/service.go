package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/eventpipe/pkg/db/models"
	"github.com/angelmondragon/eventpipe/pkg/enums"
	"github.com/angelmondragon/eventpipe/pkg/logger"
)

// DomainEvent is what producers hand to Emit. Data is nil for transaction markers.
type DomainEvent struct {
	EventType  enums.EventType
	Key        EventKey
	Data       any
	OccurredAt time.Time
}

type Service struct {
	repo *Repository
	logg *logger.Logger
	now  func() time.Time
}

func NewService(repo *Repository, logg *logger.Logger) *Service {
	return &Service{repo: repo, logg: logg, now: time.Now}
}

// Emit stages event in the outbox inside tx. The row becomes visible to the
// relay only when tx commits.
func (s *Service) Emit(ctx context.Context, tx *gorm.DB, event DomainEvent) (PayloadEnvelope, error) {
	if tx == nil {
		return PayloadEnvelope{}, errors.New("transaction required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !event.EventType.IsValid() {
		return PayloadEnvelope{}, errors.New("unknown event type " + string(event.EventType))
	}
	if event.Key.Root.ID == uuid.Nil {
		return PayloadEnvelope{}, errors.New("root id required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now()
	}

	envelope := PayloadEnvelope{
		Version:    EnvelopeVersion,
		EventID:    uuid.New(),
		Type:       event.EventType,
		Key:        event.Key,
		OccurredAt: event.OccurredAt.UTC(),
	}
	if event.Data != nil {
		data, err := json.Marshal(event.Data)
		if err != nil {
			return PayloadEnvelope{}, err
		}
		envelope.Data = data
	}
	payloadJSON, err := json.Marshal(envelope)
	if err != nil {
		return PayloadEnvelope{}, err
	}

	row := models.OutboxRecord{
		ID:               envelope.EventID,
		PartitionKey:     event.Key.PartitionKey(),
		EventType:        event.EventType,
		AggregateType:    event.Key.Aggregate.Type,
		AggregateID:      event.Key.Aggregate.ID,
		AggregateVersion: event.Key.Aggregate.Version,
		RootType:         event.Key.Root.Type,
		RootID:           event.Key.Root.ID,
		TransactionID:    event.Key.TransactionID,
		Payload:          json.RawMessage(payloadJSON),
	}
	if err := s.repo.Insert(tx, row); err != nil {
		return PayloadEnvelope{}, err
	}
	if s.logg != nil {
		fields := map[string]any{
			"event_id":       envelope.EventID.String(),
			"event_type":     event.EventType,
			"aggregate_id":   event.Key.Aggregate.ID.String(),
			"aggregate_type": event.Key.Aggregate.Type,
			"version":        event.Key.Aggregate.Version,
		}
		if event.Key.TransactionID != nil {
			fields["transaction_id"] = event.Key.TransactionID.String()
		}
		s.logg.Debug(s.logg.WithFields(ctx, fields), "outbox record queued")
	}
	return envelope, nil
}
