package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/eventpipe/pkg/db/dbtest"
	"github.com/angelmondragon/eventpipe/pkg/db/models"
	"github.com/angelmondragon/eventpipe/pkg/enums"
)

func taskKey(version uint64) EventKey {
	return EventKey{
		Aggregate: AggregateRef{Type: enums.AggregateTask, ID: uuid.New(), Version: version},
		Root:      RootRef{Type: enums.RootProject, ID: uuid.New()},
	}
}

func TestEmitWritesEnvelopeAndKeyColumns(t *testing.T) {
	client := dbtest.New(t, &models.OutboxRecord{})
	svc := NewService(NewRepository(client.DB()), nil)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	txID := uuid.New()
	key := taskKey(1)
	key.TransactionID = &txID

	var env PayloadEnvelope
	err := client.WithTx(context.Background(), func(tx *gorm.DB) error {
		var err error
		env, err = svc.Emit(context.Background(), tx, DomainEvent{
			EventType: enums.EventTaskCreated,
			Key:       key,
			Data:      map[string]string{"name": "pour concrete"},
		})
		return err
	})
	require.NoError(t, err)

	var rows []models.OutboxRecord
	require.NoError(t, client.DB().Find(&rows).Error)
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, env.EventID, row.ID)
	assert.Equal(t, key.Root.ID.String(), row.PartitionKey)
	assert.Equal(t, uint64(1), row.AggregateVersion)
	require.NotNil(t, row.TransactionID)
	assert.Equal(t, txID, *row.TransactionID)
	assert.Nil(t, row.RelayedAt)

	decoded, err := DecodeEnvelope(row.Payload)
	require.NoError(t, err)
	assert.Equal(t, EnvelopeVersion, decoded.Version)
	assert.Equal(t, enums.EventTaskCreated, decoded.Type)
	assert.True(t, fixed.Equal(decoded.OccurredAt))
	assert.JSONEq(t, `{"name":"pour concrete"}`, string(decoded.Data))
}

func TestEmitRequiresTransactionAndRoot(t *testing.T) {
	svc := NewService(NewRepository(nil), nil)
	_, err := svc.Emit(context.Background(), nil, DomainEvent{EventType: enums.EventTaskCreated, Key: taskKey(1)})
	assert.Error(t, err)

	client := dbtest.New(t, &models.OutboxRecord{})
	svc = NewService(NewRepository(client.DB()), nil)
	_, err = svc.Emit(context.Background(), client.DB(), DomainEvent{EventType: enums.EventTaskCreated, Key: EventKey{}})
	assert.Error(t, err)
	_, err = svc.Emit(context.Background(), client.DB(), DomainEvent{EventType: "order_created", Key: taskKey(1)})
	assert.Error(t, err)
}

func TestEmitRolledBackIsInvisible(t *testing.T) {
	client := dbtest.New(t, &models.OutboxRecord{})
	svc := NewService(NewRepository(client.DB()), nil)

	err := client.WithTx(context.Background(), func(tx *gorm.DB) error {
		if _, err := svc.Emit(context.Background(), tx, DomainEvent{EventType: enums.EventTaskCreated, Key: taskKey(1)}); err != nil {
			return err
		}
		return errors.New("command failed after emit")
	})
	require.Error(t, err)

	count, err := NewRepository(client.DB()).CountUnrelayed(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMarkerEnvelopeOmitsData(t *testing.T) {
	client := dbtest.New(t, &models.OutboxRecord{})
	svc := NewService(NewRepository(client.DB()), nil)
	env, err := svc.Emit(context.Background(), client.DB(), DomainEvent{
		EventType: enums.EventBusinessTransactionStarted,
		Key:       taskKey(1),
	})
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"data"`)
}

func TestDecodeEnvelopeRejectsIncomplete(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"version":1,"type":"task_created"}`))
	assert.Error(t, err)
	_, err = DecodeEnvelope([]byte(`not json`))
	assert.Error(t, err)
}
