// Package idempotency guards side effects that must run at most once per
// consumer and event, across redeliveries and replicas.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/eventpipe/pkg/redis"
)

const (
	statePending = "pending"
	stateDone    = "done"

	defaultClaimTTL = time.Minute
)

// ErrInFlight reports that another worker holds the claim for the event.
var ErrInFlight = errors.New("side effects for event are in flight elsewhere")

// Store is the subset of the redis client the manager needs.
type Store interface {
	redis.IdempotencyStore
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

// Manager records per consumer which events had their side effects run.
// A mark is first claimed as pending with a short ttl and confirmed as done
// once the effect succeeded, so a worker dying mid-effect does not leave the
// event marked as processed forever.
type Manager struct {
	store    Store
	ttl      time.Duration
	claimTTL time.Duration
}

// NewManager keeps done marks for ttl. Zero keeps them without expiry.
func NewManager(store Store, ttl time.Duration) (*Manager, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	return &Manager{store: store, ttl: ttl, claimTTL: defaultClaimTTL}, nil
}

// RunOnce runs fn unless consumer already ran it for eventID, and reports
// whether fn ran. A failed fn releases the claim so a redelivery retries.
func (m *Manager) RunOnce(ctx context.Context, consumer string, eventID uuid.UUID, fn func(context.Context) error) (bool, error) {
	key, err := m.key(consumer, eventID)
	if err != nil {
		return false, err
	}
	claimed, err := m.store.SetNX(ctx, key, statePending, m.claimTTL)
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	if !claimed {
		state, err := m.store.Get(ctx, key)
		switch {
		case errors.Is(err, goredis.Nil):
			// The claim expired between the two calls.
			return false, ErrInFlight
		case err != nil:
			return false, fmt.Errorf("read %s: %w", key, err)
		case state == stateDone:
			return false, nil
		}
		return false, ErrInFlight
	}

	if err := fn(ctx); err != nil {
		if delErr := m.store.Del(context.WithoutCancel(ctx), key); delErr != nil {
			return true, fmt.Errorf("%w (releasing claim: %v)", err, delErr)
		}
		return true, err
	}
	if err := m.store.Set(context.WithoutCancel(ctx), key, stateDone, m.ttl); err != nil {
		return true, fmt.Errorf("confirm %s: %w", key, err)
	}
	return true, nil
}

// Processed reports whether consumer completed the side effects of eventID.
func (m *Manager) Processed(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error) {
	key, err := m.key(consumer, eventID)
	if err != nil {
		return false, err
	}
	state, err := m.store.Get(ctx, key)
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return state == stateDone, nil
}

// Forget drops the mark so the next delivery runs the side effects again.
func (m *Manager) Forget(ctx context.Context, consumer string, eventID uuid.UUID) error {
	key, err := m.key(consumer, eventID)
	if err != nil {
		return err
	}
	return m.store.Del(ctx, key)
}

func (m *Manager) key(consumer string, eventID uuid.UUID) (string, error) {
	if consumer == "" {
		return "", errors.New("consumer name is required")
	}
	if eventID == uuid.Nil {
		return "", errors.New("event id is required")
	}
	return m.store.IdempotencyKey("effects:"+consumer, eventID.String()), nil
}
