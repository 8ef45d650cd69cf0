package main

import (
	"context"

	"github.com/angelmondragon/eventpipe/pkg/logger"
)

type notificationPublisher interface {
	Publish(ctx context.Context, orderingKey string, data []byte, attrs map[string]string) (string, error)
}

// disabledPublisher stands in for Pub/Sub when notifications are turned off.
type disabledPublisher struct {
	logg *logger.Logger
}

func (p disabledPublisher) Publish(ctx context.Context, orderingKey string, _ []byte, attrs map[string]string) (string, error) {
	p.logg.Debug(p.logg.WithFields(ctx, map[string]any{
		"ordering_key": orderingKey,
		"event_id":     attrs["event_id"],
	}), "notification skipped, notifications disabled")
	return "", nil
}
