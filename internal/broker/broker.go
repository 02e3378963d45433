// Package broker publishes queue lifecycle events so other services can
// react to admissions without polling the coordinator.
package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jawaracloud/admission-queue/pkg/models"
)

// Publisher delivers queue events. Delivery is best-effort.
type Publisher interface {
	Publish(ctx context.Context, event models.QueueEvent) error
	Close() error
}

// NewEvent stamps an event with a fresh id and timestamp.
func NewEvent(eventType models.EventType, participantID string, now time.Time) models.QueueEvent {
	return models.QueueEvent{
		EventID:       uuid.New().String(),
		Type:          eventType,
		ParticipantID: participantID,
		Timestamp:     now,
	}
}

func encode(event models.QueueEvent, source string) ([]byte, error) {
	if event.Source == "" {
		event.Source = source
	}
	return json.Marshal(event)
}

// NoopPublisher discards every event.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, models.QueueEvent) error { return nil }

func (NoopPublisher) Close() error { return nil }
