package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jawaracloud/admission-queue/pkg/models"
)

// StreamName is the JetStream stream that captures queue events.
const StreamName = "WAITING_ROOM"

// NATSConfig configures the NATS publisher.
type NATSConfig struct {
	URL     string
	Source  string
	Subject string
}

// NATSBroker publishes events on "<subject>.<event type>".
type NATSBroker struct {
	conn    *nats.Conn
	source  string
	subject string
}

// NewNATSBroker connects to NATS.
func NewNATSBroker(cfg NATSConfig) (*NATSBroker, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Source),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats at %s: %w", cfg.URL, err)
	}
	return &NATSBroker{conn: conn, source: cfg.Source, subject: cfg.Subject}, nil
}

// SetupStreams creates the JetStream stream for queue events if it is missing.
func (b *NATSBroker) SetupStreams(ctx context.Context) error {
	js, err := b.conn.JetStream()
	if err != nil {
		return fmt.Errorf("jetstream context: %w", err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{b.subject + ".>"},
		MaxAge:   24 * time.Hour,
	}, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("add stream %s: %w", StreamName, err)
	}
	return nil
}

func (b *NATSBroker) Publish(_ context.Context, event models.QueueEvent) error {
	data, err := encode(event, b.source)
	if err != nil {
		return err
	}
	return b.conn.Publish(SubjectFor(b.subject, event.Type), data)
}

// Close drains pending messages and closes the connection.
func (b *NATSBroker) Close() error {
	return b.conn.Drain()
}

// SubjectFor returns the subject an event type is published on.
func SubjectFor(prefix string, eventType models.EventType) string {
	return prefix + "." + string(eventType)
}
