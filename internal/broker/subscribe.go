package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/jawaracloud/admission-queue/pkg/models"
)

// Handler receives decoded queue events. A malformed payload is reported
// through err with a zero event.
type Handler func(event models.QueueEvent, err error)

func decode(data []byte) (models.QueueEvent, error) {
	var event models.QueueEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return models.QueueEvent{}, fmt.Errorf("decode event: %w", err)
	}
	return event, nil
}

// Subscribe delivers every event published under the broker's subject.
func (b *NATSBroker) Subscribe(fn Handler) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(b.subject+".>", func(m *nats.Msg) {
		fn(decode(m.Data))
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s.>: %w", b.subject, err)
	}
	return sub, nil
}

// SubscribeRedis delivers events from a Redis channel until ctx is done.
// It returns once the subscription is confirmed; delivery runs in the
// background.
func SubscribeRedis(ctx context.Context, client *redis.Client, channel string, fn Handler) error {
	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	go func() {
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				fn(decode([]byte(msg.Payload)))
			}
		}
	}()
	return nil
}
