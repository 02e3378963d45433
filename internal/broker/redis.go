package broker

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/jawaracloud/admission-queue/pkg/models"
)

// RedisPublisher publishes events on a Redis pub/sub channel. It shares the
// storage connection and does not close it.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	source  string
}

func NewRedisPublisher(client *redis.Client, channel, source string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel, source: source}
}

func (p *RedisPublisher) Publish(ctx context.Context, event models.QueueEvent) error {
	data, err := encode(event, p.source)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, data).Err()
}

func (p *RedisPublisher) Close() error { return nil }
