// Package main tails the waiting room event stream and logs each event.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/jawaracloud/admission-queue/internal/broker"
	"github.com/jawaracloud/admission-queue/pkg/models"
)

func main() {
	backend := pflag.String("backend", "nats", "event backend: nats or redis")
	natsURL := pflag.String("nats-url", envOr("NATS_URL", "nats://localhost:4222"), "NATS server URL")
	redisAddr := pflag.String("redis-addr", envOr("REDIS_ADDR", "localhost:6379"), "Redis address")
	subject := pflag.String("subject", envOr("EVENTS_SUBJECT", "waiting_room.events"), "subject prefix or Redis channel")
	pflag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := watch(ctx, logger, *backend, *natsURL, *redisAddr, *subject); err != nil {
		logger.Error("watcher exited", "error", err)
		os.Exit(1)
	}
}

func watch(ctx context.Context, logger *slog.Logger, backend, natsURL, redisAddr, subject string) error {
	handle := logEvent(logger)

	switch backend {
	case "nats":
		b, err := broker.NewNATSBroker(broker.NATSConfig{URL: natsURL, Source: "waitingroom-watcher", Subject: subject})
		if err != nil {
			return err
		}
		defer b.Close()
		if _, err := b.Subscribe(handle); err != nil {
			return err
		}
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		defer client.Close()
		if err := broker.SubscribeRedis(ctx, client, subject, handle); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown backend %q", backend)
	}

	logger.Info("watching queue events", "backend", backend, "subject", subject)
	<-ctx.Done()
	return nil
}

func logEvent(logger *slog.Logger) broker.Handler {
	return func(event models.QueueEvent, err error) {
		if err != nil {
			logger.Warn("skipping event", "error", err)
			return
		}
		attrs := []any{
			"type", event.Type,
			"participant", event.ParticipantID,
			"source", event.Source,
			"latency", time.Since(event.Timestamp).Round(time.Millisecond),
		}
		if event.NextUser != "" {
			attrs = append(attrs, "next", event.NextUser)
		}
		if event.TotalInQueue > 0 {
			attrs = append(attrs, "position", event.Position, "total", event.TotalInQueue)
		}
		logger.Info("queue event", attrs...)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
