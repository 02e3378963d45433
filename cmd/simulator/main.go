// Package main implements a simulation client for the waiting room.
package main

import (
	"context"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"go.uber.org/atomic"
)

// Config holds simulation configuration.
type Config struct {
	ServerURL    string
	NumUsers     int
	Workers      int
	PollInterval time.Duration
	Countdown    time.Duration
	MaxJoinDelay time.Duration
	AbandonRate  float64
}

// Stats holds simulation statistics.
type Stats struct {
	Joined   atomic.Int64
	Rejoined atomic.Int64
	Admitted atomic.Int64
	Left     atomic.Int64
	Failed   atomic.Int64
	Polls    atomic.Int64
}

func main() {
	var config Config
	pflag.StringVar(&config.ServerURL, "server", getEnv("SERVER_URL", "http://localhost:8080"), "waiting room base URL")
	pflag.IntVar(&config.NumUsers, "users", 50, "number of simulated participants")
	pflag.IntVar(&config.Workers, "workers", 10, "participants simulated concurrently")
	pflag.DurationVar(&config.PollInterval, "poll", time.Second, "status polling interval")
	pflag.DurationVar(&config.Countdown, "countdown", 3*time.Second, "local countdown once at the head")
	pflag.DurationVar(&config.MaxJoinDelay, "join-delay", 5*time.Second, "maximum random delay before joining")
	pflag.Float64Var(&config.AbandonRate, "abandon", 0.01, "probability of leaving on each poll")
	pflag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("Starting simulation with %d users against %s", config.NumUsers, config.ServerURL)

	client := NewClient(config.ServerURL)
	stats := &Stats{}
	start := time.Now()

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				printStats(stats)
			}
		}
	}()

	run(ctx, client, config, stats)

	log.Printf("=== Final Statistics (%v) ===", time.Since(start).Round(time.Millisecond))
	printStats(stats)
}

// run simulates config.NumUsers participants with config.Workers goroutines.
func run(ctx context.Context, client *Client, config Config, stats *Stats) {
	users := make(chan int, config.NumUsers)
	for i := 0; i < config.NumUsers; i++ {
		users <- i + 1
	}
	close(users)

	var wg sync.WaitGroup
	for i := 0; i < config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range users {
				simulateUser(ctx, client, config, stats, n)
			}
		}()
	}
	wg.Wait()
}

func simulateUser(ctx context.Context, client *Client, config Config, stats *Stats, n int) {
	if config.MaxJoinDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(rand.Int63n(int64(config.MaxJoinDelay)))):
		}
	}

	id := "sim_" + uuid.New().String()
	joined, err := client.Join(ctx, id)
	if err != nil {
		log.Printf("User %d: join failed: %v", n, err)
		stats.Failed.Inc()
		return
	}
	stats.Joined.Inc()
	log.Printf("User %d: joined at position %d/%d", n, joined.Position, joined.TotalInQueue)

	ticker := time.NewTicker(config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_, _ = client.Leave(context.Background(), id)
			return
		case <-ticker.C:
		}

		status, err := client.Status(ctx, id)
		if err != nil {
			log.Printf("User %d: status failed: %v", n, err)
			stats.Failed.Inc()
			return
		}
		stats.Polls.Inc()

		if status.Position == nil {
			// Reaped between polls; get back in line.
			if _, err := client.Join(ctx, id); err != nil {
				stats.Failed.Inc()
				return
			}
			stats.Rejoined.Inc()
			continue
		}

		if status.CanProceed {
			select {
			case <-ctx.Done():
				_, _ = client.Leave(context.Background(), id)
				return
			case <-time.After(config.Countdown):
			}
			done, err := client.Complete(ctx, id)
			if err != nil {
				log.Printf("User %d: complete failed: %v", n, err)
				stats.Failed.Inc()
				return
			}
			stats.Admitted.Inc()
			if done.AccessCode != nil {
				log.Printf("User %d: admitted with code %s", n, *done.AccessCode)
			}
			return
		}

		if rand.Float64() < config.AbandonRate {
			if _, err := client.Leave(ctx, id); err == nil {
				stats.Left.Inc()
				log.Printf("User %d: abandoned queue at position %d", n, *status.Position)
			}
			return
		}
	}
}

func printStats(stats *Stats) {
	log.Printf("Joined: %d | Rejoined: %d | Admitted: %d | Left: %d | Failed: %d | Polls: %d",
		stats.Joined.Load(), stats.Rejoined.Load(), stats.Admitted.Load(),
		stats.Left.Load(), stats.Failed.Load(), stats.Polls.Load())
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
