// Package config loads server configuration from an optional YAML file
// overlaid with environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.yaml.in/yaml/v2"
)

// Config holds application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Queue      QueueConfig      `yaml:"queue"`
	Credential CredentialConfig `yaml:"credential"`
	Events     EventsConfig     `yaml:"events"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	LogLevel   string           `yaml:"log_level" env:"LOG_LEVEL"`
}

type ServerConfig struct {
	Addr        string   `yaml:"addr" env:"ADDR"`
	CORSOrigins []string `yaml:"cors_origins" env:"CORS_ORIGINS" envSeparator:","`
}

type StoreConfig struct {
	Backend       string `yaml:"backend" env:"STORE_BACKEND"`
	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"REDIS_DB"`
	PoolSize      int    `yaml:"pool_size" env:"REDIS_POOL_SIZE"`
	Namespace     string `yaml:"namespace" env:"STORE_NAMESPACE"`
}

type QueueConfig struct {
	LivenessTTL    time.Duration `yaml:"liveness_ttl" env:"LIVENESS_TTL"`
	LivenessWindow time.Duration `yaml:"liveness_window" env:"LIVENESS_WINDOW"`
	CountdownTTL   time.Duration `yaml:"countdown_ttl" env:"COUNTDOWN_TTL"`
	RejoinPolicy   string        `yaml:"rejoin_policy" env:"REJOIN_POLICY"`
	ReapInterval   time.Duration `yaml:"reap_interval" env:"REAP_INTERVAL"`
}

type CredentialConfig struct {
	TTL        time.Duration `yaml:"ttl" env:"CREDENTIAL_TTL"`
	Length     int           `yaml:"length" env:"CREDENTIAL_LENGTH"`
	PassSecret string        `yaml:"pass_secret" env:"PASS_SECRET"`
}

type EventsConfig struct {
	Backend   string `yaml:"backend" env:"EVENTS_BACKEND"`
	NatsURL   string `yaml:"nats_url" env:"NATS_URL"`
	Subject   string `yaml:"subject" env:"EVENTS_SUBJECT"`
	JetStream bool   `yaml:"jetstream" env:"EVENTS_JETSTREAM"`
}

type TelemetryConfig struct {
	OTelEndpoint string `yaml:"otel_endpoint" env:"OTEL_ENDPOINT"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:        ":8080",
			CORSOrigins: []string{"*"},
		},
		Store: StoreConfig{
			Backend:   "redis",
			RedisAddr: "localhost:6379",
			PoolSize:  100,
			Namespace: "waiting_room",
		},
		Queue: QueueConfig{
			LivenessTTL:    30 * time.Second,
			LivenessWindow: 35 * time.Second,
			CountdownTTL:   5 * time.Second,
			RejoinPolicy:   "preserve",
		},
		Credential: CredentialConfig{
			TTL:    120 * time.Second,
			Length: 8,
		},
		Events: EventsConfig{
			Backend: "none",
			NatsURL: "nats://localhost:4222",
			Subject: "waiting_room.events",
		},
		LogLevel: "info",
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then environment variables. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("store.backend must be redis or memory, got %q", c.Store.Backend))
	}
	switch c.Events.Backend {
	case "none", "nats", "redis":
	default:
		errs = append(errs, fmt.Errorf("events.backend must be none, nats or redis, got %q", c.Events.Backend))
	}
	if c.Events.Backend == "redis" && c.Store.Backend != "redis" {
		errs = append(errs, errors.New("events.backend redis requires store.backend redis"))
	}
	switch c.Queue.RejoinPolicy {
	case "preserve", "reset":
	default:
		errs = append(errs, fmt.Errorf("queue.rejoin_policy must be preserve or reset, got %q", c.Queue.RejoinPolicy))
	}
	if c.Queue.LivenessTTL <= 0 || c.Queue.LivenessWindow <= 0 || c.Queue.CountdownTTL <= 0 {
		errs = append(errs, errors.New("queue durations must be positive"))
	}
	if c.Queue.LivenessWindow < c.Queue.LivenessTTL {
		errs = append(errs, errors.New("queue.liveness_window must not be shorter than queue.liveness_ttl"))
	}
	if c.Queue.ReapInterval < 0 {
		errs = append(errs, errors.New("queue.reap_interval must not be negative"))
	}
	if c.Credential.TTL <= 0 {
		errs = append(errs, errors.New("credential.ttl must be positive"))
	}
	if c.Credential.Length < 4 || c.Credential.Length > 32 {
		errs = append(errs, fmt.Errorf("credential.length must be between 4 and 32, got %d", c.Credential.Length))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel))
	}

	return errors.Join(errs...)
}
