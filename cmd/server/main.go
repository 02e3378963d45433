// Package main is the entry point for the waiting room server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/jawaracloud/admission-queue/internal/broker"
	"github.com/jawaracloud/admission-queue/internal/config"
	"github.com/jawaracloud/admission-queue/internal/credential"
	"github.com/jawaracloud/admission-queue/internal/handler"
	"github.com/jawaracloud/admission-queue/internal/metrics"
	custommw "github.com/jawaracloud/admission-queue/internal/middleware"
	"github.com/jawaracloud/admission-queue/internal/queue"
	"github.com/jawaracloud/admission-queue/internal/storage"
	"github.com/jawaracloud/admission-queue/internal/telemetry"
)

const serviceName = "waitingroom-server"

func main() {
	configPath := pflag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	addr := pflag.String("addr", "", "listen address (overrides server.addr)")
	pflag.Parse()

	if err := run(*configPath, *addr); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath, addrOverride string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addrOverride != "" {
		cfg.Server.Addr = addrOverride
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.Telemetry.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	backend, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer backend.Close()
	logger.Info("store ready", "backend", cfg.Store.Backend)

	publisher, err := openPublisher(ctx, cfg, backend)
	if err != nil {
		return err
	}
	defer publisher.Close()
	logger.Info("event publisher ready", "backend", cfg.Events.Backend)

	m := metrics.New(prometheus.DefaultRegisterer)

	issuer := credential.NewIssuer(backend, nil, credential.Config{
		TTL:        cfg.Credential.TTL,
		Length:     cfg.Credential.Length,
		PassSecret: cfg.Credential.PassSecret,
	})

	queueService := queue.NewService(backend, publisher, issuer, queue.Config{
		LivenessTTL:    cfg.Queue.LivenessTTL,
		LivenessWindow: cfg.Queue.LivenessWindow,
		CountdownTTL:   cfg.Queue.CountdownTTL,
		RejoinPolicy:   queue.RejoinPolicy(cfg.Queue.RejoinPolicy),
	}, queue.WithMetrics(m), queue.WithLogger(logger))

	if cfg.Queue.ReapInterval > 0 {
		go queueService.RunReaper(ctx, cfg.Queue.ReapInterval)
		logger.Info("background reaper started", "interval", cfg.Queue.ReapInterval)
	}

	r := newRouter(handler.NewHandler(queueService, logger), logger, cfg.Server.CORSOrigins)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newRouter(h *handler.Handler, logger *slog.Logger, corsOrigins []string) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(custommw.Logger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))
	r.Use(custommw.CORS(corsOrigins))

	r.Route("/api", h.RegisterRoutes)
	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func openStore(ctx context.Context, cfg config.StoreConfig) (storage.Backend, error) {
	if cfg.Backend == "memory" {
		return storage.NewMemoryStorage(nil), nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return storage.NewRedisStorage(connectCtx, storage.RedisConfig{
		Addr:      cfg.RedisAddr,
		Password:  cfg.RedisPassword,
		DB:        cfg.RedisDB,
		PoolSize:  cfg.PoolSize,
		Namespace: cfg.Namespace,
	})
}

func openPublisher(ctx context.Context, cfg config.Config, backend storage.Backend) (broker.Publisher, error) {
	switch cfg.Events.Backend {
	case "nats":
		natsBroker, err := broker.NewNATSBroker(broker.NATSConfig{
			URL:     cfg.Events.NatsURL,
			Source:  serviceName,
			Subject: cfg.Events.Subject,
		})
		if err != nil {
			return nil, err
		}
		if cfg.Events.JetStream {
			if err := natsBroker.SetupStreams(ctx); err != nil {
				slog.Warn("failed to set up JetStream stream", "error", err)
			}
		}
		return natsBroker, nil
	case "redis":
		rs, ok := backend.(*storage.RedisStorage)
		if !ok {
			return nil, errors.New("redis events require the redis store")
		}
		return broker.NewRedisPublisher(rs.Client(), cfg.Events.Subject, serviceName), nil
	default:
		return broker.NoopPublisher{}, nil
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
