package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/retrack/internal/api"
	"github.com/your-org/retrack/internal/api/handlers"
	"github.com/your-org/retrack/internal/api/ws"
	"github.com/your-org/retrack/internal/config"
	"github.com/your-org/retrack/internal/models"
	"github.com/your-org/retrack/internal/observability"
	"github.com/your-org/retrack/internal/queue"
	"github.com/your-org/retrack/internal/storage"
	"github.com/your-org/retrack/pkg/dto"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting retrack API service", "port", cfg.Server.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to Postgres
	db, err := storage.NewPostgresStore(cfg.Database)
	if err != nil {
		slog.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		slog.Error("ensure schema", "error", err)
		os.Exit(1)
	}

	// Connect to MinIO
	minioStore, err := storage.NewMinIOStore(cfg.MinIO)
	if err != nil {
		slog.Error("connect to minio", "error", err)
		os.Exit(1)
	}
	if err := minioStore.EnsureBucket(ctx); err != nil {
		slog.Warn("ensure minio bucket", "error", err)
	}

	// Connect to NATS
	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		slog.Error("connect to nats", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	if err := producer.EnsureStreams(ctx); err != nil {
		slog.Warn("ensure nats streams", "error", err)
	}

	// WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Store track events and broadcast them via WebSocket
	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		slog.Error("create event consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	err = consumer.ConsumeTrackEvents(ctx, "api-track-events", func(ctx context.Context, msg jetstream.Msg) error {
		var tm models.TrackMessage
		if err := json.Unmarshal(msg.Data(), &tm); err != nil {
			slog.Error("unmarshal track message", "error", err)
			return nil // Don't retry on unmarshal errors
		}

		event := tm.ToEvent()
		if err := db.CreateTrackEvent(ctx, event); err != nil {
			return fmt.Errorf("store track event: %w", err)
		}

		hub.BroadcastEvent(&dto.WSEvent{
			Type:      "track_event",
			SessionID: event.SessionID,
			Data:      handlers.EventToResponse(event),
		})
		return nil
	})
	if err != nil {
		slog.Warn("start track event consumer", "error", err)
	}

	// Setup router
	router := api.NewRouter(api.RouterConfig{
		APIKey:  cfg.Server.APIKey,
		DB:      db,
		MinIO:   minioStore,
		Control: producer,
		Hub:     hub,
		Checks: map[string]handlers.Pinger{
			"minio": minioStore,
			"nats":  handlers.PingFunc(func(context.Context) error { return producer.Ping() }),
		},
	})

	// Start HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("API server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down API server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("API server stopped")
}
