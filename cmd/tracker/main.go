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
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/retrack/internal/config"
	"github.com/your-org/retrack/internal/models"
	"github.com/your-org/retrack/internal/observability"
	"github.com/your-org/retrack/internal/queue"
	"github.com/your-org/retrack/internal/session"
	"github.com/your-org/retrack/internal/storage"
)

const localSession = "local"

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the whole worker. It returns the exit code so deferred cleanup runs
// before the process exits.
func run(args []string) int {
	fs := flag.NewFlagSet("tracker", flag.ContinueOnError)
	configPath := fs.String("config", "configs/config.yaml", "path to config file")
	input := fs.String("input", "", "run one session on this file, device index or URL without NATS or storage")
	sourceKind := fs.String("source", "capture", "source kind for -input: capture, ffmpeg or youtube")
	roi := fs.String("roi", "", "initial region for -input as x,y,w,h; empty acquires with the detector")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting tracker worker",
		"tracker", cfg.Tracker.Kind,
		"detector", cfg.Detector.Kind,
		"max_sessions", cfg.Tracking.MaxSessions,
		"cpu_cores", runtime.NumCPU(),
	)

	// ONNX Runtime backs the retinaface detector only
	ort.SetSharedLibraryPath(getONNXLibPath())
	if err := ort.InitializeEnvironment(); err != nil {
		if cfg.Detector.Kind == "retinaface" {
			slog.Error("init onnx runtime", "error", err)
			return 1
		}
		slog.Warn("onnx runtime unavailable, retinaface sessions will fail", "error", err)
	} else {
		defer ort.DestroyEnvironment()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *input != "" {
		return runLocal(ctx, cfg, *input, *sourceKind, *roi)
	}

	// Connect to Postgres
	db, err := storage.NewPostgresStore(cfg.Database)
	if err != nil {
		slog.Error("connect to postgres", "error", err)
		return 1
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		slog.Error("ensure schema", "error", err)
		return 1
	}

	// Connect to MinIO
	minioStore, err := storage.NewMinIOStore(cfg.MinIO)
	if err != nil {
		slog.Error("connect to minio", "error", err)
		return 1
	}
	if err := minioStore.EnsureBucket(ctx); err != nil {
		slog.Warn("ensure minio bucket", "error", err)
	}

	// Connect to NATS
	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		slog.Error("connect to nats producer", "error", err)
		return 1
	}
	defer producer.Close()

	if err := producer.EnsureStreams(ctx); err != nil {
		slog.Warn("ensure nats streams", "error", err)
	}

	manager := session.NewManager(cfg, session.Deps{
		Publisher: producer,
		Snapshots: minioStore,
		Status:    db,
	})

	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		slog.Error("create consumer", "error", err)
		return 1
	}
	defer consumer.Close()

	_, err = consumer.SubscribeControl(func(data []byte) {
		cmd, err := session.ParseCommand(data)
		if err != nil {
			slog.Error("parse command", "error", err)
			return
		}

		slog.Info("received command", "action", cmd.Action, "session_id", cmd.SessionID)
		if err := manager.HandleCommand(ctx, cmd); err != nil {
			slog.Error("handle command", "error", err, "action", cmd.Action, "session_id", cmd.SessionID)
		}
	})
	if err != nil {
		slog.Error("subscribe to control", "error", err)
		return 1
	}

	// Snapshot cleanup
	if cfg.Output.SnapshotRetention > 0 {
		slog.Info("snapshot cleanup enabled", "retention", cfg.Output.SnapshotRetention)
		go every(ctx, time.Minute, func() {
			for _, id := range manager.SessionIDs() {
				n, err := minioStore.PruneSnapshots(ctx, id, cfg.Output.SnapshotRetention)
				if err != nil {
					slog.Warn("cleanup: prune snapshots", "session_id", id, "error", err)
					continue
				}
				if n > 0 {
					slog.Info("cleanup: deleted old snapshots", "session_id", id, "deleted", n)
				}
			}
		})
	}

	// Periodically report the event backlog
	go every(ctx, 10*time.Second, func() {
		backlog, err := producer.Backlog(ctx)
		if err == nil {
			observability.EventBacklog.Set(float64(backlog))
		}
	})

	go serveMetrics(cfg.Server.MetricsPort, manager)

	// Wait for shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down tracker worker...")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	manager.StopAll(stopCtx)
	cancel()
	slog.Info("tracker worker stopped")
	return 0
}

// runLocal tracks a single input until it ends or the process is
// interrupted. Annotated output goes to output.dir when set.
func runLocal(ctx context.Context, cfg *config.Config, input, kind, roi string) int {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager := session.NewManager(cfg, session.Deps{})
	start := models.Command{
		Action:    models.ActionStart,
		SessionID: localSession,
		URL:       input,
		Source:    kind,
		Record:    cfg.Output.Dir != "",
	}
	if err := manager.HandleCommand(ctx, start); err != nil {
		slog.Error("start local session", "error", err)
		return 1
	}

	seed := models.Command{Action: models.ActionAcquire, SessionID: localSession}
	if roi != "" {
		box, err := parseROI(roi)
		if err != nil {
			slog.Error("parse roi", "error", err)
			manager.StopAll(context.Background())
			return 2
		}
		seed = models.Command{Action: models.ActionAdd, SessionID: localSession, Box: &box}
	}
	if err := manager.HandleCommand(ctx, seed); err != nil {
		slog.Error("seed local session", "error", err)
	}

	go serveMetrics(cfg.Server.MetricsPort, manager)

	if err := manager.Wait(ctx, localSession); err != nil {
		slog.Info("interrupted, stopping local session")
		manager.StopAll(context.Background())
	}
	return 0
}

func parseROI(s string) ([4]int, error) {
	var box [4]int
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return box, fmt.Errorf("roi %q: want x,y,w,h", s)
	}
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return box, fmt.Errorf("roi %q: %w", s, err)
		}
		box[i] = v
	}
	if box[2] <= 0 || box[3] <= 0 {
		return box, fmt.Errorf("roi %q: width and height must be positive", s)
	}
	return box, nil
}

func every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func serveMetrics(port int, manager *session.Manager) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/tracks", func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{}
		for _, id := range manager.SessionIDs() {
			if views, err := manager.Tracks(id); err == nil {
				out[id] = views
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})

	addr := fmt.Sprintf(":%d", port)
	slog.Info("tracker metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("metrics server error", "error", err)
	}
}

// getONNXLibPath returns the ONNX Runtime shared library path
// based on the operating system.
func getONNXLibPath() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "linux":
		return "libonnxruntime.so"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "onnxruntime.dll"
	}
}
