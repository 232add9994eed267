package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "retrack",
		Name:      "frames_processed_total",
		Help:      "Total number of frames stepped through a controller",
	}, []string{"session_id"})

	TrackTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "retrack",
		Name:      "track_transitions_total",
		Help:      "Track state transitions by event",
	}, []string{"session_id", "event"})

	DetectorScans = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "retrack",
		Name:      "detector_scans_total",
		Help:      "Full-frame detector scans by result (hit, empty, error)",
	}, []string{"session_id", "result"})

	InitErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "retrack",
		Name:      "tracker_init_errors_total",
		Help:      "Tracker constructions rejected during re-acquisition",
	}, []string{"session_id"})

	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "retrack",
		Name:      "step_duration_seconds",
		Help:      "Duration of one controller step, by whether the detector ran",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"scanned"})

	LiveTracks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "retrack",
		Name:      "live_tracks",
		Help:      "Tracks in the registry by state",
	}, []string{"session_id", "state"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "retrack",
		Name:      "active_sessions",
		Help:      "Number of currently running tracking sessions",
	})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "retrack",
		Name:      "events_published_total",
		Help:      "Track events published to the message bus by outcome",
	}, []string{"outcome"})

	EventBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "retrack",
		Name:      "event_backlog",
		Help:      "Messages retained in the TRACKS stream",
	})

	SnapshotsStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "retrack",
		Name:      "snapshots_stored_total",
		Help:      "Track snapshots written to object storage by outcome",
	}, []string{"outcome"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "retrack",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "retrack",
		Name:      "ws_connections",
		Help:      "Number of active WebSocket connections",
	})
)
