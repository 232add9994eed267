package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	MinIO    MinIOConfig    `yaml:"minio"`
	Tracking TrackingConfig `yaml:"tracking"`
	Tracker  TrackerConfig  `yaml:"tracker"`
	Detector DetectorConfig `yaml:"detector"`
	Source   SourceConfig   `yaml:"source"`
	Output   OutputConfig   `yaml:"output"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"` // tracker worker /metrics and /healthz
	APIKey      string `yaml:"api_key"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// TrackingConfig holds the recovery policy of the controller.
type TrackingConfig struct {
	Selection        string  `yaml:"selection"` // first, nearest, confidence
	ScanInterval     int     `yaml:"scan_interval"`
	MaxEmptyScans    int     `yaml:"max_empty_scans"` // 0 retries forever
	MinCandidateSize int     `yaml:"min_candidate_size"`
	ExclusionIoU     float64 `yaml:"exclusion_iou"`
	AutoAcquire      bool    `yaml:"auto_acquire"`
	MaxTracks        int     `yaml:"max_tracks"`
	QueueSize        int     `yaml:"queue_size"`
	MaxSessions      int     `yaml:"max_sessions"`
}

type TrackerConfig struct {
	Kind          string `yaml:"kind"`
	ModelDir      string `yaml:"model_dir"` // GOTURN prototxt and caffemodel
	HistBins      int    `yaml:"hist_bins"`
	MinFlowPoints int    `yaml:"min_flow_points"`
}

type DetectorConfig struct {
	Kind         string  `yaml:"kind"`
	CascadePath  string  `yaml:"cascade_path"`
	ModelPath    string  `yaml:"model_path"`
	Threshold    float64 `yaml:"threshold"`
	NMSThreshold float64 `yaml:"nms_threshold"`
	ScaleFactor  float64 `yaml:"scale_factor"`
	MinNeighbors int     `yaml:"min_neighbors"`
	MinSize      int     `yaml:"min_size"`
}

type SourceConfig struct {
	FPS            int           `yaml:"fps"`
	FrameWidth     int           `yaml:"frame_width"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	MaxRetries     int           `yaml:"max_retries"`
}

type OutputConfig struct {
	Dir               string `yaml:"dir"` // annotated videos; empty disables
	Codec             string `yaml:"codec"`
	SnapshotQuality   int    `yaml:"snapshot_quality"`
	SignatureBins     int    `yaml:"signature_bins"`
	SnapshotRetention int    `yaml:"snapshot_retention"` // snapshots kept per session; 0 keeps all
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads config from YAML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 8082
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 20
	}
	if cfg.Tracking.Selection == "" {
		cfg.Tracking.Selection = "first"
	}
	if cfg.Tracking.ScanInterval == 0 {
		cfg.Tracking.ScanInterval = 1
	}
	if cfg.Tracking.MinCandidateSize == 0 {
		cfg.Tracking.MinCandidateSize = 8
	}
	if cfg.Tracking.QueueSize == 0 {
		cfg.Tracking.QueueSize = 64
	}
	if cfg.Tracking.MaxSessions == 0 {
		cfg.Tracking.MaxSessions = 4
	}
	if cfg.Tracker.Kind == "" {
		cfg.Tracker.Kind = "csrt"
	}
	if cfg.Tracker.ModelDir == "" {
		cfg.Tracker.ModelDir = "."
	}
	if cfg.Tracker.HistBins == 0 {
		cfg.Tracker.HistBins = 180
	}
	if cfg.Tracker.MinFlowPoints == 0 {
		cfg.Tracker.MinFlowPoints = 4
	}
	if cfg.Detector.Kind == "" {
		cfg.Detector.Kind = "cascade"
	}
	if cfg.Detector.Threshold == 0 {
		cfg.Detector.Threshold = 0.5
	}
	if cfg.Detector.NMSThreshold == 0 {
		cfg.Detector.NMSThreshold = 0.4
	}
	if cfg.Detector.ScaleFactor == 0 {
		cfg.Detector.ScaleFactor = 1.1
	}
	if cfg.Detector.MinNeighbors == 0 {
		cfg.Detector.MinNeighbors = 5
	}
	if cfg.Detector.MinSize == 0 {
		cfg.Detector.MinSize = 30
	}
	if cfg.Source.FPS == 0 {
		cfg.Source.FPS = 25
	}
	if cfg.Source.FrameWidth == 0 {
		cfg.Source.FrameWidth = 640
	}
	if cfg.Source.ReconnectDelay == 0 {
		cfg.Source.ReconnectDelay = 5 * time.Second
	}
	if cfg.Source.MaxRetries == 0 {
		cfg.Source.MaxRetries = 3
	}
	if cfg.Output.Codec == "" {
		cfg.Output.Codec = "MJPG"
	}
	if cfg.Output.SnapshotQuality == 0 {
		cfg.Output.SnapshotQuality = 85
	}
	if cfg.Output.SignatureBins == 0 {
		cfg.Output.SignatureBins = 32
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RT_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("RT_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("RT_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("RT_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("RT_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("RT_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("RT_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("RT_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("RT_MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("RT_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := os.Getenv("RT_MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretKey = v
	}
	if v := os.Getenv("RT_MINIO_BUCKET"); v != "" {
		cfg.MinIO.Bucket = v
	}
	if v := os.Getenv("RT_TRACKER_KIND"); v != "" {
		cfg.Tracker.Kind = v
	}
	if v := os.Getenv("RT_TRACKER_MODEL_DIR"); v != "" {
		cfg.Tracker.ModelDir = v
	}
	if v := os.Getenv("RT_DETECTOR_KIND"); v != "" {
		cfg.Detector.Kind = v
	}
	if v := os.Getenv("RT_DETECTOR_CASCADE"); v != "" {
		cfg.Detector.CascadePath = v
	}
	if v := os.Getenv("RT_DETECTOR_MODEL"); v != "" {
		cfg.Detector.ModelPath = v
	}
	if v := os.Getenv("RT_SELECTION"); v != "" {
		cfg.Tracking.Selection = v
	}
	if v := os.Getenv("RT_MAX_EMPTY_SCANS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Tracking.MaxEmptyScans = n
		}
	}
	if v := os.Getenv("RT_AUTO_ACQUIRE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Tracking.AutoAcquire = b
		}
	}
	if v := os.Getenv("RT_OUTPUT_DIR"); v != "" {
		cfg.Output.Dir = v
	}
	if v := os.Getenv("RT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
