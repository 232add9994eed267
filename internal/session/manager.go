package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/your-org/retrack/internal/algo"
	"github.com/your-org/retrack/internal/config"
	"github.com/your-org/retrack/internal/models"
	"github.com/your-org/retrack/internal/observability"
	"github.com/your-org/retrack/internal/source"
	"github.com/your-org/retrack/internal/tracking"
	"github.com/your-org/retrack/internal/vision"
)

var (
	ErrUnknownSession  = errors.New("unknown session")
	ErrSessionRunning  = errors.New("session already running")
	ErrTooManySessions = errors.New("session limit reached")
)

// StatusStore records session lifecycle changes.
type StatusStore interface {
	UpdateSessionStatus(ctx context.Context, id uuid.UUID, status models.SessionStatus, errMsg string) error
}

// Components are the per-session collaborators of a controller.
type Components struct {
	Factory  tracking.TrackerFactory
	Detector vision.Detector
	Title    string // tracker name drawn on annotated frames
}

// BuildFunc creates the tracker factory and detector for a start command.
type BuildFunc func(cmd models.Command) (Components, error)

// OpenFunc opens a frame source.
type OpenFunc func(ctx context.Context, opts source.Options) (source.Source, error)

// Deps are the collaborators of a Manager. Nil Publisher, Snapshots and
// Status disable the corresponding sink.
type Deps struct {
	Publisher Publisher
	Snapshots SnapshotStore
	Status    StatusStore
	Build     BuildFunc // defaults to BuildComponents(cfg)
	Open      OpenFunc  // defaults to source.Open
}

type activeSession struct {
	id         string
	cancel     context.CancelFunc
	controller *tracking.Controller
	runner     *Runner
	release    func()
	done       chan struct{}
}

// Manager manages the lifecycle of tracking sessions.
type Manager struct {
	cfg  *config.Config
	deps Deps

	mu       sync.RWMutex
	sessions map[string]*activeSession
	stopping map[string]bool // stops received while a session was still being prepared
}

func NewManager(cfg *config.Config, deps Deps) *Manager {
	if deps.Build == nil {
		deps.Build = BuildComponents(cfg)
	}
	if deps.Open == nil {
		deps.Open = source.Open
	}
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		sessions: make(map[string]*activeSession),
		stopping: make(map[string]bool),
	}
}

// BuildComponents builds trackers and detectors from the worker
// configuration, letting a command override the kinds.
func BuildComponents(cfg *config.Config) BuildFunc {
	return func(cmd models.Command) (Components, error) {
		trackerName := cmd.Tracker
		if trackerName == "" {
			trackerName = cfg.Tracker.Kind
		}
		kind, err := algo.ParseTrackerKind(trackerName)
		if err != nil {
			return Components{}, err
		}
		factory, err := vision.NewTrackerFactory(kind, cfg.Tracker)
		if err != nil {
			return Components{}, err
		}

		detectorName := cmd.Detector
		if detectorName == "" {
			detectorName = cfg.Detector.Kind
		}
		dkind, err := algo.ParseDetectorKind(detectorName)
		if err != nil {
			return Components{}, err
		}
		detector, err := vision.NewDetector(dkind, cfg.Detector)
		if err != nil {
			return Components{}, err
		}
		return Components{Factory: factory, Detector: detector, Title: strings.ToUpper(string(kind))}, nil
	}
}

// HandleCommand processes a session control command.
func (m *Manager) HandleCommand(ctx context.Context, cmd models.Command) error {
	switch cmd.Action {
	case models.ActionStart:
		return m.startSession(ctx, cmd)
	case models.ActionStop:
		return m.stopSession(cmd.SessionID)
	case models.ActionAdd:
		if cmd.Box == nil {
			return fmt.Errorf("add to session %s: missing box", cmd.SessionID)
		}
		b := cmd.Box
		req := tracking.AddRegion(tracking.Box(b[0], b[1], b[2], b[3]))
		req.Label = cmd.Label
		return m.submit(cmd.SessionID, req)
	case models.ActionRemove:
		return m.submit(cmd.SessionID, tracking.RemoveTrack(tracking.TrackID(cmd.TrackID)))
	case models.ActionAcquire:
		return m.submit(cmd.SessionID, tracking.AcquireObjects())
	default:
		return fmt.Errorf("unknown action: %s", cmd.Action)
	}
}

func (m *Manager) submit(sessionID string, req tracking.Request) error {
	m.mu.RLock()
	as := m.sessions[sessionID]
	m.mu.RUnlock()
	if as == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if err := as.controller.Submit(req); err != nil {
		return fmt.Errorf("submit %s to session %s: %w", req.Kind, sessionID, err)
	}
	return nil
}

func (m *Manager) startSession(ctx context.Context, cmd models.Command) error {
	kind, err := source.ParseKind(cmd.Source)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, exists := m.sessions[cmd.SessionID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionRunning, cmd.SessionID)
	}
	if limit := m.cfg.Tracking.MaxSessions; limit > 0 && len(m.sessions) >= limit {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrTooManySessions, limit)
	}
	// reserve the id while models load
	m.sessions[cmd.SessionID] = nil
	m.mu.Unlock()

	m.updateStatus(cmd.SessionID, models.SessionStatusStarting, "")
	as, err := m.prepare(cmd)
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, cmd.SessionID)
		delete(m.stopping, cmd.SessionID)
		m.mu.Unlock()
		m.updateStatus(cmd.SessionID, models.SessionStatusError, err.Error())
		return fmt.Errorf("start session %s: %w", cmd.SessionID, err)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	as.cancel = cancel

	m.mu.Lock()
	if m.stopping[cmd.SessionID] {
		delete(m.stopping, cmd.SessionID)
		delete(m.sessions, cmd.SessionID)
		m.mu.Unlock()
		cancel()
		as.release()
		slog.Info("session stopped before it started", "session_id", cmd.SessionID)
		m.updateStatus(cmd.SessionID, models.SessionStatusStopped, "")
		return nil
	}
	m.sessions[cmd.SessionID] = as
	m.mu.Unlock()

	observability.ActiveSessions.Inc()
	m.updateStatus(cmd.SessionID, models.SessionStatusRunning, "")

	opts := source.Options{Kind: kind, URL: cmd.URL}
	if kind != source.Capture {
		opts.FPS = m.fps(cmd)
		opts.Width = m.cfg.Source.FrameWidth
	}

	slog.Info("starting tracking session", "session_id", cmd.SessionID, "url", cmd.URL, "source", kind)
	go m.run(sessionCtx, as, opts)
	return nil
}

func (m *Manager) fps(cmd models.Command) int {
	if cmd.FPS > 0 {
		return cmd.FPS
	}
	return m.cfg.Source.FPS
}

// prepare builds the controller and sinks of a session.
func (m *Manager) prepare(cmd models.Command) (*activeSession, error) {
	comps, err := m.deps.Build(cmd)
	if err != nil {
		return nil, err
	}

	log := slog.With("session_id", cmd.SessionID)
	prefix := strings.ToLower(comps.Title)
	if prefix == "" {
		prefix = "track"
	}
	opts, err := controllerOptions(m.cfg.Tracking, prefix, log)
	if err != nil {
		_ = comps.Detector.Close()
		return nil, err
	}

	var sinks []Sink
	if m.deps.Publisher != nil {
		id, err := uuid.Parse(cmd.SessionID)
		if err != nil {
			_ = comps.Detector.Close()
			return nil, fmt.Errorf("parse session id: %w", err)
		}
		sinks = append(sinks, &EventSink{
			SessionID: id,
			Publisher: m.deps.Publisher,
			Snapshots: m.deps.Snapshots,
			Quality:   m.cfg.Output.SnapshotQuality,
			Bins:      m.cfg.Output.SignatureBins,
			Log:       log,
		})
	}
	if cmd.Record && m.cfg.Output.Dir != "" {
		path := filepath.Join(m.cfg.Output.Dir, cmd.SessionID+".avi")
		sinks = append(sinks, NewAnnotateSink(path, m.cfg.Output.Codec, float64(m.fps(cmd)), comps.Title))
	}

	controller := tracking.NewController(comps.Factory, comps.Detector, opts)
	return &activeSession{
		id:         cmd.SessionID,
		controller: controller,
		runner:     &Runner{ID: cmd.SessionID, Controller: controller, Sinks: sinks, Log: log},
		release: func() {
			controller.Close()
			_ = comps.Detector.Close()
			for _, s := range sinks {
				if err := s.Close(); err != nil {
					log.Warn("close sink", "error", err)
				}
			}
		},
		done: make(chan struct{}),
	}, nil
}

// run feeds the session until its source ends or it is stopped. A failing
// source is reopened with exponential backoff; the controller and its tracks
// survive the reconnect.
func (m *Manager) run(ctx context.Context, as *activeSession, opts source.Options) {
	defer func() {
		as.release()
		m.mu.Lock()
		delete(m.sessions, as.id)
		m.mu.Unlock()
		observability.ActiveSessions.Dec()
		observability.LiveTracks.DeletePartialMatch(prometheus.Labels{"session_id": as.id})
		close(as.done)
		slog.Info("tracking session stopped", "session_id", as.id)
	}()

	attempt := 0
	for {
		src, err := m.deps.Open(ctx, opts)
		if err == nil {
			var frames int64
			frames, err = as.runner.Run(ctx, src)
			_ = src.Close()
			if frames > 0 {
				attempt = 0
			}
			if err == nil {
				slog.Info("session source ended", "session_id", as.id, "frames", as.controller.FrameIndex())
				m.updateStatus(as.id, models.SessionStatusStopped, "")
				return
			}
		}
		if ctx.Err() != nil {
			m.updateStatus(as.id, models.SessionStatusStopped, "")
			return
		}

		slog.Error("session source failed", "session_id", as.id, "attempt", attempt, "error", err)
		attempt++
		if attempt > m.cfg.Source.MaxRetries {
			m.updateStatus(as.id, models.SessionStatusError, fmt.Sprintf("source failed after retries: %v", err))
			return
		}

		delay := m.cfg.Source.ReconnectDelay * time.Duration(1<<uint(attempt-1))
		slog.Warn("reopening session source", "session_id", as.id, "attempt", attempt, "delay", delay)
		select {
		case <-ctx.Done():
			m.updateStatus(as.id, models.SessionStatusStopped, "")
			return
		case <-time.After(delay):
		}
	}
}

func (m *Manager) stopSession(sessionID string) error {
	m.mu.Lock()
	as, exists := m.sessions[sessionID]
	if exists && as == nil {
		m.stopping[sessionID] = true
		m.mu.Unlock()
		slog.Info("stop deferred until session is prepared", "session_id", sessionID)
		return nil
	}
	m.mu.Unlock()

	if as == nil {
		return nil // already stopped
	}

	as.cancel()
	slog.Info("stop command sent", "session_id", sessionID)
	return nil
}

// Wait blocks until the session ends or ctx is done. Unknown sessions
// return immediately.
func (m *Manager) Wait(ctx context.Context, sessionID string) error {
	m.mu.RLock()
	as := m.sessions[sessionID]
	m.mu.RUnlock()
	if as == nil {
		return nil
	}
	select {
	case <-as.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tracks returns the live tracks of a running session as of its last step.
func (m *Manager) Tracks(sessionID string) ([]tracking.View, error) {
	m.mu.RLock()
	as := m.sessions[sessionID]
	m.mu.RUnlock()
	if as == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return as.runner.Tracks(), nil
}

func (m *Manager) updateStatus(sessionID string, status models.SessionStatus, errMsg string) {
	if m.deps.Status == nil {
		return
	}
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return
	}
	if err := m.deps.Status.UpdateSessionStatus(context.Background(), id, status, errMsg); err != nil {
		slog.Error("update session status", "session_id", sessionID, "error", err)
	}
}

// ActiveCount returns the number of currently running sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, as := range m.sessions {
		if as != nil {
			n++
		}
	}
	return n
}

// SessionIDs lists the running sessions.
func (m *Manager) SessionIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id, as := range m.sessions {
		if as != nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// StopAll stops every running session and waits for them to release their
// resources.
func (m *Manager) StopAll(ctx context.Context) {
	for _, id := range m.SessionIDs() {
		_ = m.stopSession(id)
	}
	for _, id := range m.SessionIDs() {
		_ = m.Wait(ctx, id)
	}
}

// ParseCommand parses a NATS message into a Command.
func ParseCommand(data []byte) (models.Command, error) {
	var cmd models.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return cmd, fmt.Errorf("parse command: %w", err)
	}
	return cmd, nil
}
