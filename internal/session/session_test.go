package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/your-org/retrack/internal/config"
	"github.com/your-org/retrack/internal/models"
	"github.com/your-org/retrack/internal/source"
	"github.com/your-org/retrack/internal/tracking"
	"github.com/your-org/retrack/internal/vision"
)

func blankFrame(seq int64) *vision.Frame {
	mat := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), 48, 64, gocv.MatTypeCV8UC3)
	return vision.NewFrame(mat, seq)
}

// scriptedSource yields frames frames, then ends with err or ErrEndOfStream.
// With live set it keeps producing frames until the context is cancelled.
type scriptedSource struct {
	frames int64
	err    error
	live   bool
	seq    int64
	closed atomic.Bool
}

func (s *scriptedSource) Next(ctx context.Context) (*vision.Frame, error) {
	if s.live {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	} else if s.seq >= s.frames {
		if s.err != nil {
			return nil, s.err
		}
		return nil, source.ErrEndOfStream
	}
	s.seq++
	return blankFrame(s.seq), nil
}

func (s *scriptedSource) Close() error {
	s.closed.Store(true)
	return nil
}

type staticTracker struct{ box tracking.BoundingBox }

func (t *staticTracker) Update(tracking.Frame) (tracking.BoundingBox, error) { return t.box, nil }
func (t *staticTracker) Close() error                                       { return nil }

type staticFactory struct{}

func (staticFactory) NewTracker(_ tracking.Frame, box tracking.BoundingBox) (tracking.Tracker, error) {
	return &staticTracker{box: box}, nil
}

type staticDetector struct {
	cands  []tracking.Candidate
	closed atomic.Bool
}

func (d *staticDetector) Scan(tracking.Frame) ([]tracking.Candidate, error) { return d.cands, nil }
func (d *staticDetector) Close() error {
	d.closed.Store(true)
	return nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []models.TrackMessage
}

func (p *recordingPublisher) PublishTrackEvent(_ context.Context, _ string, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, data.(models.TrackMessage))
	return nil
}

func (p *recordingPublisher) events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, m := range p.msgs {
		out = append(out, m.Event)
	}
	return out
}

type memorySnapshots struct {
	mu   sync.Mutex
	keys []string
}

func (s *memorySnapshots) PutObject(_ context.Context, key string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(data) == 0 || contentType != "image/jpeg" {
		return errors.New("bad snapshot")
	}
	s.keys = append(s.keys, key)
	return nil
}

type statusLog struct {
	mu       sync.Mutex
	statuses []models.SessionStatus
	last     string
}

func (l *statusLog) UpdateSessionStatus(_ context.Context, _ uuid.UUID, status models.SessionStatus, errMsg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, status)
	l.last = errMsg
	return nil
}

func (l *statusLog) seen() []models.SessionStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.SessionStatus(nil), l.statuses...)
}

func testConfig() *config.Config {
	return &config.Config{
		Tracking: config.TrackingConfig{Selection: "first", MaxSessions: 2, QueueSize: 8},
		Source:   config.SourceConfig{MaxRetries: 2, ReconnectDelay: time.Millisecond},
		Output:   config.OutputConfig{SnapshotQuality: 80, SignatureBins: 8},
	}
}

func TestRunnerPublishesAcquisition(t *testing.T) {
	det := &staticDetector{cands: []tracking.Candidate{{Box: tracking.Box(10, 10, 20, 20)}}}
	ctl := tracking.NewController(staticFactory{}, det, tracking.Options{AutoAcquire: true, Seed: 1})
	defer ctl.Close()

	pub := &recordingPublisher{}
	snaps := &memorySnapshots{}
	id := uuid.New()
	r := &Runner{
		ID:         id.String(),
		Controller: ctl,
		Sinks: []Sink{&EventSink{
			SessionID: id,
			Publisher: pub,
			Snapshots: snaps,
			Quality:   80,
			Bins:      8,
		}},
	}

	n, err := r.Run(context.Background(), &scriptedSource{frames: 5})
	require.NoError(t, err)
	require.EqualValues(t, 5, n)
	require.EqualValues(t, 5, ctl.FrameIndex())

	require.Equal(t, []string{"created"}, pub.events())
	msg := pub.msgs[0]
	require.Equal(t, id, msg.SessionID)
	require.EqualValues(t, 1, msg.Frame)
	require.Equal(t, [4]int{10, 10, 20, 20}, msg.Box)
	require.Empty(t, msg.From)
	require.Equal(t, "active", msg.To)
	require.Len(t, msg.Signature, 8)
	require.Equal(t, []string{msg.SnapshotKey}, snaps.keys)

	tracks := r.Tracks()
	require.Len(t, tracks, 1)
	require.Equal(t, tracking.Active, tracks[0].State)
}

func TestRunnerReturnsSourceError(t *testing.T) {
	boom := errors.New("decoder crashed")
	ctl := tracking.NewController(staticFactory{}, &staticDetector{}, tracking.Options{})
	r := &Runner{ID: "s", Controller: ctl}

	n, err := r.Run(context.Background(), &scriptedSource{frames: 2, err: boom})
	require.ErrorIs(t, err, boom)
	require.EqualValues(t, 2, n)
}

func TestRunnerStopsOnCancel(t *testing.T) {
	ctl := tracking.NewController(staticFactory{}, &staticDetector{}, tracking.Options{})
	r := &Runner{ID: "s", Controller: ctl}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Run(ctx, &scriptedSource{live: true})
	require.ErrorIs(t, err, context.Canceled)
}

func newTestManager(cfg *config.Config, open OpenFunc) (*Manager, *recordingPublisher, *statusLog, *staticDetector) {
	pub := &recordingPublisher{}
	status := &statusLog{}
	det := &staticDetector{}
	m := NewManager(cfg, Deps{
		Publisher: pub,
		Snapshots: &memorySnapshots{},
		Status:    status,
		Build: func(models.Command) (Components, error) {
			return Components{Factory: staticFactory{}, Detector: det, Title: "KCF"}, nil
		},
		Open: open,
	})
	return m, pub, status, det
}

func TestManagerSessionLifecycle(t *testing.T) {
	src := &scriptedSource{live: true}
	m, pub, status, det := newTestManager(testConfig(), func(context.Context, source.Options) (source.Source, error) {
		return src, nil
	})
	ctx := context.Background()
	id := uuid.NewString()

	require.NoError(t, m.HandleCommand(ctx, models.Command{Action: models.ActionStart, SessionID: id, URL: "0"}))
	require.Equal(t, 1, m.ActiveCount())

	box := [4]int{4, 4, 16, 16}
	require.NoError(t, m.HandleCommand(ctx, models.Command{Action: models.ActionAdd, SessionID: id, Box: &box}))
	require.Eventually(t, func() bool {
		tracks, err := m.Tracks(id)
		return err == nil && len(tracks) == 1
	}, time.Second, 5*time.Millisecond)

	tracks, err := m.Tracks(id)
	require.NoError(t, err)
	require.Equal(t, "kcf-1", tracks[0].Label)

	require.NoError(t, m.HandleCommand(ctx, models.Command{Action: models.ActionRemove, SessionID: id, TrackID: 1}))
	require.Eventually(t, func() bool {
		evs := pub.events()
		return len(evs) == 2 && evs[1] == "removed"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.HandleCommand(ctx, models.Command{Action: models.ActionStop, SessionID: id}))
	require.NoError(t, m.Wait(ctx, id))

	require.Zero(t, m.ActiveCount())
	require.True(t, src.closed.Load())
	require.True(t, det.closed.Load())
	require.Equal(t, []models.SessionStatus{
		models.SessionStatusStarting,
		models.SessionStatusRunning,
		models.SessionStatusStopped,
	}, status.seen())

	err = m.HandleCommand(ctx, models.Command{Action: models.ActionAcquire, SessionID: id})
	require.ErrorIs(t, err, ErrUnknownSession)
}

func TestManagerLimits(t *testing.T) {
	cfg := testConfig()
	cfg.Tracking.MaxSessions = 1
	m, _, _, _ := newTestManager(cfg, func(context.Context, source.Options) (source.Source, error) {
		return &scriptedSource{live: true}, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		m.StopAll(context.Background())
	}()

	id := uuid.NewString()
	require.NoError(t, m.HandleCommand(ctx, models.Command{Action: models.ActionStart, SessionID: id}))
	require.ErrorIs(t, m.HandleCommand(ctx, models.Command{Action: models.ActionStart, SessionID: id}), ErrSessionRunning)
	require.ErrorIs(t, m.HandleCommand(ctx, models.Command{Action: models.ActionStart, SessionID: uuid.NewString()}), ErrTooManySessions)

	require.Error(t, m.HandleCommand(ctx, models.Command{Action: models.ActionAdd, SessionID: id}))
	require.Error(t, m.HandleCommand(ctx, models.Command{Action: "pause", SessionID: id}))
	require.Error(t, m.HandleCommand(ctx, models.Command{Action: models.ActionStart, SessionID: uuid.NewString(), Source: "webrtc"}))
}

func TestManagerReopensFailingSource(t *testing.T) {
	var opens atomic.Int32
	m, _, status, _ := newTestManager(testConfig(), func(context.Context, source.Options) (source.Source, error) {
		if opens.Add(1) < 3 {
			return nil, errors.New("connection refused")
		}
		return &scriptedSource{frames: 3}, nil
	})
	ctx := context.Background()
	id := uuid.NewString()

	require.NoError(t, m.HandleCommand(ctx, models.Command{Action: models.ActionStart, SessionID: id}))
	require.NoError(t, m.Wait(ctx, id))

	require.EqualValues(t, 3, opens.Load())
	seen := status.seen()
	require.Equal(t, models.SessionStatusStopped, seen[len(seen)-1])
}

func TestManagerReopensAfterReadError(t *testing.T) {
	var opens atomic.Int32
	m, _, status, _ := newTestManager(testConfig(), func(context.Context, source.Options) (source.Source, error) {
		if opens.Add(1) == 1 {
			return &scriptedSource{frames: 4, err: source.ErrReadFailed}, nil
		}
		return &scriptedSource{frames: 2}, nil
	})
	ctx := context.Background()
	id := uuid.NewString()

	require.NoError(t, m.HandleCommand(ctx, models.Command{Action: models.ActionStart, SessionID: id, URL: "rtsp://camera.local/stream"}))
	require.NoError(t, m.Wait(ctx, id))

	require.EqualValues(t, 2, opens.Load())
	seen := status.seen()
	require.Equal(t, models.SessionStatusStopped, seen[len(seen)-1])
	require.NotContains(t, seen, models.SessionStatusError)
}

func TestManagerStopWhilePreparing(t *testing.T) {
	building := make(chan struct{})
	proceed := make(chan struct{})
	var (
		opens atomic.Int32
		once  sync.Once
	)
	status := &statusLog{}
	m := NewManager(testConfig(), Deps{
		Publisher: &recordingPublisher{},
		Snapshots: &memorySnapshots{},
		Status:    status,
		Build: func(models.Command) (Components, error) {
			once.Do(func() { close(building) })
			<-proceed
			return Components{Factory: staticFactory{}, Detector: &staticDetector{}, Title: "KCF"}, nil
		},
		Open: func(context.Context, source.Options) (source.Source, error) {
			opens.Add(1)
			return &scriptedSource{live: true}, nil
		},
	})
	ctx := context.Background()
	id := uuid.NewString()

	started := make(chan error, 1)
	go func() {
		started <- m.HandleCommand(ctx, models.Command{Action: models.ActionStart, SessionID: id})
	}()

	<-building
	require.NoError(t, m.HandleCommand(ctx, models.Command{Action: models.ActionStop, SessionID: id}))
	close(proceed)
	require.NoError(t, <-started)

	require.Zero(t, m.ActiveCount())
	require.Zero(t, opens.Load(), "source never opened")
	seen := status.seen()
	require.Equal(t, models.SessionStatusStopped, seen[len(seen)-1])
	require.NotContains(t, seen, models.SessionStatusRunning)

	// The id is free again.
	require.NoError(t, m.HandleCommand(ctx, models.Command{Action: models.ActionStart, SessionID: id}))
	require.Equal(t, 1, m.ActiveCount())
	require.NoError(t, m.HandleCommand(ctx, models.Command{Action: models.ActionStop, SessionID: id}))
	require.NoError(t, m.Wait(ctx, id))
}

func TestManagerGivesUpAfterRetries(t *testing.T) {
	var opens atomic.Int32
	m, _, status, _ := newTestManager(testConfig(), func(context.Context, source.Options) (source.Source, error) {
		opens.Add(1)
		return nil, errors.New("no route to host")
	})
	ctx := context.Background()
	id := uuid.NewString()

	require.NoError(t, m.HandleCommand(ctx, models.Command{Action: models.ActionStart, SessionID: id}))
	require.NoError(t, m.Wait(ctx, id))

	require.EqualValues(t, 3, opens.Load())
	seen := status.seen()
	require.Equal(t, models.SessionStatusError, seen[len(seen)-1])
	require.Contains(t, status.last, "no route to host")
}

func TestParseCommand(t *testing.T) {
	cmd, err := ParseCommand([]byte(`{"action":"add","session_id":"s1","box":[1,2,3,4],"label":"car"}`))
	require.NoError(t, err)
	require.Equal(t, models.ActionAdd, cmd.Action)
	require.Equal(t, &[4]int{1, 2, 3, 4}, cmd.Box)
	require.Equal(t, "car", cmd.Label)

	_, err = ParseCommand([]byte(`{`))
	require.Error(t, err)
}

func TestControllerOptions(t *testing.T) {
	opts, err := controllerOptions(config.TrackingConfig{Selection: "nearest", MaxEmptyScans: 4, AutoAcquire: true}, "csrt", nil)
	require.NoError(t, err)
	require.Equal(t, tracking.SelectNearest, opts.Selection)
	require.Equal(t, 4, opts.MaxEmptyScans)
	require.True(t, opts.AutoAcquire)
	require.Equal(t, "csrt", opts.LabelPrefix)

	_, err = controllerOptions(config.TrackingConfig{Selection: "random"}, "csrt", nil)
	require.Error(t, err)
}
