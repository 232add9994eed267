package vision

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gocv.io/x/gocv"
	"gocv.io/x/gocv/contrib"

	"github.com/your-org/retrack/internal/algo"
	"github.com/your-org/retrack/internal/config"
	"github.com/your-org/retrack/internal/tracking"
)

// ErrMissingArtifact is returned when a tracker's model files are absent.
var ErrMissingArtifact = errors.New("missing model artifact")

const (
	goturnModelTxt = "goturn.prototxt"
	goturnModelBin = "goturn.caffemodel"
)

var goturnArtifacts = []string{goturnModelTxt, goturnModelBin}

// TrackerFactory builds initialised trackers of a single kind.
type TrackerFactory struct {
	kind algo.TrackerKind
	cfg  config.TrackerConfig
}

// NewTrackerFactory validates the configuration for kind. Model artifacts are
// checked here so a misconfigured worker fails at startup, not mid-stream.
func NewTrackerFactory(kind algo.TrackerKind, cfg config.TrackerConfig) (*TrackerFactory, error) {
	if kind.NeedsArtifacts() {
		if err := CheckArtifacts(cfg.ModelDir, goturnArtifacts...); err != nil {
			return nil, fmt.Errorf("tracker %s: %w", kind, err)
		}
	}
	if cfg.HistBins <= 0 {
		cfg.HistBins = 180
	}
	if cfg.MinFlowPoints <= 0 {
		cfg.MinFlowPoints = 4
	}
	return &TrackerFactory{kind: kind, cfg: cfg}, nil
}

func (f *TrackerFactory) Kind() algo.TrackerKind {
	return f.kind
}

func (f *TrackerFactory) NewTracker(fr tracking.Frame, box tracking.BoundingBox) (tracking.Tracker, error) {
	mat, err := matOf(fr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tracking.ErrInit, err)
	}

	switch f.kind {
	case algo.MeanShift, algo.CamShift:
		return newHistTracker(mat, box, f.kind == algo.CamShift, f.cfg.HistBins)
	case algo.OpticalFlow:
		return newFlowTracker(mat, box, f.cfg.MinFlowPoints)
	}

	t, err := newCVTracker(f.kind, f.cfg.ModelDir)
	if err != nil {
		return nil, err
	}
	if !t.Init(mat, box.Rect()) {
		_ = t.Close()
		return nil, fmt.Errorf("%w: %s refused region %v", tracking.ErrInit, f.kind, box)
	}
	return &cvTracker{kind: f.kind, t: t}, nil
}

func newCVTracker(kind algo.TrackerKind, modelDir string) (gocv.Tracker, error) {
	switch kind {
	case algo.MIL:
		return gocv.NewTrackerMIL(), nil
	case algo.KCF:
		return contrib.NewTrackerKCF(), nil
	case algo.CSRT:
		return contrib.NewTrackerCSRT(), nil
	case algo.GOTURN:
		return gocv.NewTrackerGOTURNWithParams(
			filepath.Join(modelDir, goturnModelBin),
			filepath.Join(modelDir, goturnModelTxt),
		), nil
	}
	return nil, fmt.Errorf("%w: %q", algo.ErrUnsupportedKind, kind)
}

// cvTracker adapts an OpenCV single-object tracker.
type cvTracker struct {
	kind algo.TrackerKind
	t    gocv.Tracker
}

func (c *cvTracker) Update(fr tracking.Frame) (tracking.BoundingBox, error) {
	mat, err := matOf(fr)
	if err != nil {
		return tracking.BoundingBox{}, fmt.Errorf("%w: %v", tracking.ErrTrackFailure, err)
	}
	rect, ok := c.t.Update(mat)
	if !ok {
		return tracking.BoundingBox{}, fmt.Errorf("%w: %s lost the object", tracking.ErrTrackFailure, c.kind)
	}
	return tracking.FromRect(rect), nil
}

func (c *cvTracker) Close() error {
	return c.t.Close()
}

// CheckArtifacts verifies that every named file exists under dir.
func CheckArtifacts(dir string, names ...string) error {
	for _, name := range names {
		path := filepath.Join(dir, name)
		st, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrMissingArtifact, path)
		}
		if st.IsDir() {
			return fmt.Errorf("%w: %s is a directory", ErrMissingArtifact, path)
		}
	}
	return nil
}
