package vision

import (
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"

	"github.com/your-org/retrack/internal/config"
	"github.com/your-org/retrack/internal/tracking"
)

// CascadeDetector runs a Haar or LBP cascade over the whole frame.
type CascadeDetector struct {
	mu           sync.Mutex
	classifier   gocv.CascadeClassifier
	scaleFactor  float64
	minNeighbors int
	minSize      image.Point
}

func NewCascadeDetector(cfg config.DetectorConfig) (*CascadeDetector, error) {
	if err := CheckArtifacts("", cfg.CascadePath); err != nil {
		return nil, fmt.Errorf("load cascade: %w", err)
	}
	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(cfg.CascadePath) {
		classifier.Close()
		return nil, fmt.Errorf("load cascade %s: not a valid classifier file", cfg.CascadePath)
	}
	return &CascadeDetector{
		classifier:   classifier,
		scaleFactor:  cfg.ScaleFactor,
		minNeighbors: cfg.MinNeighbors,
		minSize:      image.Pt(cfg.MinSize, cfg.MinSize),
	}, nil
}

// Scan returns unscored candidates in the classifier's output order.
func (d *CascadeDetector) Scan(fr tracking.Frame) ([]tracking.Candidate, error) {
	mat, err := matOf(fr)
	if err != nil {
		return nil, fmt.Errorf("cascade scan: %w", err)
	}

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(mat, &gray, gocv.ColorBGRToGray)
	gocv.EqualizeHist(gray, &gray)

	d.mu.Lock()
	rects := d.classifier.DetectMultiScaleWithParams(gray, d.scaleFactor, d.minNeighbors, 0, d.minSize, image.Point{})
	d.mu.Unlock()

	cands := make([]tracking.Candidate, 0, len(rects))
	for _, r := range rects {
		cands = append(cands, tracking.Candidate{Box: tracking.FromRect(r)})
	}
	return cands, nil
}

func (d *CascadeDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.classifier.Close()
}
