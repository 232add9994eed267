package vision

import (
	"fmt"

	"github.com/your-org/retrack/internal/algo"
	"github.com/your-org/retrack/internal/config"
	"github.com/your-org/retrack/internal/tracking"
)

// Detector is a tracking.Detector holding native resources.
type Detector interface {
	tracking.Detector
	Close() error
}

// NewDetector loads the detector named by kind. A detector that cannot be
// loaded is a configuration error.
func NewDetector(kind algo.DetectorKind, cfg config.DetectorConfig) (Detector, error) {
	switch kind {
	case algo.Cascade:
		d, err := NewCascadeDetector(cfg)
		if err != nil {
			return nil, err
		}
		return d, nil
	case algo.RetinaFace:
		d, err := NewRetinaFaceDetector(cfg)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	return nil, fmt.Errorf("%w: detector %q", algo.ErrUnsupportedKind, kind)
}
