// Package vision implements the tracker and detector contracts on top of
// OpenCV (gocv) and ONNX Runtime.
package vision

import (
	"errors"
	"fmt"
	"image"
	"time"

	"gocv.io/x/gocv"

	"github.com/your-org/retrack/internal/tracking"
)

var ErrNotMat = errors.New("frame has no image data")

// Frame is one decoded BGR frame. It satisfies tracking.Frame.
type Frame struct {
	Mat  gocv.Mat
	Seq  int64
	Time time.Time
}

func NewFrame(mat gocv.Mat, seq int64) *Frame {
	return &Frame{Mat: mat, Seq: seq, Time: time.Now()}
}

func (f *Frame) Size() (int, int) {
	return f.Mat.Cols(), f.Mat.Rows()
}

func (f *Frame) Close() error {
	return f.Mat.Close()
}

// Crop copies the region under box. The caller owns the result.
func (f *Frame) Crop(box tracking.BoundingBox) (gocv.Mat, error) {
	w, h := f.Size()
	box = box.Clamp(w, h)
	if !box.Valid() {
		return gocv.NewMat(), fmt.Errorf("crop %v: outside %dx%d frame", box, w, h)
	}
	region := f.Mat.Region(box.Rect())
	defer region.Close()
	return region.Clone(), nil
}

// matOf extracts the image behind a tracking.Frame.
func matOf(fr tracking.Frame) (gocv.Mat, error) {
	f, ok := fr.(*Frame)
	if !ok || f == nil || f.Mat.Empty() {
		return gocv.Mat{}, ErrNotMat
	}
	return f.Mat, nil
}

// clampRect keeps r inside a cols x rows image; Region panics otherwise.
func clampRect(r image.Rectangle, cols, rows int) image.Rectangle {
	return r.Intersect(image.Rect(0, 0, cols, rows))
}
