package vision

import (
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"

	"github.com/your-org/retrack/internal/tracking"
)

// Pixels too dark or too unsaturated carry no reliable hue and are masked out
// of the model histogram.
var (
	hueMaskLow  = gocv.NewScalar(0, 60, 32, 0)
	hueMaskHigh = gocv.NewScalar(180, 255, 255, 0)
)

// Mean-shift stops after shiftMaxIter moves or once a move is under
// shiftEpsilon pixels on both axes.
const (
	shiftMaxIter = 10
	shiftEpsilon = 1.0

	// camshiftMargin widens the window when CamShift measures the blob, so
	// it can grow.
	camshiftMargin = 10
)

// histTracker follows a hue histogram by mean-shift over the back-projection
// of each frame. With camshift set the window is also resized to the blob.
type histTracker struct {
	hist     gocv.Mat
	window   image.Rectangle
	camshift bool
}

func newHistTracker(mat gocv.Mat, box tracking.BoundingBox, camshift bool, bins int) (*histTracker, error) {
	rect := clampRect(box.Rect(), mat.Cols(), mat.Rows())
	if rect.Empty() {
		return nil, fmt.Errorf("%w: region %v outside frame", tracking.ErrInit, box)
	}

	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(mat, &hsv, gocv.ColorBGRToHSV)

	roi := hsv.Region(rect)
	defer roi.Close()

	mask := gocv.NewMat()
	defer mask.Close()
	gocv.InRangeWithScalar(roi, hueMaskLow, hueMaskHigh, &mask)
	if gocv.CountNonZero(mask) == 0 {
		return nil, fmt.Errorf("%w: region %v has no saturated pixels", tracking.ErrInit, box)
	}

	hist := gocv.NewMat()
	gocv.CalcHist([]gocv.Mat{roi}, []int{0}, mask, &hist, []int{bins}, []float64{0, 180}, false)
	gocv.Normalize(hist, &hist, 0, 255, gocv.NormMinMax)

	return &histTracker{hist: hist, window: rect, camshift: camshift}, nil
}

func (t *histTracker) Update(fr tracking.Frame) (tracking.BoundingBox, error) {
	mat, err := matOf(fr)
	if err != nil {
		return tracking.BoundingBox{}, fmt.Errorf("%w: %v", tracking.ErrTrackFailure, err)
	}
	cols, rows := mat.Cols(), mat.Rows()

	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(mat, &hsv, gocv.ColorBGRToHSV)

	back := gocv.NewMat()
	defer back.Close()
	gocv.CalcBackProject([]gocv.Mat{hsv}, []int{0}, t.hist, &back, []float64{0, 180}, false)

	win := clampRect(t.window, cols, rows)
	if win.Empty() {
		return tracking.BoundingBox{}, fmt.Errorf("%w: search window left the frame", tracking.ErrTrackFailure)
	}

	win, ok := meanShift(back, win)
	if !ok {
		return tracking.BoundingBox{}, fmt.Errorf("%w: no histogram mass under window", tracking.ErrTrackFailure)
	}
	if t.camshift {
		if win, ok = fitWindow(back, win); !ok {
			return tracking.BoundingBox{}, fmt.Errorf("%w: search window collapsed", tracking.ErrTrackFailure)
		}
	}

	t.window = win
	return tracking.FromRect(win), nil
}

func (t *histTracker) Close() error {
	return t.hist.Close()
}

// regionMoments returns the image moments of back inside r, which must lie
// within back.
func regionMoments(back gocv.Mat, r image.Rectangle) map[string]float64 {
	region := back.Region(r)
	defer region.Close()
	return gocv.Moments(region, false)
}

// meanShift moves win to the centroid of the back-projection under it until
// it settles. It reports false when the window holds no mass.
func meanShift(back gocv.Mat, win image.Rectangle) (image.Rectangle, bool) {
	cols, rows := back.Cols(), back.Rows()
	for i := 0; i < shiftMaxIter; i++ {
		m := regionMoments(back, win)
		if m["m00"] <= 0 {
			return win, false
		}
		dx := m["m10"]/m["m00"] - float64(win.Dx())/2
		dy := m["m01"]/m["m00"] - float64(win.Dy())/2
		win = shiftWithin(win, int(math.Round(dx)), int(math.Round(dy)), cols, rows)
		if math.Abs(dx) < shiftEpsilon && math.Abs(dy) < shiftEpsilon {
			break
		}
	}
	return win, regionMoments(back, win)["m00"] > 0
}

// fitWindow resizes win to the blob around it from the second-order
// moments. A uniform blob w pixels wide has variance w*w/12.
func fitWindow(back gocv.Mat, win image.Rectangle) (image.Rectangle, bool) {
	cols, rows := back.Cols(), back.Rows()
	search := clampRect(win.Inset(-camshiftMargin), cols, rows)
	m := regionMoments(back, search)
	if m["m00"] <= 0 {
		return win, false
	}

	cx := float64(search.Min.X) + m["m10"]/m["m00"]
	cy := float64(search.Min.Y) + m["m01"]/m["m00"]
	w := math.Sqrt(12 * m["mu20"] / m["m00"])
	h := math.Sqrt(12 * m["mu02"] / m["m00"])
	if w < 1 || h < 1 {
		return win, false
	}

	x0 := int(math.Round(cx - w/2))
	y0 := int(math.Round(cy - h/2))
	fit := clampRect(image.Rect(x0, y0, x0+int(math.Round(w)), y0+int(math.Round(h))), cols, rows)
	return fit, !fit.Empty()
}

// shiftWithin moves r by dx, dy and keeps it inside a cols x rows image
// without changing its size.
func shiftWithin(r image.Rectangle, dx, dy, cols, rows int) image.Rectangle {
	r = r.Add(image.Pt(dx, dy))
	if r.Min.X < 0 {
		r = r.Add(image.Pt(-r.Min.X, 0))
	}
	if r.Min.Y < 0 {
		r = r.Add(image.Pt(0, -r.Min.Y))
	}
	if r.Max.X > cols {
		r = r.Add(image.Pt(cols-r.Max.X, 0))
	}
	if r.Max.Y > rows {
		r = r.Add(image.Pt(0, rows-r.Max.Y))
	}
	return clampRect(r, cols, rows)
}
