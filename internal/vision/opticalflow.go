package vision

import (
	"fmt"
	"image"
	"math"
	"sort"

	"gocv.io/x/gocv"

	"github.com/your-org/retrack/internal/tracking"
)

// Shi-Tomasi corner and Lucas-Kanade parameters.
const (
	flowMaxCorners  = 100
	flowQuality     = 0.3
	flowMinDistance = 7

	flowWindow   = 15
	flowMaxLevel = 2
	flowMinEig   = 1e-4
)

type point struct {
	x, y float32
}

// flowTracker follows sparse corners inside the box with pyramidal
// Lucas-Kanade and moves the box by their median displacement.
type flowTracker struct {
	prev      gocv.Mat // grayscale
	points    []point
	box       tracking.BoundingBox
	minPoints int
}

func newFlowTracker(mat gocv.Mat, box tracking.BoundingBox, minPoints int) (*flowTracker, error) {
	rect := clampRect(box.Rect(), mat.Cols(), mat.Rows())
	if rect.Empty() {
		return nil, fmt.Errorf("%w: region %v outside frame", tracking.ErrInit, box)
	}

	gray := gocv.NewMat()
	gocv.CvtColor(mat, &gray, gocv.ColorBGRToGray)

	roi := gray.Region(rect)
	corners := gocv.NewMat()
	gocv.GoodFeaturesToTrack(roi, &corners, flowMaxCorners, flowQuality, flowMinDistance)
	roi.Close()

	pts := make([]point, 0, corners.Rows())
	for i := 0; i < corners.Rows(); i++ {
		v := corners.GetVecfAt(i, 0)
		pts = append(pts, point{x: v[0] + float32(rect.Min.X), y: v[1] + float32(rect.Min.Y)})
	}
	corners.Close()

	if len(pts) < minPoints {
		gray.Close()
		return nil, fmt.Errorf("%w: %d corners in %v, need %d", tracking.ErrInit, len(pts), box, minPoints)
	}

	return &flowTracker{
		prev:      gray,
		points:    pts,
		box:       tracking.FromRect(rect),
		minPoints: minPoints,
	}, nil
}

func (t *flowTracker) Update(fr tracking.Frame) (tracking.BoundingBox, error) {
	mat, err := matOf(fr)
	if err != nil {
		return tracking.BoundingBox{}, fmt.Errorf("%w: %v", tracking.ErrTrackFailure, err)
	}

	gray := gocv.NewMat()
	gocv.CvtColor(mat, &gray, gocv.ColorBGRToGray)

	prevPts := pointsMat(t.points)
	defer prevPts.Close()
	nextPts := gocv.NewMat()
	defer nextPts.Close()
	status := gocv.NewMat()
	defer status.Close()
	errMat := gocv.NewMat()
	defer errMat.Close()

	gocv.CalcOpticalFlowPyrLKWithParams(t.prev, gray, prevPts, nextPts, &status, &errMat,
		image.Pt(flowWindow, flowWindow), flowMaxLevel,
		gocv.NewTermCriteria(gocv.Count|gocv.EPS, 10, 0.03), 0, flowMinEig)

	var (
		survivors []point
		dxs, dys  []float64
	)
	for i := 0; i < status.Rows() && i < len(t.points); i++ {
		if status.GetUCharAt(i, 0) != 1 {
			continue
		}
		v := nextPts.GetVecfAt(i, 0)
		p := point{x: v[0], y: v[1]}
		survivors = append(survivors, p)
		dxs = append(dxs, float64(p.x-t.points[i].x))
		dys = append(dys, float64(p.y-t.points[i].y))
	}

	t.prev.Close()
	t.prev = gray

	if len(survivors) < t.minPoints {
		return tracking.BoundingBox{}, fmt.Errorf("%w: %d flow points survived, need %d",
			tracking.ErrTrackFailure, len(survivors), t.minPoints)
	}

	t.points = survivors
	t.box.X += int(math.Round(median(dxs)))
	t.box.Y += int(math.Round(median(dys)))
	return t.box, nil
}

func (t *flowTracker) Close() error {
	return t.prev.Close()
}

// pointsMat packs points into the N x 1 CV_32FC2 layout LK expects.
func pointsMat(pts []point) gocv.Mat {
	cv := make([]gocv.Point2f, len(pts))
	for i, p := range pts {
		cv[i] = gocv.Point2f{X: p.x, Y: p.y}
	}
	vec := gocv.NewPoint2fVectorFromPoints(cv)
	defer vec.Close()
	return gocv.NewMatFromPoint2fVector(vec, true)
}

func median(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
