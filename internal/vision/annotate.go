package vision

import (
	"fmt"
	"image"
	"image/color"
	"time"

	"gocv.io/x/gocv"

	"github.com/your-org/retrack/internal/tracking"
)

var (
	statusColor  = color.RGBA{R: 0, G: 0, B: 255, A: 255}
	overlayColor = color.RGBA{R: 50, G: 170, B: 50, A: 255}
)

// Annotator draws track boxes onto frames and optionally writes them to a
// video file. The writer is opened on the first frame, once its size is known.
type Annotator struct {
	path   string
	codec  string
	fps    float64
	title  string
	writer *gocv.VideoWriter
	last   time.Time
}

// NewAnnotator returns an annotator writing to path. An empty path draws
// without writing.
func NewAnnotator(path, codec string, fps float64, title string) *Annotator {
	return &Annotator{path: path, codec: codec, fps: fps, title: title}
}

// Render draws every track onto f in place and appends it to the video.
func (a *Annotator) Render(f *Frame, tracks []tracking.View) error {
	now := time.Now()
	var fps float64
	if !a.last.IsZero() {
		if dt := now.Sub(a.last).Seconds(); dt > 0 {
			fps = 1 / dt
		}
	}
	a.last = now

	Draw(&f.Mat, tracks)
	gocv.PutText(&f.Mat, a.title+" Tracker", image.Pt(100, 20), gocv.FontHersheySimplex, 0.75, overlayColor, 2)
	gocv.PutText(&f.Mat, fmt.Sprintf("FPS : %d", int(fps)), image.Pt(100, 50), gocv.FontHersheySimplex, 0.75, overlayColor, 2)

	if a.path == "" {
		return nil
	}
	if a.writer == nil {
		w, err := gocv.VideoWriterFile(a.path, a.codec, a.fps, f.Mat.Cols(), f.Mat.Rows(), true)
		if err != nil {
			return fmt.Errorf("open video writer %s: %w", a.path, err)
		}
		a.writer = w
	}
	if err := a.writer.Write(f.Mat); err != nil {
		return fmt.Errorf("write frame %d: %w", f.Seq, err)
	}
	return nil
}

func (a *Annotator) Close() error {
	if a.writer == nil {
		return nil
	}
	err := a.writer.Close()
	a.writer = nil
	return err
}

// Draw paints tracked boxes in their colour. Boxes held while a track is
// lost are drawn thin with their state.
func Draw(mat *gocv.Mat, tracks []tracking.View) {
	failing := false
	for _, v := range tracks {
		thickness := 2
		label := v.Label
		if v.State != tracking.Active {
			thickness = 1
			label = fmt.Sprintf("%s (%s)", v.Label, v.State)
			failing = true
		}
		gocv.Rectangle(mat, v.Box.Rect(), v.Color, thickness)
		gocv.PutText(mat, label, image.Pt(v.Box.X, max(v.Box.Y-6, 12)), gocv.FontHersheySimplex, 0.5, v.Color, 1)
	}
	if failing {
		gocv.PutText(mat, "Tracking failure detected", image.Pt(100, 80), gocv.FontHersheySimplex, 0.75, statusColor, 2)
	}
}

// EncodeJPEG encodes a region of f for snapshot storage.
func EncodeJPEG(f *Frame, box tracking.BoundingBox, quality int) ([]byte, error) {
	crop, err := f.Crop(box)
	if err != nil {
		return nil, err
	}
	defer crop.Close()

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, crop, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}

// DecodeJPEG decodes an encoded image into a frame.
func DecodeJPEG(data []byte, seq int64) (*Frame, error) {
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("decode jpeg: %w", err)
	}
	if mat.Empty() {
		mat.Close()
		return nil, fmt.Errorf("decode jpeg: empty image")
	}
	return NewFrame(mat, seq), nil
}
