package source

import (
	"context"
	"fmt"
	"strings"

	"gocv.io/x/gocv"

	"github.com/your-org/retrack/internal/vision"
)

// CaptureSource reads frames through an OpenCV VideoCapture.
type CaptureSource struct {
	capture *gocv.VideoCapture
	seq     int64
	live    bool // device or network stream
}

// OpenCapture opens a video file or stream URL.
func OpenCapture(path string) (*CaptureSource, error) {
	capture, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("open capture %s: %w", path, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("open capture %s: not readable", path)
	}
	return &CaptureSource{capture: capture, live: isStreamURL(path)}, nil
}

// OpenDevice opens a local camera by index.
func OpenDevice(id int) (*CaptureSource, error) {
	capture, err := gocv.VideoCaptureDevice(id)
	if err != nil {
		return nil, fmt.Errorf("open device %d: %w", id, err)
	}
	capture.Set(gocv.VideoCaptureBufferSize, 1)
	return &CaptureSource{capture: capture, live: true}, nil
}

func (s *CaptureSource) Next(ctx context.Context) (*vision.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mat := gocv.NewMat()
	if ok := s.capture.Read(&mat); !ok || mat.Empty() {
		mat.Close()
		pos := s.capture.Get(gocv.VideoCapturePosFrames)
		count := s.capture.Get(gocv.VideoCaptureFrameCount)
		if exhausted(s.live, pos, count) {
			return nil, ErrEndOfStream
		}
		return nil, fmt.Errorf("capture frame %d: %w", s.seq+1, ErrReadFailed)
	}
	s.seq++
	return vision.NewFrame(mat, s.seq), nil
}

// exhausted decides whether a failed read ends the stream. Files end on any
// failed read. Live sources end only when a known frame count is used up.
func exhausted(live bool, pos, count float64) bool {
	if !live {
		return true
	}
	return count > 0 && pos >= count
}

func isStreamURL(path string) bool {
	scheme, _, ok := strings.Cut(path, "://")
	return ok && !strings.EqualFold(scheme, "file")
}

// FPS reports the container frame rate, or 0 when unknown.
func (s *CaptureSource) FPS() float64 {
	return s.capture.Get(gocv.VideoCaptureFPS)
}

func (s *CaptureSource) Close() error {
	return s.capture.Close()
}
