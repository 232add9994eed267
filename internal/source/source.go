// Package source produces decoded frames from files, capture devices and
// network streams.
package source

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/your-org/retrack/internal/vision"
)

var (
	// ErrEndOfStream is returned by Next once the source is exhausted.
	ErrEndOfStream = errors.New("end of stream")
	// ErrReadFailed is returned by Next when a live source stops delivering
	// frames. The source may be reopened.
	ErrReadFailed = errors.New("frame read failed")
)

// Source yields frames in capture order. Frames are owned by the caller.
type Source interface {
	Next(ctx context.Context) (*vision.Frame, error)
	Close() error
}

type Kind string

const (
	// Capture opens a file, a device index or a URL through OpenCV.
	Capture Kind = "capture"
	// FFmpeg pipes MJPEG frames out of an ffmpeg process.
	FFmpeg Kind = "ffmpeg"
	// YouTube resolves a watch URL with yt-dlp and reads it through ffmpeg.
	YouTube Kind = "youtube"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case Capture, FFmpeg, YouTube:
		return k, nil
	case "":
		return Capture, nil
	}
	return "", fmt.Errorf("unknown source kind %q", s)
}

type Options struct {
	Kind  Kind
	URL   string // file path, device index or stream URL
	FPS   int    // ffmpeg only; 0 keeps the stream rate
	Width int    // ffmpeg only; 0 keeps the stream width
}

// Open starts the source described by opts.
func Open(ctx context.Context, opts Options) (Source, error) {
	switch opts.Kind {
	case Capture, "":
		if id, err := strconv.Atoi(opts.URL); err == nil {
			return OpenDevice(id)
		}
		return OpenCapture(opts.URL)
	case FFmpeg:
		return StartFFmpeg(ctx, opts.URL, opts.FPS, opts.Width), nil
	case YouTube:
		direct, err := ResolveYouTubeURL(ctx, opts.URL)
		if err != nil {
			return nil, fmt.Errorf("resolve youtube url: %w", err)
		}
		return StartFFmpeg(ctx, direct, opts.FPS, opts.Width), nil
	}
	return nil, fmt.Errorf("unknown source kind %q", opts.Kind)
}
