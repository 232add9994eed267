package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/your-org/retrack/internal/vision"
)

const maxJPEGSize = 10 * 1024 * 1024

// FFmpegSource decodes a stream with an ffmpeg child process that writes
// concatenated JPEG images to its stdout.
type FFmpegSource struct {
	frames chan []byte
	cancel context.CancelFunc
	done   chan struct{}
	seq    int64

	mu  sync.Mutex
	err error
}

// StartFFmpeg launches ffmpeg on streamURL. fps and width of 0 keep the
// source values.
func StartFFmpeg(ctx context.Context, streamURL string, fps, width int) *FFmpegSource {
	ctx, cancel := context.WithCancel(ctx)
	s := &FFmpegSource{
		frames: make(chan []byte, 4),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ctx, streamURL, fps, width)
	return s
}

func ffmpegArgs(streamURL string, fps, width int) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
	}

	if strings.HasPrefix(streamURL, "rtsp://") || strings.HasPrefix(streamURL, "rtsps://") {
		args = append(args,
			"-rtsp_transport", "tcp",
			"-timeout", "5000000", // microseconds
		)
	} else if strings.HasPrefix(streamURL, "http://") || strings.HasPrefix(streamURL, "https://") {
		args = append(args,
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", "5",
			"-timeout", "10000000",
		)
	}

	args = append(args, "-i", streamURL)

	var filters []string
	if fps > 0 {
		filters = append(filters, fmt.Sprintf("fps=%d", fps))
	}
	if width > 0 {
		filters = append(filters, fmt.Sprintf("scale=%d:-2", width))
	}
	if len(filters) > 0 {
		args = append(args, "-vf", strings.Join(filters, ","))
	}

	return append(args,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "3",
		"pipe:1",
	)
}

func (s *FFmpegSource) run(ctx context.Context, streamURL string, fps, width int) {
	defer close(s.done)
	defer close(s.frames)

	cmd := exec.CommandContext(ctx, "ffmpeg", ffmpegArgs(streamURL, fps, width)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.fail(fmt.Errorf("ffmpeg stdout pipe: %w", err))
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.fail(fmt.Errorf("ffmpeg stderr pipe: %w", err))
		return
	}
	if err := cmd.Start(); err != nil {
		s.fail(fmt.Errorf("start ffmpeg: %w", err))
		return
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			slog.Warn("ffmpeg stderr", "output", scanner.Text())
		}
	}()

	err = readJPEGFrames(ctx, stdout, func(frame []byte) error {
		select {
		case s.frames <- frame:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	waitErr := cmd.Wait()

	switch {
	case ctx.Err() != nil:
	case err != nil:
		s.fail(fmt.Errorf("read frames: %w", err))
	case waitErr != nil:
		s.fail(fmt.Errorf("ffmpeg exited: %w", waitErr))
	}
}

func (s *FFmpegSource) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Next blocks until the next frame is decoded. A stream that ends cleanly
// yields ErrEndOfStream; an ffmpeg failure is returned as is.
func (s *FFmpegSource) Next(ctx context.Context) (*vision.Frame, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case data, ok := <-s.frames:
			if !ok {
				s.mu.Lock()
				err := s.err
				s.mu.Unlock()
				if err != nil {
					return nil, err
				}
				return nil, ErrEndOfStream
			}
			s.seq++
			frame, err := vision.DecodeJPEG(data, s.seq)
			if err != nil {
				slog.Warn("dropping undecodable frame", "seq", s.seq, "error", err)
				continue
			}
			return frame, nil
		}
	}
}

func (s *FFmpegSource) Close() error {
	s.cancel()
	<-s.done
	return nil
}

// readJPEGFrames reads a stream of concatenated JPEG images.
// Tolerates initial EOF while ffmpeg is still connecting (up to 5 seconds).
// A callback error stops reading and is returned.
func readJPEGFrames(ctx context.Context, r io.Reader, callback func([]byte) error) error {
	reader := bufio.NewReaderSize(r, 512*1024)
	framesRead := 0
	const maxStartupRetries = 50 // 50 * 100ms
	startupRetries := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := findJPEGStart(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				if framesRead == 0 && startupRetries < maxStartupRetries {
					startupRetries++
					time.Sleep(100 * time.Millisecond)
					continue
				}
				if framesRead > 0 {
					return nil
				}
				return fmt.Errorf("no frames received from ffmpeg (waited %.1fs)", float64(startupRetries)*0.1)
			}
			return err
		}

		frameData, err := readUntilJPEGEnd(reader)
		if err != nil {
			if errors.Is(err, io.EOF) && framesRead > 0 {
				return nil // ended mid-frame
			}
			return err
		}

		framesRead++
		if err := callback(frameData); err != nil {
			return err
		}
	}
}

func findJPEGStart(r *bufio.Reader) error {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		if b != 0xFF {
			continue
		}
		b, err = r.ReadByte()
		if err != nil {
			return err
		}
		if b == 0xD8 {
			return nil
		}
		if b == 0xFF {
			_ = r.UnreadByte()
		}
	}
}

func readUntilJPEGEnd(r *bufio.Reader) ([]byte, error) {
	data := []byte{0xFF, 0xD8}

	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		data = append(data, b)

		for b == 0xFF {
			b, err = r.ReadByte()
			if err != nil {
				return nil, err
			}
			data = append(data, b)
			if b == 0xD9 {
				return data, nil
			}
		}

		if len(data) > maxJPEGSize {
			return nil, fmt.Errorf("jpeg frame too large: %d bytes", len(data))
		}
	}
}
