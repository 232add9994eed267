package source

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func jpeg(body ...byte) []byte {
	out := []byte{0xFF, 0xD8}
	out = append(out, body...)
	return append(out, 0xFF, 0xD9)
}

func TestReadJPEGFramesSplitsStream(t *testing.T) {
	var stream bytes.Buffer
	stream.Write([]byte{0x00, 0x13})
	stream.Write(jpeg(1, 2, 3))
	stream.Write([]byte{0xFF, 0x00})
	stream.Write(jpeg(0xFF, 0x00, 4))

	var frames [][]byte
	err := readJPEGFrames(context.Background(), &stream, func(b []byte) error {
		frames = append(frames, b)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, frames, 2)
	require.Equal(t, jpeg(1, 2, 3), frames[0])
	require.Equal(t, jpeg(0xFF, 0x00, 4), frames[1])
}

func TestReadJPEGFramesStopsOnCallbackError(t *testing.T) {
	stop := errors.New("stop")
	stream := bytes.NewReader(append(jpeg(1), jpeg(2)...))

	calls := 0
	err := readJPEGFrames(context.Background(), stream, func([]byte) error {
		calls++
		return stop
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 1, calls)
}

func TestReadJPEGFramesTruncatedTail(t *testing.T) {
	stream := bytes.NewReader(append(jpeg(7), 0xFF, 0xD8, 1, 2))

	calls := 0
	err := readJPEGFrames(context.Background(), stream, func([]byte) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestReadJPEGFramesCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := readJPEGFrames(ctx, bytes.NewReader(jpeg(1)), func([]byte) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}

func TestFFmpegArgs(t *testing.T) {
	args := ffmpegArgs("rtsp://cam/1", 10, 640)
	require.Contains(t, args, "-rtsp_transport")
	require.Contains(t, args, "fps=10,scale=640:-2")
	require.Equal(t, "pipe:1", args[len(args)-1])

	args = ffmpegArgs("/tmp/clip.mp4", 0, 0)
	require.NotContains(t, args, "-vf")
	require.NotContains(t, args, "-reconnect")
}

func TestFirstURL(t *testing.T) {
	url, err := firstURL("https://video.example/v\nhttps://video.example/a\n")
	require.NoError(t, err)
	require.Equal(t, "https://video.example/v", url)

	_, err = firstURL("  \n")
	require.Error(t, err)
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{
		"":         Capture,
		"capture":  Capture,
		" FFmpeg ": FFmpeg,
		"youtube":  YouTube,
	} {
		got, err := ParseKind(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got)
	}
	_, err := ParseKind("webrtc")
	require.Error(t, err)
}

func TestCaptureReadFailure(t *testing.T) {
	require.True(t, exhausted(false, 0, 0), "files end on any failed read")
	require.True(t, exhausted(true, 120, 120))
	require.False(t, exhausted(true, 0, 0), "live stream without a frame count")
	require.False(t, exhausted(true, 40, 120))

	require.True(t, isStreamURL("rtsp://camera.local/stream"))
	require.True(t, isStreamURL("https://example.com/live.m3u8"))
	require.False(t, isStreamURL("file:///videos/clip.mp4"))
	require.False(t, isStreamURL("/videos/clip.mp4"))
}
