package source

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ResolveYouTubeURL uses yt-dlp to get the direct stream URL from a YouTube link.
// Direct URLs expire, so reconnects resolve again.
func ResolveYouTubeURL(ctx context.Context, youtubeURL string) (string, error) {
	cmd := exec.CommandContext(ctx, "yt-dlp",
		"--get-url",
		"--format", "best[height<=1080]",
		"--no-playlist",
		youtubeURL,
	)

	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("yt-dlp failed: %w", err)
	}
	return firstURL(string(output))
}

// firstURL picks the video URL when yt-dlp prints separate video and audio lines.
func firstURL(output string) (string, error) {
	url := strings.TrimSpace(strings.SplitN(strings.TrimSpace(output), "\n", 2)[0])
	if url == "" {
		return "", fmt.Errorf("yt-dlp returned empty URL")
	}
	return url, nil
}
