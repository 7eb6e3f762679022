// Package transcode converts raw recorder output (WebM) into
// streaming-friendly MPEG-TS segments.
package transcode

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/aegisapp/aegis/internal/models"
)

// Transcoder converts one input file into one MPEG-TS output file.
type Transcoder interface {
	Transcode(ctx context.Context, inputPath, outputPath string) error
}

// FFmpeg shells out to the ffmpeg binary. Every chunk is transcoded
// independently, so internal timestamps restart at zero per segment.
type FFmpeg struct {
	Path    string
	Timeout time.Duration
}

// NewFFmpeg creates an ffmpeg transcoder with a per-chunk deadline.
func NewFFmpeg(path string, timeout time.Duration) *FFmpeg {
	return &FFmpeg{Path: path, Timeout: timeout}
}

// Transcode runs ffmpeg bounded by the configured timeout. Failures are
// classified as models.ErrTransient: the whole chunk submission is safe
// to retry.
func (f *FFmpeg) Transcode(ctx context.Context, inputPath, outputPath string) error {
	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.Path,
		"-y",
		"-i", inputPath,
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-c:a", "aac",
		"-f", "mpegts",
		outputPath,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: ffmpeg: %v: %s", models.ErrTransient, err, lastLine(&stderr))
	}
	return nil
}

// lastLine extracts ffmpeg's final stderr line, which carries the
// actual failure reason under the banner noise.
func lastLine(buf *bytes.Buffer) string {
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
