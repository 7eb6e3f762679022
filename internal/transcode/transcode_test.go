package transcode

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aegisapp/aegis/internal/models"
)

func TestTranscodeMissingBinaryIsTransient(t *testing.T) {
	dir := t.TempDir()
	f := NewFFmpeg(filepath.Join(dir, "no-such-ffmpeg"), time.Second)

	err := f.Transcode(context.Background(), filepath.Join(dir, "in.webm"), filepath.Join(dir, "out.ts"))
	assert.ErrorIs(t, err, models.ErrTransient, "a failed transcode must be retryable")
}

func TestLastLine(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"single line", "boom", "boom"},
		{"picks final line", "banner\nprogress\nConversion failed!\n", "Conversion failed!"},
		{"trims whitespace", "banner\n  error here  \n", "error here"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, lastLine(bytes.NewBufferString(tt.in)))
		})
	}
}
