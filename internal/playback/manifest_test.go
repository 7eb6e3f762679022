package playback

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aegisapp/aegis/internal/models"
)

func chunk(seq int, duration float64) *models.Chunk {
	return &models.Chunk{
		IncidentID:  "inc-1",
		SequenceNo:  seq,
		Duration:    duration,
		StoragePath: "http://store.local/incidents/inc-1/" + string(rune('0'+seq)) + ".ts",
	}
}

func TestRenderEndedIncident(t *testing.T) {
	chunks := []*models.Chunk{
		{SequenceNo: 0, Duration: 4, StoragePath: "http://store.local/incidents/inc-1/0.ts"},
		{SequenceNo: 1, Duration: 3.5, StoragePath: "http://store.local/incidents/inc-1/1.ts"},
	}

	want := strings.Join([]string{
		"#EXTM3U",
		"#EXT-X-VERSION:3",
		"#EXT-X-TARGETDURATION:4",
		"#EXT-X-MEDIA-SEQUENCE:0",
		"#EXT-X-PLAYLIST-TYPE:EVENT",
		"#EXT-X-DISCONTINUITY",
		"#EXTINF:4,",
		"http://store.local/incidents/inc-1/0.ts",
		"#EXT-X-DISCONTINUITY",
		"#EXTINF:3.5,",
		"http://store.local/incidents/inc-1/1.ts",
		"#EXT-X-ENDLIST",
		"",
	}, "\n")

	assert.Equal(t, want, Render(models.IncidentEnded, chunks))
}

func TestRenderActiveStaysOpen(t *testing.T) {
	out := Render(models.IncidentActive, []*models.Chunk{chunk(0, 4)})
	assert.NotContains(t, out, "#EXT-X-ENDLIST")
}

func TestRenderNonActiveStatusesAreClosed(t *testing.T) {
	for _, status := range []models.IncidentStatus{
		models.IncidentEnded,
		models.IncidentPendingDeletion,
		models.IncidentSoftDeleted,
	} {
		out := Render(status, nil)
		assert.True(t, strings.HasSuffix(out, "#EXT-X-ENDLIST\n"), "status %s", status)
	}
}

func TestRenderSortsBySequence(t *testing.T) {
	out := Render(models.IncidentEnded, []*models.Chunk{chunk(2, 4), chunk(0, 4), chunk(1, 4)})

	first := strings.Index(out, "/0.ts")
	second := strings.Index(out, "/1.ts")
	third := strings.Index(out, "/2.ts")
	assert.True(t, first < second && second < third, "segments must appear in sequence order")
}

func TestRenderDiscontinuityPerSegment(t *testing.T) {
	out := Render(models.IncidentActive, []*models.Chunk{chunk(0, 4), chunk(1, 4), chunk(2, 4)})
	assert.Equal(t, 3, strings.Count(out, "#EXT-X-DISCONTINUITY"))
}

func TestRenderTargetDuration(t *testing.T) {
	tests := []struct {
		name   string
		chunks []*models.Chunk
		want   string
	}{
		{"empty playlist defaults to 4", nil, "#EXT-X-TARGETDURATION:4"},
		{"ceiling of longest segment", []*models.Chunk{chunk(0, 2.2), chunk(1, 5.1)}, "#EXT-X-TARGETDURATION:6"},
		{"whole seconds unchanged", []*models.Chunk{chunk(0, 3)}, "#EXT-X-TARGETDURATION:3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, Render(models.IncidentActive, tt.chunks), tt.want)
		})
	}
}

func TestRenderDoesNotMutateInput(t *testing.T) {
	chunks := []*models.Chunk{chunk(1, 4), chunk(0, 4)}
	Render(models.IncidentEnded, chunks)
	assert.Equal(t, 1, chunks[0].SequenceNo, "caller's slice order must be preserved")
}
