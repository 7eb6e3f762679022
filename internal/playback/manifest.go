// Package playback renders an incident's persisted chunks as an HLS
// playlist. It is read-only, side-effect free, and deterministic for a
// fixed chunk set.
package playback

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/aegisapp/aegis/internal/models"
)

// ContentType is the MIME type of a rendered playlist.
const ContentType = "application/vnd.apple.mpegurl"

// defaultTargetDuration is used when an incident has no chunks yet.
const defaultTargetDuration = 4

// Render builds the m3u8 playlist for one incident. Every segment is
// preceded by a discontinuity marker because chunks are independently
// transcoded and their internal timestamps restart at zero. A playlist
// for an ACTIVE incident is left open-ended; otherwise it is closed
// with an end marker.
func Render(status models.IncidentStatus, chunks []*models.Chunk) string {
	ordered := make([]*models.Chunk, len(chunks))
	copy(ordered, chunks)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].SequenceNo < ordered[j].SequenceNo
	})

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", targetDuration(ordered))
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	b.WriteString("#EXT-X-PLAYLIST-TYPE:EVENT\n")

	for _, chunk := range ordered {
		b.WriteString("#EXT-X-DISCONTINUITY\n")
		fmt.Fprintf(&b, "#EXTINF:%g,\n", chunk.Duration)
		b.WriteString(chunk.StoragePath)
		b.WriteString("\n")
	}

	if status != models.IncidentActive {
		b.WriteString("#EXT-X-ENDLIST\n")
	}

	return b.String()
}

// targetDuration is the ceiling of the longest segment, as the HLS spec
// requires.
func targetDuration(chunks []*models.Chunk) int {
	longest := 0.0
	for _, chunk := range chunks {
		if chunk.Duration > longest {
			longest = chunk.Duration
		}
	}
	if longest == 0 {
		return defaultTargetDuration
	}
	return int(math.Ceil(longest))
}
