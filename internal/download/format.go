package download

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kjmarlow/hoard/internal/extractor"
)

// ResolveFormatSelector maps a job's requested quality onto an extractor
// format selector. The generic tiers resolve to height-capped selections;
// anything else is assumed to be an extractor-specific format token and is
// passed through untouched. Audio-only jobs ignore the video component of
// the tier entirely.
func ResolveFormatSelector(job *Job) extractor.FormatSelector {
	if job.AudioOnly {
		return extractor.FormatSelector{Format: "bestaudio/best", AudioOnly: true}
	}

	quality := strings.TrimSpace(job.RequestedQuality)
	switch quality {
	case "", "best":
		return extractor.FormatSelector{Format: "bestvideo+bestaudio/best"}
	case "worst":
		return extractor.FormatSelector{Format: "worstvideo+worstaudio/worst"}
	}

	if height, ok := tierHeight(quality); ok {
		return extractor.FormatSelector{
			Format: fmt.Sprintf("bestvideo[height<=%d]+bestaudio/best[height<=%d]", height, height),
		}
	}

	// Opaque extractor format token, e.g. "137+140".
	return extractor.FormatSelector{Format: quality}
}

func tierHeight(quality string) (int, bool) {
	if !strings.HasSuffix(quality, "p") {
		return 0, false
	}

	height, err := strconv.Atoi(strings.TrimSuffix(quality, "p"))
	if err != nil || height <= 0 {
		return 0, false
	}

	return height, true
}
