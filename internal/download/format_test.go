package download

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_ResolveFormatSelector(t *testing.T) {
	tests := []struct {
		name           string
		quality        string
		audioOnly      bool
		expectedFormat string
	}{
		{name: "best", quality: "best", expectedFormat: "bestvideo+bestaudio/best"},
		{name: "empty defaults to best", quality: "", expectedFormat: "bestvideo+bestaudio/best"},
		{name: "worst", quality: "worst", expectedFormat: "worstvideo+worstaudio/worst"},
		{name: "720p caps height", quality: "720p", expectedFormat: "bestvideo[height<=720]+bestaudio/best[height<=720]"},
		{name: "2160p caps height", quality: "2160p", expectedFormat: "bestvideo[height<=2160]+bestaudio/best[height<=2160]"},
		{name: "opaque format token passes through", quality: "137+140", expectedFormat: "137+140"},
		{name: "malformed tier passes through", quality: "notarealp", expectedFormat: "notarealp"},
		{name: "audio only ignores quality", quality: "1080p", audioOnly: true, expectedFormat: "bestaudio/best"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			job := &Job{RequestedQuality: test.quality, AudioOnly: test.audioOnly}
			selector := ResolveFormatSelector(job)

			assert.Equal(t, test.expectedFormat, selector.Format)
			assert.Equal(t, test.audioOnly, selector.AudioOnly)
		})
	}
}

func Test_Truncate_NeverSplitsRunes(t *testing.T) {
	assert.Equal(t, "héllo", truncate("héllo", 10))
	assert.Equal(t, "abc", truncate("abcdef", 3))

	// 'é' occupies two bytes; a cut landing inside it backs off to the
	// previous rune boundary.
	assert.Equal(t, "h", truncate("héllo", 2))
	assert.Equal(t, "日本", truncate("日本語", 8))
	assert.Equal(t, "日本", truncate("日本語", 7))
	assert.Equal(t, "", truncate("語", 2))
}

func Test_IsGenericQuality(t *testing.T) {
	assert.True(t, IsGenericQuality("best"))
	assert.True(t, IsGenericQuality("1080p"))
	assert.False(t, IsGenericQuality("137+140"))
	assert.False(t, IsGenericQuality("BEST"))
}
