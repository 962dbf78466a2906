package platform_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/kjmarlow/hoard/internal/platform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPlatforms() []*platform.Platform {
	return []*platform.Platform{
		{
			ID:          uuid.New(),
			Name:        "dailymotion",
			DisplayName: "Dailymotion",
			IsActive:    true,
			URLPatterns: []string{`dailymotion\.com`, `dai\.ly`},
		},
		{
			ID:          uuid.New(),
			Name:        "vimeo",
			DisplayName: "Vimeo",
			IsActive:    false,
			URLPatterns: []string{`vimeo\.com`, `player\.vimeo\.com`},
		},
		{
			ID:          uuid.New(),
			Name:        "youtube",
			DisplayName: "YouTube",
			IsActive:    true,
			URLPatterns: []string{`youtube\.com`, `youtu\.be`, `youtube-nocookie\.com`},
		},
	}
}

func TestResolve_KnownHosts(t *testing.T) {
	resolver, err := platform.NewResolver(testPlatforms())
	require.NoError(t, err)

	tests := []struct {
		name     string
		url      string
		expected string
	}{
		{"canonical watch URL", "https://www.youtube.com/watch?v=abc", "youtube"},
		{"short-form host", "https://youtu.be/abc", "youtube"},
		{"no-cookie host", "https://www.youtube-nocookie.com/embed/abc", "youtube"},
		{"mixed case host", "https://WWW.YOUTUBE.COM/watch?v=abc", "youtube"},
		{"other active platform", "https://dai.ly/x8abcd", "dailymotion"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			resolved, err := resolver.Resolve(test.url)
			require.NoError(t, err)
			assert.Equal(t, test.expected, resolved.Name)
		})
	}
}

func TestResolve_IsDeterministic(t *testing.T) {
	resolver, err := platform.NewResolver(testPlatforms())
	require.NoError(t, err)

	first, err := resolver.Resolve("https://www.youtube.com/watch?v=abc")
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		again, err := resolver.Resolve("https://www.youtube.com/watch?v=abc")
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
	}
}

func TestResolve_UnknownOrMalformed(t *testing.T) {
	resolver, err := platform.NewResolver(testPlatforms())
	require.NoError(t, err)

	tests := []struct {
		name string
		url  string
	}{
		{"unsupported host", "https://unsupported-site.example/video"},
		{"empty URL", ""},
		{"no scheme", "youtube.com/watch?v=abc"},
		{"non-http scheme", "ftp://youtube.com/watch?v=abc"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := resolver.Resolve(test.url)
			assert.ErrorIs(t, err, platform.ErrPlatformNotFound)
		})
	}
}

func TestResolve_InactivePlatformFailsClosed(t *testing.T) {
	resolver, err := platform.NewResolver(testPlatforms())
	require.NoError(t, err)

	_, err = resolver.Resolve("https://vimeo.com/12345")
	assert.ErrorIs(t, err, platform.ErrPlatformNotFound)
}

func TestResolve_RejectsInvalidPattern(t *testing.T) {
	_, err := platform.NewResolver([]*platform.Platform{
		{Name: "broken", IsActive: true, URLPatterns: []string{`(`}},
	})
	assert.Error(t, err)
}

func TestSuggest(t *testing.T) {
	resolver, err := platform.NewResolver(testPlatforms())
	require.NoError(t, err)

	assert.Equal(t, "youtube", resolver.Suggest("https://yuotube.com/watch?v=abc"))
	assert.Equal(t, "", resolver.Suggest("https://example.org/video"))
}
