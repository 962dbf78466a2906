package platform

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
	"github.com/google/uuid"
)

// ErrPlatformNotFound indicates that no active platform matched the URL.
var ErrPlatformNotFound = errors.New("no supported platform matches URL")

type (
	// Platform is a recognized source site. The URLPatterns are host
	// regular expressions; a URL belongs to the platform when its host
	// matches any of them. Inactive platforms never match.
	Platform struct {
		ID          uuid.UUID
		Name        string
		DisplayName string
		IsActive    bool
		URLPatterns []string
		CreatedAt   time.Time
	}

	compiledPlatform struct {
		platform *Platform
		patterns []*regexp.Regexp
	}

	// Resolver maps source URLs to platforms using an ordered pattern
	// table. It is pure and deterministic; construct a new resolver when
	// the platform catalog changes.
	Resolver struct {
		table      []compiledPlatform
		similarity *metrics.JaroWinkler
	}
)

// NewResolver compiles the pattern table for the platforms provided. The
// ordering of the input slice is preserved; the first platform whose
// pattern matches a URL host wins.
func NewResolver(platforms []*Platform) (*Resolver, error) {
	table := make([]compiledPlatform, 0, len(platforms))
	for _, p := range platforms {
		compiled := make([]*regexp.Regexp, 0, len(p.URLPatterns))
		for _, pattern := range p.URLPatterns {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("platform %s has invalid URL pattern %q: %w", p.Name, pattern, err)
			}

			compiled = append(compiled, re)
		}

		table = append(table, compiledPlatform{platform: p, patterns: compiled})
	}

	return &Resolver{table: table, similarity: metrics.NewJaroWinkler()}, nil
}

// Resolve parses the URL's host and matches it against the pattern table.
// Inactive platforms are skipped entirely, so a URL belonging to a disabled
// platform resolves the same as an unknown one.
func (resolver *Resolver) Resolve(rawURL string) (*Platform, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("malformed URL %q: %w", rawURL, ErrPlatformNotFound)
	}

	host := strings.ToLower(parsed.Hostname())
	for _, entry := range resolver.table {
		if !entry.platform.IsActive {
			continue
		}

		for _, pattern := range entry.patterns {
			if pattern.MatchString(host) {
				return entry.platform, nil
			}
		}
	}

	return nil, ErrPlatformNotFound
}

// Suggest returns the name of the known platform whose name most closely
// resembles the URL's host, to hint users who mistyped a domain. An empty
// string is returned when nothing is similar enough to be useful.
func (resolver *Resolver) Suggest(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return ""
	}

	host := strings.ToLower(parsed.Hostname())
	host = strings.TrimPrefix(host, "www.")
	if idx := strings.IndexByte(host, '.'); idx > 0 {
		host = host[:idx]
	}

	bestScore := 0.0
	bestName := ""
	for _, entry := range resolver.table {
		score := strutil.Similarity(host, entry.platform.Name, resolver.similarity)
		if score > bestScore {
			bestScore = score
			bestName = entry.platform.Name
		}
	}

	if bestScore < 0.8 {
		return ""
	}

	return bestName
}
