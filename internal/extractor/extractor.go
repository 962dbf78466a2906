// Package extractor defines the boundary with the media extraction tooling:
// given a URL, probe it for metadata, then fetch the media itself while
// reporting transfer progress. Implementations classify their failures as
// transient (worth retrying) or permanent so the download service can apply
// its retry policy without knowing anything about the tooling underneath.
package extractor

import (
	"context"
	"errors"
)

type (
	// Metadata is the result of probing a URL without transferring anything.
	Metadata struct {
		Title            string
		Description      string
		DurationSecs     int
		ThumbnailURL     string
		Extractor        string
		AvailableFormats []Format
	}

	// Format describes one of the renditions the source offers.
	Format struct {
		ID         string
		Resolution string
	}

	// Result describes the artifact produced by a successful fetch.
	Result struct {
		LocalPath     string
		SizeBytes     int64
		ActualQuality string
		FormatID      string
	}

	ProgressPhase int

	// Progress is a single raw progress signal. Either the byte counters or
	// the percent string may be populated depending on what the underlying
	// tooling reports.
	Progress struct {
		Phase           ProgressPhase
		DownloadedBytes int64
		TotalBytes      int64
		PercentString   string
	}

	ProgressFunc func(Progress)

	Extractor interface {
		// Probe fetches metadata for the URL without downloading media.
		Probe(ctx context.Context, url string) (*Metadata, error)

		// Fetch transfers the media selected by the format selector to local
		// disk, invoking onProgress zero or more times along the way.
		Fetch(ctx context.Context, url string, selector FormatSelector, onProgress ProgressFunc) (*Result, error)
	}

	// FormatSelector carries the already-resolved extractor format string
	// alongside the audio-only flag.
	FormatSelector struct {
		Format    string
		AudioOnly bool
	}
)

const (
	PhaseDownloading ProgressPhase = iota
	PhaseFinished
)

type (
	// TransientError marks an extraction failure that is worth retrying,
	// such as a network interruption, timeout or rate limit.
	TransientError struct {
		Reason error
	}

	// PermanentError marks an extraction failure that no amount of retrying
	// will fix, such as removed content or an unavailable format.
	PermanentError struct {
		Reason error
	}
)

func (e *TransientError) Error() string { return e.Reason.Error() }
func (e *TransientError) Unwrap() error { return e.Reason }

func (e *PermanentError) Error() string { return e.Reason.Error() }
func (e *PermanentError) Unwrap() error { return e.Reason }

func Transient(err error) error {
	return &TransientError{Reason: err}
}

func Permanent(err error) error {
	return &PermanentError{Reason: err}
}

// IsTransient reports whether the error chain contains a TransientError.
// Unclassified errors are NOT considered transient; callers decide their
// own default.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsPermanent reports whether the error chain contains a PermanentError.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}
