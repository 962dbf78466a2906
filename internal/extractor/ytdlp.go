package extractor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kjmarlow/hoard/pkg/logger"
	"github.com/lrstanley/go-ytdlp"
)

var log = logger.Get("Extractor")

const progressReportInterval = 500 * time.Millisecond

// permanentFailureMarkers are fragments of yt-dlp error output which
// indicate the media itself is the problem, not the transfer.
var permanentFailureMarkers = []string{
	"video unavailable",
	"content is not available",
	"has been removed",
	"private video",
	"account terminated",
	"requested format is not available",
	"unsupported url",
	"no video formats found",
	"age-restricted",
}

// YtDlpExtractor drives the yt-dlp tooling through the go-ytdlp wrapper.
// Media is transferred into the staging directory; promotion of finished
// files into the artifact store is the callers responsibility.
type YtDlpExtractor struct {
	stagingDir string
}

func NewYtDlpExtractor(stagingDir string) (*YtDlpExtractor, error) {
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("staging directory %s could not be created: %w", stagingDir, err)
	}

	return &YtDlpExtractor{stagingDir: stagingDir}, nil
}

func (ex *YtDlpExtractor) Probe(ctx context.Context, url string) (*Metadata, error) {
	dl := ytdlp.New().
		DumpJSON().
		NoWarnings().
		NoPlaylist()

	result, err := dl.Run(ctx, url)
	if err != nil {
		return nil, ex.classify(err)
	}

	info, err := result.GetExtractedInfo()
	if err != nil || len(info) == 0 {
		return nil, Transient(fmt.Errorf("probe of %s produced no parseable metadata: %w", url, err))
	}

	return metadataFromInfo(info[0]), nil
}

func (ex *YtDlpExtractor) Fetch(ctx context.Context, url string, selector FormatSelector, onProgress ProgressFunc) (*Result, error) {
	dl := ytdlp.New().
		NoWarnings().
		NoPlaylist().
		PrintJSON().
		Format(selector.Format).
		Output(filepath.Join(ex.stagingDir, "%(id)s_%(epoch)s.%(ext)s"))

	if selector.AudioOnly {
		dl = dl.ExtractAudio().AudioFormat("mp3")
	}

	dl.ProgressFunc(progressReportInterval, func(update ytdlp.ProgressUpdate) {
		if onProgress == nil {
			return
		}

		phase := PhaseDownloading
		if update.Status == ytdlp.ProgressStatusFinished {
			phase = PhaseFinished
		}

		onProgress(Progress{
			Phase:           phase,
			DownloadedBytes: int64(update.DownloadedBytes),
			TotalBytes:      int64(update.TotalBytes),
		})
	})

	result, err := dl.Run(ctx, url)
	if err != nil {
		return nil, ex.classify(err)
	}

	info, err := result.GetExtractedInfo()
	if err != nil || len(info) == 0 {
		return nil, Transient(fmt.Errorf("fetch of %s completed but produced no parseable metadata: %w", url, err))
	}

	localPath := ""
	if info[0].Filename != nil {
		localPath = *info[0].Filename
	}

	stat, statErr := os.Stat(localPath)
	if localPath == "" || statErr != nil {
		return nil, Transient(fmt.Errorf("fetched file for %s not found on disk", url))
	}

	quality := ""
	if info[0].Resolution != nil {
		quality = *info[0].Resolution
	}

	formatID := ""
	if info[0].FormatID != nil {
		formatID = *info[0].FormatID
	}

	return &Result{
		LocalPath:     localPath,
		SizeBytes:     stat.Size(),
		ActualQuality: quality,
		FormatID:      formatID,
	}, nil
}

// classify maps a yt-dlp failure into the transient/permanent taxonomy.
// Context expiry is always transient (the timeout is ours, not the medias).
// Unrecognised failures default to transient so the retry policy gets a
// chance to ride out flaky networks.
func (ex *YtDlpExtractor) classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient(err)
	}

	message := strings.ToLower(err.Error())
	for _, marker := range permanentFailureMarkers {
		if strings.Contains(message, marker) {
			log.Debugf("classified extractor failure as permanent (matched %q): %v\n", marker, err)
			return Permanent(err)
		}
	}

	return Transient(err)
}

func metadataFromInfo(info *ytdlp.ExtractedInfo) *Metadata {
	meta := &Metadata{}
	if info.Title != nil {
		meta.Title = *info.Title
	}
	if info.Description != nil {
		meta.Description = *info.Description
	}
	if info.Duration != nil {
		meta.DurationSecs = int(*info.Duration)
	}
	if info.Thumbnail != nil {
		meta.ThumbnailURL = *info.Thumbnail
	}
	if info.Extractor != nil {
		meta.Extractor = *info.Extractor
	}

	for _, format := range info.Formats {
		if format == nil || format.FormatID == nil {
			continue
		}

		resolution := ""
		if format.Resolution != nil {
			resolution = *format.Resolution
		}

		meta.AvailableFormats = append(meta.AvailableFormats, Format{
			ID:         *format.FormatID,
			Resolution: resolution,
		})
	}

	return meta
}
