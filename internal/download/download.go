// Package download contains the asynchronous job engine at the heart of
// Hoard: the durable job store and queue, the worker pool driving the
// extractor, the retry policy, and progress tracking.
package download

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether the status is one a job can never leave.
func (status JobStatus) IsTerminal() bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// GenericQualities are the quality tiers Hoard resolves to extractor format
// strings itself; anything else in RequestedQuality is treated as an opaque
// extractor-specific format token and passed through verbatim.
var GenericQualities = []string{
	"144p", "240p", "360p", "480p", "720p", "1080p", "1440p", "2160p", "best", "worst",
}

// Job is one request to fetch a single media URL at a given quality. The
// identity fields (ID, SourceURL, PlatformID, RequestedQuality, AudioOnly)
// are immutable once created. While a job is non-terminal the worker pool
// is the only writer to its mutable fields; once terminal, the record never
// mutates again and may only be deleted by the janitor or API.
type Job struct {
	ID         uuid.UUID `db:"id"`
	SourceURL  string    `db:"source_url"`
	PlatformID uuid.UUID `db:"platform_id"`

	Title        *string `db:"title"`
	Description  *string `db:"description"`
	DurationSecs *int    `db:"duration_secs"`
	ThumbnailURL *string `db:"thumbnail_url"`

	RequestedQuality string `db:"requested_quality"`
	AudioOnly        bool   `db:"audio_only"`

	Status          JobStatus `db:"status"`
	ProgressPercent int       `db:"progress_percent"`
	RetryCount      int       `db:"retry_count"`
	ErrorMessage    *string   `db:"error_message"`

	ArtifactRef   *string `db:"artifact_ref"`
	ArtifactSize  *int64  `db:"artifact_size"`
	ActualQuality *string `db:"actual_quality"`

	Extractor          *string `db:"extractor"`
	FormatID           *string `db:"format_id"`
	ProcessingTimeSecs *int    `db:"processing_time_secs"`
	TransferSpeedKbps  *int    `db:"transfer_speed_kbps"`

	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
	StartedAt   *time.Time `db:"started_at"`
	CompletedAt *time.Time `db:"completed_at"`
	ExpiresAt   *time.Time `db:"expires_at"`
}

// NewJob constructs a pending job for the URL/platform pair. The caller is
// expected to persist and enqueue it atomically.
func NewJob(sourceURL string, platformID uuid.UUID, quality string, audioOnly bool) *Job {
	return &Job{
		ID:               uuid.New(),
		SourceURL:        sourceURL,
		PlatformID:       platformID,
		RequestedQuality: quality,
		AudioOnly:        audioOnly,
		Status:           StatusPending,
	}
}

// IsGenericQuality reports whether the requested quality is one of the
// well-known tiers (as opposed to an opaque extractor format token).
func IsGenericQuality(quality string) bool {
	for _, tier := range GenericQualities {
		if quality == tier {
			return true
		}
	}

	return false
}
