package download

import (
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/kjmarlow/hoard/internal/database"
	"github.com/kjmarlow/hoard/internal/event"
	"github.com/kjmarlow/hoard/internal/extractor"
	"github.com/kjmarlow/hoard/pkg/logger"
)

type jobPatcher interface {
	UpdateActive(db database.Queryable, id uuid.UUID, patch JobPatch) error
}

// progressTracker serialises the progress reports of a single transfer.
// Reports are pushed from the extractor callback without blocking the
// transfer (a full buffer drops the report; a fresher one is always coming)
// and consumed by a single goroutine which persists and broadcasts them in
// order. Reported percentages are clamped to at most 99: a job only ever
// shows 100 once its artifact has been verified and it has completed.
type progressTracker struct {
	jobID   uuid.UUID
	db      database.Queryable
	store   jobPatcher
	event   event.EventDispatcher
	onStale func()

	reports chan extractor.Progress
	done    chan struct{}
	once    sync.Once

	lastPercent int
}

// newProgressTracker starts counting from floor, the job's already-persisted
// percentage. A retried transfer restarts from zero bytes but the job stays
// externally 'processing', so its recorded progress must never wind backwards
// below what an earlier attempt reached.
func newProgressTracker(jobID uuid.UUID, db database.Queryable, store jobPatcher, dispatcher event.EventDispatcher, floor int, onStale func()) *progressTracker {
	return &progressTracker{
		jobID:       jobID,
		db:          db,
		store:       store,
		event:       dispatcher,
		onStale:     onStale,
		reports:     make(chan extractor.Progress, 16),
		done:        make(chan struct{}),
		lastPercent: floor,
	}
}

// Observe accepts a progress report from the transfer. Never blocks.
func (tracker *progressTracker) Observe(report extractor.Progress) {
	select {
	case tracker.reports <- report:
	default:
	}
}

// Run consumes reports until Close is called and the buffer drains.
func (tracker *progressTracker) Run() {
	defer close(tracker.done)

	for report := range tracker.reports {
		percent := normalizeProgress(report)
		if percent <= tracker.lastPercent {
			continue
		}
		tracker.lastPercent = percent

		patch := JobPatch{ProgressPercent: &percent}
		if err := tracker.store.UpdateActive(tracker.db, tracker.jobID, patch); err != nil {
			if errors.Is(err, ErrStaleTransition) && tracker.onStale != nil {
				tracker.onStale()
				return
			}

			logger.Get("Progress").Warnf("Failed to record progress for job %s: %v\n", tracker.jobID, err)
			continue
		}

		tracker.event.Dispatch(event.JobProgressEvent, tracker.jobID)
	}
}

// Close stops the tracker and waits for any buffered reports to flush.
func (tracker *progressTracker) Close() {
	tracker.once.Do(func() { close(tracker.reports) })
	<-tracker.done
}

// normalizeProgress maps a raw extractor report to an integer percentage in
// [0, 99]. Byte counts are preferred; the pre-rendered percent string is a
// fallback for extractors which never learn the total size.
func normalizeProgress(report extractor.Progress) int {
	percent := 0
	if report.TotalBytes > 0 {
		percent = int(report.DownloadedBytes * 100 / report.TotalBytes)
	} else if trimmed := strings.TrimSuffix(strings.TrimSpace(report.PercentString), "%"); trimmed != "" {
		if parsed, err := strconv.ParseFloat(trimmed, 64); err == nil {
			percent = int(parsed)
		}
	}

	if percent < 0 {
		percent = 0
	}
	if percent > 99 {
		percent = 99
	}

	return percent
}
