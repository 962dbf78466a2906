package stats

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kjmarlow/hoard/internal/database"
	"github.com/kjmarlow/hoard/internal/download"
	"github.com/kjmarlow/hoard/pkg/logger"
)

var log = logger.Get("Stats")

type (
	jobSource interface {
		ListCreatedBetween(db database.Queryable, from time.Time, to time.Time) ([]*download.Job, error)
	}

	statWriter interface {
		Upsert(db database.Queryable, stat *DailyStatistic) error
	}

	// Aggregator folds the jobs created during a UTC day into one
	// daily_statistics row per platform. Every job created that day counts
	// towards its total, whatever it went on to become; the outcome
	// counters only reflect those which completed or failed. Re-running a
	// day recomputes it from scratch, so a crashed or repeated run never
	// double-counts.
	Aggregator struct {
		jobs  jobSource
		stats statWriter
	}
)

func NewAggregator(jobs jobSource, stats statWriter) *Aggregator {
	return &Aggregator{jobs: jobs, stats: stats}
}

// AggregateDay recomputes the statistics for the UTC day containing the
// given instant.
func (aggregator *Aggregator) AggregateDay(db database.Queryable, moment time.Time) error {
	dayStart := moment.UTC().Truncate(24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)

	created, err := aggregator.jobs.ListCreatedBetween(db, dayStart, dayEnd)
	if err != nil {
		return fmt.Errorf("failed to list jobs created on %s: %w", dayStart.Format("2006-01-02"), err)
	}

	byPlatform := make(map[uuid.UUID]*DailyStatistic)
	for _, job := range created {
		stat, ok := byPlatform[job.PlatformID]
		if !ok {
			stat = &DailyStatistic{ID: uuid.New(), PlatformID: job.PlatformID, Date: dayStart}
			byPlatform[job.PlatformID] = stat
		}

		stat.TotalDownloads++
		switch job.Status {
		case download.StatusCompleted:
			stat.SuccessfulDownloads++
			if job.ArtifactSize != nil {
				stat.TotalSizeMB += *job.ArtifactSize / (1024 * 1024)
			}
		case download.StatusFailed:
			stat.FailedDownloads++
		}
	}

	for _, stat := range byPlatform {
		if err := aggregator.stats.Upsert(db, stat); err != nil {
			return fmt.Errorf("failed to record statistics for platform %s: %w", stat.PlatformID, err)
		}
	}

	log.Debugf("Aggregated %d job(s) into %d platform row(s) for %s\n", len(created), len(byPlatform), dayStart.Format("2006-01-02"))
	return nil
}
