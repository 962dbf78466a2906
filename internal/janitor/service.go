// Package janitor reclaims disk and database space on a schedule: expired
// artifacts, long-dead failed jobs and orphaned files on disk. It also owns
// the nightly statistics aggregation, running it shortly after each UTC
// midnight for the day just ended.
package janitor

import (
	"context"
	"errors"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/kjmarlow/hoard/internal/artifact"
	"github.com/kjmarlow/hoard/internal/database"
	"github.com/kjmarlow/hoard/internal/download"
	"github.com/kjmarlow/hoard/pkg/logger"
)

var log = logger.Get("Janitor")

// aggregationDelay holds the nightly aggregation back from midnight so jobs
// settling right on the boundary land in the correct day.
const aggregationDelay = 5 * time.Minute

type (
	Config struct {
		SweepIntervalHours  int `yaml:"sweep_interval_hours" env:"JANITOR_SWEEP_INTERVAL" env-default:"3"`
		FailedRetentionDays int `yaml:"failed_retention_days" env:"JANITOR_FAILED_RETENTION_DAYS" env-default:"7"`
	}

	jobStore interface {
		ListExpired(db database.Queryable, now time.Time) ([]*download.Job, error)
		ListFailedBefore(db database.Queryable, cutoff time.Time) ([]*download.Job, error)
		Delete(db database.Queryable, id uuid.UUID) error
		ArtifactRefs(db database.Queryable) ([]string, error)
	}

	artifactStore interface {
		Delete(ref string) error
		List() ([]string, error)
		Size(ref string) (int64, error)
	}

	dayAggregator interface {
		AggregateDay(db database.Queryable, moment time.Time) error
	}

	dataManager interface {
		GetSqlxDb() *sqlx.DB
	}

	service struct {
		config     Config
		db         dataManager
		jobs       jobStore
		artifacts  artifactStore
		aggregator dayAggregator
	}
)

func New(config Config, db dataManager, jobs jobStore, artifacts artifactStore, aggregator dayAggregator) *service {
	return &service{
		config:     config,
		db:         db,
		jobs:       jobs,
		artifacts:  artifacts,
		aggregator: aggregator,
	}
}

// Run sweeps immediately, then on the configured interval, and aggregates
// the prior day's statistics shortly after each UTC midnight. Cancelling
// the context stops the service.
func (service *service) Run(ctx context.Context) error {
	sweepTicker := time.NewTicker(time.Hour * time.Duration(service.config.SweepIntervalHours))
	defer sweepTicker.Stop()

	aggregationTimer := time.NewTimer(untilNextAggregation(time.Now()))
	defer aggregationTimer.Stop()

	service.sweep()

	for {
		select {
		case <-sweepTicker.C:
			service.sweep()
		case <-aggregationTimer.C:
			service.aggregateYesterday()
			aggregationTimer.Reset(untilNextAggregation(time.Now()))
		case <-ctx.Done():
			return nil
		}
	}
}

// Sweep performs one full reclamation pass and reports how many artifacts
// and records it removed. Each pass is idempotent; a sweep interrupted
// part-way is simply finished by the next one.
func (service *service) Sweep() (int, error) {
	return service.reclaim(time.Now())
}

func (service *service) sweep() {
	reclaimed, err := service.reclaim(time.Now())
	if err != nil {
		log.Errorf("Sweep failed: %v\n", err)
		return
	}

	if reclaimed > 0 {
		log.Infof("Sweep reclaimed %d item(s)\n", reclaimed)
	}
}

func (service *service) reclaim(now time.Time) (int, error) {
	db := service.db.GetSqlxDb()
	reclaimed := 0

	expired, err := service.jobs.ListExpired(db, now)
	if err != nil {
		return reclaimed, err
	}
	for _, job := range expired {
		if job.ArtifactRef != nil {
			service.removeArtifact(*job.ArtifactRef, job.ID)
		}

		if err := service.jobs.Delete(db, job.ID); err != nil {
			log.Errorf("Failed to delete expired job %s: %v\n", job.ID, err)
			continue
		}

		reclaimed++
	}

	cutoff := now.Add(-time.Hour * 24 * time.Duration(service.config.FailedRetentionDays))
	staleFailed, err := service.jobs.ListFailedBefore(db, cutoff)
	if err != nil {
		return reclaimed, err
	}
	for _, job := range staleFailed {
		if err := service.jobs.Delete(db, job.ID); err != nil {
			log.Errorf("Failed to delete stale failed job %s: %v\n", job.ID, err)
			continue
		}

		reclaimed++
	}

	orphans, err := service.reclaimOrphans(db)
	if err != nil {
		return reclaimed, err
	}

	return reclaimed + orphans, nil
}

// reclaimOrphans removes files on disk which no job record references,
// which can be left behind by a crash between artifact promotion and the
// job record settling.
func (service *service) reclaimOrphans(db database.Queryable) (int, error) {
	refs, err := service.jobs.ArtifactRefs(db)
	if err != nil {
		return 0, err
	}

	known := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		known[ref] = struct{}{}
	}

	stored, err := service.artifacts.List()
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, ref := range stored {
		if _, ok := known[ref]; ok {
			continue
		}

		size, _ := service.artifacts.Size(ref)
		if err := service.artifacts.Delete(ref); err != nil {
			if !errors.Is(err, artifact.ErrArtifactNotFound) {
				log.Errorf("Failed to delete orphaned artifact %s: %v\n", ref, err)
			}
			continue
		}

		log.Infof("Removed orphaned artifact %s (%s)\n", ref, humanize.Bytes(uint64(size)))
		reclaimed++
	}

	return reclaimed, nil
}

func (service *service) removeArtifact(ref string, owner uuid.UUID) {
	if err := service.artifacts.Delete(ref); err != nil && !errors.Is(err, artifact.ErrArtifactNotFound) {
		log.Errorf("Failed to delete artifact %s of expired job %s: %v\n", ref, owner, err)
	}
}

func (service *service) aggregateYesterday() {
	yesterday := time.Now().UTC().Add(-24 * time.Hour)
	if err := service.aggregator.AggregateDay(service.db.GetSqlxDb(), yesterday); err != nil {
		log.Errorf("Nightly statistics aggregation failed: %v\n", err)
	}
}

// untilNextAggregation computes how long to wait for the next post-midnight
// aggregation slot.
func untilNextAggregation(now time.Time) time.Duration {
	next := now.UTC().Truncate(24 * time.Hour).Add(24*time.Hour + aggregationDelay)
	return next.Sub(now.UTC())
}
