// Package stats maintains the daily per-platform download statistics and
// serves the aggregate figures exposed over the API.
package stats

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kjmarlow/hoard/internal/database"
)

// DailyStatistic is one platform's download tally for one UTC day.
type DailyStatistic struct {
	ID                  uuid.UUID `db:"id"`
	PlatformID          uuid.UUID `db:"platform_id"`
	Date                time.Time `db:"date"`
	TotalDownloads      int       `db:"total_downloads"`
	SuccessfulDownloads int       `db:"successful_downloads"`
	FailedDownloads     int       `db:"failed_downloads"`
	TotalSizeMB         int64     `db:"total_size_mb"`
}

// Summary is the headline view of the whole system: lifetime counters plus
// short-window activity.
type Summary struct {
	TotalJobs   int     `db:"total_jobs"`
	ActiveJobs  int     `db:"active_jobs"`
	Completed   int     `db:"completed"`
	Failed      int     `db:"failed"`
	Cancelled   int     `db:"cancelled"`
	SuccessRate float64 `db:"-"`
	TotalSize   int64   `db:"total_size"`
	Last24Hours int     `db:"last_24_hours"`
	Last7Days   int     `db:"last_7_days"`
	TopPlatform string  `db:"-"`
}

// PlatformActivity is one platform's share of all downloads.
type PlatformActivity struct {
	PlatformID uuid.UUID `db:"platform_id"`
	Platform   string    `db:"platform"`
	Total      int       `db:"total"`
	Completed  int       `db:"completed"`
	Failed     int       `db:"failed"`
	TotalSize  int64     `db:"total_size"`
}

type Store struct{}

// Upsert records a day's figures for a platform, replacing any figures a
// previous aggregation run wrote for the same platform and day.
func (store *Store) Upsert(db database.Queryable, stat *DailyStatistic) error {
	_, err := db.Exec(`
		INSERT INTO daily_statistics (id, platform_id, date, total_downloads, successful_downloads, failed_downloads, total_size_mb)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (platform_id, date) DO UPDATE SET
			total_downloads = EXCLUDED.total_downloads,
			successful_downloads = EXCLUDED.successful_downloads,
			failed_downloads = EXCLUDED.failed_downloads,
			total_size_mb = EXCLUDED.total_size_mb`,
		stat.ID, stat.PlatformID, stat.Date, stat.TotalDownloads, stat.SuccessfulDownloads, stat.FailedDownloads, stat.TotalSizeMB,
	)

	return err
}

// ListRange returns the recorded statistics for days inside [from, to),
// oldest first.
func (store *Store) ListRange(db database.Queryable, from time.Time, to time.Time) ([]*DailyStatistic, error) {
	figures := []*DailyStatistic{}
	err := db.Select(&figures, `
		SELECT id, platform_id, date, total_downloads, successful_downloads, failed_downloads, total_size_mb
		FROM daily_statistics
		WHERE date >= $1 AND date < $2
		ORDER BY date, platform_id`,
		from, to,
	)

	return figures, err
}

// Summarize computes the headline figures directly from the jobs table.
func (store *Store) Summarize(db database.Queryable) (*Summary, error) {
	var summary Summary
	err := db.Get(&summary, `
		SELECT
			COUNT(*) AS total_jobs,
			COUNT(*) FILTER (WHERE status IN ('pending', 'processing')) AS active_jobs,
			COUNT(*) FILTER (WHERE status = 'completed') AS completed,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COUNT(*) FILTER (WHERE status = 'cancelled') AS cancelled,
			COALESCE(SUM(artifact_size) FILTER (WHERE status = 'completed'), 0) AS total_size,
			COUNT(*) FILTER (WHERE created_at >= now() - interval '24 hours') AS last_24_hours,
			COUNT(*) FILTER (WHERE created_at >= now() - interval '7 days') AS last_7_days
		FROM download_jobs`,
	)
	if err != nil {
		return nil, err
	}

	if settled := summary.Completed + summary.Failed; settled > 0 {
		summary.SuccessRate = float64(summary.Completed) / float64(settled) * 100
	}

	var top string
	err = db.Get(&top, `
		SELECT p.display_name
		FROM download_jobs j
		JOIN platforms p ON p.id = j.platform_id
		GROUP BY p.display_name
		ORDER BY COUNT(*) DESC, p.display_name
		LIMIT 1`,
	)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	summary.TopPlatform = top

	return &summary, nil
}

// PlatformBreakdown tallies lifetime activity per platform, busiest first.
func (store *Store) PlatformBreakdown(db database.Queryable) ([]*PlatformActivity, error) {
	breakdown := []*PlatformActivity{}
	err := db.Select(&breakdown, `
		SELECT
			p.id AS platform_id,
			p.display_name AS platform,
			COUNT(j.id) AS total,
			COUNT(j.id) FILTER (WHERE j.status = 'completed') AS completed,
			COUNT(j.id) FILTER (WHERE j.status = 'failed') AS failed,
			COALESCE(SUM(j.artifact_size) FILTER (WHERE j.status = 'completed'), 0) AS total_size
		FROM platforms p
		LEFT JOIN download_jobs j ON j.platform_id = p.id
		GROUP BY p.id, p.display_name
		ORDER BY total DESC, platform`,
	)

	return breakdown, err
}
