package download

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/kjmarlow/hoard/internal/database"
)

var pqsql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// jobColumns is the select list shared by every query returning full rows.
const jobColumns = `
	id, source_url, platform_id, title, description, duration_secs, thumbnail_url,
	requested_quality, audio_only, status, progress_percent, retry_count, error_message,
	artifact_ref, artifact_size, actual_quality, extractor, format_id,
	processing_time_secs, transfer_speed_kbps,
	created_at, updated_at, started_at, completed_at, expires_at
`

// JobPatch is a partial update to a job's mutable fields. Nil fields are
// left untouched; updated_at is always bumped.
type JobPatch struct {
	Status          *JobStatus
	ProgressPercent *int
	RetryCount      *int
	ErrorMessage    *string

	Title        *string
	Description  *string
	DurationSecs *int
	ThumbnailURL *string

	ArtifactRef   *string
	ArtifactSize  *int64
	ActualQuality *string

	Extractor          *string
	FormatID           *string
	ProcessingTimeSecs *int
	TransferSpeedKbps  *int

	StartedAt   *time.Time
	CompletedAt *time.Time
	ExpiresAt   *time.Time
}

func (patch *JobPatch) setMap() map[string]any {
	set := map[string]any{"updated_at": sq.Expr("now()")}
	assign := func(column string, value any, present bool) {
		if present {
			set[column] = value
		}
	}

	assign("status", patch.Status, patch.Status != nil)
	assign("progress_percent", patch.ProgressPercent, patch.ProgressPercent != nil)
	assign("retry_count", patch.RetryCount, patch.RetryCount != nil)
	assign("error_message", patch.ErrorMessage, patch.ErrorMessage != nil)
	assign("title", patch.Title, patch.Title != nil)
	assign("description", patch.Description, patch.Description != nil)
	assign("duration_secs", patch.DurationSecs, patch.DurationSecs != nil)
	assign("thumbnail_url", patch.ThumbnailURL, patch.ThumbnailURL != nil)
	assign("artifact_ref", patch.ArtifactRef, patch.ArtifactRef != nil)
	assign("artifact_size", patch.ArtifactSize, patch.ArtifactSize != nil)
	assign("actual_quality", patch.ActualQuality, patch.ActualQuality != nil)
	assign("extractor", patch.Extractor, patch.Extractor != nil)
	assign("format_id", patch.FormatID, patch.FormatID != nil)
	assign("processing_time_secs", patch.ProcessingTimeSecs, patch.ProcessingTimeSecs != nil)
	assign("transfer_speed_kbps", patch.TransferSpeedKbps, patch.TransferSpeedKbps != nil)
	assign("started_at", patch.StartedAt, patch.StartedAt != nil)
	assign("completed_at", patch.CompletedAt, patch.CompletedAt != nil)
	assign("expires_at", patch.ExpiresAt, patch.ExpiresAt != nil)

	return set
}

// ListFilter narrows and pages a job listing. Zero values mean "no filter";
// a Limit of zero falls back to 20.
type ListFilter struct {
	Status     *JobStatus
	PlatformID *uuid.UUID
	Offset     int
	Limit      int
}

// Store persists download jobs. All methods accept a Queryable so callers
// can compose them inside transactions.
type Store struct{}

func (store *Store) Create(db database.Queryable, job *Job) error {
	return db.Get(job, `
		INSERT INTO download_jobs (id, source_url, platform_id, requested_quality, audio_only, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		RETURNING `+jobColumns,
		job.ID, job.SourceURL, job.PlatformID, job.RequestedQuality, job.AudioOnly, job.Status,
	)
}

func (store *Store) Get(db database.Queryable, id uuid.UUID) (*Job, error) {
	var job Job
	if err := db.Get(&job, `SELECT `+jobColumns+` FROM download_jobs WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}

		return nil, err
	}

	return &job, nil
}

// List returns a page of jobs, newest first, along with the total number of
// rows matching the filter.
func (store *Store) List(db database.Queryable, filter ListFilter) ([]*Job, int, error) {
	where := sq.And{}
	if filter.Status != nil {
		where = append(where, sq.Eq{"status": *filter.Status})
	}
	if filter.PlatformID != nil {
		where = append(where, sq.Eq{"platform_id": *filter.PlatformID})
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}

	query, args, err := pqsql.
		Select(jobColumns).
		From("download_jobs").
		Where(where).
		OrderBy("created_at DESC").
		Limit(uint64(limit)).
		Offset(uint64(filter.Offset)).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build job listing query: %w", err)
	}

	jobs := []*Job{}
	if err := db.Select(&jobs, query, args...); err != nil {
		return nil, 0, err
	}

	countQuery, countArgs, err := pqsql.Select("COUNT(*)").From("download_jobs").Where(where).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build job count query: %w", err)
	}

	var total int
	if err := db.Get(&total, countQuery, countArgs...); err != nil {
		return nil, 0, err
	}

	return jobs, total, nil
}

// UpdateActive applies a patch to a job only if it has not yet reached a
// terminal state. A patch landing on a terminal job returns
// ErrStaleTransition so in-flight workers never overwrite a cancellation.
func (store *Store) UpdateActive(db database.Queryable, id uuid.UUID, patch JobPatch) error {
	query, args, err := pqsql.
		Update("download_jobs").
		SetMap(patch.setMap()).
		Where(sq.Eq{"id": id}).
		Where(sq.NotEq{"status": []JobStatus{StatusCompleted, StatusFailed, StatusCancelled}}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build job update query: %w", err)
	}

	result, err := db.Exec(query, args...)
	if err != nil {
		return err
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		if _, getErr := store.Get(db, id); getErr != nil {
			return getErr
		}

		return ErrStaleTransition
	}

	return nil
}

// Cancel moves a pending or processing job to cancelled. Already-terminal
// jobs return ErrJobNotCancellable.
func (store *Store) Cancel(db database.Queryable, id uuid.UUID) error {
	result, err := db.Exec(`
		UPDATE download_jobs
		SET status = $1, completed_at = now(), updated_at = now()
		WHERE id = $2 AND status IN ($3, $4)`,
		StatusCancelled, id, StatusPending, StatusProcessing,
	)
	if err != nil {
		return err
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		if _, getErr := store.Get(db, id); getErr != nil {
			return getErr
		}

		return ErrJobNotCancellable
	}

	return nil
}

// Delete removes a terminal job's record. Active jobs must be cancelled
// before they can be deleted.
func (store *Store) Delete(db database.Queryable, id uuid.UUID) error {
	result, err := db.Exec(`
		DELETE FROM download_jobs
		WHERE id = $1 AND status IN ($2, $3, $4)`,
		id, StatusCompleted, StatusFailed, StatusCancelled,
	)
	if err != nil {
		return err
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		if _, getErr := store.Get(db, id); getErr != nil {
			return getErr
		}

		return ErrJobInProgress
	}

	return nil
}

// ListExpired returns completed jobs whose retention window has elapsed.
func (store *Store) ListExpired(db database.Queryable, now time.Time) ([]*Job, error) {
	jobs := []*Job{}
	err := db.Select(&jobs, `
		SELECT `+jobColumns+`
		FROM download_jobs
		WHERE status = $1 AND expires_at IS NOT NULL AND expires_at <= $2
		ORDER BY expires_at`,
		StatusCompleted, now,
	)

	return jobs, err
}

// ListFailedBefore returns failed jobs created before the cutoff. The age of
// a failed job is measured from its creation, so later touches of the row
// never postpone its removal.
func (store *Store) ListFailedBefore(db database.Queryable, cutoff time.Time) ([]*Job, error) {
	jobs := []*Job{}
	err := db.Select(&jobs, `
		SELECT `+jobColumns+`
		FROM download_jobs
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at`,
		StatusFailed, cutoff,
	)

	return jobs, err
}

// ArtifactRefs returns every artifact reference currently recorded against a
// job, used by the janitor to spot orphaned files.
func (store *Store) ArtifactRefs(db database.Queryable) ([]string, error) {
	refs := []string{}
	err := db.Select(&refs, `SELECT artifact_ref FROM download_jobs WHERE artifact_ref IS NOT NULL`)

	return refs, err
}

// ListCreatedBetween returns every job created inside the given half-open
// interval, regardless of status, used by the statistics aggregator.
func (store *Store) ListCreatedBetween(db database.Queryable, from time.Time, to time.Time) ([]*Job, error) {
	jobs := []*Job{}
	err := db.Select(&jobs, `
		SELECT `+jobColumns+`
		FROM download_jobs
		WHERE created_at >= $1 AND created_at < $2`,
		from, to,
	)

	return jobs, err
}
