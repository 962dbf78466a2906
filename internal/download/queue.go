package download

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kjmarlow/hoard/internal/database"
)

// ErrQueueEmpty indicates no job is currently ready for delivery.
var ErrQueueEmpty = errors.New("no deliverable job in queue")

// Lease is a claim on a queued job. The holder must Ack or Nack it before
// the visibility timeout elapses; a lapsed lease makes the job deliverable
// to another worker, which is how work survives a worker crash.
type Lease struct {
	JobID uuid.UUID
	Token uuid.UUID
}

// Queue is a durable FIFO of job IDs backed by the job_queue table. Delivery
// is at-least-once: every mutation a consumer makes must therefore be safe
// to repeat.
type Queue struct {
	// VisibilityTimeout bounds how long a dequeued job stays invisible to
	// other workers before its lease lapses.
	VisibilityTimeout time.Duration
}

func NewQueue(visibilityTimeout time.Duration) *Queue {
	return &Queue{VisibilityTimeout: visibilityTimeout}
}

// Enqueue registers a job for delivery. It is expected to run inside the
// same transaction that created the job record, so a job is never persisted
// without a queue entry or vice versa.
func (queue *Queue) Enqueue(db database.Queryable, jobID uuid.UUID) error {
	_, err := db.Exec(`INSERT INTO job_queue (job_id, enqueued_at) VALUES ($1, now())`, jobID)
	return err
}

// Dequeue claims the oldest deliverable entry: one which is neither leased
// nor deferred by a retry backoff. Claiming uses FOR UPDATE SKIP LOCKED so
// concurrent workers never block each other nor receive the same entry.
func (queue *Queue) Dequeue(db database.Queryable) (*Lease, error) {
	token := uuid.New()

	var jobID uuid.UUID
	err := db.Get(&jobID, `
		UPDATE job_queue
		SET lease_token = $1, leased_until = now() + make_interval(secs => $2)
		WHERE id = (
			SELECT id FROM job_queue
			WHERE (leased_until IS NULL OR leased_until < now())
			  AND (not_before IS NULL OR not_before <= now())
			ORDER BY enqueued_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING job_id`,
		token, queue.VisibilityTimeout.Seconds(),
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrQueueEmpty
		}

		return nil, err
	}

	return &Lease{JobID: jobID, Token: token}, nil
}

// Ack removes the entry, ending delivery for the job. Acking a lapsed or
// superseded lease is a harmless no-op.
func (queue *Queue) Ack(db database.Queryable, lease *Lease) error {
	_, err := db.Exec(`DELETE FROM job_queue WHERE job_id = $1 AND lease_token = $2`, lease.JobID, lease.Token)
	return err
}

// Nack releases the lease and defers redelivery by at least the given
// delay. A zero delay makes the entry immediately deliverable again.
func (queue *Queue) Nack(db database.Queryable, lease *Lease, delay time.Duration) error {
	_, err := db.Exec(`
		UPDATE job_queue
		SET lease_token = NULL, leased_until = NULL, not_before = now() + make_interval(secs => $3)
		WHERE job_id = $1 AND lease_token = $2`,
		lease.JobID, lease.Token, delay.Seconds(),
	)

	return err
}

// Remove drops a job's queue entry regardless of lease state, used when a
// job is cancelled before any worker picks it up.
func (queue *Queue) Remove(db database.Queryable, jobID uuid.UUID) error {
	_, err := db.Exec(`DELETE FROM job_queue WHERE job_id = $1`, jobID)
	return err
}

// Depth reports how many entries are waiting, leased or not.
func (queue *Queue) Depth(db database.Queryable) (int, error) {
	var depth int
	err := db.Get(&depth, `SELECT COUNT(*) FROM job_queue`)

	return depth, err
}
