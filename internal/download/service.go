package download

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/kjmarlow/hoard/internal/database"
	"github.com/kjmarlow/hoard/internal/event"
	"github.com/kjmarlow/hoard/internal/extractor"
	"github.com/kjmarlow/hoard/internal/platform"
	"github.com/kjmarlow/hoard/pkg/logger"
	"github.com/kjmarlow/hoard/pkg/worker"
)

var log = logger.Get("DownloadServ")

const (
	maxBulkSubmission = 10
	maxURLLength      = 2048
	maxTitleLength    = 500
	maxDescLength     = 1000
	maxErrorLength    = 500
)

type (
	// Config controls the download service worker pool and transfer limits.
	Config struct {
		Parallelism            int `yaml:"parallelism" env:"DOWNLOAD_PARALLELISM" env-default:"4"`
		PollIntervalSeconds    int `yaml:"poll_interval_seconds" env:"DOWNLOAD_POLL_INTERVAL" env-default:"15"`
		TransferTimeoutMinutes int `yaml:"transfer_timeout_minutes" env:"DOWNLOAD_TRANSFER_TIMEOUT" env-default:"60"`
		RetentionHours         int `yaml:"retention_hours" env:"DOWNLOAD_RETENTION_HOURS" env-default:"24"`
	}

	// NewJobRequest is a single submission, either standalone or as part
	// of a bulk request.
	NewJobRequest struct {
		SourceURL string
		Quality   string
		AudioOnly bool
	}

	// BulkRejection records why one entry of a bulk submission was
	// dropped while its siblings were accepted.
	BulkRejection struct {
		SourceURL string
		Reason    string
	}

	urlResolver interface {
		Resolve(rawURL string) (*platform.Platform, error)
	}

	mediaExtractor interface {
		Probe(ctx context.Context, url string) (*extractor.Metadata, error)
		Fetch(ctx context.Context, url string, selector extractor.FormatSelector, onProgress extractor.ProgressFunc) (*extractor.Result, error)
	}

	artifactStore interface {
		Put(localPath string, owner uuid.UUID) (string, error)
		Delete(ref string) error
	}

	jobStore interface {
		Create(db database.Queryable, job *Job) error
		Get(db database.Queryable, id uuid.UUID) (*Job, error)
		List(db database.Queryable, filter ListFilter) ([]*Job, int, error)
		UpdateActive(db database.Queryable, id uuid.UUID, patch JobPatch) error
		Cancel(db database.Queryable, id uuid.UUID) error
		Delete(db database.Queryable, id uuid.UUID) error
	}

	jobQueue interface {
		Enqueue(db database.Queryable, jobID uuid.UUID) error
		Dequeue(db database.Queryable) (*Lease, error)
		Ack(db database.Queryable, lease *Lease) error
		Nack(db database.Queryable, lease *Lease, delay time.Duration) error
		Remove(db database.Queryable, jobID uuid.UUID) error
	}

	dataManager interface {
		GetSqlxDb() *sqlx.DB
		WrapTx(func(*sqlx.Tx) error) error
	}

	// Service owns the full lifecycle of download jobs: accepting
	// and validating submissions, persisting and enqueueing them
	// atomically, and driving a pool of workers which claim queued jobs,
	// run the extractor and settle each job in a terminal state. The
	// worker pool is the only writer to a job's mutable fields while it
	// is non-terminal; cancellation is the single exception and every
	// worker-side write guards against it.
	Service struct {
		*sync.Mutex
		db        dataManager
		store     jobStore
		queue     jobQueue
		resolver  urlResolver
		extractor mediaExtractor
		artifacts artifactStore
		event     event.EventCoordinator

		config      Config
		retryPolicy RetryPolicy
		workerPool  *worker.WorkerPool

		baseCtx  context.Context
		inFlight map[uuid.UUID]context.CancelFunc
	}
)

func New(
	config Config,
	db dataManager,
	store jobStore,
	queue jobQueue,
	resolver urlResolver,
	mediaExtractor mediaExtractor,
	artifacts artifactStore,
	eventBus event.EventCoordinator,
) *Service {
	service := &Service{
		Mutex:       &sync.Mutex{},
		db:          db,
		store:       store,
		queue:       queue,
		resolver:    resolver,
		extractor:   mediaExtractor,
		artifacts:   artifacts,
		event:       eventBus,
		config:      config,
		retryPolicy: DefaultRetryPolicy(),
		workerPool:  worker.NewWorkerPool(),
		baseCtx:     context.Background(),
		inFlight:    make(map[uuid.UUID]context.CancelFunc),
	}

	for i := 0; i < config.Parallelism; i++ {
		label := fmt.Sprintf("download-worker-%d", i)
		service.workerPool.PushWorker(worker.NewWorker(label, service.ProcessQueuedJob))
	}

	return service
}

// Run starts the worker pool and keeps it awake: workers are woken whenever
// a job is enqueued, and on a steady poll interval to pick up retry
// backoffs and leases lapsed by crashed peers. Cancelling the context stops
// the pool after in-flight transfers abort.
func (service *Service) Run(ctx context.Context) error {
	service.Lock()
	service.baseCtx = ctx
	service.Unlock()

	enqueues := make(event.HandlerChannel, 10)
	service.event.RegisterHandlerChannel(enqueues, event.JobEnqueuedEvent)

	pollTicker := time.NewTicker(time.Second * time.Duration(service.config.PollIntervalSeconds))
	defer pollTicker.Stop()

	service.workerPool.Start()
	service.workerPool.WakeupWorkers()

	for {
		select {
		case <-enqueues:
			service.workerPool.WakeupWorkers()
		case <-pollTicker.C:
			service.workerPool.WakeupWorkers()
		case <-ctx.Done():
			service.workerPool.Close()
			return nil
		}
	}
}

// CreateJob validates a submission, resolves its platform, and persists and
// enqueues the job in one transaction so no job exists without a queue
// entry. Rejected submissions leave no trace.
func (service *Service) CreateJob(request NewJobRequest) (*Job, error) {
	plat, err := service.validateRequest(&request)
	if err != nil {
		return nil, err
	}

	job := NewJob(request.SourceURL, plat.ID, request.Quality, request.AudioOnly)
	err = service.db.WrapTx(func(tx *sqlx.Tx) error {
		if err := service.store.Create(tx, job); err != nil {
			return err
		}

		return service.queue.Enqueue(tx, job.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create job for %s: %w", request.SourceURL, err)
	}

	service.event.Dispatch(event.JobEnqueuedEvent, job.ID)
	return job, nil
}

// CreateJobs accepts up to 10 submissions at once. Invalid entries are
// dropped (and reported) while the valid remainder is accepted; a batch
// with no valid entry at all is rejected outright.
func (service *Service) CreateJobs(requests []NewJobRequest) ([]*Job, []BulkRejection, error) {
	if len(requests) == 0 {
		return nil, nil, ValidationError{Field: "urls", Reason: "at least one submission is required"}
	}
	if len(requests) > maxBulkSubmission {
		return nil, nil, ValidationError{Field: "urls", Reason: fmt.Sprintf("at most %d submissions are allowed per request", maxBulkSubmission)}
	}

	jobs := make([]*Job, 0, len(requests))
	rejections := make([]BulkRejection, 0)
	for _, request := range requests {
		job, err := service.CreateJob(request)
		if err != nil {
			if IsValidationError(err) {
				rejections = append(rejections, BulkRejection{SourceURL: request.SourceURL, Reason: err.Error()})
				continue
			}

			return nil, nil, err
		}

		jobs = append(jobs, job)
	}

	if len(jobs) == 0 {
		return nil, rejections, ValidationError{Field: "urls", Reason: "no valid submissions in batch"}
	}

	return jobs, rejections, nil
}

func (service *Service) GetJob(id uuid.UUID) (*Job, error) {
	return service.store.Get(service.db.GetSqlxDb(), id)
}

func (service *Service) ListJobs(filter ListFilter) ([]*Job, int, error) {
	return service.store.List(service.db.GetSqlxDb(), filter)
}

// CancelJob moves a pending or processing job to cancelled and aborts its
// transfer if one is in flight. The queue entry is removed so the job is
// never redelivered; a worker mid-transfer observes the cancellation at its
// next guarded write and stands down without touching the record further.
func (service *Service) CancelJob(id uuid.UUID) error {
	err := service.db.WrapTx(func(tx *sqlx.Tx) error {
		if err := service.store.Cancel(tx, id); err != nil {
			return err
		}

		return service.queue.Remove(tx, id)
	})
	if err != nil {
		return err
	}

	service.Lock()
	if abort, ok := service.inFlight[id]; ok {
		abort()
	}
	service.Unlock()

	service.event.Dispatch(event.JobCompleteEvent, id)
	return nil
}

// DeleteJob removes a terminal job's record along with its artifact. A
// missing artifact file is not an error; the record is removed regardless.
func (service *Service) DeleteJob(id uuid.UUID) error {
	db := service.db.GetSqlxDb()
	job, err := service.store.Get(db, id)
	if err != nil {
		return err
	}

	if err := service.store.Delete(db, id); err != nil {
		return err
	}

	if job.ArtifactRef != nil {
		if err := service.artifacts.Delete(*job.ArtifactRef); err != nil {
			log.Warnf("Failed to remove artifact %s for deleted job %s: %v\n", *job.ArtifactRef, id, err)
		}
	}

	return nil
}

// ValidateURL reports which platform a URL would resolve to without
// creating anything, including a best-guess suggestion for near-miss hosts.
func (service *Service) ValidateURL(rawURL string) (*platform.Platform, error) {
	return service.resolver.Resolve(strings.TrimSpace(rawURL))
}

// ProcessQueuedJob is the worker function for the download service's pool.
// Each invocation claims at most one queued job and drives one attempt of
// it to completion, retry or failure.
func (service *Service) ProcessQueuedJob(w worker.Worker) (bool, error) {
	db := service.db.GetSqlxDb()

	lease, err := service.queue.Dequeue(db)
	if err != nil {
		if !errors.Is(err, ErrQueueEmpty) {
			log.Errorf("Queue dequeue failed: %v\n", err)
		}

		return false, nil
	}

	job, err := service.store.Get(db, lease.JobID)
	if err != nil {
		// Entry with no job backing it; settle it so it stops redelivering.
		log.Warnf("Dropping queue entry for unknown job %s: %v\n", lease.JobID, err)
		service.ack(db, lease)
		return true, nil
	}

	if job.Status.IsTerminal() {
		service.ack(db, lease)
		return true, nil
	}

	service.runJob(job, lease)
	return true, nil
}

// runJob executes a single attempt: mark the job processing, probe its
// metadata if this is the first attempt, run the transfer with progress
// tracking, promote the artifact and complete the job. Any failure is
// handed to the retry policy. Every write to the job goes through
// UpdateActive so a concurrent cancellation always wins.
func (service *Service) runJob(job *Job, lease *Lease) {
	db := service.db.GetSqlxDb()
	attempt := job.RetryCount + 1

	ctx, abort := context.WithTimeout(service.transferContext(), time.Minute*time.Duration(service.config.TransferTimeoutMinutes))
	service.Lock()
	service.inFlight[job.ID] = abort
	service.Unlock()
	defer func() {
		service.Lock()
		delete(service.inFlight, job.ID)
		service.Unlock()
		abort()
	}()

	attemptStart := time.Now()
	patch := JobPatch{Status: statusPtr(StatusProcessing)}
	if job.StartedAt == nil {
		patch.StartedAt = &attemptStart
	}
	if !service.applyOrAbandon(db, job.ID, lease, patch) {
		return
	}
	service.event.Dispatch(event.JobUpdateEvent, job.ID)

	if job.Title == nil {
		metadata, err := service.extractor.Probe(ctx, job.SourceURL)
		if err != nil {
			service.settleFailure(db, job, lease, attempt, fmt.Errorf("metadata probe failed: %w", err))
			return
		}

		if !service.applyOrAbandon(db, job.ID, lease, metadataPatch(metadata)) {
			return
		}
		service.event.Dispatch(event.JobUpdateEvent, job.ID)
	}

	tracker := newProgressTracker(job.ID, db, service.store, service.event, job.ProgressPercent, abort)
	go tracker.Run()

	result, err := service.extractor.Fetch(ctx, job.SourceURL, ResolveFormatSelector(job), tracker.Observe)
	tracker.Close()
	if err != nil {
		service.settleFailure(db, job, lease, attempt, err)
		return
	}

	ref, err := service.artifacts.Put(result.LocalPath, job.ID)
	if err != nil {
		service.settleFailure(db, job, lease, attempt, extractor.Transient(fmt.Errorf("artifact promotion failed: %w", err)))
		return
	}

	completedAt := time.Now()
	if !service.applyOrAbandon(db, job.ID, lease, completionPatch(job, result, ref, attemptStart, completedAt, service.retention())) {
		// Cancellation landed mid-transfer; the record is settled, so the
		// freshly promoted artifact has no owner. Remove it.
		if err := service.artifacts.Delete(ref); err != nil {
			log.Warnf("Failed to remove artifact %s of cancelled job %s: %v\n", ref, job.ID, err)
		}
		return
	}

	service.ack(db, lease)
	service.event.Dispatch(event.JobCompleteEvent, job.ID)
	log.Infof("Job %s completed (%s)\n", job.ID, ref)
}

// settleFailure consults the retry policy: transient failures with budget
// left are re-queued with a backoff delay and remain externally
// 'processing'; anything else settles the job as failed.
func (service *Service) settleFailure(db database.Queryable, job *Job, lease *Lease, attempt int, cause error) {
	message := truncate(cause.Error(), maxErrorLength)
	decision := service.retryPolicy.Decide(attempt, cause)

	if decision.Retry {
		patch := JobPatch{RetryCount: &attempt, ErrorMessage: &message}
		if !service.applyOrAbandon(db, job.ID, lease, patch) {
			return
		}

		if err := service.queue.Nack(db, lease, decision.Delay); err != nil {
			log.Errorf("Failed to re-queue job %s: %v\n", job.ID, err)
		}

		service.event.Dispatch(event.JobUpdateEvent, job.ID)
		log.Warnf("Job %s attempt %d failed (%s); retrying in %s\n", job.ID, attempt, message, decision.Delay)
		return
	}

	now := time.Now()
	patch := JobPatch{Status: statusPtr(StatusFailed), ErrorMessage: &message, CompletedAt: &now}
	if !service.applyOrAbandon(db, job.ID, lease, patch) {
		return
	}

	service.ack(db, lease)
	service.event.Dispatch(event.JobCompleteEvent, job.ID)
	log.Errorf("Job %s failed permanently after %d attempt(s): %s\n", job.ID, attempt, message)
}

// applyOrAbandon applies a patch to a still-active job. If the job reached
// a terminal state concurrently the patch is discarded, the queue entry is
// settled, and false is returned so the caller stands down.
func (service *Service) applyOrAbandon(db database.Queryable, jobID uuid.UUID, lease *Lease, patch JobPatch) bool {
	err := service.store.UpdateActive(db, jobID, patch)
	if err == nil {
		return true
	}

	if errors.Is(err, ErrStaleTransition) || errors.Is(err, ErrJobNotFound) {
		log.Debugf("Abandoning work on job %s: %v\n", jobID, err)
	} else {
		log.Errorf("Failed to update job %s: %v\n", jobID, err)
	}

	service.ack(db, lease)
	return false
}

func (service *Service) ack(db database.Queryable, lease *Lease) {
	if err := service.queue.Ack(db, lease); err != nil {
		log.Errorf("Failed to ack queue entry for job %s: %v\n", lease.JobID, err)
	}
}

func (service *Service) validateRequest(request *NewJobRequest) (*platform.Platform, error) {
	request.SourceURL = strings.TrimSpace(request.SourceURL)
	if request.SourceURL == "" {
		return nil, ValidationError{Field: "url", Reason: "must not be empty"}
	}
	if len(request.SourceURL) > maxURLLength {
		return nil, ValidationError{Field: "url", Reason: fmt.Sprintf("must not exceed %d characters", maxURLLength)}
	}

	plat, err := service.resolver.Resolve(request.SourceURL)
	if err != nil {
		if errors.Is(err, platform.ErrPlatformNotFound) {
			return nil, ValidationError{Field: "url", Reason: "no supported platform recognises this URL"}
		}

		return nil, err
	}

	if request.Quality = strings.TrimSpace(request.Quality); request.Quality == "" {
		request.Quality = "best"
	}

	return plat, nil
}

func (service *Service) transferContext() context.Context {
	service.Lock()
	defer service.Unlock()

	return service.baseCtx
}

func (service *Service) retention() time.Duration {
	return time.Hour * time.Duration(service.config.RetentionHours)
}

func metadataPatch(metadata *extractor.Metadata) JobPatch {
	title := truncate(metadata.Title, maxTitleLength)
	description := truncate(metadata.Description, maxDescLength)
	patch := JobPatch{
		Title:       &title,
		Description: &description,
	}

	if metadata.DurationSecs > 0 {
		duration := metadata.DurationSecs
		patch.DurationSecs = &duration
	}
	if metadata.ThumbnailURL != "" {
		thumb := metadata.ThumbnailURL
		patch.ThumbnailURL = &thumb
	}
	if metadata.Extractor != "" {
		name := metadata.Extractor
		patch.Extractor = &name
	}

	return patch
}

func completionPatch(job *Job, result *extractor.Result, ref string, attemptStart time.Time, completedAt time.Time, retention time.Duration) JobPatch {
	finalProgress := 100
	expiresAt := completedAt.Add(retention)

	startedAt := attemptStart
	if job.StartedAt != nil {
		startedAt = *job.StartedAt
	}
	processingSecs := int(completedAt.Sub(startedAt).Seconds())

	patch := JobPatch{
		Status:             statusPtr(StatusCompleted),
		ProgressPercent:    &finalProgress,
		ErrorMessage:       strPtr(""),
		ArtifactRef:        &ref,
		ArtifactSize:       &result.SizeBytes,
		CompletedAt:        &completedAt,
		ExpiresAt:          &expiresAt,
		ProcessingTimeSecs: &processingSecs,
	}

	if result.ActualQuality != "" {
		quality := result.ActualQuality
		patch.ActualQuality = &quality
	}
	if result.FormatID != "" {
		format := result.FormatID
		patch.FormatID = &format
	}

	if elapsed := completedAt.Sub(attemptStart).Seconds(); elapsed > 0 && result.SizeBytes > 0 {
		speed := int(float64(result.SizeBytes) / elapsed / 1024)
		patch.TransferSpeedKbps = &speed
	}

	return patch
}

// truncate caps value at limit bytes without splitting a multi-byte rune.
func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}

	cut := limit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}

	return value[:cut]
}

func statusPtr(status JobStatus) *JobStatus { return &status }
func strPtr(value string) *string           { return &value }
