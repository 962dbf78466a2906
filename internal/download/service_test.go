package download_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kjmarlow/hoard/internal/database"
	"github.com/kjmarlow/hoard/internal/download"
	"github.com/kjmarlow/hoard/internal/event"
	"github.com/kjmarlow/hoard/internal/extractor"
	"github.com/kjmarlow/hoard/internal/platform"
	"github.com/kjmarlow/hoard/pkg/logger"
)

// A default event bus which should be used as a NOOP event bus. DO NOT
// subscribe to this inside of a test as the subscribers are not removed
// between tests.
var defaultEventBus = event.New()

func init() {
	logger.SetMinLoggingLevel(logger.ERROR.Level())
}

type mockDataManager struct{}

func (m *mockDataManager) GetSqlxDb() *sqlx.DB { return nil }
func (m *mockDataManager) WrapTx(f func(tx *sqlx.Tx) error) error {
	return f(nil)
}

type mockJobStore struct {
	mock.Mock

	mu      sync.Mutex
	patches []download.JobPatch
}

func (m *mockJobStore) Create(db database.Queryable, job *download.Job) error {
	args := m.Called(job)
	return args.Error(0)
}

func (m *mockJobStore) Get(db database.Queryable, id uuid.UUID) (*download.Job, error) {
	args := m.Called(id)
	if v, ok := args.Get(0).(*download.Job); ok {
		return v, args.Error(1)
	}

	return nil, args.Error(1)
}

func (m *mockJobStore) List(db database.Queryable, filter download.ListFilter) ([]*download.Job, int, error) {
	args := m.Called(filter)
	//nolint:forcetypeassert
	return args.Get(0).([]*download.Job), args.Int(1), args.Error(2)
}

func (m *mockJobStore) UpdateActive(db database.Queryable, id uuid.UUID, patch download.JobPatch) error {
	args := m.Called(id, patch)
	if args.Error(0) == nil {
		m.mu.Lock()
		m.patches = append(m.patches, patch)
		m.mu.Unlock()
	}

	return args.Error(0)
}

func (m *mockJobStore) Cancel(db database.Queryable, id uuid.UUID) error {
	args := m.Called(id)
	return args.Error(0)
}

func (m *mockJobStore) Delete(db database.Queryable, id uuid.UUID) error {
	args := m.Called(id)
	return args.Error(0)
}

func (m *mockJobStore) appliedPatches() []download.JobPatch {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]download.JobPatch{}, m.patches...)
}

type mockQueue struct {
	mock.Mock
}

func (m *mockQueue) Enqueue(db database.Queryable, jobID uuid.UUID) error {
	args := m.Called(jobID)
	return args.Error(0)
}

func (m *mockQueue) Dequeue(db database.Queryable) (*download.Lease, error) {
	args := m.Called()
	if v, ok := args.Get(0).(*download.Lease); ok {
		return v, args.Error(1)
	}

	return nil, args.Error(1)
}

func (m *mockQueue) Ack(db database.Queryable, lease *download.Lease) error {
	args := m.Called(lease)
	return args.Error(0)
}

func (m *mockQueue) Nack(db database.Queryable, lease *download.Lease, delay time.Duration) error {
	args := m.Called(lease, delay)
	return args.Error(0)
}

func (m *mockQueue) Remove(db database.Queryable, jobID uuid.UUID) error {
	args := m.Called(jobID)
	return args.Error(0)
}

type mockResolver struct {
	mock.Mock
}

func (m *mockResolver) Resolve(rawURL string) (*platform.Platform, error) {
	args := m.Called(rawURL)
	if v, ok := args.Get(0).(*platform.Platform); ok {
		return v, args.Error(1)
	}

	return nil, args.Error(1)
}

type mockExtractor struct {
	mock.Mock

	// fetchProgress is replayed through the onProgress callback before
	// Fetch resolves, simulating a transfer reporting as it goes.
	fetchProgress []extractor.Progress
}

func (m *mockExtractor) Probe(ctx context.Context, url string) (*extractor.Metadata, error) {
	args := m.Called(url)
	if v, ok := args.Get(0).(*extractor.Metadata); ok {
		return v, args.Error(1)
	}

	return nil, args.Error(1)
}

func (m *mockExtractor) Fetch(ctx context.Context, url string, selector extractor.FormatSelector, onProgress extractor.ProgressFunc) (*extractor.Result, error) {
	for _, report := range m.fetchProgress {
		onProgress(report)
	}

	args := m.Called(url, selector)
	if v, ok := args.Get(0).(*extractor.Result); ok {
		return v, args.Error(1)
	}

	return nil, args.Error(1)
}

type mockArtifacts struct {
	mock.Mock
}

func (m *mockArtifacts) Put(localPath string, owner uuid.UUID) (string, error) {
	args := m.Called(localPath, owner)
	return args.String(0), args.Error(1)
}

func (m *mockArtifacts) Delete(ref string) error {
	args := m.Called(ref)
	return args.Error(0)
}

type serviceMocks struct {
	store     *mockJobStore
	queue     *mockQueue
	resolver  *mockResolver
	extractor *mockExtractor
	artifacts *mockArtifacts
}

func buildService() (*serviceMocks, *download.Service) {
	mocks := &serviceMocks{
		store:     new(mockJobStore),
		queue:     new(mockQueue),
		resolver:  new(mockResolver),
		extractor: new(mockExtractor),
		artifacts: new(mockArtifacts),
	}

	config := download.Config{Parallelism: 1, PollIntervalSeconds: 60, TransferTimeoutMinutes: 10, RetentionHours: 24}
	service := download.New(config, &mockDataManager{}, mocks.store, mocks.queue, mocks.resolver, mocks.extractor, mocks.artifacts, defaultEventBus)

	return mocks, service
}

func pendingJob() *download.Job {
	return &download.Job{
		ID:               uuid.New(),
		SourceURL:        "https://www.youtube.com/watch?v=abc123",
		PlatformID:       uuid.New(),
		RequestedQuality: "720p",
		Status:           download.StatusPending,
	}
}

func youtube() *platform.Platform {
	return &platform.Platform{ID: uuid.New(), Name: "youtube", DisplayName: "YouTube", IsActive: true}
}

func TestCreateJob_PersistsAndEnqueuesAtomically(t *testing.T) {
	mocks, service := buildService()

	mocks.resolver.On("Resolve", "https://www.youtube.com/watch?v=abc123").Return(youtube(), nil)
	mocks.store.On("Create", mock.Anything).Return(nil)
	mocks.queue.On("Enqueue", mock.Anything).Return(nil)

	job, err := service.CreateJob(download.NewJobRequest{SourceURL: "  https://www.youtube.com/watch?v=abc123  "})
	require.NoError(t, err)

	assert.Equal(t, download.StatusPending, job.Status)
	assert.Equal(t, "best", job.RequestedQuality, "blank quality should default to best")
	assert.Equal(t, "https://www.youtube.com/watch?v=abc123", job.SourceURL)
	mocks.store.AssertCalled(t, "Create", mock.Anything)
	mocks.queue.AssertCalled(t, "Enqueue", job.ID)
}

func TestCreateJob_UnrecognisedPlatform_RejectedWithoutTrace(t *testing.T) {
	mocks, service := buildService()

	mocks.resolver.On("Resolve", mock.Anything).Return(nil, platform.ErrPlatformNotFound)

	_, err := service.CreateJob(download.NewJobRequest{SourceURL: "https://example.com/video"})
	require.Error(t, err)
	assert.True(t, download.IsValidationError(err))
	mocks.store.AssertNotCalled(t, "Create", mock.Anything)
	mocks.queue.AssertNotCalled(t, "Enqueue", mock.Anything)
}

func TestCreateJob_EmptyURL_Rejected(t *testing.T) {
	_, service := buildService()

	_, err := service.CreateJob(download.NewJobRequest{SourceURL: "   "})
	assert.True(t, download.IsValidationError(err))
}

func TestCreateJobs_OversizedBatch_RejectedOutright(t *testing.T) {
	mocks, service := buildService()

	requests := make([]download.NewJobRequest, 11)
	for i := range requests {
		requests[i] = download.NewJobRequest{SourceURL: "https://www.youtube.com/watch?v=abc"}
	}

	_, _, err := service.CreateJobs(requests)
	assert.True(t, download.IsValidationError(err))
	mocks.resolver.AssertNotCalled(t, "Resolve", mock.Anything)
}

func TestCreateJobs_MixedBatch_AcceptsValidAndReportsRest(t *testing.T) {
	mocks, service := buildService()

	mocks.resolver.On("Resolve", "https://www.youtube.com/watch?v=abc").Return(youtube(), nil)
	mocks.resolver.On("Resolve", "https://example.com/nope").Return(nil, platform.ErrPlatformNotFound)
	mocks.store.On("Create", mock.Anything).Return(nil)
	mocks.queue.On("Enqueue", mock.Anything).Return(nil)

	jobs, rejections, err := service.CreateJobs([]download.NewJobRequest{
		{SourceURL: "https://www.youtube.com/watch?v=abc"},
		{SourceURL: "https://example.com/nope"},
	})

	require.NoError(t, err)
	assert.Len(t, jobs, 1)
	require.Len(t, rejections, 1)
	assert.Equal(t, "https://example.com/nope", rejections[0].SourceURL)
}

func TestCreateJobs_AllInvalid_Rejected(t *testing.T) {
	mocks, service := buildService()

	mocks.resolver.On("Resolve", mock.Anything).Return(nil, platform.ErrPlatformNotFound)

	_, rejections, err := service.CreateJobs([]download.NewJobRequest{
		{SourceURL: "https://example.com/a"},
		{SourceURL: "https://example.com/b"},
	})

	assert.True(t, download.IsValidationError(err))
	assert.Len(t, rejections, 2)
}

func TestProcessQueuedJob_SuccessfulTransfer_CompletesJob(t *testing.T) {
	mocks, service := buildService()
	job := pendingJob()
	lease := &download.Lease{JobID: job.ID, Token: uuid.New()}

	mocks.queue.On("Dequeue").Return(lease, nil)
	mocks.store.On("Get", job.ID).Return(job, nil)
	mocks.store.On("UpdateActive", job.ID, mock.Anything).Return(nil)
	mocks.extractor.On("Probe", job.SourceURL).Return(&extractor.Metadata{
		Title:        "A Video",
		Description:  "About things",
		DurationSecs: 321,
		Extractor:    "youtube",
	}, nil)
	mocks.extractor.On("Fetch", job.SourceURL, mock.Anything).Return(&extractor.Result{
		LocalPath: "/tmp/staging/abc.mp4",
		SizeBytes: 1024 * 1024,
		FormatID:  "22",
	}, nil)
	mocks.artifacts.On("Put", "/tmp/staging/abc.mp4", job.ID).Return(job.ID.String()+".mp4", nil)
	mocks.queue.On("Ack", lease).Return(nil)

	didWork, err := service.ProcessQueuedJob(nil)
	require.NoError(t, err)
	assert.True(t, didWork)

	patches := mocks.store.appliedPatches()
	require.Len(t, patches, 3, "expected processing, metadata and completion writes")

	assert.Equal(t, download.StatusProcessing, *patches[0].Status)
	assert.NotNil(t, patches[0].StartedAt)

	assert.Equal(t, "A Video", *patches[1].Title)
	assert.Equal(t, 321, *patches[1].DurationSecs)

	final := patches[2]
	assert.Equal(t, download.StatusCompleted, *final.Status)
	assert.Equal(t, 100, *final.ProgressPercent)
	assert.Equal(t, job.ID.String()+".mp4", *final.ArtifactRef)
	assert.Equal(t, int64(1024*1024), *final.ArtifactSize)
	require.NotNil(t, final.ExpiresAt)
	assert.Equal(t, final.CompletedAt.Add(24*time.Hour), *final.ExpiresAt)

	mocks.queue.AssertCalled(t, "Ack", lease)
	mocks.queue.AssertNotCalled(t, "Nack", mock.Anything, mock.Anything)
}

func TestProcessQueuedJob_TransientFailure_RequeuedWithBackoff(t *testing.T) {
	mocks, service := buildService()
	job := pendingJob()
	job.Title = strPtr("Probed Already")
	lease := &download.Lease{JobID: job.ID, Token: uuid.New()}

	mocks.queue.On("Dequeue").Return(lease, nil)
	mocks.store.On("Get", job.ID).Return(job, nil)
	mocks.store.On("UpdateActive", job.ID, mock.Anything).Return(nil)
	mocks.extractor.On("Fetch", job.SourceURL, mock.Anything).
		Return(nil, extractor.Transient(errors.New("connection reset by peer")))
	mocks.queue.On("Nack", lease, time.Minute).Return(nil)

	didWork, err := service.ProcessQueuedJob(nil)
	require.NoError(t, err)
	assert.True(t, didWork)

	patches := mocks.store.appliedPatches()
	final := patches[len(patches)-1]
	require.NotNil(t, final.RetryCount)
	assert.Equal(t, 1, *final.RetryCount)
	assert.Nil(t, final.Status, "job must remain processing between attempts")
	assert.Contains(t, *final.ErrorMessage, "connection reset")

	mocks.queue.AssertCalled(t, "Nack", lease, time.Minute)
	mocks.queue.AssertNotCalled(t, "Ack", mock.Anything)
	mocks.extractor.AssertNotCalled(t, "Probe", mock.Anything)
}

func TestProcessQueuedJob_PermanentFailure_SettlesAsFailed(t *testing.T) {
	mocks, service := buildService()
	job := pendingJob()
	job.Title = strPtr("Probed Already")
	lease := &download.Lease{JobID: job.ID, Token: uuid.New()}

	mocks.queue.On("Dequeue").Return(lease, nil)
	mocks.store.On("Get", job.ID).Return(job, nil)
	mocks.store.On("UpdateActive", job.ID, mock.Anything).Return(nil)
	mocks.extractor.On("Fetch", job.SourceURL, mock.Anything).
		Return(nil, extractor.Permanent(errors.New("Video unavailable")))
	mocks.queue.On("Ack", lease).Return(nil)

	_, err := service.ProcessQueuedJob(nil)
	require.NoError(t, err)

	patches := mocks.store.appliedPatches()
	final := patches[len(patches)-1]
	require.NotNil(t, final.Status)
	assert.Equal(t, download.StatusFailed, *final.Status)
	assert.NotNil(t, final.CompletedAt)
	assert.Contains(t, *final.ErrorMessage, "Video unavailable")

	mocks.queue.AssertCalled(t, "Ack", lease)
}

func TestProcessQueuedJob_RetryBudgetExhausted_SettlesAsFailed(t *testing.T) {
	mocks, service := buildService()
	job := pendingJob()
	job.Title = strPtr("Probed Already")
	job.RetryCount = 3
	lease := &download.Lease{JobID: job.ID, Token: uuid.New()}

	mocks.queue.On("Dequeue").Return(lease, nil)
	mocks.store.On("Get", job.ID).Return(job, nil)
	mocks.store.On("UpdateActive", job.ID, mock.Anything).Return(nil)
	mocks.extractor.On("Fetch", job.SourceURL, mock.Anything).
		Return(nil, extractor.Transient(errors.New("still flaky")))
	mocks.queue.On("Ack", lease).Return(nil)

	_, err := service.ProcessQueuedJob(nil)
	require.NoError(t, err)

	final := mocks.store.appliedPatches()
	assert.Equal(t, download.StatusFailed, *final[len(final)-1].Status)
	mocks.queue.AssertNotCalled(t, "Nack", mock.Anything, mock.Anything)
}

func TestProcessQueuedJob_RetriedTransfer_ProgressNeverRegresses(t *testing.T) {
	mocks, service := buildService()
	job := pendingJob()
	job.Title = strPtr("Probed Already")
	job.RetryCount = 1
	job.ProgressPercent = 50
	lease := &download.Lease{JobID: job.ID, Token: uuid.New()}

	// The retried transfer starts over from zero bytes; its early reports
	// sit below what the first attempt already recorded.
	mocks.extractor.fetchProgress = []extractor.Progress{
		{DownloadedBytes: 50, TotalBytes: 1000},
		{DownloadedBytes: 800, TotalBytes: 1000},
	}

	mocks.queue.On("Dequeue").Return(lease, nil)
	mocks.store.On("Get", job.ID).Return(job, nil)
	mocks.store.On("UpdateActive", job.ID, mock.Anything).Return(nil)
	mocks.extractor.On("Fetch", job.SourceURL, mock.Anything).Return(&extractor.Result{
		LocalPath: "/tmp/staging/abc.mp4",
		SizeBytes: 1000,
	}, nil)
	mocks.artifacts.On("Put", "/tmp/staging/abc.mp4", job.ID).Return(job.ID.String()+".mp4", nil)
	mocks.queue.On("Ack", lease).Return(nil)

	_, err := service.ProcessQueuedJob(nil)
	require.NoError(t, err)

	for _, patch := range mocks.store.appliedPatches() {
		if patch.ProgressPercent != nil {
			assert.GreaterOrEqual(t, *patch.ProgressPercent, 50, "progress must not wind backwards across attempts")
		}
	}
}

func TestProcessQueuedJob_CancelledBeforePickup_SettledSilently(t *testing.T) {
	mocks, service := buildService()
	job := pendingJob()
	job.Status = download.StatusCancelled
	lease := &download.Lease{JobID: job.ID, Token: uuid.New()}

	mocks.queue.On("Dequeue").Return(lease, nil)
	mocks.store.On("Get", job.ID).Return(job, nil)
	mocks.queue.On("Ack", lease).Return(nil)

	didWork, err := service.ProcessQueuedJob(nil)
	require.NoError(t, err)
	assert.True(t, didWork)

	mocks.store.AssertNotCalled(t, "UpdateActive", mock.Anything, mock.Anything)
	mocks.extractor.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
}

func TestProcessQueuedJob_CancelledMidTransfer_NoTerminalOverwrite(t *testing.T) {
	mocks, service := buildService()
	job := pendingJob()
	job.Title = strPtr("Probed Already")
	lease := &download.Lease{JobID: job.ID, Token: uuid.New()}

	mocks.queue.On("Dequeue").Return(lease, nil)
	mocks.store.On("Get", job.ID).Return(job, nil)
	mocks.store.On("UpdateActive", job.ID, mock.Anything).Return(nil).Once()
	mocks.store.On("UpdateActive", job.ID, mock.Anything).Return(download.ErrStaleTransition)
	mocks.extractor.On("Fetch", job.SourceURL, mock.Anything).Return(&extractor.Result{
		LocalPath: "/tmp/staging/abc.mp4",
		SizeBytes: 10,
	}, nil)
	mocks.artifacts.On("Put", "/tmp/staging/abc.mp4", job.ID).Return("orphan.mp4", nil)
	mocks.artifacts.On("Delete", "orphan.mp4").Return(nil)
	mocks.queue.On("Ack", lease).Return(nil)

	_, err := service.ProcessQueuedJob(nil)
	require.NoError(t, err)

	mocks.artifacts.AssertCalled(t, "Delete", "orphan.mp4")
	mocks.queue.AssertCalled(t, "Ack", lease)
}

func TestProcessQueuedJob_EmptyQueue_ReportsNoWork(t *testing.T) {
	mocks, service := buildService()
	mocks.queue.On("Dequeue").Return(nil, download.ErrQueueEmpty)

	didWork, err := service.ProcessQueuedJob(nil)
	require.NoError(t, err)
	assert.False(t, didWork)
}

func TestCancelJob_RemovesQueueEntry(t *testing.T) {
	mocks, service := buildService()
	jobID := uuid.New()

	mocks.store.On("Cancel", jobID).Return(nil)
	mocks.queue.On("Remove", jobID).Return(nil)

	require.NoError(t, service.CancelJob(jobID))
	mocks.queue.AssertCalled(t, "Remove", jobID)
}

func TestCancelJob_TerminalJob_Errors(t *testing.T) {
	mocks, service := buildService()
	jobID := uuid.New()

	mocks.store.On("Cancel", jobID).Return(download.ErrJobNotCancellable)

	err := service.CancelJob(jobID)
	assert.ErrorIs(t, err, download.ErrJobNotCancellable)
	mocks.queue.AssertNotCalled(t, "Remove", mock.Anything)
}

func TestDeleteJob_RemovesRecordAndArtifact(t *testing.T) {
	mocks, service := buildService()
	job := pendingJob()
	job.Status = download.StatusCompleted
	job.ArtifactRef = strPtr(job.ID.String() + ".mp4")

	mocks.store.On("Get", job.ID).Return(job, nil)
	mocks.store.On("Delete", job.ID).Return(nil)
	mocks.artifacts.On("Delete", *job.ArtifactRef).Return(nil)

	require.NoError(t, service.DeleteJob(job.ID))
	mocks.artifacts.AssertCalled(t, "Delete", *job.ArtifactRef)
}

func TestDeleteJob_ActiveJob_Rejected(t *testing.T) {
	mocks, service := buildService()
	job := pendingJob()

	mocks.store.On("Get", job.ID).Return(job, nil)
	mocks.store.On("Delete", job.ID).Return(download.ErrJobInProgress)

	err := service.DeleteJob(job.ID)
	assert.ErrorIs(t, err, download.ErrJobInProgress)
	mocks.artifacts.AssertNotCalled(t, "Delete", mock.Anything)
}

func strPtr(value string) *string { return &value }
