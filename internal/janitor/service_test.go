package janitor_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kjmarlow/hoard/internal/artifact"
	"github.com/kjmarlow/hoard/internal/database"
	"github.com/kjmarlow/hoard/internal/download"
	"github.com/kjmarlow/hoard/internal/janitor"
	"github.com/kjmarlow/hoard/pkg/logger"
)

func init() {
	logger.SetMinLoggingLevel(logger.ERROR.Level())
}

type mockDataManager struct{}

func (m *mockDataManager) GetSqlxDb() *sqlx.DB { return nil }

type mockJobStore struct {
	mock.Mock
}

func (m *mockJobStore) ListExpired(db database.Queryable, now time.Time) ([]*download.Job, error) {
	args := m.Called()
	//nolint:forcetypeassert
	return args.Get(0).([]*download.Job), args.Error(1)
}

func (m *mockJobStore) ListFailedBefore(db database.Queryable, cutoff time.Time) ([]*download.Job, error) {
	args := m.Called(cutoff)
	//nolint:forcetypeassert
	return args.Get(0).([]*download.Job), args.Error(1)
}

func (m *mockJobStore) Delete(db database.Queryable, id uuid.UUID) error {
	args := m.Called(id)
	return args.Error(0)
}

func (m *mockJobStore) ArtifactRefs(db database.Queryable) ([]string, error) {
	args := m.Called()
	//nolint:forcetypeassert
	return args.Get(0).([]string), args.Error(1)
}

type mockArtifacts struct {
	mock.Mock
}

func (m *mockArtifacts) Delete(ref string) error {
	args := m.Called(ref)
	return args.Error(0)
}

func (m *mockArtifacts) List() ([]string, error) {
	args := m.Called()
	//nolint:forcetypeassert
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockArtifacts) Size(ref string) (int64, error) {
	args := m.Called(ref)
	return int64(args.Int(0)), args.Error(1)
}

type mockAggregator struct {
	mock.Mock
}

func (m *mockAggregator) AggregateDay(db database.Queryable, moment time.Time) error {
	args := m.Called(moment)
	return args.Error(0)
}

func strPtr(value string) *string { return &value }

func expiredJob(ref string) *download.Job {
	job := &download.Job{ID: uuid.New(), Status: download.StatusCompleted}
	if ref != "" {
		job.ArtifactRef = strPtr(ref)
	}

	return job
}

func TestSweep_ExpiredJobs_ArtifactAndRecordRemoved(t *testing.T) {
	jobs := new(mockJobStore)
	artifacts := new(mockArtifacts)
	job := expiredJob("abc.mp4")

	jobs.On("ListExpired").Return([]*download.Job{job}, nil)
	jobs.On("ListFailedBefore", mock.Anything).Return([]*download.Job{}, nil)
	jobs.On("ArtifactRefs").Return([]string{}, nil)
	jobs.On("Delete", job.ID).Return(nil)
	artifacts.On("Delete", "abc.mp4").Return(nil)
	artifacts.On("List").Return([]string{}, nil)

	service := janitor.New(janitor.Config{SweepIntervalHours: 3, FailedRetentionDays: 7}, &mockDataManager{}, jobs, artifacts, new(mockAggregator))

	reclaimed, err := service.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)
	artifacts.AssertCalled(t, "Delete", "abc.mp4")
	jobs.AssertCalled(t, "Delete", job.ID)
}

func TestSweep_MissingArtifactFile_RecordStillRemoved(t *testing.T) {
	jobs := new(mockJobStore)
	artifacts := new(mockArtifacts)
	job := expiredJob("gone.mp4")

	jobs.On("ListExpired").Return([]*download.Job{job}, nil)
	jobs.On("ListFailedBefore", mock.Anything).Return([]*download.Job{}, nil)
	jobs.On("ArtifactRefs").Return([]string{}, nil)
	jobs.On("Delete", job.ID).Return(nil)
	artifacts.On("Delete", "gone.mp4").Return(artifact.ErrArtifactNotFound)
	artifacts.On("List").Return([]string{}, nil)

	service := janitor.New(janitor.Config{SweepIntervalHours: 3, FailedRetentionDays: 7}, &mockDataManager{}, jobs, artifacts, new(mockAggregator))

	reclaimed, err := service.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)
	jobs.AssertCalled(t, "Delete", job.ID)
}

func TestSweep_StaleFailedJobs_Removed(t *testing.T) {
	jobs := new(mockJobStore)
	artifacts := new(mockArtifacts)
	stale := &download.Job{ID: uuid.New(), Status: download.StatusFailed}

	jobs.On("ListExpired").Return([]*download.Job{}, nil)
	jobs.On("ListFailedBefore", mock.MatchedBy(func(cutoff time.Time) bool {
		// 7 day retention window, measured from roughly now.
		return time.Since(cutoff) > 6*24*time.Hour && time.Since(cutoff) < 8*24*time.Hour
	})).Return([]*download.Job{stale}, nil)
	jobs.On("ArtifactRefs").Return([]string{}, nil)
	jobs.On("Delete", stale.ID).Return(nil)
	artifacts.On("List").Return([]string{}, nil)

	service := janitor.New(janitor.Config{SweepIntervalHours: 3, FailedRetentionDays: 7}, &mockDataManager{}, jobs, artifacts, new(mockAggregator))

	reclaimed, err := service.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)
}

func TestSweep_OrphanedArtifacts_RemovedButKnownRefsKept(t *testing.T) {
	jobs := new(mockJobStore)
	artifacts := new(mockArtifacts)

	jobs.On("ListExpired").Return([]*download.Job{}, nil)
	jobs.On("ListFailedBefore", mock.Anything).Return([]*download.Job{}, nil)
	jobs.On("ArtifactRefs").Return([]string{"kept.mp4"}, nil)
	artifacts.On("List").Return([]string{"kept.mp4", "orphan.mp4"}, nil)
	artifacts.On("Size", "orphan.mp4").Return(2048, nil)
	artifacts.On("Delete", "orphan.mp4").Return(nil)

	service := janitor.New(janitor.Config{SweepIntervalHours: 3, FailedRetentionDays: 7}, &mockDataManager{}, jobs, artifacts, new(mockAggregator))

	reclaimed, err := service.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)
	artifacts.AssertCalled(t, "Delete", "orphan.mp4")
	artifacts.AssertNotCalled(t, "Delete", "kept.mp4")
}

func TestSweep_ListingFailure_Surfaced(t *testing.T) {
	jobs := new(mockJobStore)
	artifacts := new(mockArtifacts)

	jobs.On("ListExpired").Return([]*download.Job{}, errors.New("connection refused"))

	service := janitor.New(janitor.Config{SweepIntervalHours: 3, FailedRetentionDays: 7}, &mockDataManager{}, jobs, artifacts, new(mockAggregator))

	_, err := service.Sweep()
	assert.Error(t, err)
}
