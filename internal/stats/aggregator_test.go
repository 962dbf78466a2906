package stats_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kjmarlow/hoard/internal/database"
	"github.com/kjmarlow/hoard/internal/download"
	"github.com/kjmarlow/hoard/internal/stats"
)

type mockJobSource struct {
	mock.Mock
}

func (m *mockJobSource) ListCreatedBetween(db database.Queryable, from time.Time, to time.Time) ([]*download.Job, error) {
	args := m.Called(from, to)
	//nolint:forcetypeassert
	return args.Get(0).([]*download.Job), args.Error(1)
}

type mockStatWriter struct {
	mock.Mock

	written []*stats.DailyStatistic
}

func (m *mockStatWriter) Upsert(db database.Queryable, stat *stats.DailyStatistic) error {
	args := m.Called(stat)
	if args.Error(0) == nil {
		m.written = append(m.written, stat)
	}

	return args.Error(0)
}

func sizePtr(mb int64) *int64 {
	bytes := mb * 1024 * 1024
	return &bytes
}

func TestAggregateDay_GroupsByPlatformAndCountsOutcomes(t *testing.T) {
	youtubeID, vimeoID := uuid.New(), uuid.New()
	created := []*download.Job{
		{PlatformID: youtubeID, Status: download.StatusCompleted, ArtifactSize: sizePtr(100)},
		{PlatformID: youtubeID, Status: download.StatusCompleted, ArtifactSize: sizePtr(50)},
		{PlatformID: youtubeID, Status: download.StatusFailed},
		// Cancelled and still-running jobs count towards the day's total
		// without touching the outcome counters.
		{PlatformID: youtubeID, Status: download.StatusCancelled},
		{PlatformID: youtubeID, Status: download.StatusProcessing},
		{PlatformID: vimeoID, Status: download.StatusCompleted, ArtifactSize: sizePtr(10)},
	}

	jobs := new(mockJobSource)
	writer := new(mockStatWriter)
	jobs.On("ListCreatedBetween", mock.Anything, mock.Anything).Return(created, nil)
	writer.On("Upsert", mock.Anything).Return(nil)

	aggregator := stats.NewAggregator(jobs, writer)
	require.NoError(t, aggregator.AggregateDay(nil, time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)))

	require.Len(t, writer.written, 2)
	byPlatform := make(map[uuid.UUID]*stats.DailyStatistic)
	for _, stat := range writer.written {
		byPlatform[stat.PlatformID] = stat
	}

	yt := byPlatform[youtubeID]
	require.NotNil(t, yt)
	assert.Equal(t, 5, yt.TotalDownloads)
	assert.Equal(t, 2, yt.SuccessfulDownloads)
	assert.Equal(t, 1, yt.FailedDownloads)
	assert.Equal(t, int64(150), yt.TotalSizeMB)

	vimeo := byPlatform[vimeoID]
	require.NotNil(t, vimeo)
	assert.Equal(t, 1, vimeo.TotalDownloads)
	assert.Equal(t, int64(10), vimeo.TotalSizeMB)
}

func TestAggregateDay_QueriesTheFullUTCDay(t *testing.T) {
	jobs := new(mockJobSource)
	writer := new(mockStatWriter)

	expectedStart := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	jobs.On("ListCreatedBetween", expectedStart, expectedStart.Add(24*time.Hour)).Return([]*download.Job{}, nil)

	aggregator := stats.NewAggregator(jobs, writer)
	require.NoError(t, aggregator.AggregateDay(nil, time.Date(2026, 3, 14, 23, 59, 59, 0, time.UTC)))

	jobs.AssertExpectations(t)
	writer.AssertNotCalled(t, "Upsert", mock.Anything)
}

func TestAggregateDay_DateStampedWithDayStart(t *testing.T) {
	jobs := new(mockJobSource)
	writer := new(mockStatWriter)

	settled := []*download.Job{{PlatformID: uuid.New(), Status: download.StatusFailed}}
	jobs.On("ListCreatedBetween", mock.Anything, mock.Anything).Return(settled, nil)
	writer.On("Upsert", mock.Anything).Return(nil)

	aggregator := stats.NewAggregator(jobs, writer)
	require.NoError(t, aggregator.AggregateDay(nil, time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)))

	require.Len(t, writer.written, 1)
	assert.Equal(t, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), writer.written[0].Date)
}
