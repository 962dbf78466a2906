package download

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/kjmarlow/hoard/internal/database"
	"github.com/kjmarlow/hoard/internal/event"
	"github.com/kjmarlow/hoard/internal/extractor"
)

type recordingPatcher struct {
	mu       sync.Mutex
	percents []int
	err      error
}

func (patcher *recordingPatcher) UpdateActive(_ database.Queryable, _ uuid.UUID, patch JobPatch) error {
	patcher.mu.Lock()
	defer patcher.mu.Unlock()

	if patcher.err != nil {
		return patcher.err
	}

	if patch.ProgressPercent != nil {
		patcher.percents = append(patcher.percents, *patch.ProgressPercent)
	}

	return nil
}

func (patcher *recordingPatcher) recorded() []int {
	patcher.mu.Lock()
	defer patcher.mu.Unlock()

	return append([]int{}, patcher.percents...)
}

func Test_NormalizeProgress(t *testing.T) {
	tests := []struct {
		name     string
		report   extractor.Progress
		expected int
	}{
		{name: "byte ratio preferred", report: extractor.Progress{DownloadedBytes: 512, TotalBytes: 1024, PercentString: "99%"}, expected: 50},
		{name: "percent string fallback", report: extractor.Progress{PercentString: "42.7%"}, expected: 42},
		{name: "clamped below 100", report: extractor.Progress{DownloadedBytes: 1024, TotalBytes: 1024}, expected: 99},
		{name: "overshoot clamped", report: extractor.Progress{PercentString: "250%"}, expected: 99},
		{name: "garbage percent string", report: extractor.Progress{PercentString: "N/A"}, expected: 0},
		{name: "negative clamped to zero", report: extractor.Progress{PercentString: "-3%"}, expected: 0},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, normalizeProgress(test.report))
		})
	}
}

func Test_ProgressTracker_PersistsMonotonicallyInOrder(t *testing.T) {
	patcher := &recordingPatcher{}
	tracker := newProgressTracker(uuid.New(), nil, patcher, event.New(), 0, nil)
	go tracker.Run()

	tracker.Observe(extractor.Progress{DownloadedBytes: 100, TotalBytes: 1000})
	tracker.Observe(extractor.Progress{DownloadedBytes: 300, TotalBytes: 1000})
	// Stale report arriving out of order must not wind progress backwards.
	tracker.Observe(extractor.Progress{DownloadedBytes: 200, TotalBytes: 1000})
	tracker.Observe(extractor.Progress{DownloadedBytes: 900, TotalBytes: 1000})
	tracker.Close()

	assert.Equal(t, []int{10, 30, 90}, patcher.recorded())
}

func Test_ProgressTracker_RestartedTransferRespectsFloor(t *testing.T) {
	patcher := &recordingPatcher{}
	// A prior attempt already pushed the job to 50%; the retried transfer
	// starts over from zero bytes.
	tracker := newProgressTracker(uuid.New(), nil, patcher, event.New(), 50, nil)
	go tracker.Run()

	tracker.Observe(extractor.Progress{DownloadedBytes: 50, TotalBytes: 1000})
	tracker.Observe(extractor.Progress{DownloadedBytes: 400, TotalBytes: 1000})
	tracker.Observe(extractor.Progress{DownloadedBytes: 700, TotalBytes: 1000})
	tracker.Close()

	assert.Equal(t, []int{70}, patcher.recorded())
}

func Test_ProgressTracker_StaleTransition_InvokesCallbackAndStops(t *testing.T) {
	staleObserved := false
	patcher := &recordingPatcher{err: ErrStaleTransition}
	tracker := newProgressTracker(uuid.New(), nil, patcher, event.New(), 0, func() { staleObserved = true })
	go tracker.Run()

	tracker.Observe(extractor.Progress{DownloadedBytes: 100, TotalBytes: 1000})
	tracker.Close()

	assert.True(t, staleObserved)
	assert.Empty(t, patcher.recorded())
}
