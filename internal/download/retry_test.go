package download

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kjmarlow/hoard/internal/extractor"
)

func Test_RetryPolicy_TransientFailures_BackOffLinearly(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, BackoffUnit: time.Minute}
	cause := extractor.Transient(errors.New("connection reset"))

	tests := []struct {
		attempt       int
		expectedRetry bool
		expectedDelay time.Duration
	}{
		{attempt: 1, expectedRetry: true, expectedDelay: time.Minute},
		{attempt: 2, expectedRetry: true, expectedDelay: 2 * time.Minute},
		{attempt: 3, expectedRetry: true, expectedDelay: 3 * time.Minute},
		{attempt: 4, expectedRetry: false},
	}

	for _, test := range tests {
		t.Run(fmt.Sprintf("attempt_%d", test.attempt), func(t *testing.T) {
			decision := policy.Decide(test.attempt, cause)
			assert.Equal(t, test.expectedRetry, decision.Retry)
			assert.Equal(t, test.expectedDelay, decision.Delay)
		})
	}
}

func Test_RetryPolicy_PermanentFailures_NeverRetry(t *testing.T) {
	policy := DefaultRetryPolicy()
	cause := extractor.Permanent(errors.New("video unavailable"))

	decision := policy.Decide(1, cause)
	assert.False(t, decision.Retry)
	assert.Zero(t, decision.Delay)
}

func Test_RetryPolicy_UnclassifiedFailures_TreatedAsTransient(t *testing.T) {
	policy := DefaultRetryPolicy()

	decision := policy.Decide(1, errors.New("something unexpected"))
	assert.True(t, decision.Retry)
	assert.Equal(t, time.Minute, decision.Delay)
}

func Test_RetryPolicy_WrappedPermanentFailure_Recognised(t *testing.T) {
	policy := DefaultRetryPolicy()
	cause := fmt.Errorf("transfer failed: %w", extractor.Permanent(errors.New("private video")))

	assert.False(t, policy.Decide(1, cause).Retry)
}
