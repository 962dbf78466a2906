package download

import (
	"time"

	"github.com/kjmarlow/hoard/internal/extractor"
)

// RetryDecision is the outcome of consulting the retry policy after a
// failed attempt: either retry after Delay, or give up.
type RetryDecision struct {
	Retry bool
	Delay time.Duration
}

// RetryPolicy decides whether a failed attempt is worth repeating.
// Permanent failures are never retried; transient ones back off linearly
// (BackoffUnit, 2*BackoffUnit, ...) until MaxRetries attempts have been
// spent. Errors the extractor could not classify are treated as transient.
type RetryPolicy struct {
	MaxRetries  int
	BackoffUnit time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BackoffUnit: time.Minute}
}

// Decide evaluates the failure of attempt number `attempt` (1-based).
func (policy RetryPolicy) Decide(attempt int, err error) RetryDecision {
	if extractor.IsPermanent(err) {
		return RetryDecision{}
	}

	if attempt > policy.MaxRetries {
		return RetryDecision{}
	}

	return RetryDecision{Retry: true, Delay: time.Duration(attempt) * policy.BackoffUnit}
}
