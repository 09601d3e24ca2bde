package protocol

import (
	"math/rand"
	"time"
)

// RetryPolicy governs the retry/backoff loop for one protocol call.
// It is a plain value object (SPEC_FULL.md §9's "not a loop with
// sleeps intermixing business logic" design note) so the loop that
// drives it stays free of policy detail.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy matches SPEC_FULL.md §4.2/§5 defaults: up to 3
// retries, 250ms base, full jitter, doubling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 250 * time.Millisecond}
}

// NextDelay returns the delay to wait before the given retry attempt
// (attempt is 1-based: the first retry is attempt 1) and whether a
// retry should be attempted at all.
func (p RetryPolicy) NextDelay(attempt int) (time.Duration, bool) {
	if attempt > p.MaxAttempts {
		return 0, false
	}
	max := p.BaseDelay * time.Duration(1<<uint(attempt-1))
	// Full jitter: uniform random delay in [0, max].
	return time.Duration(rand.Int63n(int64(max) + 1)), true
}

// Retryable reports whether an error of the given kind should be
// retried: 5xx and network errors are, everything else (including
// all 4xx) is terminal.
func Retryable(kind ErrorKind, status int) bool {
	switch kind {
	case KindNetworkError:
		return true
	case KindHTTPError:
		return status >= 500
	default:
		return false
	}
}
