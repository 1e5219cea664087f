package commit

import (
	"time"
)

// RetryPolicy decides whether and when a failed log write is retried
type RetryPolicy interface {
	// Next returns the wait before retry number attempt (starting at 1) and
	// false if no further retry should be made
	Next(attempt int) (time.Duration, bool)
}

// backoffPolicy waits initial * factor^(attempt-1), capped at max
type backoffPolicy struct {
	initial     time.Duration
	max         time.Duration
	factor      float64
	maxAttempts int
}

// NewBackoffPolicy creates an exponential backoff policy. A maxAttempts of 0
// retries forever.
func NewBackoffPolicy(initial, max time.Duration, factor float64, maxAttempts int) RetryPolicy {
	if factor < 1 {
		factor = 1
	}
	return &backoffPolicy{initial: initial, max: max, factor: factor, maxAttempts: maxAttempts}
}

func (p *backoffPolicy) Next(attempt int) (time.Duration, bool) {
	if p.maxAttempts > 0 && attempt > p.maxAttempts {
		return 0, false
	}
	wait := float64(p.initial)
	for i := 1; i < attempt; i++ {
		wait *= p.factor
		if p.max > 0 && wait >= float64(p.max) {
			return p.max, true
		}
	}
	return time.Duration(wait), true
}

// Immediate retries forever without waiting
func Immediate() RetryPolicy {
	return &backoffPolicy{}
}
