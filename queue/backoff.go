package queue

import "time"

const (
	// maxBackoffShift bounds the doubling loop to prevent overflow
	maxBackoffShift = 30
	// jitterDivisor sets jitter width to 10% of the computed delay
	jitterDivisor = 10
)

// Backoff computes the delay before a failed job's next attempt:
// min(Base * 2^(attempts-1), Cap) with ±5% centered jitter so many
// jobs failing together do not retry in lockstep.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultBackoff returns the production retry policy
func DefaultBackoff() Backoff {
	return Backoff{
		Base: 30 * time.Second,
		Cap:  1 * time.Hour,
	}
}

// ZeroBackoff retries immediately. Used in tests that drive the
// scheduler through failure cycles without waiting on the clock.
func ZeroBackoff() Backoff {
	return Backoff{}
}

// Delay returns the wait before the given attempt number runs again.
// attempts is the count after the failure being handled (first failure
// passes 1).
func (b Backoff) Delay(attempts int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempts <= 0 {
		attempts = 1
	}

	delay := b.Base
	for i := 1; i < attempts && i < maxBackoffShift; i++ {
		delay *= 2
		if b.Cap > 0 && delay >= b.Cap {
			delay = b.Cap
			break
		}
	}
	if b.Cap > 0 && delay > b.Cap {
		delay = b.Cap
	}

	// Centered jitter: delay stays within ±5% of the computed value
	jitterRange := delay / jitterDivisor
	if jitterRange > 0 {
		jitter := time.Duration(time.Now().UnixNano() % int64(jitterRange))
		delay = delay - jitterRange/2 + jitter
	}

	return delay
}
