// Package metrics defines the instrumentation sink for the scheduler
// and credential subsystems, with Prometheus and no-op implementations.
package metrics

import "time"

// Outcome labels for RefreshOutcome.
const (
	RefreshOutcomeSuccess   = "success"
	RefreshOutcomeTransient = "transient"
	RefreshOutcomeRevoked   = "revoked"
	RefreshOutcomeSkipped   = "skipped"
)

// Sink receives instrumentation events from the scheduler loop, job
// store maintenance, and the token refresh manager.
//
// Implementations must be non-blocking and safe for concurrent use;
// callers fire and forget, and a sink error never affects scheduling.
type Sink interface {
	// Scheduler loop
	TickStarted()
	TickCompleted(duration time.Duration, claimed int, err error)

	// Job execution
	JobDispatched(jobType string)
	JobCompleted(jobType string, duration time.Duration)
	JobFailed(jobType string, kind string)
	JobsInFlightIncr()
	JobsInFlightDecr()

	// Credential refresh
	RefreshOutcome(outcome string)
	SweepCompleted(duration time.Duration, refreshed, failed int)

	// Store maintenance
	OrphansRequeued(count int)
	JobsPurged(count int)
}
