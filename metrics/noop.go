package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) TickStarted()                                                  {}
func (n *NoopSink) TickCompleted(duration time.Duration, claimed int, err error)  {}
func (n *NoopSink) JobDispatched(jobType string)                                  {}
func (n *NoopSink) JobCompleted(jobType string, duration time.Duration)           {}
func (n *NoopSink) JobFailed(jobType string, kind string)                         {}
func (n *NoopSink) JobsInFlightIncr()                                             {}
func (n *NoopSink) JobsInFlightDecr()                                             {}
func (n *NoopSink) RefreshOutcome(outcome string)                                 {}
func (n *NoopSink) SweepCompleted(duration time.Duration, refreshed, failed int)  {}
func (n *NoopSink) OrphansRequeued(count int)                                     {}
func (n *NoopSink) JobsPurged(count int)                                          {}
