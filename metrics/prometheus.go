package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/emberworks/cadent/logger"
)

// PrometheusSink implements Sink using the Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Scheduler loop
	ticksTotal      prometheus.Counter
	tickErrorsTotal prometheus.Counter
	jobsClaimed     prometheus.Counter
	tickDuration    prometheus.Histogram

	// Job execution
	jobsDispatched *prometheus.CounterVec
	jobsCompleted  *prometheus.CounterVec
	jobsFailed     *prometheus.CounterVec
	jobDuration    prometheus.Histogram
	jobsInFlight   prometheus.Gauge

	// Credential refresh
	refreshOutcomes *prometheus.CounterVec
	sweepDuration   prometheus.Histogram
	sweepRefreshed  prometheus.Counter
	sweepFailed     prometheus.Counter

	// Store maintenance
	orphansRequeued prometheus.Counter
	jobsPurged      prometheus.Counter
}

// NewPrometheusSink creates a Prometheus metrics sink registered against
// the given registerer. Collectors that fail to register still function;
// their samples are simply not exported.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initSchedulerMetrics(reg)
	s.initJobMetrics(reg)
	s.initCredentialMetrics(reg)
	s.initStoreMetrics(reg)
	return s
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cadent_scheduler_ticks_total",
		Help: "Total number of scheduler ticks processed.",
	})
	s.tickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cadent_scheduler_tick_errors_total",
		Help: "Total number of ticks aborted by a storage error.",
	})
	s.jobsClaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cadent_scheduler_jobs_claimed_total",
		Help: "Total number of jobs claimed for execution.",
	})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cadent_scheduler_tick_duration_seconds",
		Help:    "Duration of each scheduler tick in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})

	s.register(reg, s.ticksTotal, "cadent_scheduler_ticks_total")
	s.register(reg, s.tickErrorsTotal, "cadent_scheduler_tick_errors_total")
	s.register(reg, s.jobsClaimed, "cadent_scheduler_jobs_claimed_total")
	s.register(reg, s.tickDuration, "cadent_scheduler_tick_duration_seconds")
}

func (s *PrometheusSink) initJobMetrics(reg prometheus.Registerer) {
	s.jobsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cadent_jobs_dispatched_total",
		Help: "Total number of jobs dispatched to handlers.",
	}, []string{"job_type"})

	s.jobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cadent_jobs_completed_total",
		Help: "Total number of jobs completed successfully.",
	}, []string{"job_type"})

	s.jobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cadent_jobs_failed_total",
		Help: "Total number of job failure outcomes by error kind.",
	}, []string{"job_type", "kind"})

	s.jobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cadent_job_duration_seconds",
		Help:    "Handler execution latency in seconds.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	s.jobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cadent_jobs_in_flight",
		Help: "Number of jobs currently executing.",
	})

	s.register(reg, s.jobsDispatched, "cadent_jobs_dispatched_total")
	s.register(reg, s.jobsCompleted, "cadent_jobs_completed_total")
	s.register(reg, s.jobsFailed, "cadent_jobs_failed_total")
	s.register(reg, s.jobDuration, "cadent_job_duration_seconds")
	s.register(reg, s.jobsInFlight, "cadent_jobs_in_flight")
}

func (s *PrometheusSink) initCredentialMetrics(reg prometheus.Registerer) {
	s.refreshOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cadent_credential_refresh_outcomes_total",
		Help: "Total number of token refresh outcomes.",
	}, []string{"outcome"})

	s.sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cadent_credential_sweep_duration_seconds",
		Help:    "Duration of each expiring-credential sweep in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
	})

	s.sweepRefreshed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cadent_credential_sweep_refreshed_total",
		Help: "Total number of credentials refreshed by sweeps.",
	})

	s.sweepFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cadent_credential_sweep_failed_total",
		Help: "Total number of per-credential failures during sweeps.",
	})

	s.register(reg, s.refreshOutcomes, "cadent_credential_refresh_outcomes_total")
	s.register(reg, s.sweepDuration, "cadent_credential_sweep_duration_seconds")
	s.register(reg, s.sweepRefreshed, "cadent_credential_sweep_refreshed_total")
	s.register(reg, s.sweepFailed, "cadent_credential_sweep_failed_total")
}

func (s *PrometheusSink) initStoreMetrics(reg prometheus.Registerer) {
	s.orphansRequeued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cadent_jobs_orphans_requeued_total",
		Help: "Total number of orphaned processing jobs returned to pending.",
	})
	s.jobsPurged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cadent_jobs_purged_total",
		Help: "Total number of terminal jobs removed by retention cleanup.",
	})

	s.register(reg, s.orphansRequeued, "cadent_jobs_orphans_requeued_total")
	s.register(reg, s.jobsPurged, "cadent_jobs_purged_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		logger.Warnw("Failed to register metrics collector", "collector", name, "error", err)
	}
}

// Scheduler loop

func (s *PrometheusSink) TickStarted() {
	s.ticksTotal.Inc()
}

func (s *PrometheusSink) TickCompleted(duration time.Duration, claimed int, err error) {
	s.tickDuration.Observe(duration.Seconds())
	s.jobsClaimed.Add(float64(claimed))
	if err != nil {
		s.tickErrorsTotal.Inc()
	}
}

// Job execution

func (s *PrometheusSink) JobDispatched(jobType string) {
	s.jobsDispatched.WithLabelValues(jobType).Inc()
}

func (s *PrometheusSink) JobCompleted(jobType string, duration time.Duration) {
	s.jobsCompleted.WithLabelValues(jobType).Inc()
	s.jobDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) JobFailed(jobType string, kind string) {
	s.jobsFailed.WithLabelValues(jobType, kind).Inc()
}

func (s *PrometheusSink) JobsInFlightIncr() {
	s.jobsInFlight.Inc()
}

func (s *PrometheusSink) JobsInFlightDecr() {
	s.jobsInFlight.Dec()
}

// Credential refresh

func (s *PrometheusSink) RefreshOutcome(outcome string) {
	s.refreshOutcomes.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) SweepCompleted(duration time.Duration, refreshed, failed int) {
	s.sweepDuration.Observe(duration.Seconds())
	s.sweepRefreshed.Add(float64(refreshed))
	s.sweepFailed.Add(float64(failed))
}

// Store maintenance

func (s *PrometheusSink) OrphansRequeued(count int) {
	s.orphansRequeued.Add(float64(count))
}

func (s *PrometheusSink) JobsPurged(count int) {
	s.jobsPurged.Add(float64(count))
}
