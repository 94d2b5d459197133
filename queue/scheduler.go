package queue

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/emberworks/cadent/db"
	"github.com/emberworks/cadent/errors"
	loggerpkg "github.com/emberworks/cadent/logger"
	"github.com/emberworks/cadent/metrics"
)

// SchedulerConfig contains configuration for the scheduler loop.
type SchedulerConfig struct {
	TickInterval      time.Duration `json:"tick_interval"`       // How often to claim due jobs
	ClaimLimit        int           `json:"claim_limit"`         // Max jobs claimed per tick (0 = 2x workers)
	Workers           int           `json:"workers"`             // Bounded concurrency for handler execution
	DefaultJobTimeout time.Duration `json:"default_job_timeout"` // Applied when a handler's Timeout() is zero
	StopTimeout       time.Duration `json:"stop_timeout"`        // How long Stop waits for in-flight handlers
}

// DefaultSchedulerConfig returns sensible defaults
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		TickInterval:      1 * time.Second,
		Workers:           4,
		DefaultJobTimeout: 60 * time.Second,
		StopTimeout:       30 * time.Second,
	}
}

// Scheduler drives job execution: on a fixed tick it claims due jobs
// from the store and dispatches them to registered handlers under
// bounded concurrency.
//
// Claiming is serialized through the store's compare-and-set, so a
// second scheduler instance run for availability cannot double-claim.
// Dispatch never blocks the tick loop; each claimed job runs on its
// own goroutine gated by a worker semaphore.
//
// The clock is injectable, so tests drive RunTick directly with a fake
// time and never sleep.
type Scheduler struct {
	store    *Store
	registry *Registry
	backoff  Backoff
	sink     metrics.Sink
	config   SchedulerConfig
	workers  int // effective pool size after memory-pressure check

	nowFn     func() time.Time
	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	sem       chan struct{}
	logger    *zap.SugaredLogger

	mu      sync.Mutex
	running bool
}

// NewScheduler creates a scheduler with the given dependencies.
// Handlers must be registered (and Validate called, if desired) before Start.
// A nil sink defaults to the no-op sink.
func NewScheduler(store *Store, registry *Registry, backoff Backoff, cfg SchedulerConfig, sink metrics.Sink, log *zap.SugaredLogger) *Scheduler {
	return NewSchedulerWithContext(context.Background(), store, registry, backoff, cfg, sink, log)
}

// NewSchedulerWithContext creates a scheduler whose lifetime is bounded
// by the parent context. Cancelling the parent stops the loop.
func NewSchedulerWithContext(ctx context.Context, store *Store, registry *Registry, backoff Backoff, cfg SchedulerConfig, sink metrics.Sink, log *zap.SugaredLogger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 1 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultSchedulerConfig().Workers
	}
	if cfg.ClaimLimit <= 0 {
		cfg.ClaimLimit = cfg.Workers * 2
	}
	if cfg.DefaultJobTimeout <= 0 {
		cfg.DefaultJobTimeout = DefaultSchedulerConfig().DefaultJobTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultSchedulerConfig().StopTimeout
	}
	if sink == nil {
		sink = metrics.NewNoopSink()
	}

	schedCtx, cancel := context.WithCancel(ctx)

	return &Scheduler{
		store:     store,
		registry:  registry,
		backoff:   backoff,
		sink:      sink,
		config:    cfg,
		workers:   cfg.Workers,
		nowFn:     time.Now,
		parentCtx: ctx,
		ctx:       schedCtx,
		cancel:    cancel,
		sem:       make(chan struct{}, cfg.Workers),
		logger:    log.Named("scheduler"),
	}
}

// Start begins the tick loop. Orphaned processing jobs left behind by a
// crashed scheduler are returned to pending first, and the worker count
// is reduced if available memory cannot sustain it.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}

	// A stopped scheduler can be restarted: recreate the child context
	select {
	case <-s.ctx.Done():
		s.ctx, s.cancel = context.WithCancel(s.parentCtx)
	default:
	}
	s.running = true
	s.mu.Unlock()

	requeued, err := s.store.RequeueOrphans(s.ctx, s.nowFn())
	if err != nil {
		// Orphans stay processing until a later restart; not fatal
		s.logger.Warnw("Failed to requeue orphaned jobs", "error", err)
	} else if requeued > 0 {
		s.sink.OrphansRequeued(requeued)
		s.logger.Infow("Requeued orphaned jobs from previous run", "count", requeued)
	}

	if safe := safeWorkerCount(s.config.Workers); safe < s.config.Workers {
		s.logger.Warnw("Reducing workers under memory pressure",
			"configured", s.config.Workers,
			"effective", safe)
		s.workers = safe
		s.sem = make(chan struct{}, safe)
	}

	s.wg.Add(1)
	go s.run()

	s.logger.Infow("Scheduler started",
		"tick_interval", s.config.TickInterval,
		"workers", s.workers,
		"claim_limit", s.config.ClaimLimit)
	return nil
}

// Stop cancels the tick loop and waits for in-flight handlers, bounded
// by StopTimeout. Handlers past the deadline finish in the background;
// their jobs are requeued as orphans on the next Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Infow("Scheduler stopped, all handlers drained")
	case <-time.After(s.config.StopTimeout):
		s.logger.Warnw("Scheduler stop timed out, handlers still draining",
			"timeout", s.config.StopTimeout)
	}
}

// Running reports whether the tick loop is active
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Workers returns the effective worker pool size
func (s *Scheduler) Workers() int {
	return s.workers
}

// run is the tick loop
func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunTick(s.ctx, s.nowFn()); err != nil {
				// Fatal to this tick only; claims are atomic so no
				// state was corrupted and the next tick retries
				s.logger.Warnw("Scheduler tick error", "error", err)
			}
		}
	}
}

// RunTick performs one claim-and-dispatch pass and returns the number
// of jobs claimed. Exported so tests can drive the scheduler
// deterministically without the ticker.
func (s *Scheduler) RunTick(ctx context.Context, now time.Time) (int, error) {
	start := time.Now()
	s.sink.TickStarted()

	jobs, err := s.store.ClaimDue(ctx, now, s.config.ClaimLimit)
	if err != nil {
		s.sink.TickCompleted(time.Since(start), 0, err)
		return 0, errors.Wrap(err, "claim pass failed")
	}

	for _, job := range jobs {
		s.dispatch(ctx, job)
	}

	s.sink.TickCompleted(time.Since(start), len(jobs), nil)
	return len(jobs), nil
}

// Drain blocks until every dispatched handler has finished. Test hook;
// production shutdown goes through Stop.
func (s *Scheduler) Drain() {
	s.wg.Wait()
}

// dispatch runs one claimed job on its own goroutine, gated by the
// worker semaphore. The tick loop itself never blocks on a handler.
func (s *Scheduler) dispatch(ctx context.Context, job *Job) {
	s.sink.JobDispatched(job.Type)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		case <-ctx.Done():
			// Shutdown while waiting for a worker slot; the job stays
			// processing and is requeued as an orphan on next start
			return
		}

		s.sink.JobsInFlightIncr()
		defer s.sink.JobsInFlightDecr()
		s.executeJob(ctx, job)
	}()
}

// executeJob runs the handler for one claimed job and records the
// outcome. Never returns an error: every failure path ends in a store
// transition, and even a handler panic is captured as a permanent
// failure rather than crashing the loop.
func (s *Scheduler) executeJob(ctx context.Context, job *Job) {
	start := time.Now()

	result, execErr := s.invokeHandler(ctx, job)
	if execErr == nil {
		if err := s.store.Complete(ctx, job.ID, result); err != nil {
			if db.IsDatabaseClosed(err) {
				// Shutdown race; the job is requeued as an orphan on next start
				s.logger.Warnw("Job completion lost to shutdown", "job_id", job.ID)
				return
			}
			// The handler's side effect happened but the completion
			// write did not; at-least-once delivery will rerun it
			s.logger.Errorw("Failed to record job completion",
				"job_id", job.ID,
				"job_type", job.Type,
				"error", err)
			return
		}
		s.sink.JobCompleted(job.Type, time.Since(start))
		s.logger.Infow("Job completed",
			"job_id", job.ID,
			"job_type", job.Type,
			"duration", time.Since(start).Round(time.Millisecond))
		return
	}

	jobErr := Classify(execErr)
	failed, err := s.store.Fail(ctx, job.ID, jobErr, s.backoff)
	if err != nil {
		if db.IsDatabaseClosed(err) {
			s.logger.Warnw("Job failure record lost to shutdown", "job_id", job.ID)
			return
		}
		s.logger.Errorw("Failed to record job failure",
			"job_id", job.ID,
			"job_type", job.Type,
			"job_error", jobErr.Error(),
			"error", err)
		return
	}

	s.sink.JobFailed(job.Type, string(jobErr.Kind))
	if failed.Status == JobStatusPending {
		s.logger.Warnw("Job failed, will retry",
			"job_id", job.ID,
			"job_type", job.Type,
			"attempts", failed.Attempts,
			"max_attempts", failed.MaxAttempts,
			"next_run", failed.ScheduledTime,
			"error", jobErr.Error())
	} else {
		s.logger.Errorw("Job failed terminally",
			"job_id", job.ID,
			"job_type", job.Type,
			"attempts", failed.Attempts,
			"kind", jobErr.Kind,
			"reauth_needed", jobErr.ReauthNeeded,
			"error", jobErr.Error())
	}
}

// invokeHandler looks up and runs the handler under its per-type
// timeout, converting panics into permanent failures.
func (s *Scheduler) invokeHandler(ctx context.Context, job *Job) (result json.RawMessage, err error) {
	handler := s.registry.Get(job.Type)
	if handler == nil {
		// Rows can outlive the handler set that created them
		return nil, Permanentf("no handler registered for job type %q", job.Type)
	}

	timeout := handler.Timeout()
	if timeout <= 0 {
		timeout = s.config.DefaultJobTimeout
	}
	// Handlers logging through the context pick up the job identity
	ctx = loggerpkg.WithJobID(ctx, job.ID)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("Handler panicked",
				"job_id", job.ID,
				"job_type", job.Type,
				"panic", r,
				"stack", string(debug.Stack()))
			result = nil
			err = Permanentf("handler panicked: %v", r)
		}
	}()

	result, err = handler.Execute(execCtx, job)
	if err == nil && execCtx.Err() != nil {
		// Handler returned cleanly but past its deadline; treat the
		// expiry as a failure so the work is retried, since partial
		// effects may not have finished
		err = execCtx.Err()
	}
	return result, err
}
