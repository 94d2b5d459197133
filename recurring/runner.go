package recurring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/emberworks/cadent/errors"
	"github.com/emberworks/cadent/queue"
)

// RunnerConfig contains configuration for the recurring job runner.
type RunnerConfig struct {
	TickInterval time.Duration `json:"tick_interval"` // How often due times are evaluated
}

// DefaultRunnerConfig returns sensible defaults
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		TickInterval: 30 * time.Second,
	}
}

// Runner evaluates registered definitions on a fixed tick and enqueues
// one concrete job per definition whose next due time has passed.
//
// Due times are a pure function of (cadence, last run), with last run
// persisted; cycles skipped while the process was down collapse into a
// single run at the next startup rather than a catch-up burst.
type Runner struct {
	store  *Store
	jobs   *queue.Store
	config RunnerConfig

	nowFn  func() time.Time
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.SugaredLogger

	mu          sync.Mutex
	definitions []*Definition
	running     bool
}

// NewRunner creates a recurring job runner
func NewRunner(store *Store, jobs *queue.Store, cfg RunnerConfig, log *zap.SugaredLogger) *Runner {
	return NewRunnerWithContext(context.Background(), store, jobs, cfg, log)
}

// NewRunnerWithContext creates a runner bounded by the parent context
func NewRunnerWithContext(ctx context.Context, store *Store, jobs *queue.Store, cfg RunnerConfig, log *zap.SugaredLogger) *Runner {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultRunnerConfig().TickInterval
	}
	runnerCtx, cancel := context.WithCancel(ctx)
	return &Runner{
		store:  store,
		jobs:   jobs,
		config: cfg,
		nowFn:  time.Now,
		ctx:    runnerCtx,
		cancel: cancel,
		logger: log.Named("recurring"),
	}
}

// Register adds a definition and seeds its low-water mark at the
// current time, so a fresh install first fires one full cadence from
// now instead of immediately. An existing persisted mark wins.
func (r *Runner) Register(ctx context.Context, def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	for _, existing := range r.definitions {
		if existing.ID == def.ID {
			r.mu.Unlock()
			return errors.Newf("definition already registered: %s", def.ID)
		}
	}
	r.definitions = append(r.definitions, def)
	r.mu.Unlock()

	if err := r.store.SeedLastRun(ctx, def.ID, r.nowFn()); err != nil {
		return err
	}

	r.logger.Infow("Recurring definition registered",
		"definition_id", def.ID,
		"job_type", def.JobType,
		"cadence", def.Cadence.String())
	return nil
}

// Definitions returns the registered definitions
func (r *Runner) Definitions() []*Definition {
	r.mu.Lock()
	defer r.mu.Unlock()
	defs := make([]*Definition, len(r.definitions))
	copy(defs, r.definitions)
	return defs
}

// Start begins the evaluation loop
func (r *Runner) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run()
	r.logger.Infow("Recurring runner started",
		"tick_interval", r.config.TickInterval,
		"definitions", len(r.Definitions()))
}

// Stop halts the evaluation loop
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	r.logger.Infow("Recurring runner stopped")
}

func (r *Runner) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if err := r.RunTick(r.ctx, r.nowFn()); err != nil {
				r.logger.Warnw("Recurring tick error", "error", err)
			}
		}
	}
}

// RunTick evaluates every definition once against now. Exported so
// tests drive cadence logic without the ticker. One definition's
// failure does not stop the others; the first error is returned after
// the full pass.
func (r *Runner) RunTick(ctx context.Context, now time.Time) error {
	var firstErr error
	for _, def := range r.Definitions() {
		if err := r.evaluate(ctx, def, now); err != nil {
			r.logger.Warnw("Failed to evaluate recurring definition",
				"definition_id", def.ID,
				"error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// evaluate enqueues one job for a definition if its next due time has
// passed, then advances the low-water mark to now. Advancing to now
// (not to next_due) means downtime yields a single run, never a burst.
func (r *Runner) evaluate(ctx context.Context, def *Definition, now time.Time) error {
	last, err := r.store.LastRun(ctx, def.ID)
	if errors.IsNotFoundError(err) {
		// Mark lost (e.g. a restored database); reseed and run next cadence
		return r.store.SeedLastRun(ctx, def.ID, now)
	}
	if err != nil {
		return err
	}

	nextDue := def.Cadence.Next(last)
	if now.Before(nextDue) {
		return nil
	}

	job, err := r.jobs.Enqueue(ctx, def.JobType, def.Payload, def.OwnerID, now, def.MaxAttempts)
	if err != nil {
		return errors.Wrapf(err, "failed to enqueue recurring job for %s", def.ID)
	}

	if err := r.store.RecordRun(ctx, def.ID, now, job.ID); err != nil {
		// The job is already enqueued; a stale mark means one extra
		// enqueue next tick, which idempotent handlers absorb
		return err
	}

	r.logger.Infow("Recurring job enqueued",
		"definition_id", def.ID,
		"job_type", def.JobType,
		"job_id", job.ID,
		"was_due", nextDue)
	return nil
}
