package queue

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	cadenttest "github.com/emberworks/cadent/internal/testing"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// newTestScheduler wires a scheduler around an in-memory store with
// zero backoff, so retry cycles need no waiting.
func newTestScheduler(t *testing.T, registry *Registry, cfg SchedulerConfig) (*Scheduler, *Store) {
	t.Helper()
	store := NewStore(cadenttest.CreateTestDB(t))
	sched := NewScheduler(store, registry, ZeroBackoff(), cfg, nil, testLogger())
	return sched, store
}

func TestRunTickDispatchesDueJobs(t *testing.T) {
	executed := make(chan string, 2)
	registry := NewRegistry()
	registry.Register(HandlerFunc{
		JobType: "noop",
		Fn: func(ctx context.Context, job *Job) (json.RawMessage, error) {
			executed <- job.ID
			return json.RawMessage(`{"ok":true}`), nil
		},
	})

	sched, store := newTestScheduler(t, registry, DefaultSchedulerConfig())
	ctx := context.Background()

	due, err := store.Enqueue(ctx, "noop", nil, "", time.Now().Add(-time.Second), 3)
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, "noop", nil, "", time.Now().Add(time.Hour), 3)
	require.NoError(t, err)

	claimed, err := sched.RunTick(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)
	sched.Drain()

	assert.Equal(t, due.ID, <-executed)

	got, err := store.Get(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, got.Status)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
}

// A handler that always fails transiently exhausts its attempt budget
// in exactly max_attempts dispatch cycles.
func TestBoundedRetries(t *testing.T) {
	var invocations atomic.Int32
	registry := NewRegistry()
	registry.Register(HandlerFunc{
		JobType: "noop_fail",
		Fn: func(ctx context.Context, job *Job) (json.RawMessage, error) {
			invocations.Add(1)
			return nil, Transientf("simulated outage")
		},
	})

	sched, store := newTestScheduler(t, registry, DefaultSchedulerConfig())
	ctx := context.Background()

	job, err := store.Enqueue(ctx, "noop_fail", nil, "", time.Now().Add(-time.Second), 2)
	require.NoError(t, err)

	for tick := 1; tick <= 2; tick++ {
		claimed, err := sched.RunTick(ctx, time.Now())
		require.NoError(t, err)
		require.Equal(t, 1, claimed, "tick %d should claim the job", tick)
		sched.Drain()

		got, err := store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, tick, got.Attempts)
		require.NotNil(t, got.LastError, "last_error populated on each failure")
	}

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, int32(2), invocations.Load())

	// A further tick finds nothing to claim
	claimed, err := sched.RunTick(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, claimed)
}

func TestPermanentErrorFailsWithoutRetry(t *testing.T) {
	registry := NewRegistry()
	registry.Register(HandlerFunc{
		JobType: "bad_payload",
		Fn: func(ctx context.Context, job *Job) (json.RawMessage, error) {
			return nil, Permanentf("cannot parse payload")
		},
	})

	sched, store := newTestScheduler(t, registry, DefaultSchedulerConfig())
	ctx := context.Background()

	job, err := store.Enqueue(ctx, "bad_payload", nil, "", time.Now().Add(-time.Second), 5)
	require.NoError(t, err)

	_, err = sched.RunTick(ctx, time.Now())
	require.NoError(t, err)
	sched.Drain()

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Equal(t, 5, got.Attempts)
	assert.Equal(t, ErrorKindPermanent, got.LastError.Kind)
}

func TestUnknownJobTypeFailsPermanently(t *testing.T) {
	sched, store := newTestScheduler(t, NewRegistry(), DefaultSchedulerConfig())
	ctx := context.Background()

	job, err := store.Enqueue(ctx, "orphaned.type", nil, "", time.Now().Add(-time.Second), 3)
	require.NoError(t, err)

	_, err = sched.RunTick(ctx, time.Now())
	require.NoError(t, err)
	sched.Drain()

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Equal(t, ErrorKindPermanent, got.LastError.Kind)
}

func TestHandlerTimeoutIsTransient(t *testing.T) {
	registry := NewRegistry()
	registry.Register(HandlerFunc{
		JobType:     "slow",
		ExecTimeout: 20 * time.Millisecond,
		Fn: func(ctx context.Context, job *Job) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	sched, store := newTestScheduler(t, registry, DefaultSchedulerConfig())
	ctx := context.Background()

	job, err := store.Enqueue(ctx, "slow", nil, "", time.Now().Add(-time.Second), 2)
	require.NoError(t, err)

	_, err = sched.RunTick(ctx, time.Now())
	require.NoError(t, err)
	sched.Drain()

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, got.Status, "timeout consumes one attempt and reschedules")
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, ErrorKindTransient, got.LastError.Kind)
}

func TestHandlerPanicDoesNotCrashScheduler(t *testing.T) {
	registry := NewRegistry()
	registry.Register(HandlerFunc{
		JobType: "explosive",
		Fn: func(ctx context.Context, job *Job) (json.RawMessage, error) {
			panic("handler bug")
		},
	})

	sched, store := newTestScheduler(t, registry, DefaultSchedulerConfig())
	ctx := context.Background()

	job, err := store.Enqueue(ctx, "explosive", nil, "", time.Now().Add(-time.Second), 3)
	require.NoError(t, err)

	_, err = sched.RunTick(ctx, time.Now())
	require.NoError(t, err)
	sched.Drain()

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Equal(t, ErrorKindPermanent, got.LastError.Kind)
	assert.Contains(t, got.LastError.Message, "panicked")
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	var current, peak atomic.Int32
	release := make(chan struct{})

	registry := NewRegistry()
	registry.Register(HandlerFunc{
		JobType: "parallel",
		Fn: func(ctx context.Context, job *Job) (json.RawMessage, error) {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			current.Add(-1)
			return nil, nil
		},
	})

	cfg := DefaultSchedulerConfig()
	cfg.Workers = 2
	sched, store := newTestScheduler(t, registry, cfg)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := store.Enqueue(ctx, "parallel", nil, "", time.Now().Add(-time.Second), 1)
		require.NoError(t, err)
	}

	_, err := sched.RunTick(ctx, time.Now())
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	close(release)
	sched.Drain()

	assert.LessOrEqual(t, peak.Load(), int32(2), "concurrency must not exceed the worker pool")
}

func TestStartRequeuesOrphans(t *testing.T) {
	registry := NewRegistry()
	registry.Register(noopHandler("noop"))

	cfg := DefaultSchedulerConfig()
	cfg.TickInterval = time.Hour // keep the loop quiet during the test
	sched, store := newTestScheduler(t, registry, cfg)
	ctx := context.Background()

	job, err := store.Enqueue(ctx, "noop", nil, "", time.Now().Add(-time.Second), 3)
	require.NoError(t, err)
	_, err = store.ClaimDue(ctx, time.Now(), 1)
	require.NoError(t, err)

	require.NoError(t, sched.Start())
	defer sched.Stop()

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, got.Status, "orphaned processing job returns to pending on startup")
}

func TestStartTwiceFails(t *testing.T) {
	registry := NewRegistry()
	cfg := DefaultSchedulerConfig()
	cfg.TickInterval = time.Hour
	sched, _ := newTestScheduler(t, registry, cfg)

	require.NoError(t, sched.Start())
	defer sched.Stop()

	assert.Error(t, sched.Start())
	assert.True(t, sched.Running())
}

func TestStopIsIdempotent(t *testing.T) {
	registry := NewRegistry()
	cfg := DefaultSchedulerConfig()
	cfg.TickInterval = time.Hour
	sched, _ := newTestScheduler(t, registry, cfg)

	require.NoError(t, sched.Start())
	sched.Stop()
	sched.Stop()
	assert.False(t, sched.Running())
}
