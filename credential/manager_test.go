package credential

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/emberworks/cadent/errors"
	cadenttest "github.com/emberworks/cadent/internal/testing"
)

func newTestManager(t *testing.T, cfg ManagerConfig) (*Manager, *Store) {
	t.Helper()
	store := NewStore(cadenttest.CreateTestDB(t), nil)
	mgr := NewManager(store, cfg, nil, zap.NewNop().Sugar())
	return mgr, store
}

// countingProvider returns a grant and counts how many refresh calls
// actually reach the provider.
func countingProvider(calls *atomic.Int32, delay time.Duration) ProviderFunc {
	return func(ctx context.Context, refreshToken string) (*TokenGrant, error) {
		calls.Add(1)
		if delay > 0 {
			time.Sleep(delay)
		}
		return &TokenGrant{
			AccessToken:  "fresh-access",
			RefreshToken: "fresh-refresh",
			ExpiresIn:    time.Hour,
		}, nil
	}
}

func TestGetValidTokenReturnsWithoutRefresh(t *testing.T) {
	var calls atomic.Int32
	mgr, store := newTestManager(t, ManagerConfig{})
	mgr.RegisterProvider("google_ads", countingProvider(&calls, 0))

	seedCredential(t, store, "acct-1", "google_ads", time.Now().Add(2*time.Hour))

	token, err := mgr.GetValidToken(context.Background(), "acct-1", "google_ads")
	require.NoError(t, err)
	assert.Equal(t, "access-acct-1", token)
	assert.Zero(t, calls.Load(), "a token with plenty of lifetime must not be refreshed")
}

func TestGetValidTokenRefreshesInsideSafetyMargin(t *testing.T) {
	var calls atomic.Int32
	mgr, store := newTestManager(t, ManagerConfig{SafetyMargin: 5 * time.Minute})
	mgr.RegisterProvider("google_ads", countingProvider(&calls, 0))

	seedCredential(t, store, "acct-1", "google_ads", time.Now().Add(time.Minute))

	token, err := mgr.GetValidToken(context.Background(), "acct-1", "google_ads")
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", token)
	assert.Equal(t, int32(1), calls.Load())

	got, err := store.Get(context.Background(), "acct-1", "google_ads")
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", got.AccessToken)
	assert.Equal(t, "fresh-refresh", got.RefreshToken, "rotated refresh token replaces the old one")
	assert.Equal(t, StatusActive, got.Status)
	assert.True(t, got.ExpiresAt.After(time.Now().Add(50*time.Minute)))
}

func TestGetValidTokenMissingCredential(t *testing.T) {
	mgr, _ := newTestManager(t, ManagerConfig{})

	_, err := mgr.GetValidToken(context.Background(), "nobody", "google_ads")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestGetValidTokenRevokedRequiresReauth(t *testing.T) {
	var calls atomic.Int32
	mgr, store := newTestManager(t, ManagerConfig{})
	mgr.RegisterProvider("google_ads", countingProvider(&calls, 0))

	cred := seedCredential(t, store, "acct-1", "google_ads", time.Now().Add(-time.Hour))
	require.NoError(t, store.SetStatus(context.Background(), cred.OwnerID, cred.Provider, StatusRevoked))

	_, err := mgr.GetValidToken(context.Background(), "acct-1", "google_ads")
	require.Error(t, err)
	assert.True(t, errors.IsReauthRequiredError(err))
	assert.Zero(t, calls.Load(), "revoked credentials are never retried against the provider")
}

// Concurrent callers racing on the same expired credential must
// collapse to a single provider call; the losers reuse the winner's
// result.
func TestConcurrentRefreshDeduplicates(t *testing.T) {
	var calls atomic.Int32
	mgr, store := newTestManager(t, ManagerConfig{SafetyMargin: 5 * time.Minute})
	mgr.RegisterProvider("google_ads", countingProvider(&calls, 20*time.Millisecond))

	seedCredential(t, store, "acct-1", "google_ads", time.Now().Add(-time.Minute))

	const concurrency = 8
	tokens := make([]string, concurrency)
	errs := make([]error, concurrency)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = mgr.GetValidToken(context.Background(), "acct-1", "google_ads")
		}(i)
	}
	wg.Wait()

	for i := 0; i < concurrency; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "fresh-access", tokens[i])
	}
	assert.Equal(t, int32(1), calls.Load(), "exactly one refresh per expiry")
}

func TestRefreshSkipsDistinctCredentials(t *testing.T) {
	var calls atomic.Int32
	mgr, store := newTestManager(t, ManagerConfig{})
	mgr.RegisterProvider("google_ads", countingProvider(&calls, 0))

	seedCredential(t, store, "acct-1", "google_ads", time.Now().Add(-time.Minute))
	seedCredential(t, store, "acct-2", "google_ads", time.Now().Add(-time.Minute))

	_, err := mgr.Refresh(context.Background(), "acct-1", "google_ads")
	require.NoError(t, err)
	_, err = mgr.Refresh(context.Background(), "acct-2", "google_ads")
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load(), "distinct owners refresh independently")
}

func TestRefreshInvalidGrantRevokesCredential(t *testing.T) {
	mgr, store := newTestManager(t, ManagerConfig{})
	mgr.RegisterProvider("google_ads", func(ctx context.Context, refreshToken string) (*TokenGrant, error) {
		return nil, errors.Wrap(errors.ErrInvalidGrant, "provider rejected refresh token")
	})

	seedCredential(t, store, "acct-1", "google_ads", time.Now().Add(-time.Minute))

	_, err := mgr.Refresh(context.Background(), "acct-1", "google_ads")
	require.Error(t, err)
	assert.True(t, errors.IsReauthRequiredError(err))

	got, err := store.Get(context.Background(), "acct-1", "google_ads")
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, got.Status)
}

func TestRefreshTransientFailureFlagsExpiring(t *testing.T) {
	mgr, store := newTestManager(t, ManagerConfig{ExpiryThreshold: 24 * time.Hour})
	mgr.RegisterProvider("google_ads", func(ctx context.Context, refreshToken string) (*TokenGrant, error) {
		return nil, errors.New("connection reset by peer")
	})

	seedCredential(t, store, "acct-1", "google_ads", time.Now().Add(time.Minute))

	_, err := mgr.Refresh(context.Background(), "acct-1", "google_ads")
	require.Error(t, err)
	assert.False(t, errors.IsReauthRequiredError(err), "network failures are not terminal")

	got, err := store.Get(context.Background(), "acct-1", "google_ads")
	require.NoError(t, err)
	assert.Equal(t, StatusExpiring, got.Status)
	assert.Equal(t, "refresh-acct-1", got.RefreshToken, "failed refresh must not clobber the stored token")
}

func TestRefreshWithoutRefreshTokenRevokes(t *testing.T) {
	mgr, store := newTestManager(t, ManagerConfig{})
	mgr.RegisterProvider("google_ads", countingProvider(new(atomic.Int32), 0))

	cred, err := New("acct-1", "google_ads", "access-only", "", time.Now().Add(-time.Minute), nil)
	require.NoError(t, err)
	require.NoError(t, store.Upsert(context.Background(), cred))

	_, err = mgr.Refresh(context.Background(), "acct-1", "google_ads")
	require.Error(t, err)
	assert.True(t, errors.IsReauthRequiredError(err))

	got, err := store.Get(context.Background(), "acct-1", "google_ads")
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, got.Status)
}

func TestRefreshUnregisteredProvider(t *testing.T) {
	mgr, store := newTestManager(t, ManagerConfig{})

	seedCredential(t, store, "acct-1", "mystery_ads", time.Now().Add(-time.Minute))

	_, err := mgr.Refresh(context.Background(), "acct-1", "mystery_ads")
	require.Error(t, err)
	assert.True(t, errors.IsReauthRequiredError(err))
}

func TestRegisterProviderDuplicatePanics(t *testing.T) {
	mgr, _ := newTestManager(t, ManagerConfig{})
	mgr.RegisterProvider("google_ads", countingProvider(new(atomic.Int32), 0))

	assert.Panics(t, func() {
		mgr.RegisterProvider("google_ads", countingProvider(new(atomic.Int32), 0))
	})
}

func TestSweepExpiringReport(t *testing.T) {
	mgr, store := newTestManager(t, ManagerConfig{ExpiryThreshold: 24 * time.Hour})
	now := time.Now().UTC()

	mgr.RegisterProvider("good_ads", countingProvider(new(atomic.Int32), 0))
	mgr.RegisterProvider("dead_ads", func(ctx context.Context, refreshToken string) (*TokenGrant, error) {
		return nil, errors.Wrap(errors.ErrInvalidGrant, "token revoked by user")
	})
	mgr.RegisterProvider("flaky_ads", func(ctx context.Context, refreshToken string) (*TokenGrant, error) {
		return nil, errors.New("503 from token endpoint")
	})

	seedCredential(t, store, "acct-1", "good_ads", now.Add(time.Minute))
	seedCredential(t, store, "acct-2", "dead_ads", now.Add(time.Minute))
	seedCredential(t, store, "acct-3", "flaky_ads", now.Add(time.Minute))
	seedCredential(t, store, "acct-4", "good_ads", now.Add(90*time.Hour)) // outside threshold

	report, err := mgr.SweepExpiring(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 1, report.Refreshed)
	assert.Equal(t, 1, report.Revoked)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Failures, 2)

	for _, failure := range report.Failures {
		switch failure.Provider {
		case "dead_ads":
			assert.True(t, failure.Reauth)
		case "flaky_ads":
			assert.False(t, failure.Reauth)
		default:
			t.Fatalf("unexpected failure for provider %s", failure.Provider)
		}
	}
}

// A credential inside the sweep threshold but with hours of lifetime
// left is exactly what the sweep exists to refresh ahead of time; the
// safety margin only governs on-demand refresh in GetValidToken.
func TestSweepRefreshesWellBeforeExpiry(t *testing.T) {
	var calls atomic.Int32
	mgr, store := newTestManager(t, ManagerConfig{
		SafetyMargin:    5 * time.Minute,
		ExpiryThreshold: 24 * time.Hour,
	})
	mgr.RegisterProvider("google_ads", countingProvider(&calls, 0))

	now := time.Now().UTC()
	seedCredential(t, store, "acct-1", "google_ads", now.Add(12*time.Hour))

	report, err := mgr.SweepExpiring(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Refreshed)
	assert.Zero(t, report.Skipped)
	assert.Equal(t, int32(1), calls.Load(), "proactive refresh must reach the provider")

	got, err := store.Get(context.Background(), "acct-1", "google_ads")
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", got.AccessToken)
	assert.Equal(t, StatusActive, got.Status)
}

// A credential refreshed by a concurrent caller while the sweep waits
// on its key lock is reported as skipped, not refreshed, and never
// reaches the provider again.
func TestSweepSkipsConcurrentlyRefreshed(t *testing.T) {
	var calls atomic.Int32
	mgr, store := newTestManager(t, ManagerConfig{
		SafetyMargin:    5 * time.Minute,
		ExpiryThreshold: 24 * time.Hour,
	})
	mgr.RegisterProvider("google_ads", countingProvider(&calls, 0))

	now := time.Now().UTC()
	seedCredential(t, store, "acct-1", "google_ads", now.Add(12*time.Hour))

	// Hold the refresh lock so the sweep's worker queues behind a
	// concurrent refresh, persist that refresh's result, then let the
	// worker through.
	lock := mgr.keyLock("acct-1", "google_ads")
	lock.Lock()

	var (
		report   *SweepReport
		sweepErr error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		report, sweepErr = mgr.SweepExpiring(context.Background(), now)
	}()

	cred, err := store.Get(context.Background(), "acct-1", "google_ads")
	require.NoError(t, err)
	cred.AccessToken = "already-fresh"
	cred.ExpiresAt = now.Add(48 * time.Hour)
	require.NoError(t, store.Upsert(context.Background(), cred))
	lock.Unlock()

	<-done
	require.NoError(t, sweepErr)
	assert.Equal(t, 1, report.Scanned)
	assert.Zero(t, report.Refreshed, "a credential refreshed mid-sweep is not counted as refreshed")
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, calls.Load())

	got, err := store.Get(context.Background(), "acct-1", "google_ads")
	require.NoError(t, err)
	assert.Equal(t, "already-fresh", got.AccessToken)
}

func TestSweepExpiringEmpty(t *testing.T) {
	mgr, _ := newTestManager(t, ManagerConfig{})

	report, err := mgr.SweepExpiring(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
	assert.Empty(t, report.Failures)
}

func TestSweepBoundsConcurrency(t *testing.T) {
	var current, peak atomic.Int32
	mgr, store := newTestManager(t, ManagerConfig{SweepWorkers: 2})
	mgr.RegisterProvider("google_ads", func(ctx context.Context, refreshToken string) (*TokenGrant, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return &TokenGrant{AccessToken: "fresh", ExpiresIn: time.Hour}, nil
	})

	now := time.Now().UTC()
	for _, owner := range []string{"a", "b", "c", "d", "e", "f"} {
		seedCredential(t, store, owner, "google_ads", now.Add(time.Minute))
	}

	report, err := mgr.SweepExpiring(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 6, report.Refreshed)
	assert.LessOrEqual(t, peak.Load(), int32(2), "sweep concurrency must respect the worker bound")
}
