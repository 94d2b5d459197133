package credential

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/emberworks/cadent/errors"
	"github.com/emberworks/cadent/metrics"
)

// ManagerConfig contains configuration for the refresh manager.
type ManagerConfig struct {
	SafetyMargin     time.Duration `json:"safety_margin"`       // Minimum remaining lifetime before GetValidToken refreshes
	ExpiryThreshold  time.Duration `json:"expiry_threshold"`    // How far ahead sweeps look for expiring credentials
	SweepWorkers     int           `json:"sweep_workers"`       // Concurrent refreshes per sweep
	RefreshPerMinute float64       `json:"refresh_per_minute"`  // Per-provider refresh rate limit (0 = unlimited)
}

// DefaultManagerConfig returns sensible defaults
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		SafetyMargin:    5 * time.Minute,
		ExpiryThreshold: 24 * time.Hour,
		SweepWorkers:    10,
	}
}

// Manager decides when credentials need refreshing and performs the
// refresh through per-provider functions.
//
// Refresh for a given (owner, provider) pair is serialized through a
// per-key lock: most providers invalidate the prior refresh token on
// use, so a second concurrent caller must wait for the in-flight
// refresh and reuse its result instead of issuing its own call.
type Manager struct {
	store     *Store
	providers map[string]ProviderFunc
	config    ManagerConfig
	sink      metrics.Sink
	nowFn     func() time.Time
	logger    *zap.SugaredLogger

	mu       sync.Mutex
	locks    map[string]*sync.Mutex   // per-(owner, provider) refresh locks
	limiters map[string]*rate.Limiter // per-provider refresh rate limiters
}

// NewManager creates a refresh manager. A nil sink defaults to the
// no-op sink. Providers register before any scheduling starts.
func NewManager(store *Store, cfg ManagerConfig, sink metrics.Sink, log *zap.SugaredLogger) *Manager {
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = DefaultManagerConfig().SafetyMargin
	}
	if cfg.ExpiryThreshold <= 0 {
		cfg.ExpiryThreshold = DefaultManagerConfig().ExpiryThreshold
	}
	if cfg.SweepWorkers <= 0 {
		cfg.SweepWorkers = DefaultManagerConfig().SweepWorkers
	}
	if sink == nil {
		sink = metrics.NewNoopSink()
	}

	return &Manager{
		store:     store,
		providers: make(map[string]ProviderFunc),
		config:    cfg,
		sink:      sink,
		nowFn:     time.Now,
		logger:    log.Named("credential"),
		locks:     make(map[string]*sync.Mutex),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// RegisterProvider binds a refresh function to a provider name.
// Panics on duplicate registration, mirroring the handler registry.
func (m *Manager) RegisterProvider(provider string, fn ProviderFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.providers[provider]; exists {
		panic("provider already registered: " + provider)
	}
	m.providers[provider] = fn
	if m.config.RefreshPerMinute > 0 {
		m.limiters[provider] = rate.NewLimiter(rate.Limit(m.config.RefreshPerMinute/60.0), 1)
	}
}

// Providers returns the registered provider names
func (m *Manager) Providers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	return names
}

// GetValidToken returns a usable access token for the (owner, provider)
// pair, refreshing first when less than the safety margin of lifetime
// remains. Job handlers obtain tokens only through this method.
func (m *Manager) GetValidToken(ctx context.Context, ownerID, provider string) (string, error) {
	cred, err := m.store.Get(ctx, ownerID, provider)
	if err != nil {
		return "", err
	}

	if cred.Revoked() {
		return "", errors.Wrapf(errors.ErrReauthRequired,
			"credential %s/%s is revoked", ownerID, provider)
	}

	if cred.ValidFor(m.nowFn(), m.config.SafetyMargin) {
		return cred.AccessToken, nil
	}

	refreshed, err := m.Refresh(ctx, ownerID, provider)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// Refresh performs one provider refresh for the (owner, provider) pair
// and returns the updated credential.
//
// Callers racing on the same key serialize on its lock; the loser
// re-reads the credential inside the lock and returns it unchanged if
// the winner already refreshed, so exactly one provider call happens
// per expiry.
func (m *Manager) Refresh(ctx context.Context, ownerID, provider string) (*Credential, error) {
	cred, _, err := m.refresh(ctx, ownerID, provider, m.config.SafetyMargin)
	return cred, err
}

// refresh holds the per-key lock for the whole refresh. The margin is
// the caller's freshness requirement: GetValidToken passes the safety
// margin, the sweep passes the expiry threshold. A credential that
// already satisfies the margin under the lock was refreshed by a
// concurrent caller; it is returned unchanged with skipped=true.
func (m *Manager) refresh(ctx context.Context, ownerID, provider string, margin time.Duration) (*Credential, bool, error) {
	lock := m.keyLock(ownerID, provider)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock: a concurrent caller may have refreshed
	// while this one waited
	cred, err := m.store.Get(ctx, ownerID, provider)
	if err != nil {
		return nil, false, err
	}
	if cred.Revoked() {
		return nil, false, errors.Wrapf(errors.ErrReauthRequired,
			"credential %s/%s is revoked", ownerID, provider)
	}
	if cred.ValidFor(m.nowFn(), margin) {
		m.sink.RefreshOutcome(metrics.RefreshOutcomeSkipped)
		return cred, true, nil
	}

	if cred.RefreshToken == "" {
		// Not refreshable; the owner must reauthorize
		if err := m.store.SetStatus(ctx, ownerID, provider, StatusRevoked); err != nil {
			m.logger.Warnw("Failed to mark unrefreshable credential revoked",
				"owner_id", ownerID, "provider", provider, "error", err)
		}
		return nil, false, errors.Wrapf(errors.ErrReauthRequired,
			"credential %s/%s has no refresh token", ownerID, provider)
	}

	fn, limiter := m.providerFor(provider)
	if fn == nil {
		return nil, false, errors.Wrapf(errors.ErrReauthRequired,
			"no refresh provider registered for %q", provider)
	}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, false, errors.Wrapf(err, "rate limit wait aborted for provider %s", provider)
		}
	}

	grant, err := fn(ctx, cred.RefreshToken)
	if err != nil {
		return nil, false, m.recordRefreshFailure(ctx, cred, err)
	}

	now := m.nowFn().UTC()
	cred.AccessToken = grant.AccessToken
	if grant.RefreshToken != "" {
		// Provider rotated it; the old token is dead
		cred.RefreshToken = grant.RefreshToken
	}
	cred.ExpiresAt = now.Add(grant.ExpiresIn)
	if len(grant.Scope) > 0 {
		cred.Scope = grant.Scope
	}
	cred.Status = StatusActive

	if err := m.store.Upsert(ctx, cred); err != nil {
		return nil, false, errors.Wrap(err, "failed to persist refreshed credential")
	}

	m.sink.RefreshOutcome(metrics.RefreshOutcomeSuccess)
	m.logger.Infow("Credential refreshed",
		"owner_id", ownerID,
		"provider", provider,
		"expires_at", cred.ExpiresAt)
	return cred, false, nil
}

// recordRefreshFailure maps a provider error onto the credential's
// lifecycle and the error taxonomy.
func (m *Manager) recordRefreshFailure(ctx context.Context, cred *Credential, cause error) error {
	if errors.IsInvalidGrantError(cause) {
		// The refresh token itself is dead; terminal until the owner
		// reauthorizes out-of-band
		if err := m.store.SetStatus(ctx, cred.OwnerID, cred.Provider, StatusRevoked); err != nil {
			m.logger.Errorw("Failed to mark credential revoked",
				"owner_id", cred.OwnerID, "provider", cred.Provider, "error", err)
		}
		m.sink.RefreshOutcome(metrics.RefreshOutcomeRevoked)
		m.logger.Warnw("Credential revoked by provider",
			"owner_id", cred.OwnerID,
			"provider", cred.Provider)
		return errors.Wrapf(errors.ErrReauthRequired,
			"refresh token for %s/%s rejected: %v", cred.OwnerID, cred.Provider, cause)
	}

	// Transient provider failure. Inside the expiry threshold the
	// credential is flagged expiring so operators can see it needs
	// attention before it lapses.
	if cred.Status == StatusActive && !cred.ValidFor(m.nowFn(), m.config.ExpiryThreshold) {
		if err := m.store.SetStatus(ctx, cred.OwnerID, cred.Provider, StatusExpiring); err != nil {
			m.logger.Warnw("Failed to mark credential expiring",
				"owner_id", cred.OwnerID, "provider", cred.Provider, "error", err)
		}
	}
	m.sink.RefreshOutcome(metrics.RefreshOutcomeTransient)
	return errors.Wrapf(cause, "refresh failed for %s/%s", cred.OwnerID, cred.Provider)
}

// SweepResult is the per-credential outcome of a sweep
type SweepResult struct {
	OwnerID  string `json:"owner_id"`
	Provider string `json:"provider"`
	Error    string `json:"error"`
	Reauth   bool   `json:"reauth_required,omitempty"`
}

// SweepReport summarizes one expiring-credential sweep. Stored as the
// sweep job's result.
type SweepReport struct {
	Scanned   int           `json:"scanned"`
	Refreshed int           `json:"refreshed"`
	Skipped   int           `json:"skipped,omitempty"` // refreshed by a concurrent caller mid-sweep
	Revoked   int           `json:"revoked"`
	Failed    int           `json:"failed"`
	Failures  []SweepResult `json:"failures,omitempty"`
	Duration  string        `json:"duration"`
}

// SweepExpiring refreshes every credential expiring within the
// configured threshold under bounded concurrency. One credential's
// failure never aborts the sweep; failures are collected into the
// report.
func (m *Manager) SweepExpiring(ctx context.Context, now time.Time) (*SweepReport, error) {
	start := time.Now()

	expiring, err := m.store.ListExpiring(ctx, now, m.config.ExpiryThreshold)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list expiring credentials")
	}

	report := &SweepReport{Scanned: len(expiring)}
	if len(expiring) == 0 {
		report.Duration = time.Since(start).Round(time.Millisecond).String()
		return report, nil
	}

	var (
		wg       sync.WaitGroup
		reportMu sync.Mutex
	)
	sem := make(chan struct{}, m.config.SweepWorkers)

	for _, cred := range expiring {
		cred := cred
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			// The sweep refreshes anything expiring within the
			// threshold, so the dedup re-check must use the threshold
			// as its margin: the 5m safety margin would wave through
			// every credential with more than 5m left unrefreshed.
			_, skipped, err := m.refresh(ctx, cred.OwnerID, cred.Provider, m.config.ExpiryThreshold)

			reportMu.Lock()
			defer reportMu.Unlock()
			switch {
			case err == nil && skipped:
				report.Skipped++
			case err == nil:
				report.Refreshed++
			case errors.IsReauthRequiredError(err):
				report.Revoked++
				report.Failures = append(report.Failures, SweepResult{
					OwnerID:  cred.OwnerID,
					Provider: cred.Provider,
					Error:    err.Error(),
					Reauth:   true,
				})
			default:
				report.Failed++
				report.Failures = append(report.Failures, SweepResult{
					OwnerID:  cred.OwnerID,
					Provider: cred.Provider,
					Error:    err.Error(),
				})
			}
		}()
	}
	wg.Wait()

	report.Duration = time.Since(start).Round(time.Millisecond).String()
	m.sink.SweepCompleted(time.Since(start), report.Refreshed, report.Failed+report.Revoked)
	m.logger.Infow("Credential sweep completed",
		"scanned", report.Scanned,
		"refreshed", report.Refreshed,
		"skipped", report.Skipped,
		"revoked", report.Revoked,
		"failed", report.Failed,
		"duration", report.Duration)
	return report, nil
}

// keyLock returns the refresh lock for one (owner, provider) pair,
// creating it on first use.
func (m *Manager) keyLock(ownerID, provider string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ownerID + "/" + provider
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	return lock
}

// providerFor looks up the refresh function and limiter for a provider
func (m *Manager) providerFor(provider string) (ProviderFunc, *rate.Limiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.providers[provider], m.limiters[provider]
}
