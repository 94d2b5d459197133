package system

import (
	"context"
	"encoding/json"
	"time"

	"github.com/emberworks/cadent/credential"
	"github.com/emberworks/cadent/errors"
	"github.com/emberworks/cadent/logger"
	"github.com/emberworks/cadent/queue"
)

// AnalyticsFetcher is the external collaborator that pulls platform
// analytics for one owner using a valid access token. The wire protocol
// of each platform is its concern, not this subsystem's.
type AnalyticsFetcher interface {
	Fetch(ctx context.Context, ownerID, provider, accessToken string) error
}

// AnalyticsSyncHandler pulls analytics for every owner holding a
// credential at the configured provider. Tokens come strictly from the
// refresh manager, never from raw credential reads, so the proactive
// refresh and race-avoidance logic applies.
type AnalyticsSyncHandler struct {
	credentials *credential.Store
	manager     *credential.Manager
	fetcher     AnalyticsFetcher
	provider    string
}

// NewAnalyticsSyncHandler creates the analytics sync handler for one provider
func NewAnalyticsSyncHandler(credentials *credential.Store, manager *credential.Manager, fetcher AnalyticsFetcher, provider string) *AnalyticsSyncHandler {
	return &AnalyticsSyncHandler{
		credentials: credentials,
		manager:     manager,
		fetcher:     fetcher,
		provider:    provider,
	}
}

func (h *AnalyticsSyncHandler) Type() string { return JobTypeAnalyticsSync }

func (h *AnalyticsSyncHandler) Timeout() time.Duration { return 15 * time.Minute }

// analyticsSyncResult is the stored result of one sync run
type analyticsSyncResult struct {
	Provider      string   `json:"provider"`
	Synced        int      `json:"synced"`
	ReauthOwners  []string `json:"reauth_owners,omitempty"`
	FetchFailures int      `json:"fetch_failures"`
}

func (h *AnalyticsSyncHandler) Execute(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
	creds, err := h.credentials.ListByProvider(ctx, h.provider)
	if err != nil {
		return nil, queue.Transient(err)
	}

	result := analyticsSyncResult{Provider: h.provider}
	var firstFetchErr error
	for _, cred := range creds {
		token, err := h.manager.GetValidToken(ctx, cred.OwnerID, h.provider)
		if errors.IsReauthRequiredError(err) {
			// Reported for the owner's dashboard, never retried here
			result.ReauthOwners = append(result.ReauthOwners, cred.OwnerID)
			continue
		}
		if err != nil {
			result.FetchFailures++
			if firstFetchErr == nil {
				firstFetchErr = err
			}
			continue
		}

		if err := h.fetcher.Fetch(ctx, cred.OwnerID, h.provider, token); err != nil {
			result.FetchFailures++
			if firstFetchErr == nil {
				firstFetchErr = err
			}
			continue
		}
		result.Synced++
	}

	if result.FetchFailures > 0 && result.Synced == 0 && len(result.ReauthOwners) == 0 {
		// Nothing succeeded; likely a platform outage, retry the run
		return nil, queue.Transient(firstFetchErr)
	}

	logger.LoggerFromContext(ctx).Infow("Analytics sync completed",
		logger.FieldProvider, h.provider,
		"synced", result.Synced,
		"reauth_owners", len(result.ReauthOwners),
		"fetch_failures", result.FetchFailures)
	return json.Marshal(result)
}
