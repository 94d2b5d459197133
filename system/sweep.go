// Package system provides the built-in job handlers that keep the
// scheduler's own house in order: the credential refresh sweep, the
// terminal-job retention purge, and the analytics sync.
package system

import (
	"context"
	"encoding/json"
	"time"

	"github.com/emberworks/cadent/credential"
	"github.com/emberworks/cadent/queue"
)

// Job types for the built-in recurring work
const (
	JobTypeCredentialSweep = "credential.sweep"
	JobTypeRetention       = "retention.cleanup"
	JobTypeAnalyticsSync   = "analytics.sync"
)

// CredentialSweepHandler refreshes every credential nearing expiry.
// The sweep report becomes the job result; individual credential
// failures are part of a successful sweep, only a storage-level
// failure fails the job.
type CredentialSweepHandler struct {
	manager *credential.Manager
}

// NewCredentialSweepHandler creates the sweep handler
func NewCredentialSweepHandler(manager *credential.Manager) *CredentialSweepHandler {
	return &CredentialSweepHandler{manager: manager}
}

func (h *CredentialSweepHandler) Type() string { return JobTypeCredentialSweep }

func (h *CredentialSweepHandler) Timeout() time.Duration { return 10 * time.Minute }

func (h *CredentialSweepHandler) Execute(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
	report, err := h.manager.SweepExpiring(ctx, time.Now())
	if err != nil {
		// Listing failed; nothing was attempted, safe to retry
		return nil, queue.Transient(err)
	}
	return json.Marshal(report)
}
