package system

import (
	"context"
	"encoding/json"
	"time"

	"github.com/emberworks/cadent/metrics"
	"github.com/emberworks/cadent/queue"
)

// DefaultRetentionAge keeps terminal jobs for audit for 30 days
const DefaultRetentionAge = 30 * 24 * time.Hour

// RetentionHandler purges terminal jobs older than the retention age.
// Runs as a recurring job against the same store that holds it, so the
// purge record itself survives until the next cycle.
type RetentionHandler struct {
	store *queue.Store
	age   time.Duration
	sink  metrics.Sink
}

// NewRetentionHandler creates the retention cleanup handler.
// age <= 0 applies DefaultRetentionAge; a nil sink defaults to no-op.
func NewRetentionHandler(store *queue.Store, age time.Duration, sink metrics.Sink) *RetentionHandler {
	if age <= 0 {
		age = DefaultRetentionAge
	}
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	return &RetentionHandler{store: store, age: age, sink: sink}
}

func (h *RetentionHandler) Type() string { return JobTypeRetention }

func (h *RetentionHandler) Timeout() time.Duration { return 5 * time.Minute }

// retentionResult is the stored result of one purge run
type retentionResult struct {
	Purged       int    `json:"purged"`
	RetentionAge string `json:"retention_age"`
}

func (h *RetentionHandler) Execute(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
	purged, err := h.store.PurgeTerminal(ctx, h.age)
	if err != nil {
		return nil, queue.Transient(err)
	}
	h.sink.JobsPurged(purged)
	return json.Marshal(retentionResult{
		Purged:       purged,
		RetentionAge: h.age.String(),
	})
}
