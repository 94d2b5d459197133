// Package queue provides durable background job processing: a persisted
// job store with an atomic claim-based state machine, a typed handler
// registry, and a tick-driven scheduler loop with bounded concurrency
// and retry backoff.
package queue

import (
	"crypto/rand"
	"encoding/json"
	"time"

	"github.com/mr-tron/base58"

	"github.com/emberworks/cadent/errors"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusPending, JobStatusProcessing,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for statuses that permit no further transitions
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// DefaultMaxAttempts is used when a job is enqueued without an explicit
// attempt budget.
const DefaultMaxAttempts = 3

// Job represents a persisted unit of deferred work.
//
// Jobs are created by any collaborator needing deferred execution and
// mutated exclusively through Store operations, which guard every state
// transition with a compare-and-set on status. Terminal rows are kept
// for audit until the retention cleanup job purges them.
type Job struct {
	ID            string          `json:"job_id"`
	Type          string          `json:"job_type"` // key into the handler registry
	Payload       json.RawMessage `json:"payload,omitempty"`
	OwnerID       string          `json:"owner_id,omitempty"`
	ScheduledTime time.Time       `json:"scheduled_time"`
	Status        JobStatus       `json:"status"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	LastError     *JobError       `json:"last_error,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ExecutedAt    *time.Time      `json:"executed_at,omitempty"` // last claim time
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewJob creates a pending job scheduled for the given time.
//
// Example:
//
//	payload, _ := json.Marshal(PostPayload{AccountID: "acct_9", Body: "..."})
//	job, _ := queue.NewJob("social.post", payload, "owner-42", time.Now(), 0)
func NewJob(jobType string, payload json.RawMessage, ownerID string, scheduledTime time.Time, maxAttempts int) (*Job, error) {
	if jobType == "" {
		return nil, errors.New("jobType cannot be empty")
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	jobID, err := newJobID()
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate job ID")
	}

	now := time.Now().UTC()
	return &Job{
		ID:            jobID,
		Type:          jobType,
		Payload:       payload,
		OwnerID:       ownerID,
		Status:        JobStatusPending,
		ScheduledTime: scheduledTime.UTC(),
		MaxAttempts:   maxAttempts,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// newJobID mints a compact unique identifier of the form job-<base58>.
func newJobID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "failed to read random bytes")
	}
	return "job-" + base58.Encode(buf), nil
}

// MarshalJobError converts a JobError to its stored JSON form
func MarshalJobError(jobErr *JobError) (string, error) {
	if jobErr == nil {
		return "", nil
	}
	data, err := json.Marshal(jobErr)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal job error")
	}
	return string(data), nil
}

// UnmarshalJobError converts the stored JSON form back to a JobError
func UnmarshalJobError(data string) (*JobError, error) {
	if data == "" {
		return nil, nil
	}
	var jobErr JobError
	if err := json.Unmarshal([]byte(data), &jobErr); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal job error")
	}
	return &jobErr, nil
}
