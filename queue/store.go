package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/emberworks/cadent/errors"
)

// Store handles persistence of jobs and owns every state transition.
//
// All transitions are guarded by a compare-and-set on status inside a
// single statement or transaction, so concurrent schedulers cannot
// double-claim a job and terminal rows are immutable.
type Store struct {
	db    *sql.DB
	nowFn func() time.Time // Injectable for testing
}

// NewStore creates a job store backed by the given database
func NewStore(db *sql.DB) *Store {
	return NewStoreWithClock(db, time.Now)
}

// NewStoreWithClock creates a job store with an injectable clock (for testing)
func NewStoreWithClock(db *sql.DB, nowFn func() time.Time) *Store {
	return &Store{db: db, nowFn: nowFn}
}

// Create inserts a new job row
func (s *Store) Create(ctx context.Context, job *Job) error {
	lastErrorJSON, err := MarshalJobError(job.LastError)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO jobs (
			job_id, job_type, payload, owner_id, status,
			scheduled_time, attempts, max_attempts,
			last_error, result, created_at, executed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	payload := sql.NullString{String: string(job.Payload), Valid: len(job.Payload) > 0}
	result := sql.NullString{String: string(job.Result), Valid: len(job.Result) > 0}
	lastError := sql.NullString{String: lastErrorJSON, Valid: lastErrorJSON != ""}
	var executedAt sql.NullTime
	if job.ExecutedAt != nil {
		executedAt = sql.NullTime{Time: job.ExecutedAt.UTC(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, query,
		job.ID,
		job.Type,
		payload,
		job.OwnerID,
		job.Status,
		job.ScheduledTime.UTC(),
		job.Attempts,
		job.MaxAttempts,
		lastError,
		result,
		job.CreatedAt.UTC(),
		executedAt,
		job.UpdatedAt.UTC(),
	)
	if err != nil {
		err = errors.Wrap(err, "failed to create job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Job type: %s", job.Type))
		return err
	}

	return nil
}

// Enqueue creates and persists a pending job in one call.
// A zero scheduledTime means run as soon as possible; maxAttempts <= 0
// applies DefaultMaxAttempts.
func (s *Store) Enqueue(ctx context.Context, jobType string, payload json.RawMessage, ownerID string, scheduledTime time.Time, maxAttempts int) (*Job, error) {
	if scheduledTime.IsZero() {
		scheduledTime = s.nowFn()
	}
	job, err := NewJob(jobType, payload, ownerID, scheduledTime, maxAttempts)
	if err != nil {
		return nil, err
	}
	if err := s.Create(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Get retrieves a job by ID, returning errors.ErrNotFound when absent
func (s *Store) Get(ctx context.Context, jobID string) (*Job, error) {
	query := `SELECT ` + jobSelectColumns + ` FROM jobs WHERE job_id = ?`

	var job Job
	err := scanJobRow(s.db.QueryRowContext(ctx, query, jobID), &job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job not found: %s", jobID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}

	return &job, nil
}

// ClaimDue atomically transitions up to limit due pending jobs to
// processing and returns them, oldest scheduled_time first.
//
// The per-row update is a compare-and-set on status, so when several
// claimers race over the same due set each job is returned to exactly
// one of them. Rows lost to a concurrent claimer are skipped, not
// errors.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin claim transaction")
	}
	defer tx.Rollback()

	query := `SELECT ` + jobSelectColumns + `
		FROM jobs
		WHERE status = ? AND scheduled_time <= ?
		ORDER BY scheduled_time ASC
		LIMIT ?`

	rows, err := tx.QueryContext(ctx, query, JobStatusPending, now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to select due jobs")
	}
	candidates, err := scanJobs(rows, "due jobs")
	rows.Close()
	if err != nil {
		return nil, err
	}

	claimedAt := now.UTC()
	var claimed []*Job
	for _, job := range candidates {
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, executed_at = ?, updated_at = ?
			 WHERE job_id = ? AND status = ?`,
			JobStatusProcessing, claimedAt, claimedAt, job.ID, JobStatusPending,
		)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to claim job %s", job.ID)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get rows affected")
		}
		if affected == 0 {
			// Lost to a concurrent claimer between select and update
			continue
		}

		job.Status = JobStatusProcessing
		job.ExecutedAt = &claimedAt
		job.UpdatedAt = claimedAt
		claimed = append(claimed, job)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit claim transaction")
	}

	return claimed, nil
}

// Complete transitions a processing job to completed and stores its result
func (s *Store) Complete(ctx context.Context, jobID string, result json.RawMessage) error {
	res := sql.NullString{String: string(result), Valid: len(result) > 0}

	out, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, result = ?, updated_at = ?
		 WHERE job_id = ? AND status = ?`,
		JobStatusCompleted, res, s.nowFn().UTC(), jobID, JobStatusProcessing,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to complete job %s", jobID)
	}
	affected, err := out.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if affected == 0 {
		return s.transitionRejected(ctx, jobID, "complete", JobStatusProcessing)
	}

	return nil
}

// Fail records a failure outcome for a processing job and applies the
// retry-or-terminal rule:
//
//   - transient errors consume one attempt; if attempts remain the job
//     returns to pending with scheduled_time pushed out by the backoff
//     policy, otherwise it fails terminally
//   - permanent and auth errors fail terminally on first sight, with
//     attempts forced to max_attempts
//
// The updated job is returned so callers can log and meter the outcome.
func (s *Store) Fail(ctx context.Context, jobID string, jobErr *JobError, backoff Backoff) (*Job, error) {
	if jobErr == nil {
		return nil, errors.New("jobErr cannot be nil")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin fail transaction")
	}
	defer tx.Rollback()

	var job Job
	query := `SELECT ` + jobSelectColumns + ` FROM jobs WHERE job_id = ?`
	args := &jobScanArgs{}
	err = tx.QueryRowContext(ctx, query, jobID).Scan(scanTargets(&job, args)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job not found: %s", jobID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load job %s", jobID)
	}
	if err := finishScan(&job, args); err != nil {
		return nil, err
	}

	if job.Status != JobStatusProcessing {
		err := errors.Wrapf(errors.ErrInvalidTransition, "cannot fail job %s", jobID)
		err = errors.WithDetail(err, fmt.Sprintf("Current status: %s", job.Status))
		return nil, err
	}

	now := s.nowFn().UTC()
	if jobErr.Retryable() {
		job.Attempts++
		if job.Attempts < job.MaxAttempts {
			job.Status = JobStatusPending
			job.ScheduledTime = now.Add(backoff.Delay(job.Attempts))
		} else {
			job.Status = JobStatusFailed
		}
	} else {
		// Permanent and auth failures spend the whole attempt budget
		job.Attempts = job.MaxAttempts
		job.Status = JobStatusFailed
	}
	job.LastError = jobErr
	job.UpdatedAt = now

	lastErrorJSON, err := MarshalJobError(jobErr)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, attempts = ?, scheduled_time = ?, last_error = ?, updated_at = ?
		 WHERE job_id = ? AND status = ?`,
		job.Status, job.Attempts, job.ScheduledTime.UTC(), lastErrorJSON, now,
		jobID, JobStatusProcessing,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fail job %s", jobID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get rows affected")
	}
	if affected == 0 {
		return nil, errors.Wrapf(errors.ErrInvalidTransition, "job %s changed state during fail", jobID)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit fail transaction")
	}

	return &job, nil
}

// Cancel transitions a pending job to cancelled.
//
// Only pending jobs can be cancelled: a processing job runs to
// completion, error, or timeout, and terminal jobs are immutable.
func (s *Store) Cancel(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ?
		 WHERE job_id = ? AND status = ?`,
		JobStatusCancelled, s.nowFn().UTC(), jobID, JobStatusPending,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to cancel job %s", jobID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if affected == 0 {
		return s.transitionRejected(ctx, jobID, "cancel", JobStatusPending)
	}

	return nil
}

// transitionRejected reports why a CAS update matched no row: the job
// either does not exist or is not in the state the transition requires.
func (s *Store) transitionRejected(ctx context.Context, jobID, op string, want JobStatus) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err // not found, or the read itself failed
	}
	rejected := errors.Wrapf(errors.ErrInvalidTransition, "cannot %s job %s", op, jobID)
	rejected = errors.WithDetail(rejected, fmt.Sprintf("Current status: %s", job.Status))
	rejected = errors.WithDetail(rejected, fmt.Sprintf("Required status: %s", want))
	return rejected
}

// ListByStatus returns jobs in the given status, newest first
func (s *Store) ListByStatus(ctx context.Context, status JobStatus, limit int) ([]*Job, error) {
	query := `SELECT ` + jobSelectColumns + `
		FROM jobs WHERE status = ?
		ORDER BY created_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, status, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs by status")
	}
	defer rows.Close()

	return scanJobs(rows, "jobs by status")
}

// ListByOwner returns an owner's jobs, newest first
func (s *Store) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Job, error) {
	query := `SELECT ` + jobSelectColumns + `
		FROM jobs WHERE owner_id = ?
		ORDER BY created_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, ownerID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs by owner")
	}
	defer rows.Close()

	return scanJobs(rows, "jobs by owner")
}

// Stats holds aggregate job counts by status
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Total      int `json:"total"`
}

// CountByStatus returns aggregate job counts in a single scan
func (s *Store) CountByStatus(ctx context.Context) (*Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	stats := &Stats{}
	for rows.Next() {
		var status JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		switch status {
		case JobStatusPending:
			stats.Pending = count
		case JobStatusProcessing:
			stats.Processing = count
		case JobStatusCompleted:
			stats.Completed = count
		case JobStatusFailed:
			stats.Failed = count
		case JobStatusCancelled:
			stats.Cancelled = count
		}
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating job counts")
	}

	return stats, nil
}

// RequeueOrphans returns processing jobs abandoned by a crashed
// scheduler to pending, due immediately. Called once at startup; safe
// under at-least-once semantics because handlers are idempotent.
func (s *Store) RequeueOrphans(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, scheduled_time = ?, updated_at = ?
		 WHERE status = ?`,
		JobStatusPending, now.UTC(), now.UTC(), JobStatusProcessing,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to requeue orphaned jobs")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	return int(affected), nil
}

// PurgeTerminal deletes terminal jobs whose last update is older than
// the retention window. Returns the number of rows removed.
func (s *Store) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.nowFn().Add(-olderThan).UTC()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs
		 WHERE status IN (?, ?, ?) AND updated_at < ?`,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled, cutoff,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge terminal jobs")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	return int(affected), nil
}
