package queue

import (
	"database/sql"

	"github.com/emberworks/cadent/errors"
)

// jobScanArgs holds the nullable column targets needed when scanning a
// job row. Keeps the SELECT column list and scan target list in one
// place so every query reads rows identically.
type jobScanArgs struct {
	Payload    sql.NullString
	LastError  sql.NullString
	Result     sql.NullString
	ExecutedAt sql.NullTime
}

// jobSelectColumns is the canonical column list for job SELECTs, in the
// order expected by scanTargets.
const jobSelectColumns = `job_id, job_type, payload, owner_id, status,
	scheduled_time, attempts, max_attempts, last_error, result,
	created_at, executed_at, updated_at`

// scanTargets returns scan destinations for one job row
func scanTargets(job *Job, args *jobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.Type,
		&args.Payload,
		&job.OwnerID,
		&job.Status,
		&job.ScheduledTime,
		&job.Attempts,
		&job.MaxAttempts,
		&args.LastError,
		&args.Result,
		&job.CreatedAt,
		&args.ExecutedAt,
		&job.UpdatedAt,
	}
}

// finishScan copies nullable scan results into the job struct
func finishScan(job *Job, args *jobScanArgs) error {
	if args.Payload.Valid {
		job.Payload = []byte(args.Payload.String)
	}
	if args.Result.Valid {
		job.Result = []byte(args.Result.String)
	}
	if args.LastError.Valid {
		jobErr, err := UnmarshalJobError(args.LastError.String)
		if err != nil {
			return errors.Wrapf(err, "failed to unmarshal last_error for job %s", job.ID)
		}
		job.LastError = jobErr
	}
	if args.ExecutedAt.Valid {
		t := args.ExecutedAt.Time
		job.ExecutedAt = &t
	}
	return nil
}

// scanJobRow scans a single row from a QueryRow result
func scanJobRow(row *sql.Row, job *Job) error {
	args := &jobScanArgs{}
	if err := row.Scan(scanTargets(job, args)...); err != nil {
		return err
	}
	return finishScan(job, args)
}

// scanJobs collects all jobs from a multi-row result
func scanJobs(rows *sql.Rows, context string) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		var job Job
		args := &jobScanArgs{}
		if err := rows.Scan(scanTargets(&job, args)...); err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		if err := finishScan(&job, args); err != nil {
			return nil, err
		}
		jobs = append(jobs, &job)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}

	return jobs, nil
}
