package recurring

import (
	"context"
	"database/sql"
	"time"

	"github.com/emberworks/cadent/errors"
)

// Store persists each definition's last run time. Definitions
// themselves are code; the low-water mark is the only state that must
// survive a restart.
type Store struct {
	db *sql.DB
}

// NewStore creates a recurring-run store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// LastRun returns the persisted last run time for a definition,
// or errors.ErrNotFound if the definition has never been seeded.
func (s *Store) LastRun(ctx context.Context, definitionID string) (time.Time, error) {
	var last time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT last_run_time FROM recurring_runs WHERE definition_id = ?`,
		definitionID,
	).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, errors.NewNotFoundError("no run record for definition %s", definitionID)
	}
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "failed to read last run for %s", definitionID)
	}
	return last, nil
}

// SeedLastRun inserts the initial low-water mark for a definition,
// leaving any existing record untouched. Registration calls this with
// the current time so the first enqueue happens one full cadence later.
func (s *Store) SeedLastRun(ctx context.Context, definitionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recurring_runs (definition_id, last_run_time, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(definition_id) DO NOTHING`,
		definitionID, at.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to seed run record for %s", definitionID)
	}
	return nil
}

// RecordRun advances the low-water mark after a successful enqueue
func (s *Store) RecordRun(ctx context.Context, definitionID string, at time.Time, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recurring_runs (definition_id, last_run_time, last_job_id, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(definition_id) DO UPDATE SET
		     last_run_time = excluded.last_run_time,
		     last_job_id = excluded.last_job_id,
		     updated_at = excluded.updated_at`,
		definitionID, at.UTC(), jobID, time.Now().UTC(),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to record run for %s", definitionID)
	}
	return nil
}
