package recurring

import (
	"encoding/json"

	"github.com/emberworks/cadent/errors"
)

// Definition is one statically declared recurring job: when due, the
// runner enqueues a concrete job of JobType with Payload.
type Definition struct {
	ID          string          // unique, stable across restarts (keys the persisted low-water mark)
	JobType     string          // handler job type to enqueue
	Cadence     Cadence         // when runs become due
	Payload     json.RawMessage // fixed payload for each enqueued job
	OwnerID     string          // attributed owner, usually "system"
	MaxAttempts int             // attempt budget for enqueued jobs (0 = queue default)
}

// Validate checks a definition is complete enough to schedule
func (d *Definition) Validate() error {
	if d.ID == "" {
		return errors.New("definition ID cannot be empty")
	}
	if d.JobType == "" {
		return errors.Newf("definition %s has no job type", d.ID)
	}
	if d.Cadence == nil {
		return errors.Newf("definition %s has no cadence", d.ID)
	}
	return nil
}
