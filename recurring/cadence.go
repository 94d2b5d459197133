// Package recurring enqueues concrete jobs from statically defined
// fixed-cadence definitions. Definitions live in code; only each
// definition's last run time is persisted, so a restart recomputes due
// times without in-memory timers.
package recurring

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/emberworks/cadent/errors"
)

// Cadence computes the next eligible run from the previous one.
//
// Implementations must be pure: no clock reads and no mutation, so the
// same (cadence, last) pair always yields the same next time and tests
// can drive a fake clock through them.
type Cadence interface {
	// Next returns the first eligible run time strictly after last.
	Next(last time.Time) time.Time

	// String describes the cadence for logs and dashboards.
	String() string
}

// Every returns a fixed-interval cadence
func Every(d time.Duration) Cadence {
	return intervalCadence{interval: d}
}

type intervalCadence struct {
	interval time.Duration
}

func (c intervalCadence) Next(last time.Time) time.Time {
	return last.Add(c.interval)
}

func (c intervalCadence) String() string {
	return fmt.Sprintf("every %s", c.interval)
}

// Cron returns a wall-clock cadence from a standard 5-field cron spec.
// Evaluated in UTC.
func Cron(spec string) (Cadence, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid cron spec %q", spec)
	}
	return cronCadence{spec: spec, sched: sched}, nil
}

// MustCron is Cron for specs known at compile time; panics on error.
func MustCron(spec string) Cadence {
	c, err := Cron(spec)
	if err != nil {
		panic(err)
	}
	return c
}

type cronCadence struct {
	spec  string
	sched cron.Schedule
}

func (c cronCadence) Next(last time.Time) time.Time {
	return c.sched.Next(last.UTC())
}

func (c cronCadence) String() string {
	return fmt.Sprintf("cron %q", c.spec)
}

// DailyAt returns a cadence firing once a day at the given UTC hour
func DailyAt(hour int) Cadence {
	return MustCron(fmt.Sprintf("0 %d * * *", hour))
}

// WeeklyOn returns a cadence firing once a week at the given UTC
// weekday and hour.
func WeeklyOn(day time.Weekday, hour int) Cadence {
	return MustCron(fmt.Sprintf("0 %d * * %d", hour, int(day)))
}
