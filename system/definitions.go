package system

import (
	"time"

	"github.com/emberworks/cadent/recurring"
)

// Definitions builds the built-in recurring job definitions:
// credential sweep on a fixed interval, analytics sync daily at a fixed
// hour, and retention cleanup weekly at a fixed day and hour.
func Definitions(sweepEvery time.Duration, analyticsHourUTC int, retentionDay time.Weekday, retentionHourUTC int) []*recurring.Definition {
	return []*recurring.Definition{
		{
			ID:      "system-credential-sweep",
			JobType: JobTypeCredentialSweep,
			Cadence: recurring.Every(sweepEvery),
			OwnerID: "system",
		},
		{
			ID:      "system-analytics-sync",
			JobType: JobTypeAnalyticsSync,
			Cadence: recurring.DailyAt(analyticsHourUTC),
			OwnerID: "system",
		},
		{
			ID:      "system-retention-cleanup",
			JobType: JobTypeRetention,
			Cadence: recurring.WeeklyOn(retentionDay, retentionHourUTC),
			OwnerID: "system",
		},
	}
}
