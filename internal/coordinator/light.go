package coordinator

import (
	"time"

	"github.com/fieldcap/irrigator/internal/config"
)

// lightsState reports whether lights are on at now and the next local
// time they turn off, given an on/off hour pair. Handles both same-day
// schedules (onHour < offHour) and overnight schedules that wrap past
// midnight (onHour >= offHour).
func lightsState(now time.Time, sched config.LightScheduleConfig) (on bool, nextOff time.Time) {
	loc := now.Location()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	onAt := dayStart.Add(time.Duration(sched.OnHour) * time.Hour)
	offAt := dayStart.Add(time.Duration(sched.OffHour) * time.Hour)

	if sched.OnHour < sched.OffHour {
		on = !now.Before(onAt) && now.Before(offAt)
		next := offAt
		if !now.Before(offAt) {
			next = offAt.AddDate(0, 0, 1)
		}
		return on, next
	}

	// Overnight schedule: the on-period that started yesterday still
	// covers "now" if now is before today's offAt; otherwise a new
	// on-period starts at today's onAt.
	on = now.Before(offAt) || !now.Before(onAt)
	next := offAt
	if !now.Before(offAt) {
		next = offAt.AddDate(0, 0, 1)
	}
	return on, next
}
