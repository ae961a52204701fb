package zone

import "time"

// Runtime is the mutable per-zone state the coordinator persists and the
// machine mutates. It is owned exclusively by this zone's Machine; the
// coordinator reads snapshots of it, never writes it directly.
type Runtime struct {
	Phase          Phase
	PhaseEnteredAt time.Time

	// PeakVWC is the dryback reference recorded when P0 was last entered.
	PeakVWC float64

	LastIrrigationAt       time.Time
	ShotsInPhase           int
	CumulativeShotVolumeMl float64

	DailyUsageMl  float64
	WeeklyUsageMl float64
	// DailyResetDate/WeeklyResetDate are ISO-8601 dates (YYYY-MM-DD) of
	// the last reset. They are persisted with the snapshot; nothing
	// compares them to the current date on resume, so a cron-driven reset
	// missed during downtime is not made up.
	DailyResetDate  string
	WeeklyResetDate string

	LastEmergencyAt time.Time

	// ManualOverrideUntil is zero when no override is active.
	ManualOverrideUntil time.Time

	// Unsafe latches once emergencyStale is exceeded with no valid
	// reading; cleared only by operator intervention.
	Unsafe bool

	// LastValidVWC/LastValidVWCAt back the emergency path's grace period:
	// emergency logic may use a stale-but-recent reading.
	LastValidVWC   float64
	LastValidVWCAt time.Time

	// DegradedSince is zero while VWC fusion is healthy; set to the
	// first tick where fusion reported NoReliableSample.
	DegradedSince time.Time

	// Parked mirrors the coordinator-visible state once sensorStaleGrace
	// has elapsed: non-emergency irrigation is suspended in the current
	// phase until a valid reading returns.
	Parked bool
}

// Clone returns a value copy of the runtime, safe to persist or inspect
// without holding the Machine's lock.
func (r Runtime) Clone() Runtime {
	return r
}
