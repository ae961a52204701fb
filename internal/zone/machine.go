package zone

import (
	"sync"
	"time"

	"github.com/fieldcap/irrigator/internal/config"
	"github.com/fieldcap/irrigator/internal/dryback"
)

// transitionRule is one row of the declarative transition table: if the
// zone is currently in From and guard returns true, it moves to To.
// Rules are evaluated in table order; the first match wins.
type transitionRule struct {
	from   Phase
	to     Phase
	reason string
	guard  func() bool
}

// Machine is the per-zone phase state machine. It owns the zone's
// Runtime and its dryback detector; nothing outside this package mutates
// either directly.
type Machine struct {
	zoneID           int
	cfg              config.ZoneConfig
	growMode         config.GrowMode
	sensorStaleGrace time.Duration
	emergencyStale   time.Duration

	mu      sync.Mutex
	dryback *dryback.Detector
	rt      Runtime
}

// New creates a Machine for a zone, seeded with the resolved initial
// Runtime (recovered from persistence at boot, or a freshly computed
// default — P2 if lights are on, P0 otherwise — when no snapshot exists).
func New(zoneID int, cfg config.ZoneConfig, sensorStaleGrace, emergencyStale time.Duration, initial Runtime) *Machine {
	seed := initial.PeakVWC
	seedAt := initial.PhaseEnteredAt
	if seedAt.IsZero() {
		seedAt = time.Now()
	}
	return &Machine{
		zoneID:           zoneID,
		cfg:              cfg,
		growMode:         cfg.GrowMode,
		sensorStaleGrace: sensorStaleGrace,
		emergencyStale:   emergencyStale,
		dryback:          dryback.New(dryback.DefaultConfig(), seed, seedAt),
		rt:               initial,
	}
}

// ZoneID returns this machine's zone identifier.
func (m *Machine) ZoneID() int {
	return m.zoneID
}

// Snapshot returns a value copy of the current Runtime, safe to persist
// or inspect without holding the machine's internal state.
func (m *Machine) Snapshot() Runtime {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rt.Clone()
}

// Tick evaluates one scheduling cycle for this zone and returns at most
// one Decision, plus a non-nil Transition if the phase changed (whether
// or not the returned Decision is itself a PhaseTransition — an
// Emergency decision raised while in P0 also transitions the zone to P1,
// for instance, and the coordinator needs to know that happened in order
// to emit the PhaseTransition event and trigger a snapshot).
func (m *Machine) Tick(now time.Time, in Inputs) (Decision, *Transition) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.trackSensorHealth(now, in)

	if in.VWCOk {
		m.dryback.Observe(in.FusedVWC, now)
	}

	if in.Forced != nil {
		from := m.rt.Phase
		to := in.Forced.ToPhase
		seed := m.peakSeedValue(in)
		m.applyTransition(now, to, seed)
		reason := "forced: " + in.Forced.Reason
		return Decision{Kind: DecisionPhaseTransition, ZoneID: m.zoneID, From: from, To: to, Reason: reason},
			&Transition{ZoneID: m.zoneID, From: from, To: to, Reason: reason, At: now}
	}

	if dec, trans, fired := m.evaluateEmergency(now, in); fired {
		return dec, trans
	}

	if dec, trans, fired := m.evaluateTransitionTable(now, in); fired {
		return dec, trans
	}

	return m.evaluateIrrigationDecision(now, in), nil
}

// trackSensorHealth updates degraded/parked/unsafe bookkeeping. Unsafe
// latches and is cleared only by explicit operator intervention.
func (m *Machine) trackSensorHealth(now time.Time, in Inputs) {
	if in.VWCOk {
		m.rt.LastValidVWC = in.FusedVWC
		m.rt.LastValidVWCAt = now
		m.rt.DegradedSince = time.Time{}
		m.rt.Parked = false
		return
	}
	if m.rt.DegradedSince.IsZero() {
		m.rt.DegradedSince = now
	}
	if now.Sub(m.rt.DegradedSince) >= m.sensorStaleGrace {
		m.rt.Parked = true
	}
}

// peakSeedValue picks the value used to reseed the dryback peak when
// entering P0: the current fused VWC if available, else the last valid
// reading.
func (m *Machine) peakSeedValue(in Inputs) float64 {
	if in.VWCOk {
		return in.FusedVWC
	}
	return m.rt.LastValidVWC
}

// evaluateEmergency implements the emergency path, available in any
// phase: if a recent-enough VWC reading (fresh or within emergencyStale
// of the last valid one) is below p3EmergencyThreshold and the cooldown
// has elapsed, it fires an Emergency decision at Critical priority. If
// the zone is currently in P0, this also transitions it to P1.
func (m *Machine) evaluateEmergency(now time.Time, in Inputs) (Decision, *Transition, bool) {
	vwc, ok := m.emergencyReading(now, in)
	if !ok || m.rt.Unsafe {
		return Decision{}, nil, false
	}

	cooldown := time.Duration(m.cfg.Thresholds.EmergencyCooldownSec) * time.Second
	if vwc >= m.cfg.Thresholds.P3EmergencyThresholdPct {
		return Decision{}, nil, false
	}
	if !m.rt.LastEmergencyAt.IsZero() && now.Sub(m.rt.LastEmergencyAt) < cooldown {
		return Decision{}, nil, false
	}

	volume := m.computeVolume(m.cfg.Thresholds.P3EmergencyShotPct)

	var trans *Transition
	if m.rt.Phase == PhaseP0Dryback {
		from := m.rt.Phase
		m.applyTransition(now, PhaseP1RampUp, m.peakSeedValue(in))
		trans = &Transition{ZoneID: m.zoneID, From: from, To: PhaseP1RampUp, Reason: "emergency-escalation", At: now}
	}

	return Decision{
		Kind:     DecisionEmergency,
		ZoneID:   m.zoneID,
		VolumeMl: volume,
		Reason:   "emergency",
		Priority: PriorityCritical,
	}, trans, true
}

// emergencyReading returns the VWC value the emergency path should use,
// and whether one is available at all. It also latches Unsafe once the
// last valid reading exceeds emergencyStale.
func (m *Machine) emergencyReading(now time.Time, in Inputs) (float64, bool) {
	if in.VWCOk {
		return in.FusedVWC, true
	}
	if m.rt.LastValidVWCAt.IsZero() {
		return 0, false
	}
	age := now.Sub(m.rt.LastValidVWCAt)
	if age < m.emergencyStale {
		return m.rt.LastValidVWC, true
	}
	m.rt.Unsafe = true
	return 0, false
}

// evaluateTransitionTable walks the declarative (from, guard, to, reason)
// table in priority order and applies the first matching rule.
func (m *Machine) evaluateTransitionTable(now time.Time, in Inputs) (Decision, *Transition, bool) {
	elapsedInPhase := now.Sub(m.rt.PhaseEnteredAt)
	drybackPct := m.dryback.CurrentDrybackPercent(m.peakSeedValue(in))

	table := []transitionRule{
		{
			from: PhaseP3PreDark, to: PhaseP0Dryback, reason: "lights-off",
			guard: func() bool { return !in.LightsOn },
		},
		{
			from: PhaseP0Dryback, to: PhaseP1RampUp, reason: "dryback-target",
			guard: func() bool {
				return in.VWCOk && (drybackPct >= m.cfg.Thresholds.DrybackTargetPct ||
					elapsedInPhase >= time.Duration(m.cfg.Thresholds.P0MaxWaitMin)*time.Minute)
			},
		},
		{
			from: PhaseP1RampUp, to: PhaseP2Maintenance, reason: "p1-target-reached",
			guard: func() bool {
				return in.VWCOk && in.FusedVWC >= m.cfg.Thresholds.P1TargetVwcPct &&
					m.rt.ShotsInPhase >= m.cfg.Thresholds.P1MinShots &&
					!(in.ECOk && in.FusedEC <= m.cfg.Thresholds.EcFlushTarget)
			},
		},
		{
			from: PhaseP1RampUp, to: PhaseP2Maintenance, reason: "p1-max-shots",
			guard: func() bool { return m.rt.ShotsInPhase >= m.cfg.Thresholds.P1MaxShots },
		},
		{
			from: PhaseP1RampUp, to: PhaseP2Maintenance, reason: "ec-reset",
			guard: func() bool {
				return in.ECOk && in.VWCOk &&
					in.FusedEC <= m.cfg.Thresholds.EcFlushTarget &&
					in.FusedVWC >= m.cfg.Thresholds.P1TargetVwcPct &&
					m.rt.ShotsInPhase >= m.cfg.Thresholds.P1MinShots
			},
		},
		{
			from: PhaseP2Maintenance, to: PhaseP3PreDark, reason: "lead-time",
			guard: func() bool {
				if in.NextLightsOffAt.IsZero() {
					return false
				}
				lead := time.Duration(m.cfg.Thresholds.P3LeadTimeMin) * time.Minute
				return !now.Before(in.NextLightsOffAt.Add(-lead))
			},
		},
	}

	for _, rule := range table {
		if m.rt.Phase != rule.from || !rule.guard() {
			continue
		}
		from := m.rt.Phase
		m.applyTransition(now, rule.to, m.peakSeedValue(in))
		return Decision{Kind: DecisionPhaseTransition, ZoneID: m.zoneID, From: from, To: rule.to, Reason: rule.reason},
			&Transition{ZoneID: m.zoneID, From: from, To: rule.to, Reason: rule.reason, At: now},
			true
	}
	return Decision{}, nil, false
}

// evaluateIrrigationDecision applies the per-phase irrigation rule once
// no transition fired this tick.
func (m *Machine) evaluateIrrigationDecision(now time.Time, in Inputs) Decision {
	if in.ManualOverrideActive {
		return Decision{Kind: DecisionHold, ZoneID: m.zoneID, Reason: "manual-override"}
	}
	if m.rt.Unsafe {
		return Decision{Kind: DecisionHold, ZoneID: m.zoneID, Reason: "unsafe"}
	}
	if m.rt.Parked {
		return Decision{Kind: DecisionHold, ZoneID: m.zoneID, Reason: "parked-sensor-degraded"}
	}

	switch m.rt.Phase {
	case PhaseP0Dryback:
		return Decision{Kind: DecisionHold, ZoneID: m.zoneID, Reason: "p0-no-irrigation"}

	case PhaseP1RampUp:
		if !in.VWCOk {
			return Decision{Kind: DecisionHold, ZoneID: m.zoneID, Reason: "sensor-degraded"}
		}
		interShot := time.Duration(m.cfg.Thresholds.P1InterShotSec) * time.Second
		if in.FusedVWC < 0.9*m.cfg.Thresholds.P1TargetVwcPct &&
			now.Sub(m.rt.LastIrrigationAt) >= interShot &&
			m.rt.ShotsInPhase < m.cfg.Thresholds.P1MaxShots {
			pct := m.cfg.Thresholds.P1InitialShotPct + float64(m.rt.ShotsInPhase)*m.cfg.Thresholds.P1ShotIncrementPct
			if pct > m.cfg.Thresholds.P1MaxShotPct {
				pct = m.cfg.Thresholds.P1MaxShotPct
			}
			volume := m.computeVolume(pct)
			rank := in.FusedVWC - 0.9*m.cfg.Thresholds.P1TargetVwcPct
			return Decision{Kind: DecisionShot, ZoneID: m.zoneID, VolumeMl: volume, Reason: "p1-ramp", Priority: m.priority(), RankKey: rank}
		}
		return Decision{Kind: DecisionHold, ZoneID: m.zoneID, Reason: "p1-hold"}

	case PhaseP2Maintenance:
		if !in.VWCOk {
			return Decision{Kind: DecisionHold, ZoneID: m.zoneID, Reason: "sensor-degraded"}
		}
		var fusedEC float64
		if in.ECOk {
			fusedEC = in.FusedEC
		}
		threshold, _ := ecAdjustedVWCThreshold(m.cfg.Thresholds, m.growMode, fusedEC)
		if in.FusedVWC < threshold {
			volume := m.computeVolume(m.cfg.Thresholds.P2ShotPct)
			rank := in.FusedVWC - threshold
			return Decision{Kind: DecisionShot, ZoneID: m.zoneID, VolumeMl: volume, Reason: "p2-maintenance", Priority: m.priority(), RankKey: rank}
		}
		return Decision{Kind: DecisionHold, ZoneID: m.zoneID, Reason: "p2-hold"}

	default: // PhaseP3PreDark
		return Decision{Kind: DecisionHold, ZoneID: m.zoneID, Reason: "p3-hold"}
	}
}

// applyTransition performs the bookkeeping common to every phase change:
// zero the shot counter, stamp PhaseEnteredAt, and (only when entering
// P0) reseed the dryback peak.
func (m *Machine) applyTransition(now time.Time, to Phase, peakSeed float64) {
	m.rt.Phase = to
	m.rt.PhaseEnteredAt = now
	m.rt.ShotsInPhase = 0
	if to == PhaseP0Dryback {
		m.rt.PeakVWC = peakSeed
		m.dryback.ResetToPeak(peakSeed, now)
	}
}

// computeVolume converts a shot percentage into a volume in milliliters:
// volumeMl = shotPct/100 * substrateVolumeMl * shotMultiplier.
func (m *Machine) computeVolume(shotPct float64) float64 {
	return shotPct / 100 * m.cfg.SubstrateVolumeMl * m.cfg.ShotMultiplier
}

// ApplyActuationCompleted performs the bookkeeping owed to a shot only
// after the Hardware Sequencer has physically finished running it. The
// coordinator calls this from the sequencer's completion callback — never
// from Tick — since a job enqueued here can still fail, be preempted, or
// sit behind higher-priority work for longer than one tick interval.
// emergency marks LastEmergencyAt too, so the cooldown in evaluateEmergency
// starts from actual completion rather than from decision time.
func (m *Machine) ApplyActuationCompleted(now time.Time, volumeMl float64, emergency bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rt.LastIrrigationAt = now
	m.rt.ShotsInPhase++
	m.rt.CumulativeShotVolumeMl += volumeMl
	m.rt.DailyUsageMl += volumeMl
	m.rt.WeeklyUsageMl += volumeMl
	if emergency {
		m.rt.LastEmergencyAt = now
	}
}

func (m *Machine) priority() Priority {
	p, err := ParsePriority(m.cfg.Priority)
	if err != nil {
		return PriorityNormal
	}
	return p
}

// SetManualOverride enables or clears a manual override expiring at
// until (ignored when enable is false).
func (m *Machine) SetManualOverride(enable bool, until time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if enable {
		m.rt.ManualOverrideUntil = until
		return
	}
	m.rt.ManualOverrideUntil = time.Time{}
}

// ManualOverrideActive reports whether a manual override is in effect at now.
func (m *Machine) ManualOverrideActive(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.rt.ManualOverrideUntil.IsZero() && now.Before(m.rt.ManualOverrideUntil)
}

// ClearUnsafe clears the latched Unsafe flag. Only the operator surface
// should call this, per the error-handling design: Unsafe requires
// explicit intervention.
func (m *Machine) ClearUnsafe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rt.Unsafe = false
}

// ResetDailyUsage zeroes the daily water counter, stamping the reset
// date (an ISO-8601 date string) in Runtime.DailyResetDate.
func (m *Machine) ResetDailyUsage(date string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rt.DailyUsageMl = 0
	m.rt.DailyResetDate = date
}

// ResetWeeklyUsage zeroes the weekly water counter.
func (m *Machine) ResetWeeklyUsage(date string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rt.WeeklyUsageMl = 0
	m.rt.WeeklyResetDate = date
}

// IsUnsafe reports whether the zone's latched Unsafe flag is set. Only an
// explicit ClearUnsafe call (operator intervention) clears it.
func (m *Machine) IsUnsafe() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rt.Unsafe
}

// MarkUnsafe latches the Unsafe flag from outside the tick path — used by
// the sequencer when a bridge write fails persistently mid-job.
func (m *Machine) MarkUnsafe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rt.Unsafe = true
}

// DailyBudgetExceeded reports whether the zone's configured daily water
// budget has been used up.
func (m *Machine) DailyBudgetExceeded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.DailyBudgetMl > 0 && m.rt.DailyUsageMl >= m.cfg.DailyBudgetMl
}

// ForcePhase drives an operator-requested phase change directly,
// bypassing the transition table's guards entirely. Used by the
// operator surface's ForcePhase call; ordinary tick-driven transitions
// go through Tick's declarative table instead.
func (m *Machine) ForcePhase(now time.Time, to Phase, reason string) Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.rt.Phase
	seed := m.rt.LastValidVWC
	m.applyTransition(now, to, seed)
	return Transition{ZoneID: m.zoneID, From: from, To: to, Reason: "forced: " + reason, At: now}
}

// UpdateThresholds swaps in a new ZoneConfig's thresholds and grow mode
// for an already-running Machine, the non-destructive half of config
// hot-reload (topology fields — entities, sensors, priority — are
// intentionally left untouched here; changing those requires a restart).
func (m *Machine) UpdateThresholds(cfg config.ZoneConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Thresholds = cfg.Thresholds
	m.cfg.ShotMultiplier = cfg.ShotMultiplier
	m.cfg.DailyBudgetMl = cfg.DailyBudgetMl
	m.growMode = cfg.GrowMode
	m.cfg.GrowMode = cfg.GrowMode
}

// Peek evaluates the decision Tick would produce for the given inputs
// right now, without applying any mutation: no phase transition, no
// sensor-health bookkeeping, no dryback observation. Used by the
// operator surface's CheckTransitionConditions dry-run call.
func (m *Machine) Peek(now time.Time, in Inputs) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	if dec, fired := m.peekEmergency(now, in); fired {
		return dec
	}
	if dec, fired := m.peekTransition(now, in); fired {
		return dec
	}
	return m.evaluateIrrigationDecision(now, in)
}

func (m *Machine) peekEmergency(now time.Time, in Inputs) (Decision, bool) {
	if m.rt.Unsafe {
		return Decision{}, false
	}
	vwc, ok := in.FusedVWC, in.VWCOk
	if !ok {
		if m.rt.LastValidVWCAt.IsZero() || now.Sub(m.rt.LastValidVWCAt) >= m.emergencyStale {
			return Decision{}, false
		}
		vwc = m.rt.LastValidVWC
	}
	if vwc >= m.cfg.Thresholds.P3EmergencyThresholdPct {
		return Decision{}, false
	}
	cooldown := time.Duration(m.cfg.Thresholds.EmergencyCooldownSec) * time.Second
	if !m.rt.LastEmergencyAt.IsZero() && now.Sub(m.rt.LastEmergencyAt) < cooldown {
		return Decision{}, false
	}
	return Decision{
		Kind:     DecisionEmergency,
		ZoneID:   m.zoneID,
		VolumeMl: m.computeVolume(m.cfg.Thresholds.P3EmergencyShotPct),
		Reason:   "emergency",
		Priority: PriorityCritical,
	}, true
}

// peekTransition mirrors evaluateTransitionTable's guard conditions
// without calling applyTransition, so it can run outside the tick path
// with no side effects.
func (m *Machine) peekTransition(now time.Time, in Inputs) (Decision, bool) {
	elapsedInPhase := now.Sub(m.rt.PhaseEnteredAt)
	drybackPct := m.dryback.CurrentDrybackPercent(m.peakSeedValue(in))

	table := []transitionRule{
		{
			from: PhaseP3PreDark, to: PhaseP0Dryback, reason: "lights-off",
			guard: func() bool { return !in.LightsOn },
		},
		{
			from: PhaseP0Dryback, to: PhaseP1RampUp, reason: "dryback-target",
			guard: func() bool {
				return in.VWCOk && (drybackPct >= m.cfg.Thresholds.DrybackTargetPct ||
					elapsedInPhase >= time.Duration(m.cfg.Thresholds.P0MaxWaitMin)*time.Minute)
			},
		},
		{
			from: PhaseP1RampUp, to: PhaseP2Maintenance, reason: "p1-target-reached",
			guard: func() bool {
				return in.VWCOk && in.FusedVWC >= m.cfg.Thresholds.P1TargetVwcPct &&
					m.rt.ShotsInPhase >= m.cfg.Thresholds.P1MinShots &&
					!(in.ECOk && in.FusedEC <= m.cfg.Thresholds.EcFlushTarget)
			},
		},
		{
			from: PhaseP1RampUp, to: PhaseP2Maintenance, reason: "p1-max-shots",
			guard: func() bool { return m.rt.ShotsInPhase >= m.cfg.Thresholds.P1MaxShots },
		},
		{
			from: PhaseP1RampUp, to: PhaseP2Maintenance, reason: "ec-reset",
			guard: func() bool {
				return in.ECOk && in.VWCOk &&
					in.FusedEC <= m.cfg.Thresholds.EcFlushTarget &&
					in.FusedVWC >= m.cfg.Thresholds.P1TargetVwcPct &&
					m.rt.ShotsInPhase >= m.cfg.Thresholds.P1MinShots
			},
		},
		{
			from: PhaseP2Maintenance, to: PhaseP3PreDark, reason: "lead-time",
			guard: func() bool {
				if in.NextLightsOffAt.IsZero() {
					return false
				}
				lead := time.Duration(m.cfg.Thresholds.P3LeadTimeMin) * time.Minute
				return !now.Before(in.NextLightsOffAt.Add(-lead))
			},
		},
	}

	for _, rule := range table {
		if m.rt.Phase != rule.from || !rule.guard() {
			continue
		}
		return Decision{Kind: DecisionPhaseTransition, ZoneID: m.zoneID, From: rule.from, To: rule.to, Reason: rule.reason}, true
	}
	return Decision{}, false
}
