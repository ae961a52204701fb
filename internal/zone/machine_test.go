package zone

import (
	"testing"
	"time"

	"github.com/fieldcap/irrigator/internal/config"
)

func testZoneConfig() config.ZoneConfig {
	return config.ZoneConfig{
		ID:                1,
		SubstrateVolumeMl: 1000,
		ShotMultiplier:    1,
		Priority:          "Normal",
		GrowMode:          config.GrowModeVegetative,
		Thresholds: config.ZoneThresholds{
			DrybackTargetPct:        20,
			P0MaxWaitMin:            240,
			P1TargetVwcPct:          65,
			P1InitialShotPct:        2,
			P1ShotIncrementPct:      1,
			P1MaxShotPct:            5,
			P1MinShots:              3,
			P1MaxShots:              8,
			P1InterShotSec:          1,
			P2VwcThresholdPct:       60,
			P2ShotPct:               3,
			EcHigh:                  1.3,
			EcLow:                   0.7,
			VwcBumpHigh:             5,
			VwcBumpLow:              5,
			EcFlushTarget:           0.8,
			P3LeadTimeMin:           60,
			P3EmergencyThresholdPct: 35,
			P3EmergencyShotPct:      8,
			EmergencyCooldownSec:    600,
			EcTargetVeg:             1.0,
			EcTargetGen:             1.0,
			MinShotMs:               500,
			MaxShotMs:               60000,
		},
	}
}

func newTestMachine(phase Phase, at time.Time, peak float64) *Machine {
	return New(1, testZoneConfig(), 15*time.Minute, 30*time.Minute, Runtime{
		Phase:          phase,
		PhaseEnteredAt: at,
		PeakVWC:        peak,
	})
}

// S1 — P0->P1 dryback completion.
func TestScenarioDrybackCompletion(t *testing.T) {
	now := time.Now()
	m := newTestMachine(PhaseP0Dryback, now, 70)

	series := []struct {
		vwc    float64
		offset time.Duration
	}{
		{70, 0}, {65, 30 * time.Minute}, {60, 60 * time.Minute}, {56, 90 * time.Minute},
	}

	var lastDec Decision
	var lastTrans *Transition
	for _, s := range series {
		lastDec, lastTrans = m.Tick(now.Add(s.offset), Inputs{FusedVWC: s.vwc, VWCOk: true, LightsOn: true})
	}

	if lastTrans == nil || lastTrans.To != PhaseP1RampUp {
		t.Fatalf("expected transition to P1, got %+v", lastTrans)
	}
	if lastDec.Kind != DecisionPhaseTransition {
		t.Fatalf("expected PhaseTransition decision, got %s", lastDec.Kind)
	}

	dec, _ := m.Tick(now.Add(91*time.Minute), Inputs{FusedVWC: 56, VWCOk: true, LightsOn: true})
	if dec.Kind != DecisionShot {
		t.Fatalf("expected Shot on P1 entry tick, got %s (%s)", dec.Kind, dec.Reason)
	}
	m.ApplyActuationCompleted(now.Add(91*time.Minute), dec.VolumeMl, false)
	if m.rt.ShotsInPhase != 1 {
		t.Fatalf("expected ShotsInPhase 1 after completion callback, got %d", m.rt.ShotsInPhase)
	}
}

// S2 — P1->P2 via EC reset.
func TestScenarioECResetTransition(t *testing.T) {
	now := time.Now()
	m := newTestMachine(PhaseP1RampUp, now, 70)
	m.rt.ShotsInPhase = 4

	dec, trans := m.Tick(now.Add(time.Minute), Inputs{
		FusedVWC: 66, VWCOk: true, FusedEC: 0.7, ECOk: true, LightsOn: true,
	})

	if trans == nil || trans.To != PhaseP2Maintenance || trans.Reason != "ec-reset" {
		t.Fatalf("expected ec-reset transition to P2, got %+v", trans)
	}
	if dec.Kind != DecisionPhaseTransition {
		t.Fatalf("expected PhaseTransition decision (hold on irrigation), got %s", dec.Kind)
	}
}

// S3 — Emergency in P3.
func TestScenarioEmergencyInP3(t *testing.T) {
	now := time.Now()
	m := newTestMachine(PhaseP3PreDark, now, 70)

	dec, trans := m.Tick(now.Add(time.Minute), Inputs{FusedVWC: 34, VWCOk: true, LightsOn: true})

	if dec.Kind != DecisionEmergency {
		t.Fatalf("expected Emergency decision, got %s", dec.Kind)
	}
	if dec.Priority != PriorityCritical {
		t.Fatalf("expected Critical priority, got %s", dec.Priority)
	}
	if trans != nil {
		t.Fatalf("emergency from P3 should not itself transition phase, got %+v", trans)
	}
}

// S4 — Degraded sensors: hold, then parked once sensorStaleGrace=15m has
// elapsed since the first degraded tick (+5m here).
func TestScenarioDegradedSensorParksZone(t *testing.T) {
	now := time.Now()
	m := newTestMachine(PhaseP2Maintenance, now, 70)

	dec, _ := m.Tick(now.Add(5*time.Minute), Inputs{VWCOk: false, LightsOn: true})
	if dec.Kind != DecisionHold || dec.Reason != "sensor-degraded" {
		t.Fatalf("expected sensor-degraded hold before grace elapses, got %+v", dec)
	}

	dec, _ = m.Tick(now.Add(20*time.Minute), Inputs{VWCOk: false, LightsOn: true})
	if dec.Kind != DecisionHold || dec.Reason != "parked-sensor-degraded" {
		t.Fatalf("expected zone parked after sensorStaleGrace elapsed, got %+v", dec)
	}
}

// Monotonic shot counter in P1: strictly increases per shot, resets on
// transition out of P1.
func TestMonotonicShotCounterResetsOnTransition(t *testing.T) {
	now := time.Now()
	m := newTestMachine(PhaseP1RampUp, now, 70)

	prev := -1
	for i := 0; i < 3; i++ {
		tickAt := now.Add(time.Duration(i+1) * 2 * time.Second)
		dec, _ := m.Tick(tickAt, Inputs{FusedVWC: 50, VWCOk: true, LightsOn: true})
		if dec.Kind != DecisionShot {
			t.Fatalf("expected shot at iteration %d, got %s", i, dec.Kind)
		}
		m.ApplyActuationCompleted(tickAt, dec.VolumeMl, false)
		if m.rt.ShotsInPhase <= prev {
			t.Fatalf("shots in phase did not strictly increase: prev=%d now=%d", prev, m.rt.ShotsInPhase)
		}
		prev = m.rt.ShotsInPhase
	}

	m.rt.ShotsInPhase = 8 // force max-shots safety cap
	_, trans := m.Tick(now.Add(100*time.Second), Inputs{FusedVWC: 50, VWCOk: true, LightsOn: true})
	if trans == nil || trans.To != PhaseP2Maintenance {
		t.Fatalf("expected max-shots safety transition to P2, got %+v", trans)
	}
	if m.rt.ShotsInPhase != 0 {
		t.Fatalf("expected shots in phase reset to 0 after leaving P1, got %d", m.rt.ShotsInPhase)
	}
}

func TestGrowModeSelectsEcTarget(t *testing.T) {
	cfg := testZoneConfig()
	cfg.Thresholds.EcTargetVeg = 1.0
	cfg.Thresholds.EcTargetGen = 2.0

	if got := ecTargetFor(cfg.Thresholds, config.GrowModeVegetative); got != 1.0 {
		t.Fatalf("expected vegetative target 1.0, got %f", got)
	}
	if got := ecTargetFor(cfg.Thresholds, config.GrowModeGenerative); got != 2.0 {
		t.Fatalf("expected generative target 2.0, got %f", got)
	}
}
