// Package dryback tracks peak/valley excursions in a zone's fused VWC
// signal and reports dryback completion.
//
// One Detector exists per zone. It is a two-state hysteresis tracker: it
// holds a running peak while VWC is (or was recently) climbing, and a
// running valley while VWC is (or was recently) falling, confirming a
// state switch only once the signal has moved by at least noiseBand
// since the last confirmed extreme. This mirrors the same two-state
// confirm-then-commit shape used for escalation/decay in the state
// machine this engine's machinery was adapted from, applied here to a
// continuous signal instead of a discrete severity score.
package dryback

import "time"

// Window is one completed peak-to-valley excursion.
type Window struct {
	Peak      float64
	Valley    float64
	PeakAt    time.Time
	ValleyAt  time.Time
	PercentDrop float64
}

// Config tunes one Detector.
type Config struct {
	// NoiseBand is the hysteresis band a reading must cross, in the same
	// units as the fused VWC signal, before a peak or valley is
	// confirmed. Default: 1.0 (percentage points).
	NoiseBand float64
}

// DefaultConfig returns the documented dryback default.
func DefaultConfig() Config {
	return Config{NoiseBand: 1.0}
}

// state is which extreme the detector is currently tracking towards.
type state int

const (
	stateTrackingValley state = iota // VWC falling since last peak
	stateTrackingPeak                // VWC rising since last valley
)

// Detector is a per-zone peak/valley tracker over fused VWC samples.
type Detector struct {
	cfg Config

	st state

	runningPeak   float64
	runningPeakAt time.Time

	runningValley   float64
	runningValleyAt time.Time

	windows []Window
}

// New creates a Detector seeded with an initial VWC value, treated as
// the first running peak (matches P0 entry semantics: the detector's
// runningPeak is reset to the current value whenever the zone enters P0).
func New(cfg Config, seedVWC float64, at time.Time) *Detector {
	if cfg.NoiseBand <= 0 {
		cfg.NoiseBand = 1.0
	}
	return &Detector{
		cfg:           cfg,
		st:            stateTrackingValley,
		runningPeak:   seedVWC,
		runningPeakAt: at,
		runningValley: seedVWC,
	}
}

// ResetToPeak re-seeds the detector with the current value as a fresh
// running peak. Called exclusively on P0 entry; this is the authoritative
// dryback reference for the P0->P1 guard. Other phase transitions must
// not call this.
func (d *Detector) ResetToPeak(value float64, at time.Time) {
	d.st = stateTrackingValley
	d.runningPeak = value
	d.runningPeakAt = at
	d.runningValley = value
}

// Observe feeds one fused VWC sample (already minute-downsampled by the
// caller) into the tracker. Returns a completed Window and true if this
// observation confirmed a valley.
func (d *Detector) Observe(value float64, at time.Time) (Window, bool) {
	switch d.st {
	case stateTrackingValley:
		if value < d.runningValley {
			d.runningValley = value
			d.runningValleyAt = at
		}
		if value >= d.runningValley+d.cfg.NoiseBand {
			w := Window{
				Peak:     d.runningPeak,
				Valley:   d.runningValley,
				PeakAt:   d.runningPeakAt,
				ValleyAt: d.runningValleyAt,
			}
			if w.Peak != 0 {
				w.PercentDrop = (w.Peak - w.Valley) / w.Peak * 100
			}
			d.windows = append(d.windows, w)

			d.st = stateTrackingPeak
			d.runningPeak = value
			d.runningPeakAt = at
			return w, true
		}
	case stateTrackingPeak:
		if value > d.runningPeak {
			d.runningPeak = value
			d.runningPeakAt = at
		}
		if value <= d.runningPeak-d.cfg.NoiseBand {
			d.st = stateTrackingValley
			d.runningValley = value
			d.runningValleyAt = at
		}
	}
	return Window{}, false
}

// CurrentDrybackPercent returns (runningPeak-currentValue)/runningPeak*100
// relative to the authoritative running peak, at any instant — not just
// at valley confirmation.
func (d *Detector) CurrentDrybackPercent(currentValue float64) float64 {
	if d.runningPeak == 0 {
		return 0
	}
	return (d.runningPeak - currentValue) / d.runningPeak * 100
}

// Windows returns all completed dryback windows observed so far.
func (d *Detector) Windows() []Window {
	return append([]Window(nil), d.windows...)
}

// RunningPeak returns the detector's current peak reference value: set at
// tracker start and by ResetToPeak, then moved by Observe when a valley is
// confirmed and while a rising peak is tracked.
func (d *Detector) RunningPeak() float64 {
	return d.runningPeak
}
