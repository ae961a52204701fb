// Package fusion combines redundant sensor readings for one (zone, kind)
// pair into a single trustworthy value.
//
// One Fusion instance exists per zone per sensor kind (VWC, EC); fused
// VWC and fused EC are never mixed, each kind carries its own validation
// range and its own instance.
//
// The shape here — a small Engine-like type wrapping a Score/Fuse call
// over a window of recent samples, with per-source reliability tracked
// across calls — follows the anomaly engine's wrapper pattern; the
// statistics themselves (median, IQR, weighted mean) are plain arithmetic
// with no external dependency available anywhere in the reference corpus
// beyond incidental, unused transitive manifest entries, so this package
// uses only sort/math from the standard library for the statistics (see
// DESIGN.md).
package fusion

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"
)

// Kind identifies the physical quantity a Fusion instance handles.
type Kind int

const (
	KindVWC Kind = iota
	KindEC
)

func (k Kind) String() string {
	switch k {
	case KindVWC:
		return "vwc"
	case KindEC:
		return "ec"
	default:
		return "unknown"
	}
}

// validRange returns the plausible range for a kind's raw values.
func (k Kind) validRange() (lo, hi float64) {
	switch k {
	case KindVWC:
		return 0, 100
	case KindEC:
		return 0, 20
	default:
		return math.Inf(-1), math.Inf(1)
	}
}

// ErrNoReliableSample is returned when fewer than MinSensors samples
// survive filtering.
var ErrNoReliableSample = errors.New("fusion: no reliable sample")

// Reading is a single raw sensor sample.
type Reading struct {
	SensorID  string
	Kind      Kind
	Value     float64
	Timestamp time.Time
}

// FusedValue is the aggregated estimate produced by a fusion pass.
type FusedValue struct {
	Value               float64
	Confidence          float64
	ContributingSensors int
	Timestamp           time.Time
}

// Config tunes one Fusion instance.
type Config struct {
	// FreshnessHorizon bounds how old a sample may be and still
	// contribute. Default: 5 minutes.
	FreshnessHorizon time.Duration
	// RetentionWindow bounds how long a sample is kept in the per-sensor
	// ring before being discarded outright. Default: 10 minutes.
	RetentionWindow time.Duration
	// MinSensors is the minimum number of surviving sensors required to
	// produce a fused value. Default: 1.
	MinSensors int
}

// DefaultConfig returns documented fusion defaults.
func DefaultConfig() Config {
	return Config{
		FreshnessHorizon: 5 * time.Minute,
		RetentionWindow:  10 * time.Minute,
		MinSensors:       1,
	}
}

// Fusion ingests raw readings for one (zone, kind) and produces fused
// values on demand.
type Fusion struct {
	kind Kind
	cfg  Config

	mu          sync.Mutex
	perSensor   map[string][]Reading // time-ordered, oldest first
	reliability map[string]float64
}

// New creates a Fusion instance for the given kind.
func New(kind Kind, cfg Config) *Fusion {
	if cfg.FreshnessHorizon <= 0 {
		cfg.FreshnessHorizon = 5 * time.Minute
	}
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = 10 * time.Minute
	}
	if cfg.MinSensors <= 0 {
		cfg.MinSensors = 1
	}
	return &Fusion{
		kind:        kind,
		cfg:         cfg,
		perSensor:   make(map[string][]Reading),
		reliability: make(map[string]float64),
	}
}

// Ingest records a raw reading. Readings for one sensor are expected in
// arrival order; Ingest enforces nothing about ordering itself (the
// bridge guarantees per-entity order upstream).
func (f *Fusion) Ingest(r Reading) {
	f.mu.Lock()
	defer f.mu.Unlock()

	buf := append(f.perSensor[r.SensorID], r)
	cutoff := r.Timestamp.Add(-f.cfg.RetentionWindow)
	trimmed := buf[:0]
	for _, s := range buf {
		if s.Timestamp.After(cutoff) {
			trimmed = append(trimmed, s)
		}
	}
	f.perSensor[r.SensorID] = trimmed

	if _, ok := f.reliability[r.SensorID]; !ok {
		f.reliability[r.SensorID] = 1.0
	}
}

// Fuse runs one fusion pass as of now and returns the result. Calling
// Fuse repeatedly with no new Ingest calls between invocations returns
// the same FusedValue, modulo reliability having already been stepped by
// an earlier pass (outlier-ness itself is recomputed fresh every pass,
// never latched).
func (f *Fusion) Fuse(now time.Time) (FusedValue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	lo, hi := f.kind.validRange()
	freshCutoff := now.Add(-f.cfg.FreshnessHorizon)

	type candidate struct {
		sensorID string
		value    float64
		at       time.Time
	}
	var candidates []candidate
	for sensorID, buf := range f.perSensor {
		if len(buf) == 0 {
			continue
		}
		latest := buf[len(buf)-1]
		if latest.Timestamp.Before(freshCutoff) {
			continue
		}
		if latest.Value < lo || latest.Value > hi {
			continue
		}
		candidates = append(candidates, candidate{sensorID: sensorID, value: latest.Value, at: latest.Timestamp})
	}

	if len(candidates) == 0 {
		return FusedValue{}, ErrNoReliableSample
	}

	values := make([]float64, len(candidates))
	for i, c := range candidates {
		values[i] = c.value
	}
	q1, _, q3 := quartiles(values)
	iqr := q3 - q1
	lowFence := q1 - 1.5*iqr
	highFence := q3 + 1.5*iqr

	var survivors []candidate
	outlierOf := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if c.value < lowFence || c.value > highFence {
			outlierOf[c.sensorID] = true
			continue
		}
		survivors = append(survivors, c)
	}

	for sensorID := range f.reliability {
		if outlierOf[sensorID] {
			f.reliability[sensorID] = math.Max(0.1, f.reliability[sensorID]-0.05)
		}
	}
	var consistentSensors []string
	for _, c := range survivors {
		consistentSensors = append(consistentSensors, c.sensorID)
	}
	for _, sensorID := range consistentSensors {
		f.reliability[sensorID] = math.Min(1.0, f.reliability[sensorID]+0.01)
	}

	if len(survivors) < f.cfg.MinSensors {
		return FusedValue{}, ErrNoReliableSample
	}

	var weightedSum, weightSum float64
	var newest time.Time
	var reliabilitySum float64
	for _, c := range survivors {
		w := f.reliability[c.sensorID]
		weightedSum += c.value * w
		weightSum += w
		reliabilitySum += w
		if c.at.After(newest) {
			newest = c.at
		}
	}
	if weightSum == 0 {
		return FusedValue{}, ErrNoReliableSample
	}

	meanReliability := reliabilitySum / float64(len(survivors))
	confidence := (float64(len(survivors)) / float64(len(candidates))) * meanReliability

	return FusedValue{
		Value:               weightedSum / weightSum,
		Confidence:          confidence,
		ContributingSensors: len(survivors),
		Timestamp:           newest,
	}, nil
}

// quartiles returns (Q1, median, Q3) of values using linear interpolation
// on a sorted copy. values must be non-empty.
func quartiles(values []float64) (q1, median, q3 float64) {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return percentile(sorted, 0.25), percentile(sorted, 0.5), percentile(sorted, 0.75)
}

// percentile returns the p-th percentile (0<=p<=1) of an already-sorted
// slice via linear interpolation between closest ranks.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	pos := p * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
