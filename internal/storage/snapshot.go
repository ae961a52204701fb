// snapshot.go implements the atomic JSON persistence snapshot: write to a
// temp file in the same directory, fsync, rename over the target. This is
// the engine's primary recovery artifact — the bbolt ledger in ledger.go is
// an audit trail, not a restart source.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fieldcap/irrigator/internal/sequencer"
	"github.com/fieldcap/irrigator/internal/zone"
)

// CurrentSchemaVersion is the snapshot file's schema version tag.
const CurrentSchemaVersion = 1

// ErrSnapshotInvalid is returned by Load when the file exists but fails to
// parse or carries an unrecognized schema version. The coordinator treats
// this as a soft failure and seeds each zone's phase from the light
// schedule (P2 if lights are on, P0 otherwise); host entities are not
// scanned for a last published phase.
var ErrSnapshotInvalid = errors.New("storage: snapshot invalid or unreadable")

// ZoneState is the persisted form of one zone's zone.Runtime.
type ZoneState struct {
	Phase                  string    `json:"phase"`
	PhaseEnteredAt         time.Time `json:"phaseEnteredAt"`
	PeakVwc                float64   `json:"peakVwc"`
	LastIrrigationAt       time.Time `json:"lastIrrigationAt"`
	ShotsInPhase           int       `json:"shotsInPhase"`
	CumulativeShotVolumeMl float64   `json:"cumulativeShotVolumeMl"`
	DailyUsageMl           float64   `json:"dailyUsageMl"`
	WeeklyUsageMl          float64   `json:"weeklyUsageMl"`
	DailyResetDate         string    `json:"dailyResetDate"`
	WeeklyResetDate        string    `json:"weeklyResetDate"`
	LastEmergencyAt        time.Time `json:"lastEmergencyAt"`
}

// JobInFlight is the persisted crash-safety marker for a sequencer job
// currently between its open and close phases.
type JobInFlight struct {
	ZoneID   int      `json:"zoneId"`
	Step     int      `json:"step"`
	Entities []string `json:"entities"`
}

// PersistedState is the full snapshot file contents.
type PersistedState struct {
	SchemaVersion int                  `json:"schemaVersion"`
	Timestamp     time.Time            `json:"timestamp"`
	Zones         map[string]ZoneState `json:"zones"`
	JobInFlight   *JobInFlight         `json:"jobInFlight"`
}

func zoneStateFromRuntime(rt zone.Runtime) ZoneState {
	return ZoneState{
		Phase:                  rt.Phase.String(),
		PhaseEnteredAt:         rt.PhaseEnteredAt,
		PeakVwc:                rt.PeakVWC,
		LastIrrigationAt:       rt.LastIrrigationAt,
		ShotsInPhase:           rt.ShotsInPhase,
		CumulativeShotVolumeMl: rt.CumulativeShotVolumeMl,
		DailyUsageMl:           rt.DailyUsageMl,
		WeeklyUsageMl:          rt.WeeklyUsageMl,
		DailyResetDate:         rt.DailyResetDate,
		WeeklyResetDate:        rt.WeeklyResetDate,
		LastEmergencyAt:        rt.LastEmergencyAt,
	}
}

func parsePhase(s string) (zone.Phase, bool) {
	switch s {
	case "P0":
		return zone.PhaseP0Dryback, true
	case "P1":
		return zone.PhaseP1RampUp, true
	case "P2":
		return zone.PhaseP2Maintenance, true
	case "P3":
		return zone.PhaseP3PreDark, true
	default:
		return 0, false
	}
}

// ToRuntime converts a persisted ZoneState back into a zone.Runtime. ok is
// false if the phase string is unrecognized — an invariant violation per
// the error-handling design, which the coordinator treats as "ignore this
// zone's snapshot, reset by light schedule" rather than failing the load.
func (z ZoneState) ToRuntime() (zone.Runtime, bool) {
	phase, ok := parsePhase(z.Phase)
	if !ok {
		return zone.Runtime{}, false
	}
	return zone.Runtime{
		Phase:                  phase,
		PhaseEnteredAt:         z.PhaseEnteredAt,
		PeakVWC:                z.PeakVwc,
		LastIrrigationAt:       z.LastIrrigationAt,
		ShotsInPhase:           z.ShotsInPhase,
		CumulativeShotVolumeMl: z.CumulativeShotVolumeMl,
		DailyUsageMl:           z.DailyUsageMl,
		WeeklyUsageMl:          z.WeeklyUsageMl,
		DailyResetDate:         z.DailyResetDate,
		WeeklyResetDate:        z.WeeklyResetDate,
		LastEmergencyAt:        z.LastEmergencyAt,
	}, true
}

// SnapshotStore owns the single JSON persistence file. The coordinator is
// its only writer; readers (the `inspect` CLI subcommand) only ever see a
// fully-written file because Save never writes in place.
type SnapshotStore struct {
	path string

	mu      sync.Mutex
	current PersistedState
	degraded bool
}

// NewSnapshotStore creates a store bound to path. Call Load once at boot
// to populate current from disk (or start from an empty state on a fresh
// install).
func NewSnapshotStore(path string) *SnapshotStore {
	return &SnapshotStore{path: path, current: PersistedState{
		SchemaVersion: CurrentSchemaVersion,
		Zones:         make(map[string]ZoneState),
	}}
}

// Load reads and validates the snapshot file. On any parse failure or
// schema mismatch it returns ErrSnapshotInvalid — never a fatal error —
// and the in-memory current state stays at its empty default so the
// coordinator can fall back to light-schedule defaults.
func (s *SnapshotStore) Load() (*PersistedState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &s.current, nil
		}
		return nil, fmt.Errorf("%w: read %q: %v", ErrSnapshotInvalid, s.path, err)
	}

	var state PersistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: parse %q: %v", ErrSnapshotInvalid, s.path, err)
	}
	if state.SchemaVersion != CurrentSchemaVersion {
		return nil, fmt.Errorf("%w: schema version %d, want %d", ErrSnapshotInvalid, state.SchemaVersion, CurrentSchemaVersion)
	}
	if state.Zones == nil {
		state.Zones = make(map[string]ZoneState)
	}

	s.mu.Lock()
	s.current = state
	s.mu.Unlock()
	return &state, nil
}

// SaveZone stamps one zone's current runtime into the in-memory snapshot
// and writes it atomically. Triggered after every phase transition and
// after every completed shot; the periodic snapshot uses SaveAll.
func (s *SnapshotStore) SaveZone(zoneID int, rt zone.Runtime) error {
	s.mu.Lock()
	s.current.Zones[fmt.Sprintf("%d", zoneID)] = zoneStateFromRuntime(rt)
	s.current.Timestamp = time.Now().UTC()
	snapshot := s.current
	s.mu.Unlock()
	return s.writeAtomic(snapshot)
}

// SaveAll snapshots every zone's runtime at once (the periodic timer path).
func (s *SnapshotStore) SaveAll(runtimes map[int]zone.Runtime) error {
	s.mu.Lock()
	for id, rt := range runtimes {
		s.current.Zones[fmt.Sprintf("%d", id)] = zoneStateFromRuntime(rt)
	}
	s.current.Timestamp = time.Now().UTC()
	snapshot := s.current
	s.mu.Unlock()
	return s.writeAtomic(snapshot)
}

// WriteJobMarker implements sequencer.MarkerStore: records the in-flight
// job before step 2 of a sequencer job and writes the snapshot
// immediately (§4.6 trigger "before job step 2").
func (s *SnapshotStore) WriteJobMarker(m sequencer.JobMarker) error {
	s.mu.Lock()
	s.current.JobInFlight = &JobInFlight{ZoneID: m.ZoneID, Step: m.Step, Entities: m.Entities}
	s.current.Timestamp = time.Now().UTC()
	snapshot := s.current
	s.mu.Unlock()
	return s.writeAtomic(snapshot)
}

// ClearJobMarker implements sequencer.MarkerStore: clears the in-flight
// marker after step 8 (or after crash-recovery shutdown completes).
func (s *SnapshotStore) ClearJobMarker() error {
	s.mu.Lock()
	s.current.JobInFlight = nil
	s.current.Timestamp = time.Now().UTC()
	snapshot := s.current
	s.mu.Unlock()
	return s.writeAtomic(snapshot)
}

// Degraded reports whether the last write failed. Cleared on the next
// successful write.
func (s *SnapshotStore) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// writeAtomic writes state to a temp file in the snapshot's directory,
// fsyncs it, then renames it over the target path — so any reader sees
// either the previous full snapshot or the new one, never a partial file.
func (s *SnapshotStore) writeAtomic(state PersistedState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		s.setDegraded(true)
		return fmt.Errorf("storage: marshal snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		s.setDegraded(true)
		return fmt.Errorf("storage: create temp snapshot file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		s.setDegraded(true)
		return fmt.Errorf("storage: write temp snapshot file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		s.setDegraded(true)
		return fmt.Errorf("storage: fsync temp snapshot file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		s.setDegraded(true)
		return fmt.Errorf("storage: close temp snapshot file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		s.setDegraded(true)
		return fmt.Errorf("storage: rename snapshot into place: %w", err)
	}
	s.setDegraded(false)
	return nil
}

func (s *SnapshotStore) setDegraded(v bool) {
	s.mu.Lock()
	s.degraded = v
	s.mu.Unlock()
}
