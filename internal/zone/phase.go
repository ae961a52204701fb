// Package zone implements the per-zone irrigation phase state machine:
// Tick(now, inputs) -> Decision, plus forced transitions from the
// operator surface.
//
// The four-phase cycle (P0 Dryback, P1 RampUp, P2 Maintenance, P3
// PreDark) and its guarded transitions are expressed as a declarative
// table evaluated in priority order, rather than as a long if-chain —
// the same restructuring this engine's mutex-guarded per-entity state
// type was adapted from applies here to phase progression instead of
// monotonic escalation.
package zone

import "fmt"

// Phase is one of the four irrigation phases a zone cycles through.
type Phase uint8

const (
	PhaseP0Dryback     Phase = iota // no irrigation except emergency
	PhaseP1RampUp                   // progressive shots back to target VWC
	PhaseP2Maintenance              // threshold-triggered maintenance shots
	PhaseP3PreDark                  // holds ahead of lights-off, emergency only
)

// String returns the phase's short name.
func (p Phase) String() string {
	switch p {
	case PhaseP0Dryback:
		return "P0"
	case PhaseP1RampUp:
		return "P1"
	case PhaseP2Maintenance:
		return "P2"
	case PhaseP3PreDark:
		return "P3"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(p))
	}
}

// Priority is the actuation priority a zone (or a forced/emergency
// decision) carries into the hardware sequencer's queue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the priority's configuration-file spelling.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "Low"
	case PriorityNormal:
		return "Normal"
	case PriorityHigh:
		return "High"
	case PriorityCritical:
		return "Critical"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(p))
	}
}

// ParsePriority parses the config-file spelling of a priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "Low":
		return PriorityLow, nil
	case "Normal":
		return PriorityNormal, nil
	case "High":
		return PriorityHigh, nil
	case "Critical":
		return PriorityCritical, nil
	default:
		return 0, fmt.Errorf("zone: unknown priority %q", s)
	}
}
