package zone

import "time"

// DecisionKind tags the variant of a Decision.
type DecisionKind int

const (
	DecisionHold DecisionKind = iota
	DecisionShot
	DecisionPhaseTransition
	DecisionEmergency
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionHold:
		return "Hold"
	case DecisionShot:
		return "Shot"
	case DecisionPhaseTransition:
		return "PhaseTransition"
	case DecisionEmergency:
		return "Emergency"
	default:
		return "Unknown"
	}
}

// Decision is the output of one Tick call: at most one per zone per tick.
type Decision struct {
	Kind     DecisionKind
	ZoneID   int
	VolumeMl float64
	Reason   string
	Priority Priority

	// RankKey breaks same-tick, same-priority sequencer ties: it is
	// fusedVWC minus the threshold that triggered the shot, so the zone
	// furthest below its own threshold (driest relative to its own
	// setpoint) sorts first. Populated only for DecisionShot.
	RankKey float64

	// From/To are populated only for DecisionPhaseTransition.
	From, To Phase
}

// Transition records a phase change that occurred during a Tick,
// independent of which Decision kind was returned (an Emergency decision
// in P0 also transitions the zone to P1, for instance). The coordinator
// uses this to trigger a PhaseTransition event and a persistence snapshot.
type Transition struct {
	ZoneID int
	From   Phase
	To     Phase
	Reason string
	At     time.Time
}

// ForceRequest is an operator-issued forced transition, idempotent per
// RequestID within the dedup window the operator surface enforces.
type ForceRequest struct {
	ToPhase   Phase
	Reason    string
	RequestID string
}

// Inputs is everything a Tick call needs beyond the zone's own Runtime
// and Config: fused sensor values (with their own-kind validity flags),
// light-schedule state, and any pending forced transition or manual
// override. The coordinator assembles this once per zone per tick from
// fusion and the bridge.
type Inputs struct {
	FusedVWC float64
	VWCOk    bool
	FusedEC  float64
	ECOk     bool

	LightsOn bool
	// NextLightsOffAt is the next local time lights turn off, used by the
	// P2->P3 lead-time guard (the P3->P0 guard reads LightsOn). Zero means
	// unknown (the coordinator computes it fresh from
	// config.LightScheduleConfig and the current time every tick).
	NextLightsOffAt time.Time

	ManualOverrideActive bool
	Forced               *ForceRequest
}
