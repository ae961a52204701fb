package zone

import "github.com/fieldcap/irrigator/internal/config"

// ecTargetFor returns the EC setpoint for the given grow mode, selecting
// from the ecTargetByPhaseAndMode matrix (flattened in config to one
// target per mode, shared by P1 and P2 — see config.ZoneThresholds).
func ecTargetFor(th config.ZoneThresholds, mode config.GrowMode) float64 {
	if mode == config.GrowModeGenerative {
		return th.EcTargetGen
	}
	return th.EcTargetVeg
}

// ecAdjustedVWCThreshold applies the EC-ratio bias to the P2 VWC
// threshold. ecRatio = fusedEC / ecTargetForPhase; above ecHigh the
// effective threshold rises by vwcBumpHigh (irrigate sooner, dilute);
// below ecLow it falls by vwcBumpLow (irrigate later, concentrate).
// Recomputed fresh every call — never latched.
func ecAdjustedVWCThreshold(th config.ZoneThresholds, mode config.GrowMode, fusedEC float64) (threshold float64, ecRatio float64) {
	target := ecTargetFor(th, mode)
	if target <= 0 {
		return th.P2VwcThresholdPct, 0
	}
	ecRatio = fusedEC / target

	threshold = th.P2VwcThresholdPct
	switch {
	case ecRatio > th.EcHigh:
		threshold += th.VwcBumpHigh
	case ecRatio < th.EcLow:
		threshold -= th.VwcBumpLow
	}
	return threshold, ecRatio
}
