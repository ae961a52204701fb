// operator_engine.go implements operator.Engine against the
// coordinator's live zone map, so the operator socket server can drive
// the running engine without importing it directly (operator sits below
// coordinator in the layering order).
package coordinator

import (
	"fmt"
	"time"

	"github.com/fieldcap/irrigator/internal/zone"
)

func (c *Coordinator) lookupZone(zoneID int) (*zoneUnit, error) {
	c.zonesMu.RLock()
	unit := c.zones[zoneID]
	c.zonesMu.RUnlock()
	if unit == nil {
		return nil, fmt.Errorf("coordinator: unknown zone %d", zoneID)
	}
	return unit, nil
}

// ForcePhase implements operator.Engine.
func (c *Coordinator) ForcePhase(zoneID int, phase zone.Phase, reason string) error {
	unit, err := c.lookupZone(zoneID)
	if err != nil {
		return err
	}
	trans := unit.machine.ForcePhase(time.Now(), phase, reason)
	c.handleTransition(trans)
	return nil
}

// ExecuteShot implements operator.Engine: it enqueues the shot directly,
// bypassing the zone's own phase-driven irrigation decision. Manual
// shots default to bypassing grouping, since an operator invoking one
// zone explicitly is not the same event as a tick-driven group burst.
func (c *Coordinator) ExecuteShot(zoneID int, volumeMl float64, shotType string, priority zone.Priority) error {
	if _, err := c.lookupZone(zoneID); err != nil {
		return err
	}
	c.enqueueShot(zoneID, []int{zoneID}, volumeMl, priority, "operator:"+shotType, priority == zone.PriorityCritical, 0, time.Now())
	return nil
}

// SetManualOverride implements operator.Engine.
func (c *Coordinator) SetManualOverride(zoneID int, enable bool, timeout time.Duration) error {
	unit, err := c.lookupZone(zoneID)
	if err != nil {
		return err
	}
	var until time.Time
	if enable {
		until = time.Now().Add(timeout)
	}
	unit.machine.SetManualOverride(enable, until)
	return nil
}

// CheckTransitionConditions implements operator.Engine: a dry-run pass
// over the zone's current inputs using the same fusion and light-
// schedule computation the real tick loop uses, without mutating state.
func (c *Coordinator) CheckTransitionConditions(zoneID int) (zone.Decision, error) {
	unit, err := c.lookupZone(zoneID)
	if err != nil {
		return zone.Decision{}, err
	}
	now := time.Now()
	cfg := c.currentConfig()
	lightsOn, nextOff := lightsState(now, cfg.LightSchedule)
	vwcFused, vwcErr := unit.vwcFusion.Fuse(now)
	ecFused, ecErr := unit.ecFusion.Fuse(now)

	inputs := zone.Inputs{
		FusedVWC:             vwcFused.Value,
		VWCOk:                vwcErr == nil,
		FusedEC:              ecFused.Value,
		ECOk:                 ecErr == nil,
		LightsOn:             lightsOn,
		NextLightsOffAt:      nextOff,
		ManualOverrideActive: unit.machine.ManualOverrideActive(now),
	}
	return unit.machine.Peek(now, inputs), nil
}

// ClearUnsafe implements operator.Engine.
func (c *Coordinator) ClearUnsafe(zoneID int) error {
	unit, err := c.lookupZone(zoneID)
	if err != nil {
		return err
	}
	unit.machine.ClearUnsafe()
	return nil
}
