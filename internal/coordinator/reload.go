package coordinator

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fieldcap/irrigator/internal/config"
	"github.com/fieldcap/irrigator/internal/sequencer"
)

// ReloadConfig re-reads and re-validates the config file at path,
// applying only the non-destructive subset of changes to the running
// engine (per-zone thresholds, shot sizing, light schedule, and the
// zone-enabled flag). Zone topology, storage paths, and listen
// addresses are loaded into the in-memory config for `inspect` to
// report but are not re-wired — those require a restart, matching the
// teacher's own hot-reload contract.
//
// On a validation failure the previous config remains fully active and
// an error is returned; the daemon never crashes on a bad SIGHUP.
func (c *Coordinator) ReloadConfig(path string) error {
	newCfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("coordinator: reload aborted, config unchanged: %w", err)
	}

	c.cfgMu.Lock()
	c.cfg = newCfg
	c.cfgMu.Unlock()

	applied := 0
	for _, z := range newCfg.Zones {
		c.zonesMu.Lock()
		unit, ok := c.zones[z.ID]
		if ok {
			unit.cfg = z
		}
		c.zonesMu.Unlock()
		if !ok {
			c.log.Warn("coordinator: reload found a zone not present at boot, topology change requires restart", zap.Int("zone_id", z.ID))
			continue
		}
		unit.machine.UpdateThresholds(z)

		entities := sequencer.ZoneEntities{
			PumpEntity:         z.PumpEntity,
			MainValveEntity:    z.MainValveEntity,
			ValveEntity:        z.ValveEntity,
			DripperCount:       z.DripperCount,
			DripperFlowMlPerMs: z.DripperFlowMlPerMs,
			MinShotMs:          z.Thresholds.MinShotMs,
			MaxShotMs:          z.Thresholds.MaxShotMs,
			Enabled:            z.IsEnabled(),
		}
		c.sequencer.RegisterZone(z.ID, entities, unit.machine)

		applied++
	}

	c.log.Info("coordinator: config reloaded", zap.Int("zones_updated", applied))
	return nil
}
