package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fieldcap/irrigator/internal/bridge"
	"github.com/fieldcap/irrigator/internal/config"
	"github.com/fieldcap/irrigator/internal/observability"
	"github.com/fieldcap/irrigator/internal/sequencer"
	"github.com/fieldcap/irrigator/internal/zone"
)

func (c *Coordinator) currentConfig() *config.Config {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// tickLoop runs one evaluation pass over every configured zone every
// tick_interval_sec, exactly the fixed-period ticker shape the teacher
// uses for its own periodic work (budget refill, uptime gauge) rather
// than a cron schedule — only the calendar-anchored resets use cron.
func (c *Coordinator) tickLoop(ctx context.Context) {
	interval := time.Duration(c.currentConfig().Engine.TickIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runTick(time.Now())
		}
	}
}

type pendingShot struct {
	zoneID   int
	volumeMl float64
	priority zone.Priority
	reason   string
	rankKey  float64
}

// runTick evaluates every zone's Machine.Tick, then resolves group-burst
// candidates across the whole pass before enqueuing any non-emergency
// shot, so EvaluateGroupBurst sees every group member's decision from
// the same tick.
func (c *Coordinator) runTick(now time.Time) {
	start := time.Now()
	cfg := c.currentConfig()
	lightsOn, nextOff := lightsState(now, cfg.LightSchedule)

	pendingByGroup := map[string][]pendingShot{}
	var ungrouped []pendingShot

	for _, zid := range c.zoneIDs() {
		c.zonesMu.RLock()
		unit := c.zones[zid]
		c.zonesMu.RUnlock()
		if unit == nil {
			continue
		}

		zoneLabel := observability.ZoneLabel(zid)
		vwcFused, vwcErr := unit.vwcFusion.Fuse(now)
		ecFused, ecErr := unit.ecFusion.Fuse(now)
		if vwcErr == nil {
			c.metrics.FusionConfidence.WithLabelValues(zoneLabel, "vwc").Set(vwcFused.Confidence)
		} else {
			c.metrics.FusionNoReliableSampleTotal.WithLabelValues(zoneLabel, "vwc").Inc()
			c.bridge.PublishEvent(bridge.EventSensorDegraded, map[string]interface{}{"zoneId": zid, "kind": "vwc"})
		}
		if ecErr == nil {
			c.metrics.FusionConfidence.WithLabelValues(zoneLabel, "ec").Set(ecFused.Confidence)
		} else {
			c.metrics.FusionNoReliableSampleTotal.WithLabelValues(zoneLabel, "ec").Inc()
		}

		inputs := zone.Inputs{
			FusedVWC:             vwcFused.Value,
			VWCOk:                vwcErr == nil,
			FusedEC:              ecFused.Value,
			ECOk:                 ecErr == nil,
			LightsOn:             lightsOn,
			NextLightsOffAt:      nextOff,
			ManualOverrideActive: unit.machine.ManualOverrideActive(now),
		}

		dec, trans := unit.machine.Tick(now, inputs)
		c.metrics.TicksProcessedTotal.WithLabelValues(zoneLabel).Inc()
		c.metrics.ZonePhase.WithLabelValues(zoneLabel).Set(float64(unit.machine.Snapshot().Phase))

		if trans != nil {
			c.handleTransition(*trans)
		}

		switch dec.Kind {
		case zone.DecisionShot:
			ps := pendingShot{zoneID: zid, volumeMl: dec.VolumeMl, priority: dec.Priority, reason: dec.Reason, rankKey: dec.RankKey}
			if unit.cfg.GroupID != "" {
				pendingByGroup[unit.cfg.GroupID] = append(pendingByGroup[unit.cfg.GroupID], ps)
			} else {
				ungrouped = append(ungrouped, ps)
			}
		case zone.DecisionEmergency:
			c.enqueueShot(zid, []int{zid}, dec.VolumeMl, zone.PriorityCritical, dec.Reason, true, 0, now)
		}
	}

	c.resolveGroupShots(pendingByGroup, cfg.Sequencer.GroupThresholdPct, now)
	for _, s := range ungrouped {
		c.enqueueShot(s.zoneID, []int{s.zoneID}, s.volumeMl, s.priority, s.reason, false, s.rankKey, now)
	}

	c.metrics.TickLatencySeconds.Observe(time.Since(start).Seconds())
	c.metrics.SequencerQueueDepth.Set(float64(c.sequencer.QueueDepth()))
	c.metrics.BudgetTokensRemaining.Set(float64(c.bucket.Remaining()))
	c.pollCounterDeltas()
}

// resolveGroupShots applies EvaluateGroupBurst per group membership,
// firing one combined job for qualifying zones and individual jobs for
// any zone that wanted a shot but didn't reach the group's burst
// threshold this tick.
func (c *Coordinator) resolveGroupShots(pendingByGroup map[string][]pendingShot, thresholdPct float64, now time.Time) {
	for groupID, shots := range pendingByGroup {
		members := c.groupMembers[groupID]
		below := make(map[int]bool, len(shots))
		for _, s := range shots {
			below[s.zoneID] = true
		}
		candidates := make([]sequencer.GroupCandidate, len(members))
		for i, m := range members {
			c.zonesMu.RLock()
			enabled := c.zones[m] == nil || c.zones[m].cfg.IsEnabled()
			c.zonesMu.RUnlock()
			candidates[i] = sequencer.GroupCandidate{ZoneID: m, BelowThresh: below[m], Enabled: enabled}
		}
		qualifying := sequencer.EvaluateGroupBurst(candidates, thresholdPct)
		qualifyingSet := make(map[int]bool, len(qualifying))
		for _, id := range qualifying {
			qualifyingSet[id] = true
		}

		if len(qualifying) > 0 {
			var maxVol float64
			maxPrio := zone.PriorityLow
			for _, s := range shots {
				if !qualifyingSet[s.zoneID] {
					continue
				}
				if s.volumeMl > maxVol {
					maxVol = s.volumeMl
				}
				if s.priority > maxPrio {
					maxPrio = s.priority
				}
			}
			c.enqueueShot(qualifying[0], qualifying, maxVol, maxPrio, "group-burst", false, 0, now)
		}
		for _, s := range shots {
			if qualifyingSet[s.zoneID] {
				continue
			}
			c.enqueueShot(s.zoneID, []int{s.zoneID}, s.volumeMl, s.priority, s.reason, false, s.rankKey, now)
		}
	}
}

// enqueueShot submits one sequencer job. rankKey drives driest-first
// ordering within a priority tier; emergency jobs and group bursts use 0
// so they never wait behind a ranking tiebreak.
func (c *Coordinator) enqueueShot(leadZoneID int, members []int, volumeMl float64, priority zone.Priority, reason string, emergency bool, rankKey float64, now time.Time) {
	job := &sequencer.Job{
		ZoneID:       leadZoneID,
		VolumeMl:     volumeMl,
		Priority:     priority,
		Reason:       reason,
		Emergency:    emergency,
		EnqueuedAt:   now,
		RankKey:      rankKey,
	}
	if len(members) > 1 {
		job.GroupZoneIDs = members
	}
	c.sequencer.Enqueue(job)
}

func (c *Coordinator) handleTransition(t zone.Transition) {
	c.bridge.PublishEvent(bridge.EventPhaseTransition, map[string]interface{}{
		"zoneId": t.ZoneID, "from": t.From.String(), "to": t.To.String(), "reason": t.Reason,
	})
	c.metrics.PhaseTransitionsTotal.WithLabelValues(observability.ZoneLabel(t.ZoneID), t.From.String(), t.To.String()).Inc()

	c.zonesMu.RLock()
	unit := c.zones[t.ZoneID]
	c.zonesMu.RUnlock()
	if unit == nil {
		return
	}
	start := time.Now()
	if err := c.snapshot.SaveZone(t.ZoneID, unit.machine.Snapshot()); err != nil {
		c.log.Error("coordinator: snapshot after transition failed", zap.Int("zone_id", t.ZoneID), zap.Error(err))
		c.metrics.PersistenceDegraded.Set(1)
	} else {
		c.metrics.PersistenceDegraded.Set(0)
	}
	c.metrics.SnapshotWriteLatency.Observe(time.Since(start).Seconds())
}

// onActuationComplete is the sequencer.CompletionFunc: it applies the
// shot's bookkeeping to the owning zone only after the hardware has
// actually finished running it.
func (c *Coordinator) onActuationComplete(zoneID int, volumeMl float64, emergency bool, completedOK bool) {
	c.zonesMu.RLock()
	unit := c.zones[zoneID]
	c.zonesMu.RUnlock()
	if unit == nil || !completedOK {
		return
	}
	now := time.Now()
	unit.machine.ApplyActuationCompleted(now, volumeMl, emergency)

	zoneLabel := observability.ZoneLabel(zoneID)
	c.metrics.ShotsCompletedTotal.WithLabelValues(zoneLabel, unit.cfg.Priority, boolLabel(emergency)).Inc()
	c.metrics.ShotVolumeMlHistogram.Observe(volumeMl)

	start := time.Now()
	if err := c.snapshot.SaveZone(zoneID, unit.machine.Snapshot()); err != nil {
		c.log.Error("coordinator: snapshot after shot failed", zap.Int("zone_id", zoneID), zap.Error(err))
		c.metrics.PersistenceDegraded.Set(1)
	} else {
		c.metrics.PersistenceDegraded.Set(0)
	}
	c.metrics.SnapshotWriteLatency.Observe(time.Since(start).Seconds())
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// snapshotLoop periodically persists every zone's runtime, independent
// of the per-transition and per-shot saves triggered elsewhere.
func (c *Coordinator) snapshotLoop(ctx context.Context) {
	interval := time.Duration(c.currentConfig().Engine.SnapshotIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			c.saveAllSnapshots()
			c.metrics.SnapshotWriteLatency.Observe(time.Since(start).Seconds())
		}
	}
}

// consumeEvents drains the bridge's event sink into the audit ledger and
// a handful of event-driven metrics.
func (c *Coordinator) consumeEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.sink.C:
			if !ok {
				return
			}
			c.handleEvent(evt)
		}
	}
}

func (c *Coordinator) handleEvent(evt bridge.Event) {
	zoneID := 0
	var payload map[string]interface{}
	if m, ok := evt.Payload.(map[string]interface{}); ok {
		payload = m
		if zid, ok := m["zoneId"].(int); ok {
			zoneID = zid
		}
	}

	if err := c.ledger.Append(string(evt.Kind), zoneID, payload, evt.At); err != nil {
		c.log.Error("coordinator: ledger append failed", zap.Error(err))
		c.metrics.PersistenceDegraded.Set(1)
	} else if n, err := c.ledger.Count(); err == nil {
		c.metrics.LedgerEntriesTotal.Set(float64(n))
	}

	switch evt.Kind {
	case bridge.EventIrrigationSkipped:
		reason := "unknown"
		if payload != nil {
			if r, ok := payload["reason"].(string); ok {
				reason = r
			}
		}
		c.metrics.JobsSkippedTotal.WithLabelValues(reason).Inc()
	case bridge.EventUnsafeZone:
		c.metrics.ZoneUnsafeTotal.WithLabelValues(observability.ZoneLabel(zoneID)).Inc()
	}
}

// pollCounterDeltas translates the budget bucket's and bridge's
// cumulative counters into Prometheus Counter.Add deltas, since neither
// type exposes a Set method.
func (c *Coordinator) pollCounterDeltas() {
	consumed := c.bucket.ConsumedTotal()
	if d := consumed - c.lastBudgetConsumed; d > 0 {
		c.metrics.BudgetConsumedTotal.Add(float64(d))
	}
	c.lastBudgetConsumed = consumed

	refills := c.bucket.RefillCount()
	if d := refills - c.lastBudgetRefills; d > 0 {
		c.metrics.BudgetRefillsTotal.Add(float64(d))
	}
	c.lastBudgetRefills = refills

	dropped := c.bridge.DroppedWritesTotal()
	if d := dropped - c.lastBridgeDropped; d > 0 {
		c.metrics.BridgeWritesDroppedTotal.Add(float64(d))
	}
	c.lastBridgeDropped = dropped

	failed := c.bridge.FailedWritesTotal()
	if d := failed - c.lastBridgeFailed; d > 0 {
		c.metrics.BridgeWritesFailedTotal.Add(float64(d))
	}
	c.lastBridgeFailed = failed
}
