package coordinator

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// startCron schedules the calendar-anchored maintenance work that a
// fixed-period ticker can't express cleanly: daily and weekly usage
// counter resets at local midnight, and ledger retention pruning
// alongside the daily reset.
func (c *Coordinator) startCron() error {
	c.cron = cron.New()
	cfg := c.currentConfig()

	if _, err := c.cron.AddFunc("0 0 * * *", c.runDailyReset); err != nil {
		return fmt.Errorf("schedule daily reset: %w", err)
	}
	weeklySpec := fmt.Sprintf("0 0 * * %d", cfg.Engine.WeeklyResetWeekday)
	if _, err := c.cron.AddFunc(weeklySpec, c.runWeeklyReset); err != nil {
		return fmt.Errorf("schedule weekly reset: %w", err)
	}

	c.cron.Start()
	return nil
}

func (c *Coordinator) runDailyReset() {
	date := time.Now().Format("2006-01-02")
	for _, zid := range c.zoneIDs() {
		c.zonesMu.RLock()
		unit := c.zones[zid]
		c.zonesMu.RUnlock()
		if unit == nil {
			continue
		}
		unit.machine.ResetDailyUsage(date)
	}
	c.saveAllSnapshots()

	removed, err := c.ledger.Prune(time.Now())
	if err != nil {
		c.log.Error("coordinator: ledger prune failed", zap.Error(err))
		return
	}
	if removed > 0 {
		c.log.Info("coordinator: pruned stale ledger entries", zap.Int("removed", removed))
	}
}

func (c *Coordinator) runWeeklyReset() {
	date := time.Now().Format("2006-01-02")
	for _, zid := range c.zoneIDs() {
		c.zonesMu.RLock()
		unit := c.zones[zid]
		c.zonesMu.RUnlock()
		if unit == nil {
			continue
		}
		unit.machine.ResetWeeklyUsage(date)
	}
	c.saveAllSnapshots()
}
