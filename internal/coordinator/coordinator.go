// Package coordinator wires the Entity Bridge, Sensor Fusion, Dryback
// Detector, Zone State Machine, Hardware Sequencer, Token-Bucket Budget,
// Persistence Store, and Operator surface into one running engine.
//
// Boot order mirrors the teacher's main.go: load config, open storage,
// construct every component bottom-up through the layering order, then
// start goroutines (sequencer worker, tick loop, snapshot timer, cron
// schedule, metrics server, operator socket) only once everything below
// them is wired.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/fieldcap/irrigator/internal/bridge"
	"github.com/fieldcap/irrigator/internal/budget"
	"github.com/fieldcap/irrigator/internal/config"
	"github.com/fieldcap/irrigator/internal/fusion"
	"github.com/fieldcap/irrigator/internal/observability"
	"github.com/fieldcap/irrigator/internal/operator"
	"github.com/fieldcap/irrigator/internal/sequencer"
	"github.com/fieldcap/irrigator/internal/storage"
	"github.com/fieldcap/irrigator/internal/zone"
)

// zoneUnit bundles one configured zone's runtime components: the phase
// machine owns all mutable state, the two Fusion instances accumulate
// raw sensor readings the bridge delivers by subscription.
type zoneUnit struct {
	cfg       config.ZoneConfig
	machine   *zone.Machine
	vwcFusion *fusion.Fusion
	ecFusion  *fusion.Fusion
}

// Coordinator is the engine's top-level object: one per running process.
type Coordinator struct {
	cfg    *config.Config
	cfgMu  sync.RWMutex
	log    *zap.Logger
	nodeID string

	bridge   *bridge.Bridge
	sink     *bridge.ChannelSink
	sequencer *sequencer.Sequencer
	bucket   *budget.Bucket
	snapshot *storage.SnapshotStore
	ledger   *storage.Ledger
	metrics  *observability.Metrics
	cron     *cron.Cron

	zonesMu      sync.RWMutex
	zones        map[int]*zoneUnit
	groupMembers map[string][]int

	opServer *operator.Server

	pendingRecovery *sequencer.JobMarker

	lastBudgetConsumed uint64
	lastBudgetRefills  uint64
	lastBridgeDropped  uint64
	lastBridgeFailed   uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a fully wired but not-yet-running Coordinator. writer
// performs the actual host-platform writes; the coordinator never talks
// to the host directly except through the bridge it constructs here.
func New(cfg *config.Config, writer bridge.HostWriter, log *zap.Logger) (*Coordinator, error) {
	snapshotStore := storage.NewSnapshotStore(cfg.Storage.SnapshotPath)
	persisted, err := snapshotStore.Load()
	if err != nil {
		log.Warn("coordinator: snapshot load failed, seeding zone phases from the light schedule", zap.Error(err))
		persisted = &storage.PersistedState{Zones: map[string]storage.ZoneState{}}
	}

	ledger, err := storage.OpenLedger(cfg.Storage.LedgerDBPath, cfg.NodeID, cfg.Storage.RetentionDays)
	if err != nil {
		return nil, fmt.Errorf("coordinator: open audit ledger: %w", err)
	}

	bucket := budget.New(cfg.Budget.Capacity, cfg.Budget.RefillPeriod)
	sink := bridge.NewChannelSink(256)
	br := bridge.New(bridge.DefaultConfig(), writer, sink, log)
	metrics := observability.NewMetrics()

	c := &Coordinator{
		cfg:          cfg,
		log:          log,
		nodeID:       cfg.NodeID,
		bridge:       br,
		sink:         sink,
		bucket:       bucket,
		snapshot:     snapshotStore,
		ledger:       ledger,
		metrics:      metrics,
		zones:        make(map[int]*zoneUnit),
		groupMembers: make(map[string][]int),
	}

	seqCfg := sequencer.ConfigFromEngine(cfg.Sequencer, cfg.Engine)
	c.sequencer = sequencer.New(seqCfg, br, bucket, snapshotStore, c.onActuationComplete, log)

	sensorStaleGrace := time.Duration(cfg.Engine.SensorStaleGraceMin) * time.Minute
	emergencyStale := time.Duration(cfg.Engine.EmergencyStaleMin) * time.Minute
	now := time.Now()
	lightsOn, _ := lightsState(now, cfg.LightSchedule)

	for _, z := range cfg.Zones {
		initial := defaultRuntime(lightsOn, now)
		if zs, ok := persisted.Zones[strconv.Itoa(z.ID)]; ok {
			if rt, ok := zs.ToRuntime(); ok {
				initial = rt
			} else {
				log.Warn("coordinator: zone snapshot had unrecognized phase, reseeding from light schedule", zap.Int("zone_id", z.ID))
			}
		}

		machine := zone.New(z.ID, z, sensorStaleGrace, emergencyStale, initial)
		vwcFusion := fusion.New(fusion.KindVWC, fusion.DefaultConfig())
		ecFusion := fusion.New(fusion.KindEC, fusion.DefaultConfig())

		unit := &zoneUnit{cfg: z, machine: machine, vwcFusion: vwcFusion, ecFusion: ecFusion}
		c.zones[z.ID] = unit

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
		c.sequencer.RegisterZone(z.ID, entities, machine)

		if z.GroupID != "" {
			c.groupMembers[z.GroupID] = append(c.groupMembers[z.GroupID], z.ID)
		}

		c.subscribeZoneSensors(z, vwcFusion, ecFusion)
	}

	if persisted.JobInFlight != nil {
		c.pendingRecovery = &sequencer.JobMarker{
			ZoneID:   persisted.JobInFlight.ZoneID,
			Step:     persisted.JobInFlight.Step,
			Entities: persisted.JobInFlight.Entities,
		}
	}

	return c, nil
}

func defaultRuntime(lightsOn bool, now time.Time) zone.Runtime {
	phase := zone.PhaseP0Dryback
	if lightsOn {
		phase = zone.PhaseP2Maintenance
	}
	return zone.Runtime{Phase: phase, PhaseEnteredAt: now}
}

func (c *Coordinator) subscribeZoneSensors(z config.ZoneConfig, vwcFusion, ecFusion *fusion.Fusion) {
	for _, sensor := range z.VWCSensors {
		sensorID := sensor
		c.bridge.Subscribe(sensorID, func(name, value string, at time.Time) {
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return
			}
			vwcFusion.Ingest(fusion.Reading{SensorID: sensorID, Kind: fusion.KindVWC, Value: v, Timestamp: at})
		})
	}
	for _, sensor := range z.ECSensors {
		sensorID := sensor
		c.bridge.Subscribe(sensorID, func(name, value string, at time.Time) {
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return
			}
			ecFusion.Ingest(fusion.Reading{SensorID: sensorID, Kind: fusion.KindEC, Value: v, Timestamp: at})
		})
	}
}

// Run starts every background goroutine and blocks until ctx is
// cancelled, then drains in reverse wiring order.
func (c *Coordinator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if c.pendingRecovery != nil {
		if err := c.sequencer.RecoverFromMarker(runCtx, *c.pendingRecovery); err != nil {
			c.log.Error("coordinator: crash recovery failed", zap.Error(err))
		}
		c.pendingRecovery = nil
	}

	c.wg.Add(1)
	go func() { defer c.wg.Done(); c.sequencer.Run(runCtx) }()

	c.wg.Add(1)
	go func() { defer c.wg.Done(); c.consumeEvents(runCtx) }()

	c.wg.Add(1)
	go func() { defer c.wg.Done(); c.tickLoop(runCtx) }()

	c.wg.Add(1)
	go func() { defer c.wg.Done(); c.snapshotLoop(runCtx) }()

	if err := c.startCron(); err != nil {
		return fmt.Errorf("coordinator: start cron schedule: %w", err)
	}

	if c.cfg.Observability.MetricsAddr != "" {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.metrics.ServeMetrics(runCtx, c.cfg.Observability.MetricsAddr); err != nil {
				c.log.Error("coordinator: metrics server stopped", zap.Error(err))
			}
		}()
	}

	if c.cfg.Operator.Enabled {
		c.opServer = operator.NewServer(c.cfg.Operator.SocketPath, c, c.log)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.opServer.ListenAndServe(runCtx); err != nil {
				c.log.Error("coordinator: operator server stopped", zap.Error(err))
			}
		}()
	}

	<-runCtx.Done()
	return c.shutdown()
}

func (c *Coordinator) shutdown() error {
	c.log.Info("coordinator: shutting down")
	c.sequencer.Wait()
	if c.cron != nil {
		cronCtx := c.cron.Stop()
		<-cronCtx.Done()
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer drainCancel()
	if err := c.bridge.Close(drainCtx); err != nil {
		c.log.Error("coordinator: bridge drain failed", zap.Error(err))
	}

	c.saveAllSnapshots()
	if err := c.ledger.Close(); err != nil {
		c.log.Error("coordinator: ledger close failed", zap.Error(err))
	}
	c.bucket.Close()

	c.wg.Wait()
	return nil
}

// Shutdown requests an orderly stop. Safe to call once Run has started.
func (c *Coordinator) Shutdown() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Coordinator) saveAllSnapshots() {
	c.zonesMu.RLock()
	runtimes := make(map[int]zone.Runtime, len(c.zones))
	for id, u := range c.zones {
		runtimes[id] = u.machine.Snapshot()
	}
	c.zonesMu.RUnlock()
	if err := c.snapshot.SaveAll(runtimes); err != nil {
		c.log.Error("coordinator: final snapshot failed", zap.Error(err))
		c.metrics.PersistenceDegraded.Set(1)
	}
}

// zoneIDs returns every configured zone id in ascending order.
func (c *Coordinator) zoneIDs() []int {
	c.zonesMu.RLock()
	defer c.zonesMu.RUnlock()
	ids := make([]int, 0, len(c.zones))
	for id := range c.zones {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
