// Package sequencer implements the Hardware Sequencer: a process-singleton
// actuator owner that serializes every physical pump/valve write behind a
// priority queue and an 8-step dwell sequence, so no two zone valves are
// ever open without the shared pump and main line also open.
//
// Grounded on the teacher's internal/budget/token_bucket.go for the
// queue-plus-worker-goroutine shape and internal/gossip for the
// bounded-channel-notify pattern; the 8-step actuation sequence itself has
// no teacher analogue (the teacher never drives physical hardware) and is
// implemented directly from the domain spec.
package sequencer

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldcap/irrigator/internal/bridge"
	"github.com/fieldcap/irrigator/internal/budget"
	"github.com/fieldcap/irrigator/internal/config"
	"github.com/fieldcap/irrigator/internal/zone"
)

// ZoneEntities names the hardware entities and dripper characteristics
// the sequencer needs to actuate and size a shot for one zone.
type ZoneEntities struct {
	PumpEntity         string
	MainValveEntity    string
	ValveEntity        string
	DripperCount       int
	DripperFlowMlPerMs float64
	MinShotMs          int
	MaxShotMs          int

	// Enabled mirrors config.ZoneConfig.IsEnabled(). A disabled zone fails
	// the safety gate unconditionally, including for Critical jobs: taking
	// a zone out of service is an operator decision nothing overrides.
	Enabled bool
}

// SafetyCheck is the subset of zone.Machine the sequencer's safety gate
// consults immediately before actuating (step 1), independent of whatever
// the decision looked like at tick time — the gate is re-evaluated fresh
// because a job may sit queued behind higher-priority work for longer than
// one tick interval.
type SafetyCheck interface {
	ManualOverrideActive(now time.Time) bool
	IsUnsafe() bool
	DailyBudgetExceeded() bool
	MarkUnsafe()
}

// CompletionFunc is called once per job that passes the safety gate and
// budget check, after its actuation steps finish (whether completed
// normally or cut short by cancellation/preemption), so the owning
// zone.Machine can apply its deferred shot/usage bookkeeping. A job
// skipped at the gate or for budget does not trigger it.
// Never called while any sequencer lock is held.
type CompletionFunc func(zoneID int, volumeMl float64, emergency bool, completedOK bool)

// Config tunes sequencer dwell times, grouping, and the global safety-gate
// entities. Built from config.SequencerConfig + config.EngineConfig via
// ConfigFromEngine.
type Config struct {
	PumpPrimeMs        time.Duration
	MainLinePressureMs time.Duration
	MainLineDrainMs    time.Duration
	GroupThresholdPct  float64

	SystemEnabledEntity  string
	AutoIrrigationEntity string
}

// ConfigFromEngine builds a sequencer Config from the two config sections
// that between them name every sequencer-relevant setting.
func ConfigFromEngine(seq config.SequencerConfig, eng config.EngineConfig) Config {
	return Config{
		PumpPrimeMs:          time.Duration(seq.PumpPrimeMs) * time.Millisecond,
		MainLinePressureMs:   time.Duration(seq.MainLinePressureMs) * time.Millisecond,
		MainLineDrainMs:      time.Duration(seq.MainLineDrainMs) * time.Millisecond,
		GroupThresholdPct:    seq.GroupThresholdPct,
		SystemEnabledEntity:  eng.SystemEnabledEntity,
		AutoIrrigationEntity: eng.AutoIrrigationEntity,
	}
}

// Sequencer is the process-singleton hardware actuator owner: at most one
// job runs system-wide, every actuation is a bridge write, and every job
// is bracketed by a crash-safe in-flight marker.
type Sequencer struct {
	cfg      Config
	br       *bridge.Bridge
	bucket   *budget.Bucket
	marker   MarkerStore
	log      *zap.Logger
	complete CompletionFunc

	entitiesMu sync.RWMutex
	entities   map[int]ZoneEntities
	safety     map[int]SafetyCheck

	mu          sync.Mutex
	queue       *jobQueue
	notify      chan struct{}
	running     bool
	currentPrio zone.Priority
	cancelJob   context.CancelFunc

	wg sync.WaitGroup
}

// New creates a Sequencer. marker may be nil, in which case crash-safety
// markers are discarded (tests only — production wiring always supplies
// the storage-backed MarkerStore).
func New(cfg Config, br *bridge.Bridge, bucket *budget.Bucket, marker MarkerStore, complete CompletionFunc, log *zap.Logger) *Sequencer {
	if marker == nil {
		marker = noopMarkerStore{}
	}
	return &Sequencer{
		cfg:      cfg,
		br:       br,
		bucket:   bucket,
		marker:   marker,
		log:      log,
		complete: complete,
		entities: make(map[int]ZoneEntities),
		safety:   make(map[int]SafetyCheck),
		queue:    newJobQueue(),
		notify:   make(chan struct{}, 1),
	}
}

// RegisterZone wires a zone's hardware entities and safety checker. Called
// once at boot for every configured zone, before Run starts.
func (s *Sequencer) RegisterZone(zoneID int, entities ZoneEntities, safety SafetyCheck) {
	s.entitiesMu.Lock()
	defer s.entitiesMu.Unlock()
	s.entities[zoneID] = entities
	s.safety[zoneID] = safety
}

// ComputeDurationMs sizes a shot's open-valve hold time from its volume and
// the zone's dripper characteristics, clamped to [minShotMs, maxShotMs].
// A maxShotMs of 0 disables the upper clamp.
func ComputeDurationMs(volumeMl float64, ent ZoneEntities, minShotMs, maxShotMs int) int {
	if ent.DripperCount <= 0 || ent.DripperFlowMlPerMs <= 0 {
		return minShotMs
	}
	ms := volumeMl / (float64(ent.DripperCount) * ent.DripperFlowMlPerMs)
	d := int(math.Round(ms))
	if d < minShotMs {
		d = minShotMs
	}
	if maxShotMs > 0 && d > maxShotMs {
		d = maxShotMs
	}
	return d
}

// Enqueue submits a job. A Critical job preempts a currently running
// Normal/Low job: the running job's context is cancelled, which drives it
// straight into its shutdown sub-sequence (steps 6->8) before the new job
// starts. A running High-priority job is never preempted.
func (s *Sequencer) Enqueue(j *Job) {
	s.mu.Lock()
	s.queue.push(j)
	preempt := s.running && j.Priority == zone.PriorityCritical &&
		s.currentPrio != zone.PriorityCritical && s.currentPrio != zone.PriorityHigh
	cancel := s.cancelJob
	s.mu.Unlock()

	if preempt && cancel != nil {
		cancel()
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Cancel drops zoneID's not-yet-running queued job, if any. Has no effect
// on a job already running for that zone.
func (s *Sequencer) Cancel(zoneID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.removeZone(zoneID)
}

// Run drains the queue until ctx is cancelled. Intended to be started as
// the sequencer worker goroutine from the coordinator's boot sequence.
// Shutdown lets the current job finish its shutdown sub-sequence before
// returning — no valve is ever abandoned open.
func (s *Sequencer) Run(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()
	for {
		s.mu.Lock()
		job := s.queue.pop()
		s.mu.Unlock()

		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-s.notify:
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		s.runJob(ctx, job)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// Wait blocks until Run's goroutine has returned.
func (s *Sequencer) Wait() { s.wg.Wait() }

// QueueDepth returns the number of jobs currently queued (not counting
// any job actively running). Polled by observability on its tick cadence.
func (s *Sequencer) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// RecoverFromMarker drives the shutdown sub-sequence (steps 6->8)
// unconditionally against the entities named in a stale in-flight marker
// found at boot, then clears it. entities must be ordered
// [pump, main, valve...], matching how runJob writes the marker. Called by
// the coordinator before the tick scheduler or Run starts.
func (s *Sequencer) RecoverFromMarker(ctx context.Context, marker JobMarker) error {
	if len(marker.Entities) < 2 {
		return s.marker.ClearJobMarker()
	}
	pump, main := marker.Entities[0], marker.Entities[1]
	valves := marker.Entities[2:]
	for _, v := range valves {
		if err := s.br.Set(ctx, v, "off"); err != nil {
			s.log.Error("sequencer: crash recovery failed to close zone valve", zap.String("entity", v), zap.Error(err))
		}
	}
	if err := s.br.Set(ctx, main, "off"); err != nil {
		s.log.Error("sequencer: crash recovery failed to close main-line valve", zap.Error(err))
	}
	time.Sleep(s.cfg.MainLineDrainMs)
	if err := s.br.Set(ctx, pump, "off"); err != nil {
		s.log.Error("sequencer: crash recovery failed to close pump", zap.Error(err))
	}
	s.br.PublishEvent(bridge.EventIrrigationSkipped, map[string]interface{}{
		"zoneId": marker.ZoneID, "reason": "crash-recovery",
	})
	return s.marker.ClearJobMarker()
}

func (s *Sequencer) jobZones(j *Job) []int {
	if len(j.GroupZoneIDs) > 0 {
		return j.GroupZoneIDs
	}
	return []int{j.ZoneID}
}

// safetyGate re-evaluates step 1 immediately before actuating. Critical
// jobs bypass every check here except Unsafe and a disabled zone, neither
// of which anything overrides: a zone taken out of service for
// maintenance must not fire even an emergency shot.
func (s *Sequencer) safetyGate(j *Job) (ok bool, reason string) {
	if j.Priority != zone.PriorityCritical {
		if s.cfg.SystemEnabledEntity != "" {
			if v, present := s.br.Get(s.cfg.SystemEnabledEntity); !present || v != "on" {
				return false, "system-disabled"
			}
		}
		if s.cfg.AutoIrrigationEntity != "" {
			if v, present := s.br.Get(s.cfg.AutoIrrigationEntity); !present || v != "on" {
				return false, "auto-irrigation-disabled"
			}
		}
	}

	s.entitiesMu.RLock()
	defer s.entitiesMu.RUnlock()
	for _, zid := range s.jobZones(j) {
		if ent, present := s.entities[zid]; present && !ent.Enabled {
			return false, "zone-disabled"
		}
		sc, present := s.safety[zid]
		if !present {
			continue
		}
		if sc.IsUnsafe() {
			return false, "unsafe"
		}
		if j.Priority != zone.PriorityCritical {
			if sc.ManualOverrideActive(time.Now()) {
				return false, "manual-override"
			}
			if sc.DailyBudgetExceeded() {
				return false, "daily-budget-exceeded"
			}
		}
	}
	return true, ""
}

func (s *Sequencer) runJob(parent context.Context, j *Job) {
	jobCtx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	s.running = true
	s.currentPrio = j.Priority
	s.cancelJob = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		s.running = false
		s.cancelJob = nil
		s.mu.Unlock()
	}()

	if ok, reason := s.safetyGate(j); !ok {
		s.br.PublishEvent(bridge.EventIrrigationSkipped, map[string]interface{}{
			"zoneId": j.ZoneID, "reason": reason,
		})
		return
	}

	if !j.Emergency && j.Priority != zone.PriorityCritical {
		if !s.bucket.ConsumeForPriority(j.Priority) {
			s.br.PublishEvent(bridge.EventIrrigationSkipped, map[string]interface{}{
				"zoneId": j.ZoneID, "reason": "budget-exhausted",
			})
			return
		}
	}

	zoneIDs := s.jobZones(j)
	s.entitiesMu.RLock()
	ents := make([]ZoneEntities, 0, len(zoneIDs))
	for _, zid := range zoneIDs {
		ents = append(ents, s.entities[zid])
	}
	s.entitiesMu.RUnlock()
	if len(ents) == 0 {
		return
	}

	pump := ents[0].PumpEntity
	main := ents[0].MainValveEntity

	marker := JobMarker{ZoneID: j.ZoneID, Step: 1, Entities: []string{pump, main}}
	for _, e := range ents {
		marker.Entities = append(marker.Entities, e.ValveEntity)
	}
	if err := s.marker.WriteJobMarker(marker); err != nil {
		s.log.Error("sequencer: failed to write in-flight marker", zap.Error(err))
	}

	s.br.PublishEvent(bridge.EventIrrigationScheduled, map[string]interface{}{
		"zoneId": j.ZoneID, "volumeMl": j.VolumeMl, "reason": j.Reason,
	})

	completedOK := s.runSteps(jobCtx, j, ents, pump, main)

	if err := s.marker.ClearJobMarker(); err != nil {
		s.log.Error("sequencer: failed to clear in-flight marker", zap.Error(err))
	}

	if s.complete != nil {
		s.complete(j.ZoneID, j.VolumeMl, j.Emergency, completedOK)
	}

	if completedOK {
		s.br.PublishEvent(bridge.EventIrrigationCompleted, map[string]interface{}{
			"zoneId": j.ZoneID, "volumeMl": j.VolumeMl, "reason": j.Reason,
		})
	} else {
		s.br.PublishEvent(bridge.EventIrrigationSkipped, map[string]interface{}{
			"zoneId": j.ZoneID, "reason": "cancelled",
		})
	}
}

// runSteps executes the 8-step sequence described in the sequencer design:
// prime the pump, pressurize the main line, open the zone valve(s), hold
// for the computed duration, then close in reverse order. If ctx is
// cancelled mid-sequence (preemption or shutdown), it jumps directly to
// the close-down steps so no valve is ever left open, and returns false.
func (s *Sequencer) runSteps(ctx context.Context, j *Job, ents []ZoneEntities, pump, main string) bool {
	writeCtx := context.Background() // actuation writes always run to completion; only dwells are cancellable

	openValves := func() error {
		for _, e := range ents {
			if err := s.br.Set(writeCtx, e.ValveEntity, "on"); err != nil {
				return err
			}
		}
		return nil
	}
	closeValves := func() error {
		for _, e := range ents {
			if err := s.br.Set(writeCtx, e.ValveEntity, "off"); err != nil {
				return err
			}
		}
		return nil
	}
	closeMain := func() error { return s.br.Set(writeCtx, main, "off") }
	closePump := func() error { return s.br.Set(writeCtx, pump, "off") }

	shutdown := func() {
		if err := closeValves(); err != nil {
			s.log.Error("sequencer: failed to close zone valve during shutdown", zap.Error(err))
		}
		if err := closeMain(); err != nil {
			s.log.Error("sequencer: failed to close main-line valve during shutdown", zap.Error(err))
		}
		// The drain dwell is never cancellable: the shutdown sub-sequence
		// (steps 6->8) must complete unconditionally once started, even
		// during process shutdown or preemption, so the pump is never
		// closed against a pressurized, undrained main line.
		time.Sleep(s.cfg.MainLineDrainMs)
		if err := closePump(); err != nil {
			s.log.Error("sequencer: failed to close pump during shutdown", zap.Error(err))
		}
	}

	abort := func(stage string, err error) bool {
		s.log.Error("sequencer: actuation failed, aborting job", zap.String("stage", stage), zap.Error(err))
		s.br.PublishEvent(bridge.EventUnsafeZone, map[string]interface{}{"zoneId": j.ZoneID})
		s.entitiesMu.RLock()
		for _, zid := range s.jobZones(j) {
			if sc, present := s.safety[zid]; present {
				sc.MarkUnsafe()
			}
		}
		s.entitiesMu.RUnlock()
		shutdown()
		return false
	}

	if err := s.br.Set(writeCtx, pump, "on"); err != nil {
		return abort("pump-open", err)
	}
	s.br.PublishEvent(bridge.EventIrrigationStarted, map[string]interface{}{"zoneId": j.ZoneID})
	if !dwell(ctx, s.cfg.PumpPrimeMs) {
		shutdown()
		return false
	}

	if err := s.br.Set(writeCtx, main, "on"); err != nil {
		return abort("main-open", err)
	}
	if !dwell(ctx, s.cfg.MainLinePressureMs) {
		shutdown()
		return false
	}

	if err := openValves(); err != nil {
		return abort("valve-open", err)
	}

	holdMs := time.Duration(0)
	for _, e := range ents {
		d := ComputeDurationMs(j.VolumeMl, e, e.MinShotMs, e.MaxShotMs)
		if hold := time.Duration(d) * time.Millisecond; hold > holdMs {
			holdMs = hold
		}
	}
	completed := dwell(ctx, holdMs)

	shutdown()
	return completed
}

// dwell waits for d, honoring cancellation. Returns false if ctx was
// cancelled before d elapsed.
func dwell(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
