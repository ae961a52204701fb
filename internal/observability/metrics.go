// Package observability — metrics.go
//
// Prometheus metrics for the irrigator engine.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback by default; any configured address is used as given.
//
// Metric naming convention: irrigator_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Zone id is used as a label (bounded: <=6 zones per Config.Validate).
//   - Phase/priority labels use the short string form (4/4 values max).

package observability

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for the irrigator engine.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Tick loop ────────────────────────────────────────────────────────────

	// TicksProcessedTotal counts completed per-zone Tick evaluations.
	// Labels: zone
	TicksProcessedTotal *prometheus.CounterVec

	// TickLatencySeconds records how long one full tick pass over all
	// zones took.
	TickLatencySeconds prometheus.Histogram

	// ─── Fusion ───────────────────────────────────────────────────────────────

	// FusionConfidence records the confidence of each fused value produced.
	// Labels: zone, kind (vwc, ec)
	FusionConfidence *prometheus.GaugeVec

	// FusionNoReliableSampleTotal counts fusion passes that returned
	// ErrNoReliableSample. Labels: zone, kind
	FusionNoReliableSampleTotal *prometheus.CounterVec

	// ─── Zone phase machine ───────────────────────────────────────────────────

	// PhaseTransitionsTotal counts phase transitions. Labels: zone,
	// from_phase, to_phase.
	PhaseTransitionsTotal *prometheus.CounterVec

	// ZonePhase is the current phase of each zone, encoded 0-3 (P0-P3).
	// Labels: zone
	ZonePhase *prometheus.GaugeVec

	// ZoneUnsafeTotal counts Unsafe-flag latches. Labels: zone
	ZoneUnsafeTotal *prometheus.CounterVec

	// ─── Sequencer ────────────────────────────────────────────────────────────

	// ShotsCompletedTotal counts completed irrigation shots. Labels: zone,
	// priority, emergency (true, false)
	ShotsCompletedTotal *prometheus.CounterVec

	// ShotVolumeMlHistogram records completed shot volumes.
	ShotVolumeMlHistogram prometheus.Histogram

	// SequencerQueueDepth is the current depth of the sequencer's priority
	// queue.
	SequencerQueueDepth prometheus.Gauge

	// JobsSkippedTotal counts jobs skipped by the safety gate or budget
	// exhaustion. Labels: reason
	JobsSkippedTotal *prometheus.CounterVec

	// ─── Budget ───────────────────────────────────────────────────────────────

	// BudgetTokensRemaining is the current system-wide actuation token level.
	BudgetTokensRemaining prometheus.Gauge

	// BudgetConsumedTotal counts total tokens consumed.
	BudgetConsumedTotal prometheus.Counter

	// BudgetRefillsTotal counts token bucket refill cycles.
	BudgetRefillsTotal prometheus.Counter

	// ─── Bridge ───────────────────────────────────────────────────────────────

	// BridgeWritesDroppedTotal counts writes dropped due to queue overflow.
	BridgeWritesDroppedTotal prometheus.Counter

	// BridgeWritesFailedTotal counts writes that exhausted all retries.
	BridgeWritesFailedTotal prometheus.Counter

	// ─── Storage ──────────────────────────────────────────────────────────────

	// SnapshotWriteLatency records atomic-snapshot write latency.
	SnapshotWriteLatency prometheus.Histogram

	// LedgerEntriesTotal is the current number of audit ledger entries in
	// BoltDB.
	LedgerEntriesTotal prometheus.Gauge

	// PersistenceDegraded reports (1/0) whether the last snapshot or ledger
	// write failed.
	PersistenceDegraded prometheus.Gauge

	// ─── Engine ───────────────────────────────────────────────────────────────

	// EngineUptimeSeconds is the number of seconds since the engine started.
	EngineUptimeSeconds prometheus.Gauge

	// startTime records when the engine started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all irrigator Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		TicksProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "irrigator",
			Subsystem: "tick",
			Name:      "processed_total",
			Help:      "Total per-zone Tick evaluations completed, by zone.",
		}, []string{"zone"}),

		TickLatencySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "irrigator",
			Subsystem: "tick",
			Name:      "latency_seconds",
			Help:      "Latency of one full tick pass across all zones.",
			Buckets:   prometheus.DefBuckets,
		}),

		FusionConfidence: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "irrigator",
			Subsystem: "fusion",
			Name:      "confidence",
			Help:      "Confidence of the most recent fused value, by zone and kind.",
		}, []string{"zone", "kind"}),

		FusionNoReliableSampleTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "irrigator",
			Subsystem: "fusion",
			Name:      "no_reliable_sample_total",
			Help:      "Total fusion passes that returned NoReliableSample, by zone and kind.",
		}, []string{"zone", "kind"}),

		PhaseTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "irrigator",
			Subsystem: "zone",
			Name:      "phase_transitions_total",
			Help:      "Total phase transitions, by zone, from_phase and to_phase.",
		}, []string{"zone", "from_phase", "to_phase"}),

		ZonePhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "irrigator",
			Subsystem: "zone",
			Name:      "phase",
			Help:      "Current phase of each zone, encoded 0 (P0) to 3 (P3).",
		}, []string{"zone"}),

		ZoneUnsafeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "irrigator",
			Subsystem: "zone",
			Name:      "unsafe_total",
			Help:      "Total times a zone's Unsafe flag was latched.",
		}, []string{"zone"}),

		ShotsCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "irrigator",
			Subsystem: "sequencer",
			Name:      "shots_completed_total",
			Help:      "Total completed irrigation shots, by zone, priority and emergency flag.",
		}, []string{"zone", "priority", "emergency"}),

		ShotVolumeMlHistogram: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "irrigator",
			Subsystem: "sequencer",
			Name:      "shot_volume_ml",
			Help:      "Distribution of completed shot volumes in milliliters.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}),

		SequencerQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "irrigator",
			Subsystem: "sequencer",
			Name:      "queue_depth",
			Help:      "Current depth of the hardware sequencer's priority queue.",
		}),

		JobsSkippedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "irrigator",
			Subsystem: "sequencer",
			Name:      "jobs_skipped_total",
			Help:      "Total jobs skipped, by reason.",
		}, []string{"reason"}),

		BudgetTokensRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "irrigator",
			Subsystem: "budget",
			Name:      "tokens_remaining",
			Help:      "Current system-wide actuation token bucket level.",
		}),

		BudgetConsumedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "irrigator",
			Subsystem: "budget",
			Name:      "consumed_total",
			Help:      "Lifetime total tokens consumed from the actuation budget bucket.",
		}),

		BudgetRefillsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "irrigator",
			Subsystem: "budget",
			Name:      "refills_total",
			Help:      "Total number of token bucket refill cycles completed.",
		}),

		BridgeWritesDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "irrigator",
			Subsystem: "bridge",
			Name:      "writes_dropped_total",
			Help:      "Total bridge writes dropped due to write-queue overflow.",
		}),

		BridgeWritesFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "irrigator",
			Subsystem: "bridge",
			Name:      "writes_failed_total",
			Help:      "Total bridge writes that exhausted all retry attempts.",
		}),

		SnapshotWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "irrigator",
			Subsystem: "storage",
			Name:      "snapshot_write_latency_seconds",
			Help:      "Atomic snapshot file write latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		LedgerEntriesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "irrigator",
			Subsystem: "storage",
			Name:      "ledger_entries",
			Help:      "Current number of audit ledger entries in BoltDB.",
		}),

		PersistenceDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "irrigator",
			Subsystem: "storage",
			Name:      "persistence_degraded",
			Help:      "1 if the last snapshot or ledger write failed, else 0.",
		}),

		EngineUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "irrigator",
			Subsystem: "engine",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the engine started.",
		}),
	}

	reg.MustRegister(
		m.TicksProcessedTotal,
		m.TickLatencySeconds,
		m.FusionConfidence,
		m.FusionNoReliableSampleTotal,
		m.PhaseTransitionsTotal,
		m.ZonePhase,
		m.ZoneUnsafeTotal,
		m.ShotsCompletedTotal,
		m.ShotVolumeMlHistogram,
		m.SequencerQueueDepth,
		m.JobsSkippedTotal,
		m.BudgetTokensRemaining,
		m.BudgetConsumedTotal,
		m.BudgetRefillsTotal,
		m.BridgeWritesDroppedTotal,
		m.BridgeWritesFailedTotal,
		m.SnapshotWriteLatency,
		m.LedgerEntriesTotal,
		m.PersistenceDegraded,
		m.EngineUptimeSeconds,
		// Standard Go runtime metrics.
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ZoneLabel formats a zone id as the string label value used throughout.
func ZoneLabel(zoneID int) string {
	return strconv.Itoa(zoneID)
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the EngineUptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.EngineUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
