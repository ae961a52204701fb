// Package config provides configuration loading, validation, and hot-reload
// for the irrigator engine.
//
// Configuration file: /etc/irrigator/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - Daemon listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - Apply non-destructive changes only (thresholds, shot sizes, timings,
//     light schedule, EC targets).
//   - Destructive changes (zone topology, storage paths, listen addresses)
//     require restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The daemon does NOT crash on invalid hot-reload config.
//
// Validation:
//   - Validate checks the schema version, node id, light-schedule hour
//     ranges, per-zone topology (ids, entities, sensors, dripper and
//     substrate figures, grow mode, priority), engine cadences, the group
//     burst threshold, the budget, and storage settings.
//   - Per-zone threshold percentages and sequencer dwell times are not
//     range-checked.
//   - Invalid config on startup: daemon refuses to start (fatal error, exit 1).
//   - Invalid config on hot-reload: logged, old config retained.

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// GrowMode selects which EC target / dryback target column a zone uses.
// Spec's P2->P3 guard and the ecTargetByPhaseAndMode matrix are both keyed
// on this. There is no default: an operator must choose per zone.
type GrowMode string

const (
	GrowModeVegetative GrowMode = "vegetative"
	GrowModeGenerative GrowMode = "generative"
)

// Config is the root configuration structure for the irrigator engine.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID identifies this engine instance in logs and the audit ledger.
	// Default: hostname.
	NodeID string `yaml:"node_id"`

	Engine        EngineConfig        `yaml:"engine"`
	LightSchedule LightScheduleConfig `yaml:"light_schedule"`
	Zones         []ZoneConfig        `yaml:"zones"`
	Sequencer     SequencerConfig     `yaml:"sequencer"`
	Budget        BudgetConfig        `yaml:"budget"`
	Storage       StorageConfig       `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
	Operator      OperatorConfig      `yaml:"operator"`
}

// EngineConfig holds engine-wide operational cadences.
type EngineConfig struct {
	// TickIntervalSec is how often each zone's Tick is evaluated. Default: 30.
	TickIntervalSec int `yaml:"tick_interval_sec"`

	// SnapshotIntervalSec is the periodic persistence cadence. Default: 300.
	SnapshotIntervalSec int `yaml:"snapshot_interval_sec"`

	// SensorStaleGraceMin is how long a zone holds non-emergency irrigation
	// under continuous sensor degradation before being parked. Default: 15.
	SensorStaleGraceMin int `yaml:"sensor_stale_grace_min"`

	// EmergencyStaleMin is how long emergency logic may use a stale reading
	// before the zone is marked Unsafe. Default: 30.
	EmergencyStaleMin int `yaml:"emergency_stale_min"`

	// WeeklyResetWeekday is the weekday (0=Sunday, matching robfig/cron's
	// day-of-week field) on which WeeklyUsageMl resets. Default: 1 (Monday).
	WeeklyResetWeekday int `yaml:"weekly_reset_weekday"`

	// SystemEnabledEntity and AutoIrrigationEntity are global switch
	// entities gating the sequencer's safety gate (step 1): both must read
	// "on" for a Normal/Low/High job to run. Critical jobs bypass both.
	SystemEnabledEntity  string `yaml:"system_enabled_entity"`
	AutoIrrigationEntity string `yaml:"auto_irrigation_entity"`
}

// LightScheduleConfig anchors phase timing. The source material disagrees
// on whether lights-on is 06:00 or 12:00; this repo has no built-in
// default for either. Validate range-checks both hours but does not
// detect an omitted one, which reads as 0 (00:00).
type LightScheduleConfig struct {
	OnHour  int `yaml:"on_hour"`  // 0-23, local time
	OffHour int `yaml:"off_hour"` // 0-23, local time
}

// ZoneConfig is the static topology and tuning for one zone.
type ZoneConfig struct {
	ID int `yaml:"id"` // 1..N, N<=6

	// Enabled gates both the per-job safety gate and group-burst
	// membership: a disabled zone never actuates and is excluded from its
	// group's enabled-zone denominator. nil (the field omitted from
	// config.yaml) means enabled — an operator must explicitly write
	// `enabled: false` to take a zone out of service.
	Enabled *bool `yaml:"enabled,omitempty"`

	// Hardware entity names, opaque at this boundary — resolved to typed
	// bridge.EntityRef handles once at boot (see internal/bridge).
	PumpEntity      string   `yaml:"pump_entity"`
	MainValveEntity string   `yaml:"main_valve_entity"`
	ValveEntity     string   `yaml:"valve_entity"`
	VWCSensors      []string `yaml:"vwc_sensors"`
	ECSensors       []string `yaml:"ec_sensors"`

	DripperCount       int     `yaml:"dripper_count"`
	DripperFlowMlPerMs float64 `yaml:"dripper_flow_ml_per_ms"`
	SubstrateVolumeMl  float64 `yaml:"substrate_volume_ml"`
	ShotMultiplier     float64 `yaml:"shot_multiplier"`

	GroupID       string  `yaml:"group_id,omitempty"`
	DailyBudgetMl float64 `yaml:"daily_budget_ml"`
	Priority      string  `yaml:"priority"` // Critical|High|Normal|Low

	GrowMode GrowMode `yaml:"grow_mode"`

	Thresholds ZoneThresholds `yaml:"thresholds"`
}

// IsEnabled reports whether the zone is in service. Absent from config.yaml
// defaults to enabled.
func (z ZoneConfig) IsEnabled() bool {
	return z.Enabled == nil || *z.Enabled
}

// ZoneThresholds holds every tunable named in the external configuration
// surface: phase progression targets, shot sizing, EC-ratio bias, and
// emergency behaviour.
type ZoneThresholds struct {
	DrybackTargetPct float64 `yaml:"dryback_target_pct"`

	P0MaxWaitMin int `yaml:"p0_max_wait_min"`

	P1TargetVwcPct     float64 `yaml:"p1_target_vwc_pct"`
	P1InitialShotPct   float64 `yaml:"p1_initial_shot_pct"`
	P1ShotIncrementPct float64 `yaml:"p1_shot_increment_pct"`
	P1MaxShotPct       float64 `yaml:"p1_max_shot_pct"`
	P1MinShots         int     `yaml:"p1_min_shots"`
	P1MaxShots         int     `yaml:"p1_max_shots"`
	P1InterShotSec     int     `yaml:"p1_inter_shot_sec"`

	P2VwcThresholdPct float64 `yaml:"p2_vwc_threshold_pct"`
	P2ShotPct         float64 `yaml:"p2_shot_pct"`
	EcHigh            float64 `yaml:"ec_high"`
	EcLow             float64 `yaml:"ec_low"`
	VwcBumpHigh       float64 `yaml:"vwc_bump_high"`
	VwcBumpLow        float64 `yaml:"vwc_bump_low"`
	EcFlushTarget     float64 `yaml:"ec_flush_target"`

	P3LeadTimeMin           int     `yaml:"p3_lead_time_min"`
	P3EmergencyThresholdPct float64 `yaml:"p3_emergency_threshold_pct"`
	P3EmergencyShotPct      float64 `yaml:"p3_emergency_shot_pct"`
	EmergencyCooldownSec    int     `yaml:"emergency_cooldown_sec"`

	// EcTargetVeg/EcTargetGen together form the ecTargetByPhaseAndMode
	// matrix: the zone state machine picks one based on GrowMode.
	EcTargetVeg float64 `yaml:"ec_target_veg"`
	EcTargetGen float64 `yaml:"ec_target_gen"`

	MinShotMs int `yaml:"min_shot_ms"`
	MaxShotMs int `yaml:"max_shot_ms"`
}

// SequencerConfig holds hardware timing and grouping parameters.
type SequencerConfig struct {
	PumpPrimeMs        int `yaml:"pump_prime_ms"`
	MainLinePressureMs int `yaml:"main_line_pressure_ms"`
	MainLineDrainMs    int `yaml:"main_line_drain_ms"`

	GroupThresholdPct float64 `yaml:"group_threshold_pct"`

	WriteMaxAttempts int `yaml:"write_max_attempts"`
}

// BudgetConfig holds the system-wide actuation rate-limit bucket, an extra
// safety layer above each zone's own daily water budget.
type BudgetConfig struct {
	Capacity     int           `yaml:"capacity"`
	RefillPeriod time.Duration `yaml:"refill_period"`
}

// StorageConfig holds persistence parameters.
type StorageConfig struct {
	// SnapshotPath is the atomically-written JSON state snapshot.
	SnapshotPath string `yaml:"snapshot_path"`

	// LedgerDBPath is the BoltDB-backed audit ledger of domain events.
	LedgerDBPath  string `yaml:"ledger_db_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// OperatorConfig holds the operator override socket parameters.
type OperatorConfig struct {
	SocketPath string `yaml:"socket_path"`
	Enabled    bool   `yaml:"enabled"`
}

// Defaults returns a Config populated with documented defaults. Zones and
// the light schedule are intentionally left empty/zero — they are
// site-specific and must come from the config file.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Engine: EngineConfig{
			TickIntervalSec:     30,
			SnapshotIntervalSec: 300,
			SensorStaleGraceMin: 15,
			EmergencyStaleMin:   30,
			WeeklyResetWeekday:  1,
		},
		Sequencer: SequencerConfig{
			PumpPrimeMs:        2000,
			MainLinePressureMs: 1000,
			MainLineDrainMs:    500,
			GroupThresholdPct:  50,
			WriteMaxAttempts:   3,
		},
		Budget: BudgetConfig{
			Capacity:     100,
			RefillPeriod: 60 * time.Second,
		},
		Storage: StorageConfig{
			SnapshotPath:  "/var/lib/irrigator/state.json",
			LedgerDBPath:  "/var/lib/irrigator/ledger.db",
			RetentionDays: 30,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: "/run/irrigator/operator.sock",
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness, returning a
// descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.LightSchedule.OnHour < 0 || cfg.LightSchedule.OnHour > 23 {
		errs = append(errs, fmt.Sprintf("light_schedule.on_hour must be in [0,23], got %d", cfg.LightSchedule.OnHour))
	}
	if cfg.LightSchedule.OffHour < 0 || cfg.LightSchedule.OffHour > 23 {
		errs = append(errs, fmt.Sprintf("light_schedule.off_hour must be in [0,23], got %d", cfg.LightSchedule.OffHour))
	}
	if len(cfg.Zones) == 0 {
		errs = append(errs, "at least one zone must be configured")
	}
	if len(cfg.Zones) > 6 {
		errs = append(errs, fmt.Sprintf("at most 6 zones are supported, got %d", len(cfg.Zones)))
	}
	seenIDs := make(map[int]bool, len(cfg.Zones))
	for _, z := range cfg.Zones {
		if z.ID < 1 {
			errs = append(errs, fmt.Sprintf("zone id must be >= 1, got %d", z.ID))
		}
		if seenIDs[z.ID] {
			errs = append(errs, fmt.Sprintf("duplicate zone id %d", z.ID))
		}
		seenIDs[z.ID] = true
		if z.PumpEntity == "" || z.MainValveEntity == "" || z.ValveEntity == "" {
			errs = append(errs, fmt.Sprintf("zone %d: pump/main-valve/valve entities are required", z.ID))
		}
		if len(z.VWCSensors) == 0 {
			errs = append(errs, fmt.Sprintf("zone %d: at least one vwc sensor is required", z.ID))
		}
		if z.DripperCount <= 0 || z.DripperFlowMlPerMs <= 0 {
			errs = append(errs, fmt.Sprintf("zone %d: dripper_count and dripper_flow_ml_per_ms must be > 0", z.ID))
		}
		if z.SubstrateVolumeMl <= 0 {
			errs = append(errs, fmt.Sprintf("zone %d: substrate_volume_ml must be > 0", z.ID))
		}
		if z.GrowMode != GrowModeVegetative && z.GrowMode != GrowModeGenerative {
			errs = append(errs, fmt.Sprintf("zone %d: grow_mode must be %q or %q", z.ID, GrowModeVegetative, GrowModeGenerative))
		}
		switch z.Priority {
		case "Critical", "High", "Normal", "Low":
		default:
			errs = append(errs, fmt.Sprintf("zone %d: priority must be one of Critical/High/Normal/Low, got %q", z.ID, z.Priority))
		}
	}
	if cfg.Engine.TickIntervalSec <= 0 {
		errs = append(errs, "engine.tick_interval_sec must be > 0")
	}
	if cfg.Engine.SnapshotIntervalSec <= 0 {
		errs = append(errs, "engine.snapshot_interval_sec must be > 0")
	}
	if cfg.Sequencer.GroupThresholdPct <= 0 || cfg.Sequencer.GroupThresholdPct > 100 {
		errs = append(errs, "sequencer.group_threshold_pct must be in (0,100]")
	}
	if cfg.Budget.Capacity < 1 {
		errs = append(errs, fmt.Sprintf("budget.capacity must be >= 1, got %d", cfg.Budget.Capacity))
	}
	if cfg.Budget.RefillPeriod < time.Second {
		errs = append(errs, fmt.Sprintf("budget.refill_period must be >= 1s, got %s", cfg.Budget.RefillPeriod))
	}
	if cfg.Storage.SnapshotPath == "" {
		errs = append(errs, "storage.snapshot_path must not be empty")
	}
	if cfg.Storage.LedgerDBPath == "" {
		errs = append(errs, "storage.ledger_db_path must not be empty")
	}
	if cfg.Storage.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("storage.retention_days must be >= 1, got %d", cfg.Storage.RetentionDays))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
