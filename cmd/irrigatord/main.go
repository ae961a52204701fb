// Package main — cmd/irrigatord/main.go
//
// irrigatord entrypoint.
//
// Startup sequence (`run` subcommand):
//  1. Load and validate config.
//  2. Initialise structured logger (zap).
//  3. Construct the Engine Coordinator (opens storage, wires every
//     component bottom-up through the layering order).
//  4. Start the sequencer worker, tick loop, snapshot timer, cron
//     schedule, metrics server, and operator socket.
//  5. Register SIGHUP for config hot-reload.
//  6. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence: cancel the root context, let the sequencer finish
// its current job's shutdown sub-sequence, drain the bridge write
// queue, flush a final snapshot, close the ledger.
//
// Exit codes: 0 clean, 1 config error (or any other run error),
// 2 persistence unrecoverable. No path exits with a distinct code for an
// unavailable host bridge.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fieldcap/irrigator/internal/bridge"
	"github.com/fieldcap/irrigator/internal/config"
	"github.com/fieldcap/irrigator/internal/coordinator"
	"github.com/fieldcap/irrigator/internal/storage"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "irrigatord",
		Short: "Autonomous substrate irrigation engine",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/irrigator/config.yaml", "path to config.yaml")
	root.AddCommand(runCmd(), inspectCmd(), restoreCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the irrigation engine in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
				os.Exit(1)
			}

			log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
			if err != nil {
				fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
				os.Exit(1)
			}
			defer log.Sync()

			writer := newLoggingHostWriter(log)

			engine, err := coordinator.New(cfg, writer, log)
			if err != nil {
				log.Error("coordinator init failed", zap.Error(err))
				os.Exit(2)
			}

			ctx, cancel := context.WithCancel(context.Background())

			sighup := make(chan os.Signal, 1)
			signal.Notify(sighup, syscall.SIGHUP)
			go func() {
				for range sighup {
					log.Info("SIGHUP received, reloading config")
					if err := engine.ReloadConfig(configPath); err != nil {
						log.Error("config hot-reload failed, retaining previous config", zap.Error(err))
					}
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				sig := <-sigCh
				log.Info("shutdown signal received", zap.String("signal", sig.String()))
				cancel()
			}()

			log.Info("irrigatord starting", zap.String("node_id", cfg.NodeID), zap.Int("zones", len(cfg.Zones)))
			if err := engine.Run(ctx); err != nil {
				log.Error("engine run exited with error", zap.Error(err))
				return err
			}
			log.Info("irrigatord shutdown complete")
			return nil
		},
	}
}

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Print the current persisted engine state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			store := storage.NewSnapshotStore(cfg.Storage.SnapshotPath)
			state, err := store.Load()
			if err != nil {
				return fmt.Errorf("snapshot load: %w", err)
			}
			out, err := json.MarshalIndent(state, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <snapshot-path>",
		Short: "Copy a snapshot file into place as the engine's starting state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %q: %w", args[0], err)
			}
			var state storage.PersistedState
			if err := json.Unmarshal(data, &state); err != nil {
				return fmt.Errorf("parse %q: %w", args[0], err)
			}
			if state.SchemaVersion != storage.CurrentSchemaVersion {
				return fmt.Errorf("snapshot schema version %d, want %d", state.SchemaVersion, storage.CurrentSchemaVersion)
			}
			if err := os.WriteFile(cfg.Storage.SnapshotPath, data, 0o644); err != nil {
				return fmt.Errorf("write %q: %w", cfg.Storage.SnapshotPath, err)
			}
			fmt.Printf("restored %d zone(s) into %s\n", len(state.Zones), cfg.Storage.SnapshotPath)
			return nil
		},
	}
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}

// newLoggingHostWriter returns a bridge.HostWriter that logs every write
// it is asked to perform. The concrete host automation platform is out
// of scope for this repo (spec Non-goals); operators wire a real
// adapter (a REST/MQTT client against their automation platform) in its
// place by swapping this function's return value.
func newLoggingHostWriter(log *zap.Logger) bridge.HostWriter {
	return func(ctx context.Context, name, value string) error {
		log.Debug("host write", zap.String("entity", name), zap.String("value", value))
		return nil
	}
}
