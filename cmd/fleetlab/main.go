// FleetLab Core - device-group coordination and event distribution.
//
// This is the main entry point for a FleetLab coordination instance. Each
// instance owns a shard of the device fleet: it tracks presence reported
// by provider processes, arbitrates exclusive claims, and distributes
// canonical device events to front-end and provider consumers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/fleetlab/fleetlab-core/migrations"

	"github.com/fleetlab/fleetlab-core/internal/engine"
	"github.com/fleetlab/fleetlab-core/internal/infrastructure/config"
	"github.com/fleetlab/fleetlab-core/internal/infrastructure/logging"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting FleetLab Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Assemble and start the instance
	eng, err := engine.New(cfg, log, version)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}
	defer func() {
		if closeErr := eng.Close(); closeErr != nil {
			log.Error("error during shutdown", "error", closeErr)
		}
	}()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	log.Info("initialisation complete, waiting for shutdown signal",
		"instance", cfg.Platform.ID,
	)

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses FLEETLAB_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("FLEETLAB_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
