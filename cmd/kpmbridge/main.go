// KPM Meter Bridge
//
// Bridges a fleet of KPM33B energy meters between two MQTT brokers: the
// internal broker the meters talk to, and the central broker that serves
// dashboards and Home Assistant. Raw vendor telemetry is simplified to
// per-metric records on the way through; meters are discovered from their
// own traffic and kept configured with the desired upload intervals.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nerrad567/kpm-meter-bridge/internal/bridge"
	"github.com/nerrad567/kpm-meter-bridge/internal/dispatch"
	"github.com/nerrad567/kpm-meter-bridge/internal/infrastructure/config"
	"github.com/nerrad567/kpm-meter-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/kpm-meter-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/kpm-meter-bridge/internal/registry"
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
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting KPM meter bridge",
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

	// The config file's mtime seeds the dispatcher's change detection.
	configModTime, err := config.ModTime(configPath)
	if err != nil {
		return fmt.Errorf("reading config mtime: %w", err)
	}

	// Connect to the internal (meter-facing) broker
	internal, err := mqtt.Connect(cfg.InternalBroker)
	if err != nil {
		return fmt.Errorf("connecting to internal broker: %w", err)
	}
	defer func() {
		log.Info("disconnecting from internal broker")
		if closeErr := internal.Close(); closeErr != nil {
			log.Error("error closing internal broker connection", "error", closeErr)
		}
	}()
	internal.SetLogger(log)
	internal.SetOnConnect(func() { log.Info("internal broker reconnected") })
	internal.SetOnDisconnect(func(err error) { log.Warn("internal broker disconnected", "error", err) })
	log.Info("internal broker connected",
		"broker", fmt.Sprintf("%s:%d", cfg.InternalBroker.Broker.Host, cfg.InternalBroker.Broker.Port),
		"client_id", cfg.InternalBroker.Broker.ClientID,
	)

	// Connect to the central (consumer-facing) broker
	central, err := mqtt.Connect(cfg.CentralBroker)
	if err != nil {
		return fmt.Errorf("connecting to central broker: %w", err)
	}
	defer func() {
		log.Info("disconnecting from central broker")
		if closeErr := central.Close(); closeErr != nil {
			log.Error("error closing central broker connection", "error", closeErr)
		}
	}()
	central.SetLogger(log)
	central.SetOnConnect(func() { log.Info("central broker reconnected") })
	central.SetOnDisconnect(func(err error) { log.Warn("central broker disconnected", "error", err) })
	log.Info("central broker connected",
		"broker", fmt.Sprintf("%s:%d", cfg.CentralBroker.Broker.Host, cfg.CentralBroker.Broker.Port),
		"client_id", cfg.CentralBroker.Broker.ClientID,
	)

	// Initialise the meter registry
	meterRegistry := registry.New()
	meterRegistry.SetLogger(log)

	topics := mqtt.Topics{
		Main:             cfg.Topics.ExternalMainTopic,
		SetTimePrefix:    cfg.Topics.MeterSetTimePrefix,
		SetTimeAckPrefix: cfg.Topics.MeterSetTimeAckPrefix,
	}

	snapshot := dispatch.Snapshot{
		UploadFrequencySeconds: cfg.Meters.UploadFrequencySeconds,
		UploadFrequencyMinutes: cfg.Meters.UploadFrequencyMinutes,
		FileModifiedAt:         configModTime,
	}

	// Create the config dispatcher
	dispatcher, err := dispatch.New(dispatch.Options{
		Registry:  meterRegistry,
		Publisher: internal,
		Topics:    topics,
		QoS:       byte(cfg.InternalBroker.QoS),
		Snapshot:  snapshot,
		Excluded:  cfg.Meters.IsExcluded,
		Logger:    log.With("component", "dispatch"),
	})
	if err != nil {
		return fmt.Errorf("creating dispatcher: %w", err)
	}

	// Create and start the bridge
	b, err := bridge.New(bridge.Options{
		Internal:     internal,
		Central:      central,
		Registry:     meterRegistry,
		Dispatcher:   dispatcher,
		Topics:       topics,
		SecondsTopic: cfg.Topics.MeterSecondsData,
		MinutesTopic: cfg.Topics.MeterMinutesData,
		QoS:          byte(cfg.CentralBroker.QoS),
		ConfigPath:   configPath,
		Snapshot:     snapshot,
		Excluded:     cfg.Meters.IsExcluded,
		Logger:       log.With("component", "bridge"),
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	if err := b.Start(); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer func() {
		log.Info("stopping bridge")
		b.Close()
	}()

	// Verify all connections are healthy
	if err := healthCheck(ctx, internal, central); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	stats := b.Stats()
	log.Info("KPM meter bridge stopped",
		"meters", meterRegistry.Len(),
		"transformed", stats.Transformed,
		"rejected", stats.Rejected,
		"published", stats.Published,
		"discovered", stats.Discovered,
	)
	return nil
}

// getConfigPath returns the configuration file path.
// Uses KPMBRIDGE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("KPMBRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies both broker connections are healthy.
func healthCheck(ctx context.Context, internal, central *mqtt.Client) error {
	if err := internal.HealthCheck(ctx); err != nil {
		return fmt.Errorf("internal broker: %w", err)
	}
	if err := central.HealthCheck(ctx); err != nil {
		return fmt.Errorf("central broker: %w", err)
	}
	return nil
}
