// Package logging provides structured logging for the KPM meter bridge.
//
// This package wraps log/slog with:
//   - Configuration-driven format (JSON/text), level, and destination
//   - Default fields (service, version) on every record
//   - An Alert method for user-visible operational failures, emitted at
//     error level with alert=true so pipelines can route them to paging
//
// Usage:
//
//	log := logging.New(cfg.Logging, version)
//	log.Info("bridge started", "meters", 0)
//	log.Alert("no ack from meter", "meter_id", id)
package logging
