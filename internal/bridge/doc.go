// Package bridge connects the meter-facing broker to the central broker.
//
// It owns no domain logic of its own: telemetry simplification lives in
// package meter, per-device state in package registry, and configuration
// dispatch in package dispatch. The bridge subscribes, decodes, routes,
// forwards, and runs the two background loops (config-file watcher and
// ack-timeout sweep) that drive the dispatcher's time-based behaviour.
//
// On a meter's first sighting the bridge also publishes retained Home
// Assistant MQTT discovery payloads for its power and energy sensors, so
// the fleet appears in dashboards without manual entity setup.
package bridge
