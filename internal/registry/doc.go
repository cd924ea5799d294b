// Package registry maintains the process-wide table of observed meters.
//
// The registry owns all shared per-device state: first/last sighting
// times, last-config-dispatch bookkeeping, and the single pending-ack
// slot per device. MQTT delivery callbacks and the periodic timer loops
// all mutate this state concurrently; one mutex linearises them so that
// an acknowledgement and a timeout can never both resolve the same
// dispatch, and a pending-ack write is visible before the corresponding
// publish completes.
//
// State is in-memory only. Entries survive for the process lifetime and
// are never deleted; nothing is persisted across restarts, so a meter
// left awaiting an ack at shutdown simply starts idle again.
package registry
