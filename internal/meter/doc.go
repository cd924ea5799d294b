// Package meter implements the KPM33B telemetry transformation.
//
// It maps the vendor's verbose tag names onto a stable minimal schema
// (active_power, active_energy) and enforces the message completeness
// invariant: a record is only ever produced from a payload whose isend
// tag equals "1". The transformation is pure; registry updates and
// publishing are the bridge driver's concern.
package meter
