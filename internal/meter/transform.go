package meter

import (
	"fmt"
)

// Vendor tag names common to all KPM33B telemetry topics.
const (
	tagDeviceID = "id"
	tagTime     = "time"

	// tagComplete is the completeness indicator. The KPM33B always sends
	// single-segment payloads; other meter families in the product line can
	// fragment, so any other value must surface loudly rather than be
	// mistaken for data loss.
	tagComplete = "isend"

	// completeSentinel is the value declaring a non-fragmented payload.
	completeSentinel = "1"
)

// Metric names in the simplified output schema.
const (
	MetricActivePower  = "active_power"
	MetricActiveEnergy = "active_energy"
)

// tagMapping maps one vendor source tag to one output metric name.
type tagMapping struct {
	sourceTag string
	metric    string
}

// profiles is the versioned mapping table, one profile per topic class.
// Tags not listed here (and not id/time) are dropped.
var profiles = map[TopicClass][]tagMapping{
	TopicSeconds: {
		{sourceTag: "zyggl", metric: MetricActivePower},
	},
	TopicMinutes: {
		{sourceTag: "zygsz", metric: MetricActiveEnergy},
	},
}

// Transform converts one raw telemetry message into simplified records.
//
// The message must declare itself complete (isend == "1"); anything else
// fails with an ErrFragmented-wrapped error and produces no records.
// For each tag in the topic class's mapping profile, the value is copied
// through unchanged if present, or emitted as a nil value if absent.
// The device ID and timestamp tags map through regardless of profile.
//
// A single raw message yields one Record per metric in the profile.
//
// Parameters:
//   - class: Which internal topic the message arrived on
//   - raw: The decoded JSON payload
//
// Returns:
//   - []Record: One record per profile metric
//   - error: ErrFragmented (wrapped) if the completeness check fails, or
//     an error for an unknown topic class
func Transform(class TopicClass, raw RawTelemetry) ([]Record, error) {
	if err := validateComplete(raw); err != nil {
		return nil, err
	}

	profile, ok := profiles[class]
	if !ok {
		return nil, fmt.Errorf("meter: unknown topic class %d", class)
	}

	deviceID, _ := raw[tagDeviceID].(string)
	timestamp, _ := raw[tagTime].(string)

	records := make([]Record, 0, len(profile))
	for _, m := range profile {
		records = append(records, Record{
			DeviceID:  deviceID,
			Timestamp: timestamp,
			Metric:    m.metric,
			Value:     numericValue(raw, m.sourceTag),
		})
	}

	return records, nil
}

// validateComplete enforces the completeness invariant.
// Fragmentation/reassembly is explicitly unimplemented; the error carries
// the observed value so operators can distinguish "0" from absent.
func validateComplete(raw RawTelemetry) error {
	v, present := raw[tagComplete]
	if !present {
		return fmt.Errorf("%w: isend missing", ErrFragmented)
	}
	s, isString := v.(string)
	if !isString || s != completeSentinel {
		return fmt.Errorf("%w: isend=%v", ErrFragmented, v)
	}
	return nil
}

// numericValue extracts a float64 tag value, or nil if the tag is absent
// or not numeric. No unit conversion, no rounding.
func numericValue(raw RawTelemetry, tag string) *float64 {
	v, ok := raw[tag].(float64)
	if !ok {
		return nil
	}
	return &v
}
