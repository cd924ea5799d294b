package meter

import "encoding/json"

// TopicClass identifies which internal telemetry topic a message arrived on.
// Each class carries its own tag-to-metric mapping profile.
type TopicClass int

const (
	// TopicSeconds is the seconds-level real-time data topic (MQTT_RT_DATA).
	TopicSeconds TopicClass = iota

	// TopicMinutes is the minutes-level energy data topic (MQTT_ENY_NOW).
	TopicMinutes
)

// String returns the granularity label for the topic class.
func (c TopicClass) String() string {
	switch c {
	case TopicSeconds:
		return "seconds"
	case TopicMinutes:
		return "minutes"
	default:
		return "unknown"
	}
}

// RawTelemetry is the decoded JSON payload of one internal telemetry message.
// Tag values are whatever encoding/json produced: float64 for numbers,
// string for strings. Ephemeral; exists only for one Transform call.
type RawTelemetry map[string]any

// Record is one simplified metric reading, ready for the central broker.
//
// Value is nil when the source tag was absent from the raw message; the
// serialised payload carries an explicit JSON null in that case.
type Record struct {
	DeviceID  string
	Timestamp string
	Metric    string
	Value     *float64
}

// Payload serialises the record in the central broker's wire format:
//
//	{"id":"33B1225950027","time":"20260112163900","active_power":6.69}
//
// A nil Value serialises as null.
func (r Record) Payload() ([]byte, error) {
	return json.Marshal(map[string]any{
		"id":     r.DeviceID,
		"time":   r.Timestamp,
		r.Metric: r.Value,
	})
}

// Suffix returns the last eight characters of a meter ID, used to address
// the meter on the vendor's per-device command and acknowledgement topics.
// IDs shorter than eight characters are returned unchanged.
func Suffix(meterID string) string {
	if len(meterID) <= 8 {
		return meterID
	}
	return meterID[len(meterID)-8:]
}
