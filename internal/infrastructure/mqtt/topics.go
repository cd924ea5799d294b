package mqtt

import (
	"fmt"
	"strings"
)

// Granularity labels for simplified data subtopics on the central broker.
const (
	GranularitySeconds = "seconds"
	GranularityMinutes = "minutes"
)

// Topics provides builders for the bridge's MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
// Central broker topics follow the scheme: {main}/{meter_id}/{granularity}
// Internal command topics follow the vendor scheme: {prefix}{last8-of-meter-id}
//
//	topics := mqtt.Topics{Main: "kpm33b", SetTimePrefix: "compere/meter/settime/"}
//	dataTopic := topics.MeterSeconds("33B1225950027")
//	// Returns: "kpm33b/33B1225950027/seconds"
type Topics struct {
	// Main is the root topic for simplified data on the central broker.
	Main string

	// SetTimePrefix is the internal configuration-command topic prefix.
	SetTimePrefix string

	// SetTimeAckPrefix is the internal acknowledgement topic prefix.
	SetTimeAckPrefix string
}

// MeterData returns the central topic for a meter's simplified data.
//
// Example: kpm33b/33B1225950027/seconds
func (t Topics) MeterData(meterID, granularity string) string {
	return fmt.Sprintf("%s/%s/%s", t.Main, meterID, granularity)
}

// MeterSeconds returns the central topic for seconds-level data.
func (t Topics) MeterSeconds(meterID string) string {
	return t.MeterData(meterID, GranularitySeconds)
}

// MeterMinutes returns the central topic for minutes-level data.
func (t Topics) MeterMinutes(meterID string) string {
	return t.MeterData(meterID, GranularityMinutes)
}

// SetTime returns the internal configuration-command topic for a meter.
// The meter is addressed by the last 8 characters of its ID.
//
// Example: compere/meter/settime/25950027
func (t Topics) SetTime(meterSuffix string) string {
	return t.SetTimePrefix + meterSuffix
}

// SetTimeAckPattern returns a pattern matching all meter acknowledgements.
//
// Pattern: compere/meter/settime/ack/+
func (t Topics) SetTimeAckPattern() string {
	return t.SetTimeAckPrefix + "+"
}

// AckMeterSuffix extracts the meter suffix from an acknowledgement topic.
// Returns the final topic segment; empty string if the topic has no segments.
func AckMeterSuffix(topic string) string {
	idx := strings.LastIndex(topic, "/")
	if idx < 0 || idx == len(topic)-1 {
		return ""
	}
	return topic[idx+1:]
}
