package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/nerrad567/kpm-meter-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/kpm-meter-bridge/internal/meter"
)

// discoveryPrefix is Home Assistant's default MQTT discovery root.
const discoveryPrefix = "homeassistant"

// discoveryDevice groups a meter's sensors under one device entry in
// Home Assistant.
type discoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
}

// discoveryConfig is one sensor's MQTT discovery payload.
type discoveryConfig struct {
	Name              string          `json:"name"`
	UniqueID          string          `json:"unique_id"`
	StateTopic        string          `json:"state_topic"`
	UnitOfMeasurement string          `json:"unit_of_measurement"`
	DeviceClass       string          `json:"device_class"`
	StateClass        string          `json:"state_class"`
	ValueTemplate     string          `json:"value_template"`
	Device            discoveryDevice `json:"device"`
}

// discoverySensor describes one of the two sensors announced per meter.
type discoverySensor struct {
	key         string
	metric      string
	stateTopic  func(mqtt.Topics, string) string
	unit        string
	deviceClass string
	stateClass  string
	label       string
}

var discoverySensors = []discoverySensor{
	{
		key:         "power",
		metric:      meter.MetricActivePower,
		stateTopic:  mqtt.Topics.MeterSeconds,
		unit:        "kW",
		deviceClass: "power",
		stateClass:  "measurement",
		label:       "Active Power",
	},
	{
		key:         "energy",
		metric:      meter.MetricActiveEnergy,
		stateTopic:  mqtt.Topics.MeterMinutes,
		unit:        "kWh",
		deviceClass: "energy",
		stateClass:  "total_increasing",
		label:       "Active Energy",
	},
}

// discoveryTopic builds the retained config topic for one sensor.
func discoveryTopic(meterID, sensorKey string) string {
	return fmt.Sprintf("%s/sensor/kpm33b_%s/%s/config", discoveryPrefix, meterID, sensorKey)
}

// publishDiscovery announces a meter's power and energy sensors to Home
// Assistant. Payloads are retained so dashboards recover entities after
// a broker or Home Assistant restart without waiting for a re-sighting.
func (b *Bridge) publishDiscovery(meterID string) error {
	device := discoveryDevice{
		Identifiers:  []string{"kpm33b_" + meterID},
		Name:         "KPM33B " + meterID,
		Manufacturer: "Compere",
		Model:        "KPM33B",
	}

	for _, s := range discoverySensors {
		cfg := discoveryConfig{
			Name:              fmt.Sprintf("KPM33B %s %s", meterID, s.label),
			UniqueID:          fmt.Sprintf("kpm33b_%s_%s", meterID, s.metric),
			StateTopic:        s.stateTopic(b.topics, meterID),
			UnitOfMeasurement: s.unit,
			DeviceClass:       s.deviceClass,
			StateClass:        s.stateClass,
			ValueTemplate:     fmt.Sprintf("{{ value_json.%s }}", s.metric),
			Device:            device,
		}

		payload, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("encoding %s discovery: %w", s.key, err)
		}
		if err := b.central.PublishRetained(discoveryTopic(meterID, s.key), payload); err != nil {
			return fmt.Errorf("publishing %s discovery: %w", s.key, err)
		}
	}

	b.logger.Info("announced meter sensors", "meter_id", meterID)
	return nil
}
