package bridge

import (
	"encoding/json"
	"testing"
)

func TestPublishDiscovery(t *testing.T) {
	h := newTestBridge(t, nil)

	if err := h.bridge.publishDiscovery(testMeterID); err != nil {
		t.Fatalf("publishDiscovery error = %v", err)
	}

	calls := h.central.Calls()
	if len(calls) != 2 {
		t.Fatalf("published %d payloads, want power and energy", len(calls))
	}

	wantTopics := map[string]bool{
		"homeassistant/sensor/kpm33b_33B1225950027/power/config":  false,
		"homeassistant/sensor/kpm33b_33B1225950027/energy/config": false,
	}
	for _, c := range calls {
		if _, known := wantTopics[c.Topic]; !known {
			t.Errorf("unexpected discovery topic %q", c.Topic)
			continue
		}
		wantTopics[c.Topic] = true
		if !c.Retained || c.QoS != 1 {
			t.Errorf("%s published qos %d retained %v, want qos 1 retained", c.Topic, c.QoS, c.Retained)
		}
	}
	for topic, seen := range wantTopics {
		if !seen {
			t.Errorf("discovery topic %q never published", topic)
		}
	}
}

func TestPublishDiscovery_PowerPayload(t *testing.T) {
	h := newTestBridge(t, nil)
	if err := h.bridge.publishDiscovery(testMeterID); err != nil {
		t.Fatalf("publishDiscovery error = %v", err)
	}

	var power discoveryConfig
	for _, c := range h.central.Calls() {
		if c.Topic == "homeassistant/sensor/kpm33b_33B1225950027/power/config" {
			if err := json.Unmarshal(c.Payload, &power); err != nil {
				t.Fatalf("unmarshalling power discovery: %v", err)
			}
		}
	}

	if power.StateTopic != "kpm33b/33B1225950027/seconds" {
		t.Errorf("state_topic = %q, want the seconds data topic", power.StateTopic)
	}
	if power.UnitOfMeasurement != "kW" || power.DeviceClass != "power" || power.StateClass != "measurement" {
		t.Errorf("power sensor classes = %s/%s/%s, want kW/power/measurement",
			power.UnitOfMeasurement, power.DeviceClass, power.StateClass)
	}
	if power.ValueTemplate != "{{ value_json.active_power }}" {
		t.Errorf("value_template = %q", power.ValueTemplate)
	}
	if power.UniqueID != "kpm33b_33B1225950027_active_power" {
		t.Errorf("unique_id = %q", power.UniqueID)
	}
	if power.Device.Manufacturer != "Compere" || power.Device.Model != "KPM33B" {
		t.Errorf("device = %+v, want Compere KPM33B", power.Device)
	}
}

func TestPublishDiscovery_EnergyPayload(t *testing.T) {
	h := newTestBridge(t, nil)
	if err := h.bridge.publishDiscovery(testMeterID); err != nil {
		t.Fatalf("publishDiscovery error = %v", err)
	}

	var energy discoveryConfig
	for _, c := range h.central.Calls() {
		if c.Topic == "homeassistant/sensor/kpm33b_33B1225950027/energy/config" {
			if err := json.Unmarshal(c.Payload, &energy); err != nil {
				t.Fatalf("unmarshalling energy discovery: %v", err)
			}
		}
	}

	if energy.StateTopic != "kpm33b/33B1225950027/minutes" {
		t.Errorf("state_topic = %q, want the minutes data topic", energy.StateTopic)
	}
	if energy.UnitOfMeasurement != "kWh" || energy.DeviceClass != "energy" || energy.StateClass != "total_increasing" {
		t.Errorf("energy sensor classes = %s/%s/%s, want kWh/energy/total_increasing",
			energy.UnitOfMeasurement, energy.DeviceClass, energy.StateClass)
	}
	if energy.ValueTemplate != "{{ value_json.active_energy }}" {
		t.Errorf("value_template = %q", energy.ValueTemplate)
	}
}
