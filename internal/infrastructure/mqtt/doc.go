// Package mqtt provides MQTT client connectivity for the KPM meter bridge.
//
// This package manages:
//   - Connections to the internal (meter-facing) and central (consumer-facing)
//     brokers with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection on the central broker
//   - Connection health monitoring
//
// # Architecture
//
// The bridge holds two independent Client instances, one per broker. Raw
// meter telemetry and configuration commands travel on the internal broker;
// simplified records and Home Assistant discovery travel on the central one.
//
//	Meters ↔ Internal Broker ↔ Bridge ↔ Central Broker ↔ Consumers
//
// # Resilience
//
//   - Reconnect: exponential backoff per broker config
//   - Subscriptions are restored automatically after reconnection
//   - Handler panics are recovered and logged; one bad message never takes
//     down the delivery loop
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.InternalBroker)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(cfg.Topics.MeterSecondsData, 1,
//	    func(topic string, payload []byte) error {
//	        return handleTelemetry(topic, payload)
//	    })
package mqtt
