package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/kpm-meter-bridge/internal/dispatch"
	"github.com/nerrad567/kpm-meter-bridge/internal/infrastructure/config"
	"github.com/nerrad567/kpm-meter-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/kpm-meter-bridge/internal/meter"
	"github.com/nerrad567/kpm-meter-bridge/internal/registry"
)

const (
	// defaultConfigWatchInterval is how often the external config file is
	// re-stated for modification-time changes.
	defaultConfigWatchInterval = 5 * time.Second

	// defaultSweepInterval bounds how late an acknowledgement timeout can
	// be detected past its 3-second deadline.
	defaultSweepInterval = time.Second
)

// MessageBus is the internal-broker surface the bridge needs: telemetry
// and acknowledgement subscriptions plus command publishing.
type MessageBus interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Publisher is the central-broker surface: simplified records and
// discovery payloads flow out, nothing flows back. PublishRetained
// carries the retained discovery configs.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	PublishRetained(topic string, payload []byte) error
}

// ConfigDispatcher receives the bridge's dispatch triggers and ack routing.
type ConfigDispatcher interface {
	HandleNewDevice(deviceID string)
	HandleConfigChange(snap dispatch.Snapshot)
	HandleAck(meterSuffix, correlationID string)
	SweepTimeouts()
}

// Logger defines the logging interface used by the Bridge.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Stats is a point-in-time snapshot of the bridge's message counters.
type Stats struct {
	// Transformed counts telemetry messages successfully simplified.
	Transformed uint64

	// Rejected counts telemetry messages dropped before publication
	// (fragmented, undecodable, or missing a meter ID).
	Rejected uint64

	// Published counts simplified records delivered to the central broker.
	Published uint64

	// Discovered counts meters announced via discovery on first sighting.
	Discovered uint64
}

// Bridge wires the two brokers together.
//
// Inbound telemetry from the internal broker is simplified and forwarded
// to the central broker; first sightings trigger discovery publication
// and a configuration dispatch; acknowledgements are routed back to the
// dispatcher. Two background loops complete the picture: the config-file
// watcher (mtime plus day-boundary checks) and the ack-timeout sweep.
//
// All state shared between MQTT callbacks and the loops lives in the
// registry and dispatcher; the bridge itself holds only wiring and
// monotonic counters.
type Bridge struct {
	internal   MessageBus
	central    Publisher
	registry   *registry.Registry
	dispatcher ConfigDispatcher

	topics       mqtt.Topics
	secondsTopic string
	minutesTopic string
	qos          byte

	configPath string
	snap       dispatch.Snapshot
	excluded   func(deviceID string) bool

	watchInterval time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	transformed atomic.Uint64
	rejected    atomic.Uint64
	published   atomic.Uint64
	discovered  atomic.Uint64

	logger Logger

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Options holds configuration for creating a Bridge.
type Options struct {
	// Internal is the meter-facing broker connection. Required.
	Internal MessageBus

	// Central is the consumer-facing broker connection. Required.
	Central Publisher

	// Registry is the shared device table. Required.
	Registry *registry.Registry

	// Dispatcher handles meter configuration. Required.
	Dispatcher ConfigDispatcher

	// Topics builds command, ack, and central data topics.
	Topics mqtt.Topics

	// SecondsTopic and MinutesTopic are the internal telemetry topics.
	SecondsTopic string
	MinutesTopic string

	// QoS for telemetry forwarding and subscriptions.
	QoS byte

	// ConfigPath is the external configuration file watched for changes.
	ConfigPath string

	// Snapshot is the configuration state at startup.
	Snapshot dispatch.Snapshot

	// Excluded, when set, suppresses discovery and configuration for
	// matching meters. Their telemetry is still bridged.
	Excluded func(deviceID string) bool

	// WatchInterval and SweepInterval override the loop periods.
	// Zero means the defaults (5s and 1s).
	WatchInterval time.Duration
	SweepInterval time.Duration

	// Logger is optional structured logging.
	Logger Logger
}

// New creates a Bridge.
func New(opts Options) (*Bridge, error) {
	if opts.Internal == nil {
		return nil, fmt.Errorf("bridge: internal broker is required")
	}
	if opts.Central == nil {
		return nil, fmt.Errorf("bridge: central broker is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("bridge: registry is required")
	}
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("bridge: dispatcher is required")
	}
	if opts.SecondsTopic == "" || opts.MinutesTopic == "" {
		return nil, fmt.Errorf("bridge: telemetry topics are required")
	}

	watch := opts.WatchInterval
	if watch == 0 {
		watch = defaultConfigWatchInterval
	}
	sweep := opts.SweepInterval
	if sweep == 0 {
		sweep = defaultSweepInterval
	}
	excluded := opts.Excluded
	if excluded == nil {
		excluded = func(string) bool { return false }
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	return &Bridge{
		internal:      opts.Internal,
		central:       opts.Central,
		registry:      opts.Registry,
		dispatcher:    opts.Dispatcher,
		topics:        opts.Topics,
		secondsTopic:  opts.SecondsTopic,
		minutesTopic:  opts.MinutesTopic,
		qos:           opts.QoS,
		configPath:    opts.ConfigPath,
		snap:          opts.Snapshot,
		excluded:      excluded,
		watchInterval: watch,
		sweepInterval: sweep,
		now:           time.Now,
		logger:        logger,
		done:          make(chan struct{}),
	}, nil
}

// Start subscribes to the internal broker and launches the background
// loops. It returns an error if any subscription fails; a partially
// started bridge should be Closed and discarded.
func (b *Bridge) Start() error {
	if err := b.internal.Subscribe(b.secondsTopic, b.qos, b.telemetryHandler(meter.TopicSeconds)); err != nil {
		return fmt.Errorf("subscribing to seconds telemetry: %w", err)
	}
	if err := b.internal.Subscribe(b.minutesTopic, b.qos, b.telemetryHandler(meter.TopicMinutes)); err != nil {
		return fmt.Errorf("subscribing to minutes telemetry: %w", err)
	}
	if err := b.internal.Subscribe(b.topics.SetTimeAckPattern(), b.qos, b.handleAckMessage); err != nil {
		return fmt.Errorf("subscribing to acknowledgements: %w", err)
	}

	b.wg.Add(2)
	go b.watchConfig()
	go b.sweepLoop()

	b.logger.Info("bridge started",
		"seconds_topic", b.secondsTopic,
		"minutes_topic", b.minutesTopic,
		"ack_pattern", b.topics.SetTimeAckPattern(),
	)
	return nil
}

// Close stops the background loops and waits for them to finish.
// Safe to call more than once. MQTT connections are owned by the caller
// and closed separately.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() { close(b.done) })
	b.wg.Wait()
}

// Stats returns the current message counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Transformed: b.transformed.Load(),
		Rejected:    b.rejected.Load(),
		Published:   b.published.Load(),
		Discovered:  b.discovered.Load(),
	}
}

// telemetryHandler returns the MQTT handler for one internal telemetry topic.
//
// Per message: decode, simplify, register the sighting (announcing the
// meter and triggering configuration on first contact), then forward each
// simplified record to the central broker. A rejected message produces no
// output at all; there are no partial forwards of a bad payload.
func (b *Bridge) telemetryHandler(class meter.TopicClass) mqtt.MessageHandler {
	return func(topic string, payload []byte) error {
		var raw meter.RawTelemetry
		if err := json.Unmarshal(payload, &raw); err != nil {
			b.rejected.Add(1)
			return fmt.Errorf("decoding %s telemetry: %w", class, err)
		}

		records, err := meter.Transform(class, raw)
		if err != nil {
			b.rejected.Add(1)
			if errors.Is(err, meter.ErrFragmented) {
				b.logger.Error("rejecting telemetry", "topic", topic, "error", err)
			}
			return err
		}

		deviceID := records[0].DeviceID
		if deviceID == "" {
			b.rejected.Add(1)
			return fmt.Errorf("telemetry on %s carries no meter id", topic)
		}
		b.transformed.Add(1)

		if b.registry.Observe(deviceID, b.now()) && !b.excluded(deviceID) {
			b.discovered.Add(1)
			if err := b.publishDiscovery(deviceID); err != nil {
				b.logger.Error("publishing discovery", "meter_id", deviceID, "error", err)
			}
			b.dispatcher.HandleNewDevice(deviceID)
		}

		for _, rec := range records {
			data, err := rec.Payload()
			if err != nil {
				return fmt.Errorf("encoding %s record: %w", rec.Metric, err)
			}
			outTopic := b.topics.MeterData(deviceID, class.String())
			if err := b.central.Publish(outTopic, data, b.qos, false); err != nil {
				return fmt.Errorf("forwarding %s record: %w", rec.Metric, err)
			}
			b.published.Add(1)
		}

		b.logger.Debug("bridged telemetry", "meter_id", deviceID, "granularity", class.String())
		return nil
	}
}

// handleAckMessage routes a configuration acknowledgement to the dispatcher.
// The meter is identified by the topic's last segment, the dispatch by the
// echoed oprid.
func (b *Bridge) handleAckMessage(topic string, payload []byte) error {
	var ack struct {
		OprID string `json:"oprid"`
	}
	if err := json.Unmarshal(payload, &ack); err != nil {
		return fmt.Errorf("decoding ack on %s: %w", topic, err)
	}
	if ack.OprID == "" {
		return fmt.Errorf("ack on %s carries no oprid", topic)
	}

	b.dispatcher.HandleAck(mqtt.AckMeterSuffix(topic), ack.OprID)
	return nil
}

// watchConfig polls the external config file and fires the dispatcher's
// config-change trigger when the file's mtime advances or the calendar
// day rolls over (meters are re-confirmed once per day even without
// changes). On an mtime change the file is fully reloaded so new upload
// frequencies take effect; a file that fails to load is retried on the
// next tick with the previous snapshot left in force.
func (b *Bridge) watchConfig() {
	defer b.wg.Done()

	lastMod := b.snap.FileModifiedAt
	lastDay := dayKey(b.now())

	ticker := time.NewTicker(b.watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.checkConfig(&lastMod, &lastDay)
		}
	}
}

// checkConfig performs one watcher tick.
func (b *Bridge) checkConfig(lastMod *time.Time, lastDay *int) {
	mod, err := config.ModTime(b.configPath)
	if err != nil {
		b.logger.Error("checking config file", "path", b.configPath, "error", err)
		return
	}

	day := dayKey(b.now())
	changed := mod.After(*lastMod)
	if !changed && day == *lastDay {
		return
	}

	if changed {
		cfg, err := config.Load(b.configPath)
		if err != nil {
			b.logger.Error("reloading config file", "path", b.configPath, "error", err)
			return
		}
		b.snap = dispatch.Snapshot{
			UploadFrequencySeconds: cfg.Meters.UploadFrequencySeconds,
			UploadFrequencyMinutes: cfg.Meters.UploadFrequencyMinutes,
			FileModifiedAt:         mod,
		}
		b.logger.Info("config file changed",
			"path", b.configPath,
			"modified_at", mod,
			"upload_frequency_seconds", cfg.Meters.UploadFrequencySeconds,
			"upload_frequency_minutes", cfg.Meters.UploadFrequencyMinutes,
		)
	}

	*lastMod = mod
	*lastDay = day
	b.dispatcher.HandleConfigChange(b.snap)
}

// dayKey collapses a timestamp to its calendar day.
func dayKey(t time.Time) int {
	return t.Year()*1000 + t.YearDay()
}

// sweepLoop periodically expires pending acknowledgements past their
// deadline.
func (b *Bridge) sweepLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.dispatcher.SweepTimeouts()
		}
	}
}
