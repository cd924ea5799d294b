package dispatch

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/kpm-meter-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/kpm-meter-bridge/internal/meter"
	"github.com/nerrad567/kpm-meter-bridge/internal/registry"
)

// defaultAckTimeout is how long a meter has to acknowledge a command.
const defaultAckTimeout = 3 * time.Second

// Publisher is the interface for publishing commands to the internal broker.
// This allows mocking in tests and flexibility in implementation.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Logger defines the logging interface used by the Dispatcher.
// Alert marks the one user-visible failure this component exists to
// detect: a meter that never acknowledged its configuration.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Alert(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
func (noopLogger) Alert(string, ...any) {}

// Dispatcher decides when each meter receives configuration commands and
// evaluates the acknowledgement/timeout outcome of every dispatch.
//
// Per-device state machine: Idle → AwaitingAck → Idle. A full
// configuration pass sends two commands (seconds interval, then minutes
// interval); the second is queued until the first resolves, so a device
// never holds more than one outstanding correlation identifier.
//
// Thread Safety: all methods are safe for concurrent use. The pending-ack
// slot itself lives in the registry, whose lock linearises dispatch, ack,
// and timeout for the same device; the dispatcher's own lock guards only
// the per-device command queues and the current snapshot.
type Dispatcher struct {
	registry *registry.Registry
	pub      Publisher
	topics   mqtt.Topics
	qos      byte

	ackTimeout time.Duration
	excluded   func(deviceID string) bool

	// now and newCorrelationID are injectable for deterministic tests.
	now              func() time.Time
	newCorrelationID func() string

	mu     sync.Mutex
	snap   Snapshot
	queues map[string][]CommandType

	logger Logger
}

// Options holds configuration for creating a Dispatcher.
type Options struct {
	// Registry is the shared device table. Required.
	Registry *registry.Registry

	// Publisher sends commands to the internal broker. Required.
	Publisher Publisher

	// Topics builds the per-meter command topics.
	Topics mqtt.Topics

	// QoS for command publishes.
	QoS byte

	// Snapshot is the configuration state at startup.
	Snapshot Snapshot

	// Excluded, when set, suppresses dispatch to matching meters.
	Excluded func(deviceID string) bool

	// AckTimeout overrides the 3-second acknowledgement deadline.
	// Zero means the default.
	AckTimeout time.Duration

	// Logger is optional structured logging.
	Logger Logger
}

// New creates a Dispatcher.
func New(opts Options) (*Dispatcher, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("dispatch: registry is required")
	}
	if opts.Publisher == nil {
		return nil, fmt.Errorf("dispatch: publisher is required")
	}

	timeout := opts.AckTimeout
	if timeout == 0 {
		timeout = defaultAckTimeout
	}
	excluded := opts.Excluded
	if excluded == nil {
		excluded = func(string) bool { return false }
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	return &Dispatcher{
		registry:         opts.Registry,
		pub:              opts.Publisher,
		topics:           opts.Topics,
		qos:              opts.QoS,
		ackTimeout:       timeout,
		excluded:         excluded,
		now:              time.Now,
		newCorrelationID: newCorrelationID,
		snap:             opts.Snapshot,
		queues:           make(map[string][]CommandType),
		logger:           logger,
	}, nil
}

// newCorrelationID generates a 32-character hex nonce, unique per dispatch.
func newCorrelationID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// HandleNewDevice dispatches configuration to a freshly discovered meter.
//
// This is always a dispatch, except when the meter is excluded or a prior
// dispatch is still awaiting its acknowledgement.
func (d *Dispatcher) HandleNewDevice(deviceID string) {
	d.beginDispatch(deviceID, "new meter")
}

// HandleConfigChange re-evaluates every known meter against a fresh
// configuration snapshot.
//
// A meter is re-configured when the config file is newer than the one
// recorded at its previous dispatch, when it has never been dispatched
// to, or when its last dispatch was on an earlier calendar day. A meter
// already configured today from an unchanged file is skipped, bounding
// protocol chatter to one dispatch per meter per day absent changes.
func (d *Dispatcher) HandleConfigChange(snap Snapshot) {
	d.mu.Lock()
	d.snap = snap
	d.mu.Unlock()

	now := d.now()
	for _, e := range d.registry.List() {
		if !needsDispatch(e, snap, now) {
			d.logger.Debug("meter already configured today", "meter_id", e.DeviceID)
			continue
		}
		d.beginDispatch(e.DeviceID, "config changed")
	}
}

// needsDispatch implements the Trigger B debounce rule.
func needsDispatch(e registry.Entry, snap Snapshot, now time.Time) bool {
	if e.LastConfigSentAt.IsZero() {
		return true
	}
	if snap.FileModifiedAt.After(e.LastConfigModTime) {
		return true
	}
	return !sameDay(e.LastConfigSentAt, now)
}

// sameDay reports whether two instants fall on the same calendar day.
func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

// beginDispatch queues the full configuration pass for a meter and sends
// the first command. A meter with an unresolved pending ack is left
// alone: overwriting its correlation identifier would orphan the ack.
func (d *Dispatcher) beginDispatch(deviceID, reason string) {
	if d.excluded(deviceID) {
		d.logger.Debug("meter excluded from configuration", "meter_id", deviceID)
		return
	}
	if e, ok := d.registry.Get(deviceID); !ok {
		d.logger.Warn("dispatch requested for unknown meter", "meter_id", deviceID)
		return
	} else if e.Pending != nil {
		d.logger.Debug("dispatch deferred, awaiting ack", "meter_id", deviceID, "reason", reason)
		return
	}

	d.logger.Info("configuring meter", "meter_id", deviceID, "reason", reason)

	d.mu.Lock()
	d.queues[deviceID] = []CommandType{CommandSecondsInterval, CommandMinutesInterval}
	d.mu.Unlock()

	d.sendNext(deviceID)
}

// sendNext pops and sends queued commands until one is in flight, the
// queue is drained, or the pending slot turns out to be taken.
func (d *Dispatcher) sendNext(deviceID string) {
	for {
		d.mu.Lock()
		q := d.queues[deviceID]
		if len(q) == 0 {
			delete(d.queues, deviceID)
			d.mu.Unlock()
			return
		}
		cmd := q[0]
		d.queues[deviceID] = q[1:]
		snap := d.snap
		d.mu.Unlock()

		sent, refused := d.sendCommand(deviceID, cmd, snap)
		if sent {
			return
		}
		if refused {
			// Lost a race with a concurrent send that claimed the slot
			// first. Push the command back: whichever dispatch won will
			// resolve (ack or timeout) and its sendNext drains the queue.
			d.mu.Lock()
			d.queues[deviceID] = append([]CommandType{cmd}, d.queues[deviceID]...)
			d.mu.Unlock()
			return
		}
		// Publish failed: the pending slot was released, try the next command.
	}
}

// sendCommand claims the pending-ack slot and publishes one command.
//
// The pending-ack write happens before the publish so the acknowledgement
// can never arrive at an empty slot. A failed publish releases the slot.
//
// Returns:
//   - sent: The command is in flight, device is AwaitingAck
//   - refused: The pending slot was already taken (nothing published)
func (d *Dispatcher) sendCommand(deviceID string, cmd CommandType, snap Snapshot) (sent, refused bool) {
	oprid := d.newCorrelationID()
	sentAt := d.now()

	ack := registry.PendingAck{
		CorrelationID: oprid,
		Command:       string(cmd),
		SentAt:        sentAt,
		Deadline:      sentAt.Add(d.ackTimeout),
	}
	if !d.registry.TryBeginDispatch(deviceID, ack, snap.FileModifiedAt) {
		return false, true
	}

	value := strconv.Itoa(snap.value(cmd))
	payload, err := json.Marshal(Command{
		OprID: oprid,
		Cmd:   string(cmd),
		Value: value,
		Types: commandValueType,
	})
	if err != nil {
		d.registry.AbortDispatch(deviceID, oprid)
		d.logger.Error("encoding config command", "meter_id", deviceID, "error", err)
		return false, false
	}

	topic := d.topics.SetTime(meter.Suffix(deviceID))
	if err := d.pub.Publish(topic, payload, d.qos, false); err != nil {
		d.registry.AbortDispatch(deviceID, oprid)
		d.logger.Error("publishing config command",
			"meter_id", deviceID,
			"command", cmd.Label(),
			"topic", topic,
			"error", err,
		)
		return false, false
	}

	d.logger.Info("sent config command",
		"meter_id", deviceID,
		"command", cmd.Label(),
		"value", value,
		"oprid", oprid,
	)
	return true, false
}

// HandleAck resolves an acknowledgement received on a meter's response topic.
//
// The meter is addressed by the last-8 suffix from the topic; the oprid
// must match the device's pending ack. A mismatched or unexpected ack is
// discarded with a diagnostic log only: it is a benign race between a
// late ack and a superseding dispatch, not an error.
func (d *Dispatcher) HandleAck(meterSuffix, correlationID string) {
	e, ok := d.registry.FindBySuffix(meterSuffix)
	if !ok {
		d.logger.Debug("ack from unknown meter", "suffix", meterSuffix, "oprid", correlationID)
		return
	}

	ack, matched := d.registry.ClearPendingIfMatch(e.DeviceID, correlationID)
	if !matched {
		d.logger.Debug("stale or unmatched ack",
			"meter_id", e.DeviceID,
			"oprid", correlationID,
		)
		return
	}

	d.logger.Info("config acknowledged",
		"meter_id", e.DeviceID,
		"command", CommandType(ack.Command).Label(),
		"oprid", ack.CorrelationID,
		"rtt", d.now().Sub(ack.SentAt).String(),
	)

	d.sendNext(e.DeviceID)
}

// SweepTimeouts expires every pending ack past its deadline.
//
// Each expiry raises one alert; the timed-out command is not retried
// until the next trigger, but any command still queued behind it for the
// same meter is sent immediately.
func (d *Dispatcher) SweepTimeouts() {
	for _, ex := range d.registry.TakeExpired(d.now()) {
		d.logger.Alert("meter did not acknowledge configuration",
			"meter_id", ex.DeviceID,
			"command", CommandType(ex.Ack.Command).Label(),
			"oprid", ex.Ack.CorrelationID,
			"timeout", d.ackTimeout.String(),
		)
		d.sendNext(ex.DeviceID)
	}
}
