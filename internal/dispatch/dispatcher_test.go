package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/kpm-meter-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/kpm-meter-bridge/internal/registry"
)

var t0 = time.Date(2026, 1, 12, 16, 39, 0, 0, time.UTC)

const testMeterID = "33B1225950027"

type publishCall struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// mockPublisher records publishes and can be told to fail.
type mockPublisher struct {
	mu       sync.Mutex
	calls    []publishCall
	failNext int
}

func (m *mockPublisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext > 0 {
		m.failNext--
		return errors.New("broker unavailable")
	}
	m.calls = append(m.calls, publishCall{topic, payload, qos, retained})
	return nil
}

func (m *mockPublisher) Calls() []publishCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]publishCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// mockLogger counts alert-severity entries.
type mockLogger struct {
	mu     sync.Mutex
	alerts []string
}

func (m *mockLogger) Debug(string, ...any) {}
func (m *mockLogger) Info(string, ...any)  {}
func (m *mockLogger) Warn(string, ...any)  {}
func (m *mockLogger) Error(string, ...any) {}

func (m *mockLogger) Alert(msg string, _ ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, msg)
}

func (m *mockLogger) AlertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alerts)
}

func testTopics() mqtt.Topics {
	return mqtt.Topics{
		Main:             "kpm33b",
		SetTimePrefix:    "dnkj/settime/",
		SetTimeAckPrefix: "dnkj/settime_ack/",
	}
}

func testSnapshot() Snapshot {
	return Snapshot{
		UploadFrequencySeconds: 30,
		UploadFrequencyMinutes: 1,
		FileModifiedAt:         t0.Add(-time.Hour),
	}
}

// newTestDispatcher wires a dispatcher with a deterministic clock and
// sequential correlation IDs ("corr-1", "corr-2", ...).
func newTestDispatcher(t *testing.T, reg *registry.Registry, pub *mockPublisher, log *mockLogger) *Dispatcher {
	t.Helper()

	opts := Options{
		Registry:  reg,
		Publisher: pub,
		Topics:    testTopics(),
		QoS:       1,
		Snapshot:  testSnapshot(),
	}
	if log != nil {
		opts.Logger = log
	}
	d, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	d.now = func() time.Time { return t0 }
	var n int
	d.newCorrelationID = func() string {
		n++
		return fmt.Sprintf("corr-%d", n)
	}
	return d
}

func decodeCommand(t *testing.T, payload []byte) Command {
	t.Helper()
	var c Command
	if err := json.Unmarshal(payload, &c); err != nil {
		t.Fatalf("unmarshalling command payload: %v", err)
	}
	return c
}

func TestNew_RequiredFields(t *testing.T) {
	if _, err := New(Options{Publisher: &mockPublisher{}}); err == nil {
		t.Error("New() without registry did not error")
	}
	if _, err := New(Options{Registry: registry.New()}); err == nil {
		t.Error("New() without publisher did not error")
	}
}

func TestHandleNewDevice_FullPass(t *testing.T) {
	reg := registry.New()
	reg.Observe(testMeterID, t0)
	pub := &mockPublisher{}
	d := newTestDispatcher(t, reg, pub, nil)

	d.HandleNewDevice(testMeterID)

	calls := pub.Calls()
	if len(calls) != 1 {
		t.Fatalf("published %d commands, want 1 (second waits for ack)", len(calls))
	}
	if want := "dnkj/settime/25950027"; calls[0].Topic != want {
		t.Errorf("topic = %q, want %q", calls[0].Topic, want)
	}
	if calls[0].QoS != 1 || calls[0].Retained {
		t.Errorf("publish flags = qos %d retained %v, want qos 1 unretained", calls[0].QoS, calls[0].Retained)
	}

	cmd := decodeCommand(t, calls[0].Payload)
	if cmd.Cmd != string(CommandSecondsInterval) {
		t.Errorf("first command Cmd = %q, want %q", cmd.Cmd, CommandSecondsInterval)
	}
	if cmd.Value != "30" {
		t.Errorf("first command value = %q, want 30", cmd.Value)
	}
	if cmd.Types != "1" {
		t.Errorf("types = %q, want 1", cmd.Types)
	}
	if cmd.OprID != "corr-1" {
		t.Errorf("oprid = %q, want corr-1", cmd.OprID)
	}

	e, _ := reg.Get(testMeterID)
	if e.Pending == nil || e.Pending.CorrelationID != "corr-1" {
		t.Fatalf("Pending = %+v, want correlation corr-1", e.Pending)
	}

	// Ack the seconds command; the minutes command follows with a new nonce.
	d.HandleAck("25950027", "corr-1")

	calls = pub.Calls()
	if len(calls) != 2 {
		t.Fatalf("published %d commands after ack, want 2", len(calls))
	}
	cmd = decodeCommand(t, calls[1].Payload)
	if cmd.Cmd != string(CommandMinutesInterval) {
		t.Errorf("second command Cmd = %q, want %q", cmd.Cmd, CommandMinutesInterval)
	}
	if cmd.Value != "1" {
		t.Errorf("second command value = %q, want 1", cmd.Value)
	}
	if cmd.OprID != "corr-2" {
		t.Errorf("second oprid = %q, want a fresh nonce corr-2", cmd.OprID)
	}

	// Ack the minutes command; the pass is complete.
	d.HandleAck("25950027", "corr-2")
	if e, _ := reg.Get(testMeterID); e.Pending != nil {
		t.Error("pending ack not cleared after final ack")
	}
	if got := len(pub.Calls()); got != 2 {
		t.Errorf("published %d commands after full pass, want 2", got)
	}
}

func TestHandleNewDevice_Excluded(t *testing.T) {
	reg := registry.New()
	reg.Observe(testMeterID, t0)
	pub := &mockPublisher{}
	d := newTestDispatcher(t, reg, pub, nil)
	d.excluded = func(id string) bool { return id == testMeterID }

	d.HandleNewDevice(testMeterID)

	if got := len(pub.Calls()); got != 0 {
		t.Errorf("published %d commands to an excluded meter, want 0", got)
	}
}

func TestHandleNewDevice_WhilePending(t *testing.T) {
	reg := registry.New()
	reg.Observe(testMeterID, t0)
	pub := &mockPublisher{}
	d := newTestDispatcher(t, reg, pub, nil)

	d.HandleNewDevice(testMeterID)
	d.HandleNewDevice(testMeterID)

	if got := len(pub.Calls()); got != 1 {
		t.Errorf("published %d commands, want 1; pending dispatch must not be superseded", got)
	}
	e, _ := reg.Get(testMeterID)
	if e.Pending == nil || e.Pending.CorrelationID != "corr-1" {
		t.Errorf("Pending = %+v, want the original dispatch untouched", e.Pending)
	}
}

func TestHandleNewDevice_UnknownDevice(t *testing.T) {
	pub := &mockPublisher{}
	d := newTestDispatcher(t, registry.New(), pub, nil)

	d.HandleNewDevice("33B9999999999")

	if got := len(pub.Calls()); got != 0 {
		t.Errorf("published %d commands for an unregistered meter, want 0", got)
	}
}

func TestHandleConfigChange(t *testing.T) {
	tests := []struct {
		name         string
		lastSentAt   time.Time
		lastModTime  time.Time
		fileModified time.Time
		wantDispatch bool
	}{
		{
			name:         "never configured",
			fileModified: t0.Add(-time.Hour),
			wantDispatch: true,
		},
		{
			name:         "file newer than last dispatch",
			lastSentAt:   t0.Add(-10 * time.Minute),
			lastModTime:  t0.Add(-time.Hour),
			fileModified: t0.Add(-time.Minute),
			wantDispatch: true,
		},
		{
			name:         "unchanged file, configured today",
			lastSentAt:   t0.Add(-10 * time.Minute),
			lastModTime:  t0.Add(-time.Hour),
			fileModified: t0.Add(-time.Hour),
			wantDispatch: false,
		},
		{
			name:         "unchanged file, configured yesterday",
			lastSentAt:   t0.Add(-24 * time.Hour),
			lastModTime:  t0.Add(-48 * time.Hour),
			fileModified: t0.Add(-48 * time.Hour),
			wantDispatch: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := registry.New()
			reg.Observe(testMeterID, t0.Add(-time.Hour))
			if !tt.lastSentAt.IsZero() {
				ack := registry.PendingAck{CorrelationID: "seed", Command: "0001", SentAt: tt.lastSentAt, Deadline: tt.lastSentAt}
				if !reg.TryBeginDispatch(testMeterID, ack, tt.lastModTime) {
					t.Fatal("seeding dispatch bookkeeping failed")
				}
				reg.ClearPendingIfMatch(testMeterID, "seed")
			}

			pub := &mockPublisher{}
			d := newTestDispatcher(t, reg, pub, nil)

			snap := testSnapshot()
			snap.FileModifiedAt = tt.fileModified
			d.HandleConfigChange(snap)

			got := len(pub.Calls()) > 0
			if got != tt.wantDispatch {
				t.Errorf("dispatched = %v, want %v", got, tt.wantDispatch)
			}
		})
	}
}

func TestHandleConfigChange_FanOut(t *testing.T) {
	reg := registry.New()
	reg.Observe("33B1225950027", t0)
	reg.Observe("33B1225950099", t0)
	pub := &mockPublisher{}
	d := newTestDispatcher(t, reg, pub, nil)

	d.HandleConfigChange(testSnapshot())

	calls := pub.Calls()
	if len(calls) != 2 {
		t.Fatalf("published %d commands, want one per meter", len(calls))
	}

	// Every dispatch carries its own nonce.
	first := decodeCommand(t, calls[0].Payload)
	second := decodeCommand(t, calls[1].Payload)
	if first.OprID == second.OprID {
		t.Errorf("both meters got oprid %q, want distinct nonces", first.OprID)
	}
	if calls[0].Topic == calls[1].Topic {
		t.Errorf("both commands went to %q, want per-meter topics", calls[0].Topic)
	}
	for _, c := range calls {
		if !strings.HasPrefix(c.Topic, "dnkj/settime/") {
			t.Errorf("topic %q does not carry the settime prefix", c.Topic)
		}
	}
}

func TestHandleAck_Mismatch(t *testing.T) {
	reg := registry.New()
	reg.Observe(testMeterID, t0)
	pub := &mockPublisher{}
	d := newTestDispatcher(t, reg, pub, nil)

	d.HandleNewDevice(testMeterID)

	// A stale nonce leaves the dispatch outstanding.
	d.HandleAck("25950027", "stale-nonce")
	e, _ := reg.Get(testMeterID)
	if e.Pending == nil || e.Pending.CorrelationID != "corr-1" {
		t.Errorf("Pending = %+v, want corr-1 still outstanding after stale ack", e.Pending)
	}
	if got := len(pub.Calls()); got != 1 {
		t.Errorf("stale ack advanced the queue: %d publishes, want 1", got)
	}

	// An unknown suffix is discarded silently.
	d.HandleAck("99999999", "corr-1")
	if e, _ := reg.Get(testMeterID); e.Pending == nil {
		t.Error("ack for an unknown meter resolved someone else's dispatch")
	}
}

func TestSweepTimeouts(t *testing.T) {
	reg := registry.New()
	reg.Observe(testMeterID, t0)
	pub := &mockPublisher{}
	log := &mockLogger{}
	d := newTestDispatcher(t, reg, pub, log)

	d.HandleNewDevice(testMeterID)

	// Before the deadline the sweep is a no-op.
	d.SweepTimeouts()
	if log.AlertCount() != 0 {
		t.Fatalf("alert raised before the deadline")
	}

	// Past the 3-second deadline the dispatch expires with one alert and
	// the queued minutes command goes out.
	d.now = func() time.Time { return t0.Add(3*time.Second + time.Millisecond) }
	d.SweepTimeouts()

	if got := log.AlertCount(); got != 1 {
		t.Fatalf("alert count = %d, want 1", got)
	}
	calls := pub.Calls()
	if len(calls) != 2 {
		t.Fatalf("published %d commands, want the queued minutes command after expiry", len(calls))
	}
	cmd := decodeCommand(t, calls[1].Payload)
	if cmd.Cmd != string(CommandMinutesInterval) {
		t.Errorf("post-expiry command = %q, want %q", cmd.Cmd, CommandMinutesInterval)
	}

	// The sweep resolves each expiry exactly once.
	d.now = func() time.Time { return t0.Add(time.Hour) }
	d.SweepTimeouts()
	if got := log.AlertCount(); got != 2 {
		// The minutes dispatch itself has now expired too.
		t.Errorf("alert count = %d, want 2", got)
	}
	d.SweepTimeouts()
	if got := log.AlertCount(); got != 2 {
		t.Errorf("alert count = %d after idle sweep, want 2", got)
	}
}

func TestSendNext_PublishFailure(t *testing.T) {
	reg := registry.New()
	reg.Observe(testMeterID, t0)
	pub := &mockPublisher{failNext: 1}
	d := newTestDispatcher(t, reg, pub, nil)

	d.HandleNewDevice(testMeterID)

	// The seconds publish failed; its slot is released and the minutes
	// command is attempted immediately.
	calls := pub.Calls()
	if len(calls) != 1 {
		t.Fatalf("published %d commands, want 1", len(calls))
	}
	cmd := decodeCommand(t, calls[0].Payload)
	if cmd.Cmd != string(CommandMinutesInterval) {
		t.Errorf("command after failed publish = %q, want %q", cmd.Cmd, CommandMinutesInterval)
	}

	e, _ := reg.Get(testMeterID)
	if e.Pending == nil || e.Pending.Command != string(CommandMinutesInterval) {
		t.Errorf("Pending = %+v, want the minutes dispatch outstanding", e.Pending)
	}
}

func TestSendNext_RefusedKeepsQueue(t *testing.T) {
	reg := registry.New()
	reg.Observe(testMeterID, t0)
	pub := &mockPublisher{}
	d := newTestDispatcher(t, reg, pub, nil)

	// Another send claimed the slot between queueing and sending.
	other := registry.PendingAck{
		CorrelationID: "other",
		Command:       string(CommandSecondsInterval),
		SentAt:        t0,
		Deadline:      t0.Add(3 * time.Second),
	}
	if !reg.TryBeginDispatch(testMeterID, other, t0) {
		t.Fatal("claiming the pending slot failed")
	}
	d.mu.Lock()
	d.queues[testMeterID] = []CommandType{CommandMinutesInterval}
	d.mu.Unlock()

	d.sendNext(testMeterID)
	if got := len(pub.Calls()); got != 0 {
		t.Fatalf("published %d commands while another dispatch was pending, want 0", got)
	}

	// The queued command survives and goes out when that dispatch resolves.
	d.HandleAck("25950027", "other")
	calls := pub.Calls()
	if len(calls) != 1 {
		t.Fatalf("published %d commands after the pending dispatch resolved, want 1", len(calls))
	}
	if cmd := decodeCommand(t, calls[0].Payload); cmd.Cmd != string(CommandMinutesInterval) {
		t.Errorf("command = %q, want the queued %q", cmd.Cmd, CommandMinutesInterval)
	}
}

func TestHandleConfigChange_RedispatchAfterFailedPass(t *testing.T) {
	reg := registry.New()
	reg.Observe(testMeterID, t0)
	pub := &mockPublisher{failNext: 2}
	d := newTestDispatcher(t, reg, pub, nil)

	// Broker briefly down: both commands of the pass fail to publish.
	d.HandleConfigChange(testSnapshot())
	if got := len(pub.Calls()); got != 0 {
		t.Fatalf("published %d commands while the broker was down, want 0", got)
	}

	// The meter received nothing, so it must not count as configured today.
	e, _ := reg.Get(testMeterID)
	if !e.LastConfigSentAt.IsZero() {
		t.Fatalf("LastConfigSentAt = %v after an all-failed pass, want zero", e.LastConfigSentAt)
	}

	// Broker back, same snapshot, same day: the pass runs again.
	d.HandleConfigChange(testSnapshot())
	calls := pub.Calls()
	if len(calls) != 1 {
		t.Fatalf("published %d commands after broker recovery, want 1", len(calls))
	}
	if cmd := decodeCommand(t, calls[0].Payload); cmd.Cmd != string(CommandSecondsInterval) {
		t.Errorf("command = %q, want the pass restarted with %q", cmd.Cmd, CommandSecondsInterval)
	}
}

func TestSameDay(t *testing.T) {
	tests := []struct {
		name string
		a, b time.Time
		want bool
	}{
		{"same instant", t0, t0, true},
		{"same day different hour", t0, t0.Add(5 * time.Hour), true},
		{"across midnight", t0, t0.Add(8 * time.Hour), false},
		{"same yearday different year", t0, t0.AddDate(1, 0, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sameDay(tt.a, tt.b); got != tt.want {
				t.Errorf("sameDay(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}
