package registry

import (
	"strings"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
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

// Registry is the process-wide table of every meter ever observed.
//
// It is the single owner of per-device state: sighting times, the
// last-config-dispatch bookkeeping, and the pending-ack slot. A single
// mutex linearises all mutations so that a dispatch, its ack, and its
// timeout can never race each other for the same device.
//
// All public methods are thread-safe. Returned entries are deep copies.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	logger  Logger
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// Observe records a sighting of a meter, creating its entry on first
// contact. It returns true exactly once per device per process lifetime,
// signalling "new device observed" to the caller.
func (r *Registry) Observe(deviceID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[deviceID]; ok {
		e.LastSeenAt = now
		return false
	}

	r.entries[deviceID] = &Entry{
		DeviceID:    deviceID,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	r.logger.Info("new meter observed", "meter_id", deviceID)
	return true
}

// Get retrieves a copy of a device's entry.
func (r *Registry) Get(deviceID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[deviceID]
	if !ok {
		return Entry{}, false
	}
	return e.copy(), true
}

// List returns copies of every entry, in unspecified order.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.copy())
	}
	return out
}

// Len returns the number of known meters.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// FindBySuffix locates the meter whose ID ends with the given suffix.
// Used to resolve acknowledgement topics, which address meters by the
// last eight characters of their ID.
func (r *Registry) FindBySuffix(suffix string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if suffix == "" {
		return Entry{}, false
	}
	for _, e := range r.entries {
		if strings.HasSuffix(e.DeviceID, suffix) {
			return e.copy(), true
		}
	}
	return Entry{}, false
}

// TryBeginDispatch atomically claims the device's pending-ack slot and
// records the dispatch bookkeeping. It refuses (returns false) when the
// device is unknown or a prior dispatch is still unresolved, so a
// correlation identifier is never orphaned by an overwrite.
//
// The pending-ack write happens before the caller publishes the command;
// if the publish fails the caller must release the slot via AbortDispatch.
func (r *Registry) TryBeginDispatch(deviceID string, ack PendingAck, cfgModTime time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[deviceID]
	if !ok {
		return false
	}
	if e.Pending != nil {
		return false
	}

	p := ack
	p.prevSentAt = e.LastConfigSentAt
	p.prevModTime = e.LastConfigModTime
	e.Pending = &p
	e.LastConfigSentAt = ack.SentAt
	e.LastConfigModTime = cfgModTime
	return true
}

// AbortDispatch releases a pending-ack slot claimed by TryBeginDispatch
// whose publish failed. Only the matching correlation ID is cleared.
// The dispatch bookkeeping is rolled back to its pre-claim values: a
// command that never reached the broker must not count as sent, or the
// once-per-day debounce would skip a meter that received nothing.
func (r *Registry) AbortDispatch(deviceID, correlationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[deviceID]
	if !ok || e.Pending == nil || e.Pending.CorrelationID != correlationID {
		return
	}
	e.LastConfigSentAt = e.Pending.prevSentAt
	e.LastConfigModTime = e.Pending.prevModTime
	e.Pending = nil
}

// ClearPendingIfMatch resolves a pending ack by correlation ID.
// It returns the cleared ack and true on a match; a mismatched or absent
// pending ack is left untouched and false is returned.
func (r *Registry) ClearPendingIfMatch(deviceID, correlationID string) (PendingAck, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[deviceID]
	if !ok || e.Pending == nil || e.Pending.CorrelationID != correlationID {
		return PendingAck{}, false
	}

	cleared := *e.Pending
	e.Pending = nil
	return cleared, true
}

// TakeExpired atomically clears and returns every pending ack whose
// deadline has passed. Because expiry and ack resolution both run under
// the registry lock, a single dispatch can be resolved by exactly one of
// them, never both.
func (r *Registry) TakeExpired(now time.Time) []Expired {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []Expired
	for _, e := range r.entries {
		if e.Pending != nil && now.After(e.Pending.Deadline) {
			expired = append(expired, Expired{DeviceID: e.DeviceID, Ack: *e.Pending})
			e.Pending = nil
		}
	}
	return expired
}
