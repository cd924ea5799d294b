package registry

import "time"

// PendingAck tracks one outstanding configuration command awaiting its
// acknowledgement. A device has at most one PendingAck at any instant; it
// exists from the moment a command is dispatched until a matching ack
// arrives or the deadline elapses.
type PendingAck struct {
	// CorrelationID is the opaque nonce echoed back by the meter.
	CorrelationID string

	// Command is the wire command code of the dispatched setting
	// ("0000" seconds interval, "0001" minutes interval).
	Command string

	// SentAt is when the command was published.
	SentAt time.Time

	// Deadline is when the dispatch is considered unacknowledged.
	Deadline time.Time

	// prevSentAt and prevModTime hold the entry's dispatch bookkeeping
	// from before this claim, so AbortDispatch can restore it when the
	// publish fails and the command was never actually sent.
	prevSentAt  time.Time
	prevModTime time.Time
}

// Entry is the per-device record in the registry.
//
// Entries are created on first sighting and never deleted; a meter that
// goes quiet is only detectable through LastSeenAt staleness.
type Entry struct {
	DeviceID    string
	FirstSeenAt time.Time
	LastSeenAt  time.Time

	// LastConfigSentAt is set when a dispatch is published, never
	// speculatively. The calendar date of this field drives the
	// once-per-day debounce.
	LastConfigSentAt time.Time

	// LastConfigModTime is the config file modification time recorded at
	// the previous dispatch. A newer file forces re-configuration.
	LastConfigModTime time.Time

	// Pending is the outstanding dispatch, if any.
	Pending *PendingAck
}

// Expired pairs a device with a PendingAck cleared by the timeout sweep.
type Expired struct {
	DeviceID string
	Ack      PendingAck
}

// copy returns a deep copy of the entry so callers can never mutate the
// registry's internal state.
func (e *Entry) copy() Entry {
	out := *e
	if e.Pending != nil {
		p := *e.Pending
		out.Pending = &p
	}
	return out
}
