package dispatch

import "time"

// CommandType is the wire command code of a meter configuration setting.
type CommandType string

const (
	// CommandSecondsInterval sets the seconds-level upload frequency.
	CommandSecondsInterval CommandType = "0000"

	// CommandMinutesInterval sets the minutes-level upload frequency.
	CommandMinutesInterval CommandType = "0001"
)

// Label returns a human-readable name for log output.
func (c CommandType) Label() string {
	switch c {
	case CommandSecondsInterval:
		return "seconds"
	case CommandMinutesInterval:
		return "minutes"
	default:
		return string(c)
	}
}

// Command is the configuration command payload published to a meter's
// settime topic. Field names and the string-typed value follow the
// vendor's wire format.
type Command struct {
	OprID string `json:"oprid"`
	Cmd   string `json:"Cmd"`
	Value string `json:"value"`
	Types string `json:"types"`
}

// commandValueType is the vendor's fixed value-type discriminator.
const commandValueType = "1"

// Snapshot is a read-only view of the external configuration file at one
// point in time. The dispatcher compares FileModifiedAt against its
// per-device bookkeeping to decide when meters need re-configuration.
type Snapshot struct {
	UploadFrequencySeconds int
	UploadFrequencyMinutes int
	FileModifiedAt         time.Time
}

// value returns the configured interval for a command type.
func (s Snapshot) value(cmd CommandType) int {
	if cmd == CommandMinutesInterval {
		return s.UploadFrequencyMinutes
	}
	return s.UploadFrequencySeconds
}
