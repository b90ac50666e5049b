// Package valve owns the valve channels and the shared pump.
// The Supervisor is the only writer of channel state. Time is always injected
// via time.Time parameters; delays are deadlines served by Advance, never sleeps.
package valve

import (
	"errors"
	"time"
)

// Channels is the number of valve channels on the controller.
const Channels = 10

// Default timing, matching the field hardware.
const (
	DefaultStagger       = 500 * time.Millisecond
	DefaultCloseDelay    = 100 * time.Millisecond
	DefaultSafetyCeiling = 2 * time.Hour
)

var (
	// ErrInvalidChannel is returned for channel ids outside [1, Channels].
	ErrInvalidChannel = errors.New("invalid channel")
	// ErrInvalidDuration is returned for negative scheduled durations.
	ErrInvalidDuration = errors.New("invalid duration")
)

// State represents the logical state of a valve or the pump.
type State string

const (
	StateOn  State = "ON"
	StateOff State = "OFF"
)

func stateOf(on bool) State {
	if on {
		return StateOn
	}
	return StateOff
}

// EventType distinguishes state changes from alerts.
type EventType string

const (
	EventStateChange EventType = "VALVE_STATE"
	EventAlert       EventType = "ALERT"
)

// Reason records what caused a transition.
type Reason string

const (
	ReasonCommand       Reason = "command"
	ReasonScheduled     Reason = "scheduled"
	ReasonSafetyTimeout Reason = "safety_timeout"
	ReasonCloseAll      Reason = "close_all"
	ReasonHalt          Reason = "halt"
)

// AlertKind classifies alert events.
type AlertKind string

const (
	AlertSafetyTimeout AlertKind = "SAFETY_TIMEOUT"
	AlertOutputFault   AlertKind = "OUTPUT_FAULT"
)

// Event is a state change or alert to be published.
// Channel is 1-based; 0 on an alert means the pump output.
type Event struct {
	Timestamp time.Time
	Type      EventType
	Channel   int
	State     State
	Reason    Reason
	Pump      State
	Alert     AlertKind
	Message   string
}

// Config holds the supervisor timing policy.
type Config struct {
	// Stagger delays energizing a channel while another one is open.
	Stagger time.Duration
	// CloseDelay separates consecutive transitions of a CloseAll.
	CloseDelay time.Duration
	// SafetyCeiling is the longest any channel may stay open.
	SafetyCeiling time.Duration
}

// DefaultConfig returns the field defaults.
func DefaultConfig() Config {
	return Config{
		Stagger:       DefaultStagger,
		CloseDelay:    DefaultCloseDelay,
		SafetyCeiling: DefaultSafetyCeiling,
	}
}

// Driver drives the physical outputs. Channel indexes are 0-based.
type Driver interface {
	SetValve(idx int, on bool) error
	SetPump(on bool) error
}

// ChannelView is a read-only view of one channel.
type ChannelView struct {
	ID               int
	Open             bool
	OpenedAt         time.Time
	RunningMinutes   int
	ScheduledMinutes int
}

// Snapshot is a point-in-time view of every channel and the pump.
type Snapshot struct {
	Channels [Channels]ChannelView
	Pump     bool
	Pending  int
}

// OpenCount returns the number of open channels in the snapshot.
func (s Snapshot) OpenCount() int {
	n := 0
	for _, c := range s.Channels {
		if c.Open {
			n++
		}
	}
	return n
}
