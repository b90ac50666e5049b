// Package gpio drives the valve and pump outputs with hardware abstraction.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

// Driver drives the valve and pump outputs.
type Driver interface {
	// SetValve energizes (on) or de-energizes valve idx (0-based).
	SetValve(idx int, on bool) error

	// SetPump energizes or de-energizes the shared pump.
	SetPump(on bool) error

	// Close de-energizes every output and releases GPIO resources.
	Close() error
}

// Default line offsets (BCM numbering) for the ten valve relays and the pump relay.
var DefaultValvePins = []int{5, 6, 13, 16, 19, 20, 21, 26, 12, 25}

const DefaultPumpPin = 17

// DefaultChip is the GPIO chip carrying the 40-pin header on a Raspberry Pi.
const DefaultChip = "gpiochip0"

// Pins describes how the outputs are wired.
type Pins struct {
	Chip      string
	Valves    []int
	Pump      int
	ActiveLow bool // relay boards that energize on a low level
}
