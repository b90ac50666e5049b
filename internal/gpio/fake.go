package gpio

import "fmt"

// PumpTarget identifies the pump in recorded writes.
const PumpTarget = -1

// Write is one recorded output write.
type Write struct {
	Target int // valve index, or PumpTarget
	On     bool
}

// FakeDriver is a test double that records output writes.
type FakeDriver struct {
	// Valves holds the last written level of each valve.
	Valves []bool

	// Pump holds the last written pump level.
	Pump bool

	// Writes contains every successful write in order.
	Writes []Write

	// ValveErrors, if set for an index, is returned by SetValve for that index.
	ValveErrors map[int]error

	// PumpError, if set, will be returned by SetPump.
	PumpError error

	// Closed tracks if Close was called.
	Closed bool
}

// NewFakeDriver creates a FakeDriver with n valves, all off.
func NewFakeDriver(n int) *FakeDriver {
	return &FakeDriver{Valves: make([]bool, n)}
}

// SetValve records the valve level.
func (f *FakeDriver) SetValve(idx int, on bool) error {
	if idx < 0 || idx >= len(f.Valves) {
		return fmt.Errorf("valve index %d out of range", idx)
	}
	if err := f.ValveErrors[idx]; err != nil {
		return err
	}
	f.Valves[idx] = on
	f.Writes = append(f.Writes, Write{Target: idx, On: on})
	return nil
}

// SetPump records the pump level.
func (f *FakeDriver) SetPump(on bool) error {
	if f.PumpError != nil {
		return f.PumpError
	}
	f.Pump = on
	f.Writes = append(f.Writes, Write{Target: PumpTarget, On: on})
	return nil
}

// Close turns every output off and marks the driver as closed.
func (f *FakeDriver) Close() error {
	for i := range f.Valves {
		f.Valves[i] = false
	}
	f.Pump = false
	f.Closed = true
	return nil
}

// ValveWrites returns the recorded writes for valve idx.
func (f *FakeDriver) ValveWrites(idx int) []Write {
	var out []Write
	for _, w := range f.Writes {
		if w.Target == idx {
			out = append(out, w)
		}
	}
	return out
}

// AnyValveOn reports whether any valve output is energized.
func (f *FakeDriver) AnyValveOn() bool {
	for _, on := range f.Valves {
		if on {
			return true
		}
	}
	return false
}

// Reset clears recorded writes and injected errors.
func (f *FakeDriver) Reset() {
	f.Writes = nil
	f.ValveErrors = nil
	f.PumpError = nil
	f.Closed = false
}
