//go:build linux

package gpio

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

const consumer = "irrigation-controller"

// RealDriver drives relays on actual hardware using the Linux GPIO character device.
type RealDriver struct {
	chip   *gpiocdev.Chip
	valves []*gpiocdev.Line
	pump   *gpiocdev.Line
}

// NewRealDriver requests every valve line and the pump line as outputs,
// initially de-energized.
func NewRealDriver(pins Pins) (*RealDriver, error) {
	chip, err := gpiocdev.NewChip(pins.Chip, gpiocdev.WithConsumer(consumer))
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", pins.Chip, err)
	}

	opts := []gpiocdev.LineReqOption{gpiocdev.AsOutput(0)}
	if pins.ActiveLow {
		opts = append(opts, gpiocdev.AsActiveLow)
	}

	r := &RealDriver{chip: chip}
	for i, pin := range pins.Valves {
		line, err := chip.RequestLine(pin, opts...)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("request valve %d pin %d: %w", i+1, pin, err)
		}
		r.valves = append(r.valves, line)
	}

	r.pump, err = chip.RequestLine(pins.Pump, opts...)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("request pump pin %d: %w", pins.Pump, err)
	}

	return r, nil
}

// SetValve sets the logical level of valve idx.
func (r *RealDriver) SetValve(idx int, on bool) error {
	if idx < 0 || idx >= len(r.valves) {
		return fmt.Errorf("valve index %d out of range", idx)
	}
	if err := r.valves[idx].SetValue(level(on)); err != nil {
		return fmt.Errorf("set valve %d: %w", idx+1, err)
	}
	return nil
}

// SetPump sets the logical level of the pump line.
func (r *RealDriver) SetPump(on bool) error {
	if err := r.pump.SetValue(level(on)); err != nil {
		return fmt.Errorf("set pump: %w", err)
	}
	return nil
}

// Close de-energizes every output, pump first, then releases the lines.
func (r *RealDriver) Close() error {
	var errs []error

	if r.pump != nil {
		if err := r.pump.SetValue(0); err != nil {
			errs = append(errs, fmt.Errorf("de-energize pump: %w", err))
		}
		if err := r.pump.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pump line: %w", err))
		}
	}
	for i, line := range r.valves {
		if err := line.SetValue(0); err != nil {
			errs = append(errs, fmt.Errorf("de-energize valve %d: %w", i+1, err))
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close valve %d line: %w", i+1, err))
		}
	}
	if r.chip != nil {
		if err := r.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

func level(on bool) int {
	if on {
		return 1
	}
	return 0
}
