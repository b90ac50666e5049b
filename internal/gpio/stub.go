//go:build !linux

package gpio

import "errors"

// RealDriver is not available on non-Linux platforms.
type RealDriver struct{}

// NewRealDriver returns an error on non-Linux platforms.
func NewRealDriver(pins Pins) (*RealDriver, error) {
	return nil, errors.New("gpio: not supported on this platform (requires Linux)")
}

// SetValve is not implemented on non-Linux platforms.
func (r *RealDriver) SetValve(idx int, on bool) error {
	return errors.New("gpio: not supported")
}

// SetPump is not implemented on non-Linux platforms.
func (r *RealDriver) SetPump(on bool) error {
	return errors.New("gpio: not supported")
}

// Close is not implemented on non-Linux platforms.
func (r *RealDriver) Close() error {
	return nil
}
