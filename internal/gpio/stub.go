//go:build !linux

package gpio

import "errors"

var errUnsupported = errors.New("gpio: not supported on this platform (requires Linux)")

// RealInputs is not available on non-Linux platforms.
type RealInputs struct{}

// OpenInputs returns an error on non-Linux platforms.
func OpenInputs(chipName string, offsets []int, activeLow bool, handler EdgeHandler) (*RealInputs, error) {
	return nil, errUnsupported
}

// Active is not implemented on non-Linux platforms.
func (r *RealInputs) Active(line int) (bool, error) {
	return false, errUnsupported
}

// Close is not implemented on non-Linux platforms.
func (r *RealInputs) Close() error {
	return nil
}

// RealOutputs is not available on non-Linux platforms.
type RealOutputs struct{}

// OpenOutputs returns an error on non-Linux platforms.
func OpenOutputs(chipName string, offsets []int) (*RealOutputs, error) {
	return nil, errUnsupported
}

// Set is not implemented on non-Linux platforms.
func (r *RealOutputs) Set(line int, on bool) error {
	return errUnsupported
}

// Close is not implemented on non-Linux platforms.
func (r *RealOutputs) Close() error {
	return nil
}
