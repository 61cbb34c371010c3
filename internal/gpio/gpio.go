// Package gpio provides the front panel's GPIO lines with hardware
// abstraction. The real implementation uses the Linux GPIO character
// device; the fakes allow testing without hardware.
package gpio

// EdgeHandler receives the offset of an input line whose level changed.
// It runs on the GPIO subsystem's event goroutine.
type EdgeHandler func(line int)

// Inputs reads requested input lines.
type Inputs interface {
	// Active reports whether line is at its logical active level
	// (active-low lines are already inverted).
	Active(line int) (bool, error)

	// Close releases the lines.
	Close() error
}

// Outputs drives requested output lines.
type Outputs interface {
	Set(line int, on bool) error
	Close() error
}

// DefaultChip is the Raspberry Pi header's GPIO chip.
const DefaultChip = "gpiochip0"

// Default pin assignments (BCM numbering).
const (
	PinPlay    = 17
	PinStop    = 27
	PinPreset1 = 22
	PinPreset2 = 23
	PinPreset3 = 24

	PinLEDPlay    = 5
	PinLEDStop    = 6
	PinLEDPreset1 = 13
	PinLEDPreset2 = 19
	PinLEDPreset3 = 26
	PinLEDWiFi    = 12
	PinLEDSpotify = 16

	PinKnobA = 20
	PinKnobB = 21
)
