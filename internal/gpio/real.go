//go:build linux

package gpio

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// RealInputs reads input lines from the GPIO character device.
type RealInputs struct {
	chip  *gpiocdev.Chip
	lines map[int]*gpiocdev.Line
}

// OpenInputs requests lines as inputs. When handler is non-nil, both edges
// are watched and every edge is reported to it.
func OpenInputs(chipName string, offsets []int, activeLow bool, handler EdgeHandler) (*RealInputs, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	opts := []gpiocdev.LineReqOption{gpiocdev.AsInput}
	if activeLow {
		opts = append(opts, gpiocdev.AsActiveLow, gpiocdev.WithPullUp)
	} else {
		opts = append(opts, gpiocdev.WithPullDown)
	}
	if handler != nil {
		opts = append(opts,
			gpiocdev.WithBothEdges,
			gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) {
				handler(evt.Offset)
			}))
	}

	in := &RealInputs{chip: chip, lines: make(map[int]*gpiocdev.Line)}
	for _, offset := range offsets {
		line, err := chip.RequestLine(offset, opts...)
		if err != nil {
			in.Close()
			return nil, fmt.Errorf("request input pin %d: %w", offset, err)
		}
		in.lines[offset] = line
	}
	return in, nil
}

// Active returns the logical level of line.
func (r *RealInputs) Active(line int) (bool, error) {
	l, ok := r.lines[line]
	if !ok {
		return false, fmt.Errorf("pin %d not requested", line)
	}
	v, err := l.Value()
	if err != nil {
		return false, fmt.Errorf("read pin %d: %w", line, err)
	}
	return v == 1, nil
}

// Close releases the lines and the chip.
func (r *RealInputs) Close() error {
	var errs []error
	for offset, l := range r.lines {
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pin %d: %w", offset, err))
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

// RealOutputs drives output lines on the GPIO character device.
type RealOutputs struct {
	chip  *gpiocdev.Chip
	lines map[int]*gpiocdev.Line
}

// OpenOutputs requests lines as outputs, initially low.
func OpenOutputs(chipName string, offsets []int) (*RealOutputs, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	out := &RealOutputs{chip: chip, lines: make(map[int]*gpiocdev.Line)}
	for _, offset := range offsets {
		line, err := chip.RequestLine(offset, gpiocdev.AsOutput(0))
		if err != nil {
			out.Close()
			return nil, fmt.Errorf("request output pin %d: %w", offset, err)
		}
		out.lines[offset] = line
	}
	return out, nil
}

// Set drives line high (on) or low.
func (r *RealOutputs) Set(line int, on bool) error {
	l, ok := r.lines[line]
	if !ok {
		return fmt.Errorf("pin %d not requested", line)
	}
	v := 0
	if on {
		v = 1
	}
	if err := l.SetValue(v); err != nil {
		return fmt.Errorf("set pin %d: %w", line, err)
	}
	return nil
}

// Close releases the lines.
// Outputs are reconfigured to input with pull-down (matching Pi boot
// defaults) first so LEDs go dark and nothing is driven across a reboot.
func (r *RealOutputs) Close() error {
	var errs []error
	for offset, l := range r.lines {
		if err := l.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure pin %d: %w", offset, err))
		}
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pin %d: %w", offset, err))
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
