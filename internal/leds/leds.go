// Package leds drives the front panel indicators over GPIO output lines.
package leds

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sweeney/musicbox/internal/clock"
	"github.com/sweeney/musicbox/internal/gpio"
)

// Mode is what an LED is currently doing.
type Mode string

const (
	Off      Mode = "off"
	On       Mode = "on"
	Blinking Mode = "blink"
	Oneshot  Mode = "oneshot"
)

type led struct {
	pin  int
	lit  bool
	mode Mode
	// seq invalidates the pending blink or oneshot timer.
	seq   uint64
	timer clock.Timer
}

// Driver owns the LED lines. Safe for concurrent use.
type Driver struct {
	out    gpio.Outputs
	clock  clock.Clock
	logger logrus.FieldLogger

	mu   sync.Mutex
	leds map[string]*led
}

// New creates a Driver for the named pins.
func New(out gpio.Outputs, pins map[string]int, clk clock.Clock, logger logrus.FieldLogger) *Driver {
	d := &Driver{
		out:    out,
		clock:  clk,
		logger: logger.WithField("component", "leds"),
		leds:   make(map[string]*led, len(pins)),
	}
	for name, pin := range pins {
		d.leds[name] = &led{pin: pin, mode: Off}
	}
	return d
}

// TurnOn lights name steadily.
func (d *Driver) TurnOn(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l := d.get(name); l != nil {
		d.reset(l)
		l.mode = On
		d.write(name, l, true)
	}
}

// TurnOff darkens name.
func (d *Driver) TurnOff(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l := d.get(name); l != nil {
		d.reset(l)
		d.write(name, l, false)
	}
}

// TurnOffAll darkens every LED.
func (d *Driver) TurnOffAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, l := range d.leds {
		d.reset(l)
		d.write(name, l, false)
	}
}

// Blink toggles name every half cycle until another call changes it.
func (d *Driver) Blink(name string, cycle time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l := d.get(name)
	if l == nil {
		return
	}
	d.reset(l)
	l.mode = Blinking
	half := cycle / 2
	if half <= 0 {
		half = 250 * time.Millisecond
	}
	d.write(name, l, true)
	d.armBlink(name, l, l.seq, half)
}

func (d *Driver) armBlink(name string, l *led, seq uint64, half time.Duration) {
	l.timer = d.clock.AfterFunc(half, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if l.seq != seq {
			return
		}
		d.write(name, l, !l.lit)
		d.armBlink(name, l, seq, half)
	})
}

// OneshotOn lights name for dur, then turns it off.
func (d *Driver) OneshotOn(name string, dur time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l := d.get(name)
	if l == nil {
		return
	}
	d.reset(l)
	l.mode = Oneshot
	d.write(name, l, true)
	seq := l.seq
	l.timer = d.clock.AfterFunc(dur, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if l.seq != seq {
			return
		}
		l.mode = Off
		l.timer = nil
		d.write(name, l, false)
	})
}

// Mode returns what name is doing.
func (d *Driver) Mode(name string) Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.leds[name]; ok {
		return l.mode
	}
	return Off
}

// Snapshot returns the mode of every LED.
func (d *Driver) Snapshot() map[string]Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]Mode, len(d.leds))
	for name, l := range d.leds {
		out[name] = l.mode
	}
	return out
}

// Close stops every timer and darkens the LEDs.
func (d *Driver) Close() error {
	d.TurnOffAll()
	return d.out.Close()
}

func (d *Driver) get(name string) *led {
	l, ok := d.leds[name]
	if !ok {
		d.logger.WithField("led", name).Debug("unknown led")
		return nil
	}
	return l
}

// reset cancels any timer owned by l. Called with d.mu held.
func (d *Driver) reset(l *led) {
	l.seq++
	l.mode = Off
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

func (d *Driver) write(name string, l *led, lit bool) {
	l.lit = lit
	if err := d.out.Set(l.pin, lit); err != nil {
		d.logger.WithFields(logrus.Fields{"led": name, "error": err}).Warn("set led")
	}
}
