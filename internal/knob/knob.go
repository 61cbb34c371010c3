// Package knob decodes the volume knob's quadrature encoder and publishes
// Up/Down messages carrying a step count.
package knob

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sweeney/musicbox/internal/bus"
	"github.com/sweeney/musicbox/internal/clock"
)

// Levels reads the current logical level of an input line.
type Levels interface {
	Active(line int) (bool, error)
}

// Publisher accepts bus messages.
type Publisher interface {
	Publish(msg bus.Message) error
}

// Config holds the encoder wiring and timing.
type Config struct {
	PinA            int
	PinB            int
	Poll            time.Duration
	PulsesPerDetent int
	// Detents turned in the same direction within VelocityWindow raise
	// the step count, up to MaxSteps.
	VelocityWindow time.Duration
	MaxSteps       int
}

// DefaultConfig returns settings for a common 4-pulse detent encoder.
func DefaultConfig(pinA, pinB int) Config {
	return Config{
		PinA:            pinA,
		PinB:            pinB,
		Poll:            2 * time.Millisecond,
		PulsesPerDetent: 4,
		VelocityWindow:  300 * time.Millisecond,
		MaxSteps:        4,
	}
}

// transitions maps prev<<2|cur to a pulse direction. Invalid (skipped)
// transitions decode to zero.
var transitions = [16]int{0, -1, 1, 0, 1, 0, 0, -1, -1, 0, 0, 1, 0, 1, -1, 0}

type detent struct {
	at  time.Time
	dir int
}

// Knob is a polled quadrature decoder.
type Knob struct {
	cfg    Config
	in     Levels
	clock  clock.Clock
	pub    Publisher
	logger logrus.FieldLogger

	mu     sync.Mutex
	primed bool
	prev   int
	pulses int
	recent []detent
}

// New creates a Knob.
func New(cfg Config, in Levels, clk clock.Clock, pub Publisher, logger logrus.FieldLogger) *Knob {
	if cfg.PulsesPerDetent <= 0 {
		cfg.PulsesPerDetent = 1
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 1
	}
	return &Knob{
		cfg:    cfg,
		in:     in,
		clock:  clk,
		pub:    pub,
		logger: logger.WithField("component", "knob"),
		recent: make([]detent, 0, 16),
	}
}

// Sample reads both lines once and publishes when a full detent has been
// turned. It returns the signed step count published, or zero.
func (k *Knob) Sample() int {
	a, err := k.in.Active(k.cfg.PinA)
	if err != nil {
		k.logger.WithField("error", err).Debug("read knob line a")
		return 0
	}
	b, err := k.in.Active(k.cfg.PinB)
	if err != nil {
		k.logger.WithField("error", err).Debug("read knob line b")
		return 0
	}
	cur := 0
	if a {
		cur |= 2
	}
	if b {
		cur |= 1
	}

	k.mu.Lock()
	if !k.primed {
		k.primed = true
		k.prev = cur
		k.mu.Unlock()
		return 0
	}
	if cur == k.prev {
		k.mu.Unlock()
		return 0
	}
	k.pulses += transitions[k.prev<<2|cur]
	k.prev = cur

	dir := 0
	switch {
	case k.pulses >= k.cfg.PulsesPerDetent:
		dir = 1
	case k.pulses <= -k.cfg.PulsesPerDetent:
		dir = -1
	}
	if dir == 0 {
		k.mu.Unlock()
		return 0
	}
	k.pulses = 0
	steps := k.addDetent(dir)
	k.mu.Unlock()

	state := bus.VolumeUp
	if dir < 0 {
		state = bus.VolumeDown
	}
	if err := k.pub.Publish(bus.New(bus.SourceVolume, state, steps)); err != nil {
		k.logger.WithField("error", err).Warn("publish knob step")
	}
	return dir * steps
}

// addDetent records a detent and returns the step count for it. Called
// with k.mu held.
func (k *Knob) addDetent(dir int) int {
	now := k.clock.Now()
	cutoff := now.Add(-k.cfg.VelocityWindow)

	kept := k.recent[:0]
	for _, d := range k.recent {
		if d.at.After(cutoff) {
			kept = append(kept, d)
		}
	}
	kept = append(kept, detent{at: now, dir: dir})
	k.recent = kept

	same := 0
	for _, d := range kept {
		if d.dir == dir {
			same++
		}
	}
	if same > k.cfg.MaxSteps {
		same = k.cfg.MaxSteps
	}
	return same
}

// Run polls until ctx is done.
func (k *Knob) Run(ctx context.Context) {
	ticker := time.NewTicker(k.cfg.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.Sample()
		}
	}
}
