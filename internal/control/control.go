// Package control builds the dispatch table that routes bus messages to
// the state machine and the adapters.
package control

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sweeney/musicbox/internal/bus"
	"github.com/sweeney/musicbox/internal/button"
	"github.com/sweeney/musicbox/internal/machine"
)

// Machine is the part of the state machine the router drives.
type Machine interface {
	Transition(target machine.State) machine.Outcome
	Current() machine.State
}

// Player covers the playback operations that are not state transitions.
type Player interface {
	ToggleRandom() (bool, error)
	AdjustVolume(delta int) (int, error)
	Stop() error
}

// Portal starts and stops the captive portal.
type Portal interface {
	Start() error
	Stop() error
	Active() bool
}

// LEDs is the indicator subset the router touches directly.
type LEDs interface {
	TurnOff(name string)
	TurnOffAll()
	Blink(name string, cycle time.Duration)
	OneshotOn(name string, d time.Duration)
}

// Config holds the router's tunables.
type Config struct {
	VolumeStep  int
	WiFiOneshot time.Duration
	PortalBlink time.Duration
}

// DefaultConfig returns the standard router settings.
func DefaultConfig() Config {
	return Config{
		VolumeStep:  2,
		WiFiOneshot: 3 * time.Second,
		PortalBlink: time.Second,
	}
}

// Router owns the routing table. Handlers run on the dispatch goroutine;
// anything that talks to a device is handed to a worker.
type Router struct {
	cfg     Config
	machine Machine
	player  Player
	portal  Portal
	leds    LEDs
	logger  logrus.FieldLogger

	workers sync.WaitGroup
}

// New creates a Router.
func New(cfg Config, m Machine, p Player, portal Portal, leds LEDs, logger logrus.FieldLogger) *Router {
	return &Router{
		cfg:     cfg,
		machine: m,
		player:  p,
		portal:  portal,
		leds:    leds,
		logger:  logger.WithField("component", "control"),
	}
}

// Settle waits for spawned workers.
func (r *Router) Settle() {
	r.workers.Wait()
}

// Table returns the dispatch table.
func (r *Router) Table() bus.Table {
	return bus.Table{
		bus.SourceButton: {
			button.Play:                     r.to(machine.Play),
			button.Stop:                     r.to(machine.Stop),
			button.Preset1:                  r.to(machine.Preset1),
			button.Preset2:                  r.to(machine.Preset2),
			button.Preset3:                  r.to(machine.Preset3),
			button.Stop + button.LongSuffix: r.togglePortal,
			button.Play + button.LongSuffix: r.toggleRandom,
		},
		bus.SourceVolume: {
			bus.VolumeUp:   r.volume(1),
			bus.VolumeDown: r.volume(-1),
		},
		bus.SourceUSB: {
			bus.USBMounted:            r.usbMounted,
			bus.USBUnmounted:          r.to(machine.UsbAbsent),
			string(bus.USBUnreadable): r.to(machine.Error),
		},
		bus.SourceWiFi: {
			bus.WiFiOnline:  func(bus.Message) { r.leds.OneshotOn(machine.LEDWiFi, r.cfg.WiFiOneshot) },
			bus.WiFiOffline: func(bus.Message) { r.leds.TurnOff(machine.LEDWiFi) },
		},
		bus.SourceWebPortal: {
			bus.PortalStarted:  func(bus.Message) { r.leds.Blink(machine.LEDWiFi, r.cfg.PortalBlink) },
			bus.PortalStopped:  func(bus.Message) { r.leds.TurnOff(machine.LEDWiFi) },
			bus.PortalPlaySong: r.to(machine.PlaySongFromWeb),
		},
		bus.SourceRelay: {
			bus.RelayConnected:    r.relayConnected,
			bus.RelayPlaying:      r.to(machine.SpotifyConnect),
			bus.RelayPaused:       r.relayIdle,
			bus.RelayStopped:      r.relayIdle,
			bus.RelayDisconnected: r.relayIdle,
		},
		bus.SourceSystem: {
			bus.SystemShutdown: r.shutdown,
		},
	}
}

func (r *Router) to(target machine.State) bus.Handler {
	return func(msg bus.Message) {
		out := r.machine.Transition(target)
		r.logger.WithFields(logrus.Fields{
			"message": msg.String(),
			"target":  target,
			"outcome": out,
		}).Debug("transition requested")
	}
}

func (r *Router) usbMounted(msg bus.Message) {
	if r.machine.Current() != machine.UsbAbsent {
		return
	}
	r.machine.Transition(machine.Idle)
}

func (r *Router) relayIdle(msg bus.Message) {
	if r.machine.Current() != machine.SpotifyConnect {
		return
	}
	r.machine.Transition(machine.Idle)
}

func (r *Router) relayConnected(msg bus.Message) {
	r.logger.Info("remote relay session connected")
}

func (r *Router) volume(sign int) bus.Handler {
	return func(msg bus.Message) {
		steps, ok := msg.Int(0)
		if !ok || steps <= 0 {
			steps = 1
		}
		delta := sign * steps * r.cfg.VolumeStep
		r.spawn(func() {
			vol, err := r.player.AdjustVolume(delta)
			if err != nil {
				r.logger.WithFields(logrus.Fields{"delta": delta, "error": err}).Warn("adjust volume")
				return
			}
			r.logger.WithField("volume", vol).Debug("volume")
		})
	}
}

func (r *Router) togglePortal(msg bus.Message) {
	r.spawn(func() {
		if r.portal.Active() {
			if err := r.portal.Stop(); err != nil {
				r.logger.WithField("error", err).Warn("stop portal")
			}
			return
		}
		if err := r.portal.Start(); err != nil {
			r.logger.WithField("error", err).Warn("start portal")
		}
	})
}

func (r *Router) toggleRandom(msg bus.Message) {
	r.spawn(func() {
		on, err := r.player.ToggleRandom()
		if err != nil {
			r.logger.WithField("error", err).Warn("toggle random")
			return
		}
		r.logger.WithField("random", on).Info("random mode")
	})
}

func (r *Router) shutdown(msg bus.Message) {
	r.logger.Info("shutdown requested")
	r.leds.TurnOffAll()
	r.spawn(func() {
		if err := r.player.Stop(); err != nil {
			r.logger.WithField("error", err).Warn("stop playback")
		}
	})
}

func (r *Router) spawn(fn func()) {
	r.workers.Add(1)
	go func() {
		defer r.workers.Done()
		fn()
	}()
}
