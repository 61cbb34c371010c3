// Package network tracks whether the box can reach the outside world and
// reports changes on the bus.
package network

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sweeney/musicbox/internal/bus"
)

// Probe reports whether the network is usable.
type Probe func(ctx context.Context) error

// TCPProbe returns a probe that opens and closes a TCP connection to addr.
func TCPProbe(addr string, timeout time.Duration) Probe {
	return func(ctx context.Context) error {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// Publisher accepts bus messages.
type Publisher interface {
	Publish(msg bus.Message) error
}

// Watcher runs a probe on an interval.
type Watcher struct {
	probe    Probe
	interval time.Duration
	pub      Publisher
	logger   logrus.FieldLogger

	mu      sync.RWMutex
	known   bool
	online  bool
	changed time.Time
}

// NewWatcher creates a Watcher.
func NewWatcher(probe Probe, interval time.Duration, pub Publisher, logger logrus.FieldLogger) *Watcher {
	return &Watcher{
		probe:    probe,
		interval: interval,
		pub:      pub,
		logger:   logger.WithField("component", "network"),
	}
}

// Online reports the last probe result. It is false until the first probe.
func (w *Watcher) Online() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.online
}

// Since returns when connectivity last changed.
func (w *Watcher) Since() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.changed
}

// Check probes once and publishes when connectivity changed. The first
// check always publishes.
func (w *Watcher) Check(ctx context.Context) bool {
	err := w.probe(ctx)
	online := err == nil

	now := time.Now()
	w.mu.Lock()
	changed := !w.known || w.online != online
	w.known = true
	w.online = online
	if changed {
		w.changed = now
	}
	w.mu.Unlock()

	if !changed {
		return online
	}

	state := bus.WiFiOffline
	if online {
		state = bus.WiFiOnline
		w.logger.Info("network online")
	} else {
		w.logger.WithField("error", err).Warn("network offline")
	}
	if perr := w.pub.Publish(bus.New(bus.SourceWiFi, state, now)); perr != nil {
		w.logger.WithField("error", perr).Warn("publish network change")
	}
	return online
}

// Run probes until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	w.Check(ctx)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}
