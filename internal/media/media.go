// Package media watches the USB stick mountpoint the music library lives
// on and reports mount changes on the bus.
package media

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/sweeney/musicbox/internal/bus"
)

// Status is the observed state of the mountpoint.
type Status int

const (
	Unknown Status = iota
	Absent
	Mounted
	Unreadable
)

func (s Status) String() string {
	switch s {
	case Absent:
		return "absent"
	case Mounted:
		return "mounted"
	case Unreadable:
		return "unreadable"
	}
	return "unknown"
}

// Probe inspects a mountpoint.
type Probe func(mountpoint string) Status

// StatProbe reports Mounted when mountpoint lives on a different device
// than its parent directory and its listing can be read.
func StatProbe(mountpoint string) Status {
	var st, parent unix.Stat_t
	if err := unix.Stat(mountpoint, &st); err != nil {
		return Absent
	}
	if err := unix.Stat(filepath.Dir(filepath.Clean(mountpoint)), &parent); err != nil {
		return Absent
	}
	if st.Dev == parent.Dev {
		return Absent
	}
	if _, err := os.ReadDir(mountpoint); err != nil {
		return Unreadable
	}
	return Mounted
}

// Publisher accepts bus messages.
type Publisher interface {
	Publish(msg bus.Message) error
}

// Watcher polls a mountpoint.
type Watcher struct {
	mountpoint string
	interval   time.Duration
	probe      Probe
	pub        Publisher
	logger     logrus.FieldLogger

	mu     sync.RWMutex
	status Status
}

// NewWatcher creates a Watcher. A nil probe uses StatProbe.
func NewWatcher(mountpoint string, interval time.Duration, probe Probe, pub Publisher, logger logrus.FieldLogger) *Watcher {
	if probe == nil {
		probe = StatProbe
	}
	return &Watcher{
		mountpoint: mountpoint,
		interval:   interval,
		probe:      probe,
		pub:        pub,
		logger:     logger.WithField("component", "media"),
	}
}

// Present reports whether media is plugged in, readable or not.
func (w *Watcher) Present() bool {
	s := w.Status()
	return s == Mounted || s == Unreadable
}

// Status returns the last observed status.
func (w *Watcher) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// Check probes once and publishes when the status changed.
func (w *Watcher) Check() Status {
	s := w.probe(w.mountpoint)

	w.mu.Lock()
	prev := w.status
	w.status = s
	w.mu.Unlock()

	if s == prev {
		return s
	}
	w.logger.WithFields(logrus.Fields{"mountpoint": w.mountpoint, "from": prev, "to": s}).Info("media changed")

	var msg bus.Message
	switch s {
	case Mounted:
		msg = bus.New(bus.SourceUSB, bus.USBMounted, time.Now())
	case Absent:
		msg = bus.New(bus.SourceUSB, bus.USBUnmounted, time.Now())
	case Unreadable:
		msg = bus.Failure(bus.SourceUSB, bus.USBUnreadable, time.Now())
	default:
		return s
	}
	if err := w.pub.Publish(msg); err != nil {
		w.logger.WithField("error", err).Warn("publish media change")
	}
	return s
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check()
		}
	}
}
